package sandbox

import (
	"context"
	"fmt"

	"github.com/containerd/containerd/containers"
	"github.com/containerd/containerd/oci"
	"github.com/docker/docker/api/types/container"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"judge-sandbox/pkg/seccomp"
)

// UnitPolicy is the privilege policy every isolation unit runs under,
// whichever runtime launches it.
type UnitPolicy struct {
	UID, GID      uint32
	Seccomp       *specs.LinuxSeccomp
	Namespaces    []specs.LinuxNamespaceType
	MaskedPaths   []string
	ReadonlyPaths []string
}

// DefaultUnitPolicy runs as nobody with no capabilities. The private
// network namespace has no interfaces, which is what keeps units offline
// under containerd.
func DefaultUnitPolicy() UnitPolicy {
	return UnitPolicy{
		UID:     65534,
		GID:     65534,
		Seccomp: seccomp.DefaultProfile(),
		Namespaces: []specs.LinuxNamespaceType{
			specs.PIDNamespace,
			specs.NetworkNamespace,
			specs.MountNamespace,
			specs.UTSNamespace,
			specs.IPCNamespace,
		},
		MaskedPaths: []string{
			"/proc/acpi",
			"/proc/kcore",
			"/proc/keys",
			"/proc/latency_stats",
			"/proc/timer_list",
			"/proc/timer_stats",
			"/proc/sched_debug",
			"/proc/scsi",
			"/sys/firmware",
			"/sys/devices/virtual/powercap",
		},
		ReadonlyPaths: []string{
			"/proc/asound",
			"/proc/bus",
			"/proc/fs",
			"/proc/irq",
			"/proc/sys",
			"/proc/sysrq-trigger",
		},
	}
}

// User is the uid:gid form Docker expects.
func (p UnitPolicy) User() string {
	return fmt.Sprintf("%d:%d", p.UID, p.GID)
}

// SpecOpt applies the policy to a containerd OCI spec.
func (p UnitPolicy) SpecOpt() oci.SpecOpts {
	return func(_ context.Context, _ oci.Client, _ *containers.Container, s *specs.Spec) error {
		p.applyOCI(s)
		return nil
	}
}

func (p UnitPolicy) applyOCI(s *specs.Spec) {
	if s.Linux == nil {
		s.Linux = &specs.Linux{}
	}
	if s.Process == nil {
		s.Process = &specs.Process{}
	}

	none := []string{}
	s.Process.Capabilities = &specs.LinuxCapabilities{
		Bounding:    none,
		Effective:   none,
		Inheritable: none,
		Permitted:   none,
		Ambient:     none,
	}
	s.Process.NoNewPrivileges = true
	s.Process.User = specs.User{UID: p.UID, GID: p.GID}

	namespaces := make([]specs.LinuxNamespace, 0, len(p.Namespaces))
	for _, t := range p.Namespaces {
		namespaces = append(namespaces, specs.LinuxNamespace{Type: t})
	}
	s.Linux.Namespaces = namespaces
	s.Linux.Seccomp = p.Seccomp
	s.Linux.MaskedPaths = p.MaskedPaths
	s.Linux.ReadonlyPaths = p.ReadonlyPaths

	if s.Root != nil {
		s.Root.Readonly = true
	}
}

// applyDocker mirrors the policy onto Engine API create options. An empty
// seccompJSON leaves the daemon's default profile in place.
func (p UnitPolicy) applyDocker(cfg *container.Config, hc *container.HostConfig, seccompJSON string) {
	cfg.User = p.User()
	hc.ReadonlyRootfs = true
	hc.CapDrop = []string{"ALL"}
	hc.SecurityOpt = append(hc.SecurityOpt, "no-new-privileges")
	if seccompJSON != "" {
		hc.SecurityOpt = append(hc.SecurityOpt, "seccomp="+seccompJSON)
	}
	hc.MaskedPaths = p.MaskedPaths
	hc.ReadonlyPaths = p.ReadonlyPaths
}
