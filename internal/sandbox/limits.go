package sandbox

import (
	"fmt"

	units "github.com/docker/go-units"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

const cfsPeriod = uint64(100000) // 100ms in microseconds

// NewLimits builds unit limits from human-readable settings ("128m", 1.5 CPUs).
func NewLimits(memory string, pids int64, cpus float64, tmpfsMB int64) (Limits, error) {
	mem, err := units.RAMInBytes(memory)
	if err != nil {
		return Limits{}, fmt.Errorf("%w: memory limit %q: %w", ErrInvalidRequest, memory, err)
	}
	if mem <= 0 {
		return Limits{}, fmt.Errorf("%w: memory limit must be positive", ErrInvalidRequest)
	}
	if pids < 1 {
		return Limits{}, fmt.Errorf("%w: pids limit must be >= 1", ErrInvalidRequest)
	}
	if cpus <= 0 {
		cpus = 1
	}
	if tmpfsMB <= 0 {
		tmpfsMB = 64
	}
	return Limits{
		MemoryBytes: mem,
		PidsLimit:   pids,
		NanoCPUs:    int64(cpus * 1e9),
		TmpfsBytes:  tmpfsMB * units.MiB,
	}, nil
}

func (l Limits) String() string {
	return fmt.Sprintf("memory=%s pids=%d cpus=%.2f tmpfs=%s",
		units.BytesSize(float64(l.MemoryBytes)), l.PidsLimit,
		float64(l.NanoCPUs)/1e9, units.BytesSize(float64(l.TmpfsBytes)))
}

// ApplyResourceLimits writes l into an OCI spec (containerd backend).
// The pids limit is applied separately with oci.WithPidsLimit.
func ApplyResourceLimits(spec *specs.Spec, l Limits) {
	if spec.Linux == nil {
		spec.Linux = &specs.Linux{}
	}
	if spec.Linux.Resources == nil {
		spec.Linux.Resources = &specs.LinuxResources{}
	}
	if spec.Process == nil {
		spec.Process = &specs.Process{}
	}

	// CFS quota is a hard cap; shares would only be a weight.
	period := cfsPeriod
	quota := int64(float64(l.NanoCPUs) / 1e9 * float64(period))
	if quota < 1000 {
		quota = 1000 // minimum 1ms
	}
	spec.Linux.Resources.CPU = &specs.LinuxCPU{
		Period: &period,
		Quota:  &quota,
	}

	memory := l.MemoryBytes
	swap := l.MemoryBytes
	spec.Linux.Resources.Memory = &specs.LinuxMemory{
		Limit: &memory,
		Swap:  &swap,
	}

	spec.Mounts = appendIfNotExists(spec.Mounts, specs.Mount{
		Destination: "/tmp",
		Type:        "tmpfs",
		Source:      "tmpfs",
		Options: []string{
			"nosuid", "nodev",
			fmt.Sprintf("size=%d", l.TmpfsBytes),
			"mode=1777",
		},
	})

	spec.Process.Rlimits = []specs.POSIXRlimit{
		{Type: "RLIMIT_NOFILE", Hard: 256, Soft: 256},
		{Type: "RLIMIT_FSIZE", Hard: safeUint64(l.TmpfsBytes), Soft: safeUint64(l.TmpfsBytes)},
		{Type: "RLIMIT_CORE", Hard: 0, Soft: 0},
	}
}

func safeUint64(v int64) uint64 {
	if v < 0 {
		return 0
	}
	return uint64(v)
}

func appendIfNotExists(mounts []specs.Mount, m specs.Mount) []specs.Mount {
	for _, existing := range mounts {
		if existing.Destination == m.Destination {
			return mounts
		}
	}
	return append(mounts, m)
}
