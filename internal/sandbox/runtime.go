package sandbox

import (
	"context"
	"time"
)

// Labels stamped on every unit so the orphan sweep can find them.
const (
	LabelManaged  = "judge-sandbox.managed"
	LabelExecID   = "judge-sandbox.exec_id"
	LabelLanguage = "judge-sandbox.language"
	LabelInstance = "judge-sandbox.instance"

	namePrefix = "sandbox-"
	workDir    = "/workspace"
)

// Handle is an opaque reference to one isolation unit. Runtimes use the
// unit name from LaunchSpec, so a handle is known before the unit exists.
type Handle string

type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// Limits are the host resource ceilings for a unit.
type Limits struct {
	MemoryBytes int64
	PidsLimit   int64
	NanoCPUs    int64
	TmpfsBytes  int64
}

// LaunchSpec is everything a runtime needs to create and start a unit.
type LaunchSpec struct {
	Name            string
	Image           string
	Command         []string
	WorkingDir      string
	Mounts          []Mount
	Env             []string
	Limits          Limits
	NetworkDisabled bool
	Labels          map[string]string
}

type ExitStatus struct {
	Code      int
	OOMKilled bool
}

// ContainerRuntime is the isolation backend. Implementations must be safe
// for concurrent use.
type ContainerRuntime interface {
	Name() string

	// CreateAndStart starts the unit detached and returns Handle(spec.Name).
	CreateAndStart(ctx context.Context, spec LaunchSpec) (Handle, error)

	// Wait blocks until the unit exits or ctx ends.
	Wait(ctx context.Context, h Handle) (ExitStatus, error)

	// Logs returns combined stdout and stderr.
	Logs(ctx context.Context, h Handle) (string, error)

	Kill(ctx context.Context, h Handle) error

	// Remove force-removes the unit. Removing an unknown handle is not an error.
	Remove(ctx context.Context, h Handle) error

	Ping(ctx context.Context) error
	Close() error
}

// ManagedUnit is one labelled unit as seen by the orphan sweep.
type ManagedUnit struct {
	Handle   Handle
	Instance string    // LabelInstance of the process that launched it
	Created  time.Time // zero when the runtime does not report it
}

// OrphanLister is implemented by runtimes that can enumerate managed units.
type OrphanLister interface {
	ListManaged(ctx context.Context) ([]ManagedUnit, error)
}
