package sandbox

import (
	"context"
	"fmt"
	"time"

	"judge-sandbox/internal/monitor"
	"judge-sandbox/internal/runtime"
	"judge-sandbox/internal/workspace"
)

// unitEnv is appended to the image environment of every unit.
var unitEnv = []string{
	"HOME=/tmp",
	"LANG=C.UTF-8",
	"SANDBOX=true",
}

// Launcher starts isolation units. It never waits for them to finish.
type Launcher struct {
	rt       ContainerRuntime
	limits   Limits
	instance string
	metrics  *monitor.Metrics
}

// NewLauncher returns a launcher stamping every unit with instance, the id
// of the owning process.
func NewLauncher(rt ContainerRuntime, limits Limits, instance string, metrics *monitor.Metrics) *Launcher {
	return &Launcher{rt: rt, limits: limits, instance: instance, metrics: metrics}
}

// Spec builds the launch spec for one execution. The workspace is nil for
// inline descriptors.
func (l *Launcher) Spec(execID string, d runtime.LanguageDescriptor, source string, ws *workspace.Workspace) LaunchSpec {
	spec := LaunchSpec{
		Name:            namePrefix + execID,
		Image:           d.Image,
		Command:         d.RenderCommand(source),
		WorkingDir:      "/tmp",
		Env:             append([]string(nil), unitEnv...),
		Limits:          l.limits,
		NetworkDisabled: true,
		Labels: map[string]string{
			LabelManaged:  "true",
			LabelExecID:   execID,
			LabelLanguage: d.ID,
			LabelInstance: l.instance,
		},
	}
	if ws != nil {
		spec.WorkingDir = workDir
		spec.Mounts = []Mount{{Source: ws.Root, Target: workDir}}
	}
	return spec
}

// Launch creates and starts the unit. Whatever was created before a
// failure is still reachable through Handle(spec.Name).
func (l *Launcher) Launch(ctx context.Context, spec LaunchSpec) (Handle, error) {
	start := time.Now()
	h, err := l.rt.CreateAndStart(ctx, spec)
	l.metrics.ObserveRuntime(l.rt.Name(), "create_and_start", time.Since(start).Seconds())
	if err != nil {
		return Handle(spec.Name), fmt.Errorf("%w: %w", ErrLaunch, err)
	}
	return h, nil
}
