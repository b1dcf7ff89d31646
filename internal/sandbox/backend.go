package sandbox

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"judge-sandbox/internal/config"
	"judge-sandbox/internal/monitor"
	langs "judge-sandbox/internal/runtime"
	"judge-sandbox/internal/workspace"
)

// ImageEnsurer is implemented by runtimes that can pre-pull images.
type ImageEnsurer interface {
	EnsureImage(ctx context.Context, ref string) error
}

// NewRuntime picks the best available backend: containerd on Linux, Docker elsewhere.
func NewRuntime(ctx context.Context, cfg *config.Config) (ContainerRuntime, error) {
	preference := cfg.Sandbox.Backend
	if preference == "" {
		preference = "auto"
	}

	switch preference {
	case "containerd":
		rt, err := newContainerdRuntime(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrNoBackend, err)
		}
		return rt, nil
	case "docker":
		rt, err := NewDockerRuntime(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrNoBackend, err)
		}
		return rt, nil
	case "auto":
		if runtime.GOOS == "linux" {
			rt, err := newContainerdRuntime(ctx, cfg)
			if err == nil {
				log.Info().Msg("using containerd backend")
				return rt, nil
			}
			log.Warn().Err(err).Msg("containerd unavailable, trying Docker")
		}

		rt, err := NewDockerRuntime(ctx)
		if err == nil {
			log.Info().Msg("using Docker backend")
			return rt, nil
		}

		return nil, fmt.Errorf("%w: install Docker (macOS/Windows) or containerd (Linux): %w", ErrNoBackend, err)
	default:
		return nil, fmt.Errorf("unknown backend %q: must be auto, containerd, or docker", preference)
	}
}

func newContainerdRuntime(ctx context.Context, cfg *config.Config) (ContainerRuntime, error) {
	client, err := NewClient(ctx, cfg.Sandbox.ContainerdSocket, cfg.Sandbox.Namespace)
	if err != nil {
		return nil, err
	}
	return NewContainerdRuntime(client), nil
}

// NewFromConfig wires a Service from configuration: registry, workspace
// provisioner, limits and a runtime. It sweeps leftovers from a previous
// process before returning and starts the periodic sweeper.
func NewFromConfig(ctx context.Context, cfg *config.Config, metrics *monitor.Metrics, tracer *monitor.Tracer) (*Service, error) {
	registry, err := langs.NewRegistry(cfg.Descriptors()...)
	if err != nil {
		return nil, fmt.Errorf("building language registry: %w", err)
	}

	provisioner, err := workspace.NewProvisioner(cfg.Sandbox.WorkspaceDir)
	if err != nil {
		return nil, err
	}
	if os.Geteuid() == 0 {
		policy := DefaultUnitPolicy()
		provisioner.Owner = &workspace.Owner{UID: int(policy.UID), GID: int(policy.GID)}
	} else {
		log.Warn().Msg("not running as root: workspaces are world-writable and files the program creates may outlive cleanup")
	}

	limits, err := NewLimits(cfg.Sandbox.MemoryLimit, cfg.Sandbox.PidsLimit, cfg.Sandbox.CPUs, cfg.Sandbox.TmpfsMB)
	if err != nil {
		return nil, err
	}

	rt, err := NewRuntime(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if cfg.Sandbox.PullImagesOnStart {
		if err := pullImages(ctx, rt, registry.Images()); err != nil {
			_ = rt.Close()
			return nil, err
		}
	}

	svc := NewService(Options{
		Deadline:       cfg.Sandbox.Timeout,
		Limits:         limits,
		PoolSize:       cfg.Sandbox.PoolSize,
		QueueSize:      cfg.Sandbox.QueueSize,
		QueueTimeout:   cfg.Sandbox.QueueTimeout,
		CleanupTimeout: cfg.Sandbox.CleanupTimeout,
		MaxOutputBytes: cfg.Sandbox.MaxOutputBytes,
	}, registry, provisioner, rt, WithMetrics(metrics), WithTracer(tracer))

	log.Info().
		Str("backend", rt.Name()).
		Dur("deadline", cfg.Sandbox.Timeout).
		Str("limits", limits.String()).
		Strs("languages", registry.Languages()).
		Msg("sandbox service ready")

	if res, err := svc.Sweep(ctx); err != nil {
		log.Warn().Err(err).Msg("failed to clean up orphans on startup")
	} else if res.Units > 0 || res.Workspaces > 0 {
		log.Info().Int("units", res.Units).Int("workspaces", res.Workspaces).Msg("cleaned orphans on startup")
	}
	svc.StartSweeper(cfg.Sandbox.OrphanSweepInterval)

	return svc, nil
}

// pullImages fetches every language image, a few at a time.
func pullImages(ctx context.Context, rt ContainerRuntime, images []string) error {
	ensurer, ok := rt.(ImageEnsurer)
	if !ok {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(3)
	for _, ref := range images {
		g.Go(func() error {
			start := time.Now()
			if err := ensurer.EnsureImage(gctx, ref); err != nil {
				return fmt.Errorf("pulling %s: %w", ref, err)
			}
			log.Debug().Str("image", ref).Dur("took", time.Since(start)).Msg("image ready")
			return nil
		})
	}
	return g.Wait()
}
