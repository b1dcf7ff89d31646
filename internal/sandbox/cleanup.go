package sandbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"judge-sandbox/internal/monitor"
	"judge-sandbox/internal/workspace"
)

// Cleaner releases units and workspaces. It owns the set of live handles,
// which is what makes every release happen at most once.
type Cleaner struct {
	rt          ContainerRuntime
	provisioner *workspace.Provisioner
	instance    string
	timeout     time.Duration
	metrics     *monitor.Metrics

	mu   sync.Mutex
	live map[Handle]struct{}
}

// NewCleaner returns a cleaner for units launched under instance. Other
// instances' units are only swept once they are old enough to be dead.
func NewCleaner(rt ContainerRuntime, provisioner *workspace.Provisioner, instance string, timeout time.Duration, metrics *monitor.Metrics) *Cleaner {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Cleaner{
		rt:          rt,
		provisioner: provisioner,
		instance:    instance,
		timeout:     timeout,
		metrics:     metrics,
		live:        make(map[Handle]struct{}),
	}
}

// Track registers h as owned by a running execution.
func (c *Cleaner) Track(h Handle) {
	if h == "" {
		return
	}
	c.mu.Lock()
	c.live[h] = struct{}{}
	c.mu.Unlock()
}

// Live reports the number of handles not yet released.
func (c *Cleaner) Live() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.live)
}

func (c *Cleaner) untrack(h Handle) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.live[h]; !ok {
		return false
	}
	delete(c.live, h)
	return true
}

// Release removes the unit (if tracked) and the workspace (if any).
// It runs on a fresh context so a canceled request is still cleaned up.
// Failures are logged and counted, never returned.
func (c *Cleaner) Release(h Handle, ws *workspace.Workspace, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	if h != "" && c.untrack(h) {
		start := time.Now()
		err := c.rt.Remove(ctx, h)
		c.metrics.ObserveRuntime(c.rt.Name(), "remove", time.Since(start).Seconds())
		if err != nil {
			c.metrics.RecordCleanupFailure("unit")
			logger.Error().Err(fmt.Errorf("%w: %w", ErrCleanup, err)).Str("handle", string(h)).Msg("unit cleanup failed")
		} else {
			logger.Debug().Str("handle", string(h)).Msg("unit removed")
		}
	}

	if ws != nil {
		if err := ws.Remove(); err != nil {
			c.metrics.RecordCleanupFailure("workspace")
			logger.Error().Err(fmt.Errorf("%w: %w", ErrCleanup, err)).Str("workspace", ws.Root).Msg("workspace cleanup failed")
		}
	}
}

// SweepResult counts what one sweep removed.
type SweepResult struct {
	Units      int
	Workspaces int
}

// Sweep removes leaked units and workspaces older than minAge. A unit
// launched by this instance is leaked once it is no longer live. A unit of
// another instance (a second replica, a local CLI run, a crashed process)
// is only removed when it is older than minAge, which no execution outlives.
func (c *Cleaner) Sweep(ctx context.Context, minAge time.Duration) (SweepResult, error) {
	var res SweepResult

	if lister, ok := c.rt.(OrphanLister); ok {
		units, err := lister.ListManaged(ctx)
		if err != nil {
			return res, fmt.Errorf("listing managed units: %w", err)
		}
		now := time.Now()
		for _, u := range units {
			if !c.isOrphan(u, now, minAge) {
				continue
			}
			logger := log.With().Str("handle", string(u.Handle)).Str("instance", u.Instance).Logger()
			logger.Warn().Msg("removing orphaned sandbox unit")
			if err := c.rt.Remove(ctx, u.Handle); err != nil {
				c.metrics.RecordCleanupFailure("unit")
				logger.Error().Err(err).Msg("failed to remove orphaned unit")
				continue
			}
			c.metrics.RecordOrphan("unit")
			res.Units++
		}
	}

	if c.provisioner != nil {
		dirs, err := c.provisioner.Leftovers(minAge)
		if err != nil {
			return res, err
		}
		for _, dir := range dirs {
			if err := workspace.RemoveTree(dir); err != nil {
				c.metrics.RecordCleanupFailure("workspace")
				log.Error().Err(err).Str("workspace", dir).Msg("failed to remove stale workspace")
				continue
			}
			c.metrics.RecordOrphan("workspace")
			res.Workspaces++
		}
	}

	if res.Units > 0 || res.Workspaces > 0 {
		log.Info().Int("units", res.Units).Int("workspaces", res.Workspaces).Msg("cleaned up orphans")
	}
	return res, nil
}

// RunSweeper sweeps every interval until ctx ends.
func (c *Cleaner) RunSweeper(ctx context.Context, interval, minAge time.Duration) {
	if interval <= 0 {
		return
	}
	sweep := func() {
		sctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		if _, err := c.Sweep(sctx, minAge); err != nil {
			log.Warn().Err(err).Msg("orphan sweep failed")
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			sweep()
		case <-ctx.Done():
			return
		}
	}
}

func (c *Cleaner) isOrphan(u ManagedUnit, now time.Time, minAge time.Duration) bool {
	if c.isLive(u.Handle) {
		return false
	}
	if u.Instance == c.instance {
		return true
	}
	return !u.Created.IsZero() && now.Sub(u.Created) >= minAge
}

func (c *Cleaner) isLive(h Handle) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.live[h]
	return ok
}
