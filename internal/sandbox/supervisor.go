package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"judge-sandbox/internal/monitor"
)

const (
	defaultMaxOutput = 1 << 20 // 1MB
	collectTimeout   = 10 * time.Second
)

// Outcome is what the supervisor learned about one unit.
type Outcome struct {
	Exit    *int
	Output  string
	Elapsed time.Duration
	Err     error
}

// Supervisor waits on units with a deadline and collects their output.
type Supervisor struct {
	rt        ContainerRuntime
	maxOutput int
	metrics   *monitor.Metrics
}

func NewSupervisor(rt ContainerRuntime, maxOutput int, metrics *monitor.Metrics) *Supervisor {
	if maxOutput <= 0 {
		maxOutput = defaultMaxOutput
	}
	return &Supervisor{rt: rt, maxOutput: maxOutput, metrics: metrics}
}

// Await blocks until h exits, deadline passes, or ctx is canceled.
// Elapsed is measured from started. A non-zero exit is not an error.
func (s *Supervisor) Await(ctx context.Context, h Handle, deadline time.Duration, started time.Time, logger zerolog.Logger) Outcome {
	waitCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	waitStart := time.Now()
	status, err := s.rt.Wait(waitCtx, h)
	s.metrics.ObserveRuntime(s.rt.Name(), "wait", time.Since(waitStart).Seconds())

	switch {
	case err == nil:
		code := status.Code
		out := Outcome{Exit: &code}
		logs, logErr := s.collect(ctx, h)
		out.Output = logs
		out.Elapsed = time.Since(started)

		switch {
		case status.OOMKilled:
			logger.Warn().Int("exit_code", code).Msg("unit killed by OOM killer")
			out.Err = ErrMemoryExceeded
		case logErr != nil:
			out.Err = fmt.Errorf("%w: %w", ErrLogRetrieval, logErr)
		}
		return out

	case ctx.Err() != nil:
		// Caller gave up; stop the unit now rather than at the deadline.
		logger.Info().Msg("caller canceled, killing unit")
		s.kill(ctx, h, logger)
		return Outcome{
			Elapsed: time.Since(started),
			Err:     fmt.Errorf("%w: %w", ErrCanceled, ctx.Err()),
		}

	case errors.Is(waitCtx.Err(), context.DeadlineExceeded):
		logger.Warn().Dur("deadline", deadline).Msg("execution timed out, killing unit")
		s.kill(ctx, h, logger)
		partial, logErr := s.collect(ctx, h)
		if logErr != nil {
			logger.Debug().Err(logErr).Msg("no partial output after timeout")
		}
		return Outcome{
			Output:  partial,
			Elapsed: max(time.Since(started), deadline),
			Err:     fmt.Errorf("%w after %s", ErrTimeout, deadline),
		}

	default:
		return Outcome{
			Elapsed: time.Since(started),
			Err:     fmt.Errorf("%w: %w", ErrWait, err),
		}
	}
}

func (s *Supervisor) collect(ctx context.Context, h Handle) (string, error) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), collectTimeout)
	defer cancel()

	start := time.Now()
	logs, err := s.rt.Logs(cctx, h)
	s.metrics.ObserveRuntime(s.rt.Name(), "logs", time.Since(start).Seconds())
	return truncateOutput(logs, s.maxOutput), err
}

func (s *Supervisor) kill(ctx context.Context, h Handle, logger zerolog.Logger) {
	kctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), collectTimeout)
	defer cancel()
	if err := s.rt.Kill(kctx, h); err != nil {
		logger.Error().Err(err).Msg("failed to kill unit")
	}
}

// truncateOutput cuts s to at most maxBytes without splitting a rune.
func truncateOutput(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "\n... [output truncated]"
}
