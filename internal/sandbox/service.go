package sandbox

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"math"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"

	"judge-sandbox/internal/monitor"
	"judge-sandbox/internal/runtime"
	"judge-sandbox/internal/workspace"
)

// ExecutionResult is the outcome of one Execute call. It is always fully
// populated; ErrorKind is empty when the program ran to completion.
type ExecutionResult struct {
	ID         string        `json:"id"`
	Language   string        `json:"language"`
	Stdout     string        `json:"stdout"`
	ExitStatus *int          `json:"exit_status"`
	Elapsed    time.Duration `json:"-"`
	ErrorKind  ErrorKind     `json:"error_kind,omitempty"`
	Error      string        `json:"error,omitempty"`
	CodeHash   string        `json:"code_hash"`
}

// ElapsedSeconds is Elapsed rounded to the millisecond.
func (r ExecutionResult) ElapsedSeconds() float64 {
	return math.Round(r.Elapsed.Seconds()*1000) / 1000
}

// MarshalJSON reports Elapsed as elapsed_seconds.
func (r ExecutionResult) MarshalJSON() ([]byte, error) {
	type plain ExecutionResult
	return json.Marshal(struct {
		plain
		ElapsedSeconds float64 `json:"elapsed_seconds"`
	}{plain(r), r.ElapsedSeconds()})
}

// Options tune a Service. Zero values fall back to defaults.
type Options struct {
	Deadline       time.Duration
	Limits         Limits
	PoolSize       int
	QueueSize      int
	CleanupTimeout time.Duration
	MaxOutputBytes int

	// QueueTimeout bounds how long an execution may wait for a worker
	// before it fails with QueueFull. Zero waits as long as the caller does.
	QueueTimeout time.Duration
}

type Option func(*Service)

func WithMetrics(m *monitor.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithTracer(t *monitor.Tracer) Option {
	return func(s *Service) { s.tracer = t }
}

// Service executes untrusted source in isolation units. It holds no global
// state; construct one per process and share it.
type Service struct {
	registry     *runtime.Registry
	provisioner  *workspace.Provisioner
	rt           ContainerRuntime
	deadline     time.Duration
	queueTimeout time.Duration

	launcher   *Launcher
	supervisor *Supervisor
	cleaner    *Cleaner
	pool       *WorkerPool

	metrics *monitor.Metrics
	tracer  *monitor.Tracer

	stopSweeper context.CancelFunc
}

func NewService(opts Options, registry *runtime.Registry, provisioner *workspace.Provisioner, rt ContainerRuntime, extra ...Option) *Service {
	if opts.Deadline <= 0 {
		opts.Deadline = 30 * time.Second
	}
	s := &Service{
		registry:     registry,
		provisioner:  provisioner,
		rt:           rt,
		deadline:     opts.Deadline,
		queueTimeout: opts.QueueTimeout,
		stopSweeper:  func() {},
	}
	for _, o := range extra {
		o(s)
	}
	instance := uuid.NewString()
	s.launcher = NewLauncher(rt, opts.Limits, instance, s.metrics)
	s.supervisor = NewSupervisor(rt, opts.MaxOutputBytes, s.metrics)
	s.cleaner = NewCleaner(rt, provisioner, instance, opts.CleanupTimeout, s.metrics)
	s.pool = NewWorkerPool(opts.PoolSize, opts.QueueSize, s.metrics)
	return s
}

// Execute runs source as language and returns the classified result.
// Unknown languages and invalid sources are rejected before anything is
// allocated. Expected failures are reported in the result, never as a panic.
func (s *Service) Execute(ctx context.Context, language, source string) (res ExecutionResult) {
	execID := uuid.New().String()
	codeHash := fmt.Sprintf("%x", sha256.Sum256([]byte(source)))
	res = ExecutionResult{ID: execID, Language: language, CodeHash: codeHash}

	logger := log.With().
		Str("exec_id", execID).
		Str("language", language).
		Str("code_hash", codeHash[:16]).
		Logger()

	ctx, span := s.tracer.StartSpan(ctx, "execute",
		monitor.AttrExecID.String(execID),
		monitor.AttrLanguage.String(language),
		monitor.AttrCodeHash.String(codeHash[:16]),
	)
	var outcome Outcome
	defer func() {
		res.Stdout = outcome.Output
		res.ExitStatus = outcome.Exit
		res.Elapsed = outcome.Elapsed
		if outcome.Err != nil {
			res.ErrorKind = KindOf(outcome.Err)
			res.Error = outcome.Err.Error()
		}
		s.finish(&res, outcome.Err, span, logger)
	}()

	if s.metrics != nil {
		s.metrics.CodeSizeBytes.Observe(float64(len(source)))
	}

	d, err := s.registry.Resolve(language)
	if err != nil {
		outcome.Err = err
		return res
	}
	if err := d.Validate(source); err != nil {
		outcome.Err = fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		return res
	}

	logger.Info().Msg("execution requested")

	// queueExpired bounds the time until a worker picks the job up, both
	// waiting for queue space and sitting in the queue.
	var queueExpired <-chan time.Time
	if s.queueTimeout > 0 {
		timer := time.NewTimer(s.queueTimeout)
		defer timer.Stop()
		queueExpired = timer.C
	}

	var jobOutcome Outcome
	fut, err := s.pool.SubmitWithin(ctx, s.queueTimeout, func(jobCtx context.Context) {
		jobOutcome = s.run(jobCtx, execID, d, source, logger)
	})
	if err != nil {
		outcome.Err = err
		return res
	}

	expired := false
	select {
	case <-fut.Done():
	case <-queueExpired:
		if fut.Cancel() {
			expired = true
			break
		}
		// Picked up in time: the job owns the rest of the wait.
		select {
		case <-fut.Done():
		case <-ctx.Done():
			<-fut.Done()
		}
	case <-ctx.Done():
		if !fut.Cancel() {
			// Already running: the supervisor sees ctx and kills the unit.
			<-fut.Done()
		}
	}

	if fut.Skipped() {
		if expired {
			outcome.Err = fmt.Errorf("%w: not started within %s", ErrQueueFull, s.queueTimeout)
		} else {
			outcome.Err = fmt.Errorf("%w: %w", ErrCanceled, context.Cause(ctx))
		}
		return res
	}
	outcome = jobOutcome
	return res
}

// run is the worker-side pipeline: provision, launch, await, always clean up.
func (s *Service) run(ctx context.Context, execID string, d runtime.LanguageDescriptor, source string, logger zerolog.Logger) (out Outcome) {
	var (
		ws     *workspace.Workspace
		handle Handle
	)
	defer func() {
		s.cleaner.Release(handle, ws, logger)
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Str("stack", string(debug.Stack())).Msg("execution panicked")
			out = Outcome{Err: fmt.Errorf("panic during execution: %v", r)}
		}
	}()

	if d.NeedsWorkspace() {
		_, span := s.tracer.StartSpan(ctx, "provision")
		var err error
		ws, err = s.provisioner.Provision(source, d.Extension)
		monitor.EndSpan(span, err)
		if err != nil {
			return Outcome{Err: err}
		}
	}

	spec := s.launcher.Spec(execID, d, source, ws)
	handle = Handle(spec.Name)
	s.cleaner.Track(handle)

	started := time.Now()
	launchCtx, span := s.tracer.StartSpan(ctx, "launch", monitor.AttrBackend.String(s.rt.Name()))
	_, err := s.launcher.Launch(launchCtx, spec)
	monitor.EndSpan(span, err)
	if err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("%w: %w", ErrCanceled, ctx.Err())
		}
		return Outcome{Err: err, Elapsed: time.Since(started)}
	}
	logger.Debug().Str("handle", string(handle)).Msg("unit started")

	awaitCtx, span := s.tracer.StartSpan(ctx, "await")
	out = s.supervisor.Await(awaitCtx, handle, s.deadline, started, logger)
	monitor.EndSpan(span, out.Err)
	return out
}

func (s *Service) finish(res *ExecutionResult, err error, span trace.Span, logger zerolog.Logger) {
	if res.ExitStatus != nil {
		span.SetAttributes(monitor.AttrExitCode.Int(*res.ExitStatus))
	}
	span.SetAttributes(monitor.AttrErrorKind.String(string(res.ErrorKind)))
	monitor.EndSpan(span, err)

	s.metrics.RecordExecution(res.Language, string(res.ErrorKind), res.Elapsed.Seconds(), len(res.Stdout))

	ev := logger.Info()
	switch res.ErrorKind {
	case KindNone:
	case KindUnsupportedLanguage, KindInvalidRequest:
		ev = logger.Debug()
	case KindTimeout, KindCanceled, KindMemoryExceeded:
		ev = logger.Warn()
	default:
		ev = logger.Error().Err(err)
	}
	if res.ExitStatus != nil {
		ev = ev.Int("exit_code", *res.ExitStatus)
	}
	ev.Dur("duration", res.Elapsed).
		Str("error_kind", string(res.ErrorKind)).
		Msg("execution completed")
}

// Languages returns the registered language ids, sorted.
func (s *Service) Languages() []string {
	return s.registry.Languages()
}

// Registry exposes the read-only language table.
func (s *Service) Registry() *runtime.Registry {
	return s.registry
}

// Backend names the isolation runtime in use.
func (s *Service) Backend() string {
	return s.rt.Name()
}

// Healthy pings the isolation runtime.
func (s *Service) Healthy(ctx context.Context) error {
	return s.rt.Ping(ctx)
}

// Stats reports pool occupancy and the number of live units.
func (s *Service) Stats() (PoolStats, int) {
	return s.pool.Stats(), s.cleaner.Live()
}

// Sweep removes leaked units and workspaces once.
func (s *Service) Sweep(ctx context.Context) (SweepResult, error) {
	return s.cleaner.Sweep(ctx, s.staleAge())
}

// StartSweeper runs the orphan sweep in the background until Close.
func (s *Service) StartSweeper(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	s.stopSweeper = cancel
	go s.cleaner.RunSweeper(ctx, interval, s.staleAge())
}

// A unit or workspace older than this cannot belong to a running execution.
func (s *Service) staleAge() time.Duration {
	return s.deadline + s.cleaner.timeout + time.Minute
}

// Close stops the sweeper, drains the pool and closes the runtime client.
func (s *Service) Close(ctx context.Context) error {
	s.stopSweeper()
	poolErr := s.pool.Close(ctx)
	if err := s.rt.Close(); err != nil {
		return fmt.Errorf("closing %s runtime: %w", s.rt.Name(), err)
	}
	return poolErr
}
