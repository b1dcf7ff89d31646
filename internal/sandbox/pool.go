package sandbox

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"judge-sandbox/internal/monitor"
)

// WorkerPool runs executions on a fixed set of goroutines fed by a bounded
// queue. Pool size bounds concurrent units, and so aggregate memory.
type WorkerPool struct {
	size    int
	jobs    chan *task
	metrics *monitor.Metrics

	mu     sync.RWMutex // guards closed and sends on jobs
	closed bool
	wg     sync.WaitGroup
	active atomic.Int64
}

type task struct {
	ctx    context.Context
	run    func(context.Context)
	future *Future
}

const (
	futurePending int32 = iota
	futureRunning
	futureSkipped
)

// Future completes when its job has run or was skipped.
type Future struct {
	done  chan struct{}
	state atomic.Int32
}

func (f *Future) Done() <-chan struct{} { return f.done }

// Skipped reports whether the job never ran. Only meaningful after Done.
func (f *Future) Skipped() bool { return f.state.Load() == futureSkipped }

// Cancel withdraws a job that no worker has picked up yet. It returns false
// once the job is running; the caller must then wait for Done.
func (f *Future) Cancel() bool {
	return f.state.CompareAndSwap(futurePending, futureSkipped) || f.state.Load() == futureSkipped
}

// PoolStats is a point-in-time view of the pool.
type PoolStats struct {
	Workers int   `json:"workers"`
	Queued  int   `json:"queued"`
	Active  int64 `json:"active"`
}

func NewWorkerPool(size, queueSize int, metrics *monitor.Metrics) *WorkerPool {
	if size < 1 {
		size = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	p := &WorkerPool{
		size:    size,
		jobs:    make(chan *task, queueSize),
		metrics: metrics,
	}
	for range size {
		p.wg.Add(1)
		go p.worker()
	}
	log.Info().Int("workers", size).Int("queue", queueSize).Msg("worker pool started")
	return p
}

// Submit queues fn. It blocks while the queue is full until ctx ends.
func (p *WorkerPool) Submit(ctx context.Context, fn func(context.Context)) (*Future, error) {
	return p.SubmitWithin(ctx, 0, fn)
}

// SubmitWithin is Submit with the wait for queue space also bounded by
// maxWait. Zero means no bound. fn still runs with ctx.
func (p *WorkerPool) SubmitWithin(ctx context.Context, maxWait time.Duration, fn func(context.Context)) (_ *Future, err error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, ErrClosed
	}

	var expired <-chan time.Time
	if maxWait > 0 {
		timer := time.NewTimer(maxWait)
		defer timer.Stop()
		expired = timer.C
	}

	t := &task{ctx: ctx, run: fn, future: &Future{done: make(chan struct{})}}
	if p.metrics != nil {
		p.metrics.QueueDepth.Inc()
	}
	select {
	case p.jobs <- t:
		return t.future, nil
	case <-expired:
		err = fmt.Errorf("%w: no queue slot within %s", ErrQueueFull, maxWait)
	case <-ctx.Done():
		err = fmt.Errorf("%w: %w", ErrQueueFull, ctx.Err())
	}
	if p.metrics != nil {
		p.metrics.QueueDepth.Dec()
	}
	return nil, err
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()
	for t := range p.jobs {
		if p.metrics != nil {
			p.metrics.QueueDepth.Dec()
		}
		if t.ctx.Err() != nil {
			t.future.state.CompareAndSwap(futurePending, futureSkipped)
		}
		if !t.future.state.CompareAndSwap(futurePending, futureRunning) {
			close(t.future.done)
			continue
		}
		p.runTask(t)
	}
}

func (p *WorkerPool) runTask(t *task) {
	p.active.Add(1)
	if p.metrics != nil {
		p.metrics.ActiveExecutions.Inc()
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("worker recovered from panic")
		}
		p.active.Add(-1)
		if p.metrics != nil {
			p.metrics.ActiveExecutions.Dec()
		}
		close(t.future.done)
	}()
	t.run(t.ctx)
}

// Stats returns the current pool occupancy.
func (p *WorkerPool) Stats() PoolStats {
	return PoolStats{
		Workers: p.size,
		Queued:  len(p.jobs),
		Active:  p.active.Load(),
	}
}

// Close stops intake and waits for queued and running jobs until ctx ends.
func (p *WorkerPool) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.jobs)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Msg("worker pool drained")
		return nil
	case <-ctx.Done():
		log.Warn().Int64("active", p.active.Load()).Msg("timed out waiting for worker pool to drain")
		return ctx.Err()
	}
}
