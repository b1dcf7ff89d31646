package api

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"judge-sandbox/internal/runtime"
	"judge-sandbox/internal/sandbox"
	"judge-sandbox/internal/workspace"
)

// blockingRuntime starts every unit and keeps it running until release.
type blockingRuntime struct {
	once    sync.Once
	release chan struct{}
}

func newBlockingRuntime() *blockingRuntime {
	return &blockingRuntime{release: make(chan struct{})}
}

func (b *blockingRuntime) Name() string { return "blocking" }

func (b *blockingRuntime) CreateAndStart(_ context.Context, spec sandbox.LaunchSpec) (sandbox.Handle, error) {
	return sandbox.Handle(spec.Name), nil
}

func (b *blockingRuntime) Wait(ctx context.Context, _ sandbox.Handle) (sandbox.ExitStatus, error) {
	select {
	case <-b.release:
		return sandbox.ExitStatus{}, nil
	case <-ctx.Done():
		return sandbox.ExitStatus{}, ctx.Err()
	}
}

func (b *blockingRuntime) Logs(context.Context, sandbox.Handle) (string, error) { return "done\n", nil }
func (b *blockingRuntime) Kill(context.Context, sandbox.Handle) error           { return nil }
func (b *blockingRuntime) Remove(context.Context, sandbox.Handle) error         { return nil }
func (b *blockingRuntime) Ping(context.Context) error                           { return nil }
func (b *blockingRuntime) Close() error                                         { return nil }

func (b *blockingRuntime) unblock() { b.once.Do(func() { close(b.release) }) }

func TestHandleExecute_SaturatedServiceAnswersQueueFull(t *testing.T) {
	prov, err := workspace.NewProvisioner(t.TempDir())
	require.NoError(t, err)
	rt := newBlockingRuntime()
	svc := sandbox.NewService(sandbox.Options{
		Deadline:     10 * time.Second,
		PoolSize:     1,
		QueueSize:    0,
		QueueTimeout: 50 * time.Millisecond,
		Limits:       sandbox.Limits{MemoryBytes: 128 << 20, PidsLimit: 64, NanoCPUs: 1e9},
	}, runtime.NewDefaultRegistry(), prov, rt)
	t.Cleanup(func() {
		rt.unblock()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Close(ctx)
	})
	h, _ := newTestServer(t, svc)

	first := make(chan int, 1)
	go func() {
		first <- postExecute(t, h, `{"language":"python","code":"print(1)"}`).Code
	}()
	require.Eventually(t, func() bool {
		stats, _ := svc.Stats()
		return stats.Active == 1
	}, 2*time.Second, 5*time.Millisecond)

	start := time.Now()
	rec := postExecute(t, h, `{"language":"python","code":"print(2)"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, string(sandbox.KindQueueFull), decode[ExecutionResponse](t, rec).ErrorKind)
	assert.Less(t, time.Since(start), 5*time.Second)

	rt.unblock()
	assert.Equal(t, http.StatusOK, <-first)
}
