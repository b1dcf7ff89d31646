package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"judge-sandbox/internal/workspace"
)

func TestRelease_ExactlyOnce(t *testing.T) {
	rt := newFakeRuntime()
	prov, err := workspace.NewProvisioner(t.TempDir())
	require.NoError(t, err)
	c := NewCleaner(rt, prov, "self", time.Second, nil)

	ws, err := prov.Provision("x", ".py")
	require.NoError(t, err)
	c.Track("sandbox-a")

	c.Release("sandbox-a", ws, zerolog.Nop())
	c.Release("sandbox-a", ws, zerolog.Nop())

	assert.Len(t, rt.removedHandles(), 1)
	assert.NoDirExists(t, ws.Root)
	assert.Zero(t, c.Live())
}

func TestRelease_UntrackedHandleIsIgnored(t *testing.T) {
	rt := newFakeRuntime()
	c := NewCleaner(rt, nil, "self", time.Second, nil)

	c.Release("sandbox-never-tracked", nil, zerolog.Nop())
	c.Release("", nil, zerolog.Nop())

	assert.Empty(t, rt.removedHandles())
}

func TestSweep(t *testing.T) {
	rt := newFakeRuntime()
	base := t.TempDir()
	prov, err := workspace.NewProvisioner(base)
	require.NoError(t, err)
	c := NewCleaner(rt, prov, "self", time.Second, nil)

	live := startFake(t, rt, "hang")
	c.Track(live)
	rt.leak("sandbox-mine", "self", 0)
	rt.leak("sandbox-crashed", "other", time.Hour)
	// Another process's in-flight unit, and one whose age is unknown.
	rt.leak("sandbox-busy", "other", time.Second)
	rt.stale["sandbox-unknown"] = ManagedUnit{Handle: "sandbox-unknown", Instance: "other"}

	fresh, err := prov.Provision("a", ".c")
	require.NoError(t, err)
	old, err := prov.Provision("b", ".c")
	require.NoError(t, err)
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(old.Root, past, past))

	// Unrelated directories are never touched.
	other := filepath.Join(base, "not-ours")
	require.NoError(t, os.Mkdir(other, 0o755))
	require.NoError(t, os.Chtimes(other, past, past))

	res, err := c.Sweep(context.Background(), 10*time.Minute)
	require.NoError(t, err)

	assert.Equal(t, SweepResult{Units: 2, Workspaces: 1}, res)
	assert.ElementsMatch(t, []Handle{"sandbox-mine", "sandbox-crashed"}, rt.removedHandles())
	assert.True(t, rt.hasStale("sandbox-busy"))
	assert.True(t, rt.hasStale("sandbox-unknown"))
	assert.DirExists(t, fresh.Root)
	assert.NoDirExists(t, old.Root)
	assert.DirExists(t, other)
}

func TestRunSweeper_StopsWithContext(t *testing.T) {
	rt := newFakeRuntime()
	rt.leak("sandbox-dead", "other", time.Hour)
	c := NewCleaner(rt, nil, "self", time.Second, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.RunSweeper(ctx, 10*time.Millisecond, time.Minute)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return len(rt.removedHandles()) == 1
	}, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
