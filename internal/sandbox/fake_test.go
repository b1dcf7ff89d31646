package sandbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// script tells the fake runtime how a unit behaves.
type script struct {
	output string
	code   int
	delay  time.Duration
	hang   bool
	oom    bool
	panics bool
}

// scriptFor derives behaviour from the submitted source, so tests read
// like the programs they pretend to run.
func scriptFor(source string) script {
	switch {
	case source == "hang":
		return script{hang: true}
	case source == "panic":
		return script{panics: true}
	case source == "oom":
		return script{output: "partial", code: 137, oom: true}
	case strings.HasPrefix(source, "exit "):
		return script{output: "bye\n", code: 3}
	case strings.HasPrefix(source, "sleep"):
		return script{output: "slept\n", delay: 150 * time.Millisecond}
	default:
		return script{output: "hello\n"}
	}
}

type fakeUnit struct {
	spec     LaunchSpec
	script   script
	born     time.Time
	killed   chan struct{}
	killOnce sync.Once
}

type fakeRuntime struct {
	mu      sync.Mutex
	units   map[Handle]*fakeUnit
	stale   map[Handle]ManagedUnit
	created []Handle
	removed []Handle
	kills   []Handle

	createErr error
	logsErr   error
	removeErr error

	running    atomic.Int32
	maxRunning atomic.Int32
}

var _ ContainerRuntime = (*fakeRuntime)(nil)
var _ OrphanLister = (*fakeRuntime)(nil)

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		units: make(map[Handle]*fakeUnit),
		stale: make(map[Handle]ManagedUnit),
	}
}

func (f *fakeRuntime) Name() string { return "fake" }

func sourceOf(spec LaunchSpec) string {
	if len(spec.Mounts) == 0 {
		return spec.Command[len(spec.Command)-1]
	}
	entries, err := os.ReadDir(spec.Mounts[0].Source)
	if err != nil || len(entries) == 0 {
		return ""
	}
	data, _ := os.ReadFile(filepath.Join(spec.Mounts[0].Source, entries[0].Name()))
	return string(data)
}

func (f *fakeRuntime) CreateAndStart(_ context.Context, spec LaunchSpec) (Handle, error) {
	h := Handle(spec.Name)
	sc := scriptFor(sourceOf(spec))

	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, h)
	if sc.panics {
		panic("runtime exploded")
	}
	if f.createErr != nil {
		return h, f.createErr
	}
	f.units[h] = &fakeUnit{spec: spec, script: sc, born: time.Now(), killed: make(chan struct{})}
	n := f.running.Add(1)
	for {
		cur := f.maxRunning.Load()
		if n <= cur || f.maxRunning.CompareAndSwap(cur, n) {
			break
		}
	}
	return h, nil
}

func (f *fakeRuntime) unit(h Handle) (*fakeUnit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.units[h]
	if !ok {
		return nil, errors.New("no such unit")
	}
	return u, nil
}

func (f *fakeRuntime) Wait(ctx context.Context, h Handle) (ExitStatus, error) {
	u, err := f.unit(h)
	if err != nil {
		return ExitStatus{}, err
	}
	var timer <-chan time.Time
	if !u.script.hang {
		timer = time.After(u.script.delay)
	}
	select {
	case <-timer:
		return ExitStatus{Code: u.script.code, OOMKilled: u.script.oom}, nil
	case <-u.killed:
		return ExitStatus{Code: 137}, nil
	case <-ctx.Done():
		return ExitStatus{}, ctx.Err()
	}
}

func (f *fakeRuntime) Logs(_ context.Context, h Handle) (string, error) {
	if f.logsErr != nil {
		return "", f.logsErr
	}
	u, err := f.unit(h)
	if err != nil {
		return "", err
	}
	return u.script.output, nil
}

func (f *fakeRuntime) Kill(_ context.Context, h Handle) error {
	f.mu.Lock()
	f.kills = append(f.kills, h)
	u := f.units[h]
	f.mu.Unlock()
	if u != nil {
		u.killOnce.Do(func() { close(u.killed) })
	}
	return nil
}

func (f *fakeRuntime) Remove(_ context.Context, h Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, h)
	if f.removeErr != nil {
		return f.removeErr
	}
	if _, ok := f.units[h]; ok {
		delete(f.units, h)
		f.running.Add(-1)
	}
	delete(f.stale, h)
	return nil
}

func (f *fakeRuntime) ListManaged(context.Context) ([]ManagedUnit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ManagedUnit
	for h, u := range f.units {
		out = append(out, ManagedUnit{Handle: h, Instance: u.spec.Labels[LabelInstance], Created: u.born})
	}
	for _, u := range f.stale {
		out = append(out, u)
	}
	return out, nil
}

// leak plants a unit the runtime reports but no Service is running, as if
// instance had crashed age ago.
func (f *fakeRuntime) leak(h Handle, instance string, age time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stale[h] = ManagedUnit{Handle: h, Instance: instance, Created: time.Now().Add(-age)}
}

func (f *fakeRuntime) hasStale(h Handle) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.stale[h]
	return ok
}

func (f *fakeRuntime) Ping(context.Context) error { return nil }
func (f *fakeRuntime) Close() error               { return nil }

func (f *fakeRuntime) counts() (created, removed, kills, live int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created), len(f.removed), len(f.kills), len(f.units)
}

func (f *fakeRuntime) removedHandles() []Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Handle(nil), f.removed...)
}
