package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/containers"
	"github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog/log"
)

// Client wraps the containerd client with connection management and health checking.
type Client struct {
	inner     *containerd.Client
	socket    string
	namespace string

	mu     sync.RWMutex
	closed bool
}

// NewClient creates a new containerd client wrapper.
func NewClient(ctx context.Context, socket, namespace string) (*Client, error) {
	inner, err := containerd.New(socket,
		containerd.WithDefaultNamespace(namespace),
		containerd.WithTimeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to containerd at %s: %w", socket, err)
	}

	if _, err := inner.Version(ctx); err != nil {
		_ = inner.Close()
		return nil, fmt.Errorf("containerd health check failed: %w", err)
	}

	log.Info().
		Str("socket", socket).
		Str("namespace", namespace).
		Msg("connected to containerd")

	return &Client{
		inner:     inner,
		socket:    socket,
		namespace: namespace,
	}, nil
}

// WithNamespace returns a context with the configured namespace.
func (c *Client) WithNamespace(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, c.namespace)
}

// Ping checks that the containerd connection is alive.
func (c *Client) Ping(ctx context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return fmt.Errorf("containerd client closed")
	}
	_, err := c.inner.Version(ctx)
	return err
}

// Close shuts down the containerd client.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	if c.inner != nil {
		return c.inner.Close()
	}
	return nil
}

// PullImage pulls a container image if it's not already available.
func (c *Client) PullImage(ctx context.Context, ref string) (containerd.Image, error) {
	ctx = c.WithNamespace(ctx)

	image, err := c.inner.GetImage(ctx, ref)
	if err == nil {
		return image, nil
	}

	log.Info().Str("ref", ref).Msg("pulling image")
	image, err = c.inner.Pull(ctx, qualifyRef(ref), containerd.WithPullUnpack)
	if err != nil {
		return nil, fmt.Errorf("pulling image %s: %w", ref, err)
	}

	log.Info().Str("ref", ref).Msg("image pulled successfully")
	return image, nil
}

// qualifyRef expands Docker Hub short names, which containerd does not resolve.
func qualifyRef(ref string) string {
	first, _, found := strings.Cut(ref, "/")
	switch {
	case !found:
		return "docker.io/library/" + ref
	case !strings.ContainsAny(first, ".:") && first != "localhost":
		return "docker.io/" + ref
	default:
		return ref
	}
}

// ContainerdRuntime runs units as containerd tasks.
type ContainerdRuntime struct {
	client *Client

	mu    sync.Mutex
	units map[Handle]*containerdUnit
}

type containerdUnit struct {
	container containerd.Container
	task      containerd.Task
	exitCh    <-chan containerd.ExitStatus
	output    *cappedBuffer
	killed    atomic.Bool
}

func NewContainerdRuntime(client *Client) *ContainerdRuntime {
	return &ContainerdRuntime{
		client: client,
		units:  make(map[Handle]*containerdUnit),
	}
}

func (r *ContainerdRuntime) Name() string { return "containerd" }

func (r *ContainerdRuntime) EnsureImage(ctx context.Context, ref string) error {
	_, err := r.client.PullImage(ctx, ref)
	return err
}

func (r *ContainerdRuntime) CreateAndStart(ctx context.Context, spec LaunchSpec) (Handle, error) {
	h := Handle(spec.Name)
	ctx = r.client.WithNamespace(ctx)

	image, err := r.client.PullImage(ctx, spec.Image)
	if err != nil {
		return h, err
	}

	container, err := r.client.inner.NewContainer(ctx, spec.Name,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(spec.Name+"-snapshot", image),
		containerd.WithContainerLabels(spec.Labels),
		containerd.WithNewSpec(
			oci.WithImageConfig(image),
			oci.WithProcessArgs(spec.Command...),
			oci.WithProcessCwd(spec.WorkingDir),
			oci.WithEnv(spec.Env),
			oci.WithHostname("sandbox"),
			oci.WithPidsLimit(spec.Limits.PidsLimit),
			DefaultUnitPolicy().SpecOpt(),
			func(_ context.Context, _ oci.Client, _ *containers.Container, s *specs.Spec) error {
				ApplyResourceLimits(s, spec.Limits)
				for _, m := range spec.Mounts {
					mode := "rw"
					if m.ReadOnly {
						mode = "ro"
					}
					s.Mounts = append(s.Mounts, specs.Mount{
						Destination: m.Target,
						Type:        "bind",
						Source:      m.Source,
						Options:     []string{"rbind", mode},
					})
				}
				return nil
			},
		),
	)
	if err != nil {
		return h, fmt.Errorf("creating container: %w", err)
	}

	// Failures below leave a container that Remove finds by name.
	u := &containerdUnit{container: container, output: newCappedBuffer(4 << 20)}
	task, err := container.NewTask(ctx, cio.NewCreator(cio.WithStreams(nil, u.output, u.output)))
	if err != nil {
		return h, fmt.Errorf("creating task: %w", err)
	}
	u.task = task

	// Registered from here on so Remove deletes through this task, which
	// owns the FIFO set.
	r.mu.Lock()
	r.units[h] = u
	r.mu.Unlock()

	// Subscribe before start so a fast exit is not missed.
	exitCh, err := task.Wait(context.WithoutCancel(ctx))
	if err != nil {
		return h, fmt.Errorf("waiting on task: %w", err)
	}
	u.exitCh = exitCh

	if err := task.Start(ctx); err != nil {
		return h, fmt.Errorf("starting task: %w", err)
	}
	return h, nil
}

func (r *ContainerdRuntime) unit(h Handle) (*containerdUnit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.units[h]
	if !ok {
		return nil, fmt.Errorf("unknown unit %s: %w", h, errdefs.ErrNotFound)
	}
	return u, nil
}

func (r *ContainerdRuntime) Wait(ctx context.Context, h Handle) (ExitStatus, error) {
	u, err := r.unit(h)
	if err != nil {
		return ExitStatus{}, err
	}
	select {
	case st := <-u.exitCh:
		code, _, err := st.Result()
		if err != nil {
			return ExitStatus{}, err
		}
		// A SIGKILL we did not send inside a memory-capped unit is the OOM killer.
		oom := code == 128+uint32(syscall.SIGKILL) && !u.killed.Load()
		return ExitStatus{Code: int(code), OOMKilled: oom}, nil
	case <-ctx.Done():
		return ExitStatus{}, ctx.Err()
	}
}

func (r *ContainerdRuntime) Logs(ctx context.Context, h Handle) (string, error) {
	u, err := r.unit(h)
	if err != nil {
		return "", err
	}
	// Let the copy goroutines flush what the process wrote.
	done := make(chan struct{})
	go func() {
		u.task.IO().Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
	}
	return u.output.String(), nil
}

func (r *ContainerdRuntime) Kill(ctx context.Context, h Handle) error {
	u, err := r.unit(h)
	if err != nil {
		return nil
	}
	u.killed.Store(true)
	if err := u.task.Kill(r.client.WithNamespace(ctx), syscall.SIGKILL); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("killing task %s: %w", h, err)
	}
	return nil
}

func (r *ContainerdRuntime) Remove(ctx context.Context, h Handle) error {
	ctx = r.client.WithNamespace(ctx)

	r.mu.Lock()
	u, ok := r.units[h]
	delete(r.units, h)
	r.mu.Unlock()

	if ok {
		if u.task != nil {
			deleteTask(ctx, u.task, u.exitCh)
		}
		return deleteContainer(ctx, u.container)
	}

	// Orphans from another process: the FIFOs of their IO are not ours to close.
	container, err := r.client.inner.LoadContainer(ctx, string(h))
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("loading container %s: %w", h, err)
	}
	if task, err := container.Task(ctx, nil); err == nil {
		deleteTask(ctx, task, nil)
	}
	return deleteContainer(ctx, container)
}

// deleteTask kills task if it still runs, waits briefly for it to stop and
// deletes it. Deleting the task that was created with our IO also closes
// that IO and removes its FIFO directory.
func deleteTask(ctx context.Context, task containerd.Task, exitCh <-chan containerd.ExitStatus) {
	logger := log.With().Str("container_id", task.ID()).Logger()

	if status, err := task.Status(ctx); err == nil && status.Status != containerd.Stopped {
		logger.Debug().Msg("killing running task")
		_ = task.Kill(ctx, syscall.SIGKILL)

		waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if exitCh == nil {
			exitCh, _ = task.Wait(waitCtx)
		}
		if exitCh != nil {
			select {
			case <-exitCh:
			case <-waitCtx.Done():
				logger.Warn().Msg("timed out waiting for task to stop")
			}
		}
	}

	if _, err := task.Delete(ctx, containerd.WithProcessKill); err != nil && !errdefs.IsNotFound(err) {
		logger.Warn().Err(err).Msg("failed to delete task")
		// Delete only closes the IO on success.
		if io := task.IO(); io != nil {
			io.Cancel()
			_ = io.Close()
		}
	}
}

func deleteContainer(ctx context.Context, container containerd.Container) error {
	id := container.ID()
	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("deleting container %s: %w", id, err)
	}
	log.Debug().Str("container_id", id).Msg("container cleaned up")
	return nil
}

func (r *ContainerdRuntime) ListManaged(ctx context.Context) ([]ManagedUnit, error) {
	ctx = r.client.WithNamespace(ctx)
	list, err := r.client.inner.Containers(ctx, fmt.Sprintf("labels.%q==true", LabelManaged))
	if err != nil {
		return nil, fmt.Errorf("listing containers: %w", err)
	}
	units := make([]ManagedUnit, 0, len(list))
	for _, c := range list {
		u := ManagedUnit{Handle: Handle(c.ID())}
		if info, err := c.Info(ctx, containerd.WithoutRefreshedMetadata); err == nil {
			u.Instance = info.Labels[LabelInstance]
			u.Created = info.CreatedAt
		}
		units = append(units, u)
	}
	return units, nil
}

func (r *ContainerdRuntime) Ping(ctx context.Context) error {
	return r.client.Ping(ctx)
}

func (r *ContainerdRuntime) Close() error {
	return r.client.Close()
}

// cappedBuffer collects task output up to a byte limit; the rest is dropped.
type cappedBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func newCappedBuffer(limit int) *cappedBuffer {
	return &cappedBuffer{limit: limit}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
