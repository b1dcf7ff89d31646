package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	units "github.com/docker/go-units"
	"github.com/rs/zerolog/log"

	"judge-sandbox/pkg/seccomp"
)

// DockerRuntime runs units through the Docker Engine API.
type DockerRuntime struct {
	cli     *client.Client
	seccomp string

	mu     sync.Mutex
	images map[string]bool // refs known to be present locally
}

// NewDockerRuntime connects to the daemon from the environment (DOCKER_HOST
// or the active docker context) and verifies it answers.
func NewDockerRuntime(ctx context.Context) (*DockerRuntime, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host := resolveDockerHost(); host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(pingCtx); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("docker daemon not reachable: %w", err)
	}

	profile, err := seccomp.DockerProfileJSON()
	if err != nil {
		_ = cli.Close()
		return nil, err
	}

	log.Info().Str("host", cli.DaemonHost()).Msg("connected to docker")
	return &DockerRuntime{
		cli:     cli,
		seccomp: string(profile),
		images:  make(map[string]bool),
	}, nil
}

// resolveDockerHost figures out the Docker socket. On macOS, Docker Desktop uses
// a context-specific socket that child processes don't inherit.
func resolveDockerHost() string {
	if os.Getenv("DOCKER_HOST") != "" {
		return "" // client.FromEnv already picks it up
	}
	if _, err := exec.LookPath("docker"); err != nil {
		return ""
	}
	out, err := exec.Command("docker", "context", "inspect", "--format", "{{.Endpoints.docker.Host}}").Output()
	if err != nil {
		return ""
	}
	host := strings.TrimSpace(string(out))
	if host != "" {
		log.Debug().Str("docker_host", host).Msg("resolved Docker host from context")
	}
	return host
}

func (d *DockerRuntime) Name() string { return "docker" }

// EnsureImage pulls ref unless it is already present.
func (d *DockerRuntime) EnsureImage(ctx context.Context, ref string) error {
	d.mu.Lock()
	known := d.images[ref]
	d.mu.Unlock()
	if known {
		return nil
	}

	present, err := d.cli.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", ref)),
	})
	if err != nil {
		return fmt.Errorf("listing images: %w", err)
	}
	if len(present) == 0 {
		log.Info().Str("ref", ref).Msg("pulling image")
		rc, err := d.cli.ImagePull(ctx, ref, image.PullOptions{})
		if err != nil {
			return fmt.Errorf("pulling image %s: %w", ref, err)
		}
		// The pull only completes once the progress stream is drained.
		_, err = io.Copy(io.Discard, rc)
		_ = rc.Close()
		if err != nil {
			return fmt.Errorf("pulling image %s: %w", ref, err)
		}
		log.Info().Str("ref", ref).Msg("image pulled successfully")
	}

	d.mu.Lock()
	d.images[ref] = true
	d.mu.Unlock()
	return nil
}

func (d *DockerRuntime) CreateAndStart(ctx context.Context, spec LaunchSpec) (Handle, error) {
	h := Handle(spec.Name)
	if err := d.EnsureImage(ctx, spec.Image); err != nil {
		return h, err
	}

	cfg, hostCfg := containerConfig(spec, d.seccomp)
	resp, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return h, fmt.Errorf("creating container: %w", err)
	}
	for _, w := range resp.Warnings {
		log.Debug().Str("container", spec.Name).Str("warning", w).Msg("docker create warning")
	}

	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return h, fmt.Errorf("starting container: %w", err)
	}
	return h, nil
}

// containerConfig translates a LaunchSpec into Engine API create options.
func containerConfig(spec LaunchSpec, seccompJSON string) (*container.Config, *container.HostConfig) {
	cfg := &container.Config{
		Image:           spec.Image,
		Cmd:             spec.Command,
		WorkingDir:      spec.WorkingDir,
		Env:             spec.Env,
		Labels:          spec.Labels,
		NetworkDisabled: spec.NetworkDisabled,
	}

	pids := spec.Limits.PidsLimit
	hostCfg := &container.HostConfig{
		Tmpfs: map[string]string{
			"/tmp": fmt.Sprintf("rw,exec,nosuid,nodev,size=%d", spec.Limits.TmpfsBytes),
		},
		Resources: container.Resources{
			Memory:     spec.Limits.MemoryBytes,
			MemorySwap: spec.Limits.MemoryBytes, // no swap beyond the ceiling
			NanoCPUs:   spec.Limits.NanoCPUs,
			PidsLimit:  &pids,
			Ulimits: []*units.Ulimit{
				{Name: "nofile", Soft: 256, Hard: 256},
				{Name: "core", Soft: 0, Hard: 0},
			},
		},
	}
	if spec.NetworkDisabled {
		hostCfg.NetworkMode = "none"
	}
	DefaultUnitPolicy().applyDocker(cfg, hostCfg, seccompJSON)
	for _, m := range spec.Mounts {
		hostCfg.Mounts = append(hostCfg.Mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}
	return cfg, hostCfg
}

func (d *DockerRuntime) Wait(ctx context.Context, h Handle) (ExitStatus, error) {
	statusCh, errCh := d.cli.ContainerWait(ctx, string(h), container.WaitConditionNotRunning)
	select {
	case st := <-statusCh:
		if st.Error != nil && st.Error.Message != "" {
			return ExitStatus{}, fmt.Errorf("container wait: %s", st.Error.Message)
		}
		status := ExitStatus{Code: int(st.StatusCode)}
		info, err := d.cli.ContainerInspect(ctx, string(h))
		if err != nil {
			log.Debug().Err(err).Str("container", string(h)).Msg("inspect after exit failed")
		} else if info.ContainerJSONBase != nil && info.State != nil {
			status.OOMKilled = info.State.OOMKilled
		}
		return status, nil
	case err := <-errCh:
		return ExitStatus{}, err
	case <-ctx.Done():
		return ExitStatus{}, ctx.Err()
	}
}

func (d *DockerRuntime) Logs(ctx context.Context, h Handle) (string, error) {
	rc, err := d.cli.ContainerLogs(ctx, string(h), container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return "", fmt.Errorf("fetching logs: %w", err)
	}
	defer rc.Close()

	// Without a TTY the stream is multiplexed; both halves go to one blob.
	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, rc); err != nil {
		return buf.String(), fmt.Errorf("demultiplexing logs: %w", err)
	}
	return buf.String(), nil
}

func (d *DockerRuntime) Kill(ctx context.Context, h Handle) error {
	err := d.cli.ContainerKill(ctx, string(h), "KILL")
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("killing container %s: %w", h, err)
	}
	return nil
}

func (d *DockerRuntime) Remove(ctx context.Context, h Handle) error {
	err := d.cli.ContainerRemove(ctx, string(h), container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("removing container %s: %w", h, err)
	}
	return nil
}

func (d *DockerRuntime) ListManaged(ctx context.Context) ([]ManagedUnit, error) {
	list, err := d.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelManaged+"=true")),
	})
	if err != nil {
		return nil, err
	}
	units := make([]ManagedUnit, 0, len(list))
	for _, c := range list {
		h := Handle(c.ID)
		if len(c.Names) > 0 {
			h = Handle(strings.TrimPrefix(c.Names[0], "/"))
		}
		units = append(units, ManagedUnit{
			Handle:   h,
			Instance: c.Labels[LabelInstance],
			Created:  time.Unix(c.Created, 0),
		})
	}
	return units, nil
}

func (d *DockerRuntime) Ping(ctx context.Context) error {
	_, err := d.cli.Ping(ctx)
	return err
}

func (d *DockerRuntime) Close() error {
	return d.cli.Close()
}
