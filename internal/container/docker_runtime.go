package container

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"go.uber.org/zap"

	"github.com/constellation-dev/bridge/internal/common/config"
	"github.com/constellation-dev/bridge/internal/common/logger"
	"github.com/constellation-dev/bridge/internal/process"
)

// DockerRuntime talks to the Docker Engine API.
type DockerRuntime struct {
	cli            *client.Client
	logger         *logger.Logger
	maxOutputBytes int64
}

// NewDockerRuntime creates a client from cfg, falling back to the DOCKER_*
// environment when no host is configured.
func NewDockerRuntime(cfg config.DockerConfig, maxOutputBytes int64, log *logger.Logger) (*DockerRuntime, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	if maxOutputBytes <= 0 {
		maxOutputBytes = process.DefaultMaxOutputBytes
	}

	log = log.WithFields(zap.String("component", "docker_runtime"))
	log.Debug("Docker client created", zap.String("host", cli.DaemonHost()))

	return &DockerRuntime{cli: cli, logger: log, maxOutputBytes: maxOutputBytes}, nil
}

func (d *DockerRuntime) Name() string { return "docker-api" }

// Ping checks that the daemon answers.
func (d *DockerRuntime) Ping(ctx context.Context) error {
	_, err := d.cli.Ping(ctx)
	return err
}

// Close closes the Docker client.
func (d *DockerRuntime) Close() error {
	return d.cli.Close()
}

// Create creates and starts the container, pulling the image once if the
// daemon does not have it.
func (d *DockerRuntime) Create(ctx context.Context, spec Spec) (string, error) {
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, p := range spec.Ports {
		port := nat.Port(fmt.Sprintf("%d/tcp", p.Internal))
		exposed[port] = struct{}{}
		bindings[port] = []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: strconv.Itoa(p.External)}}
	}

	containerCfg := &container.Config{
		Image:        spec.Image,
		Cmd:          spec.Cmd,
		Env:          spec.EnvList(),
		WorkingDir:   spec.MountPath,
		Labels:       spec.Labels,
		ExposedPorts: exposed,
	}
	hostCfg := &container.HostConfig{
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: spec.WorkspacePath,
			Target: spec.MountPath,
		}},
		PortBindings: bindings,
		AutoRemove:   true,
	}

	d.logger.Info("Creating container", zap.String("name", spec.Name), zap.String("image", spec.Image))

	resp, err := d.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, spec.Name)
	if err != nil && cerrdefs.IsNotFound(err) {
		if pullErr := d.pullImage(ctx, spec.Image); pullErr != nil {
			return "", pullErr
		}
		resp, err = d.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, spec.Name)
	}
	if err != nil {
		return "", fmt.Errorf("failed to create container %s: %w", spec.Name, err)
	}

	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = d.cli.ContainerRemove(context.WithoutCancel(ctx), resp.ID, container.RemoveOptions{Force: true})
		if isPortConflict(err.Error()) {
			return "", fmt.Errorf("failed to start container %s: %w: %v", spec.Name, ErrPortConflict, err)
		}
		return "", fmt.Errorf("failed to start container %s: %w", spec.Name, err)
	}

	d.logger.Info("Container started", zap.String("id", resp.ID), zap.String("name", spec.Name))
	return resp.ID, nil
}

func (d *DockerRuntime) pullImage(ctx context.Context, ref string) error {
	d.logger.Info("Pulling image", zap.String("image", ref))

	reader, err := d.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	defer reader.Close()

	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("error reading image pull output: %w", err)
	}
	return nil
}

// Stop stops the container. The engine treats stopping a stopped container
// as a no-op, so only a missing container is reported.
func (d *DockerRuntime) Stop(ctx context.Context, ref string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	err := d.cli.ContainerStop(ctx, ref, container.StopOptions{Timeout: &secs})
	switch {
	case err == nil:
		return nil
	case cerrdefs.IsNotFound(err):
		return fmt.Errorf("%w: %s", ErrNoSuchContainer, ref)
	default:
		return fmt.Errorf("failed to stop container %s: %w", ref, err)
	}
}

// Remove force-removes the container.
func (d *DockerRuntime) Remove(ctx context.Context, ref string) error {
	err := d.cli.ContainerRemove(ctx, ref, container.RemoveOptions{Force: true})
	switch {
	case err == nil:
		return nil
	case cerrdefs.IsNotFound(err):
		return fmt.Errorf("%w: %s", ErrNoSuchContainer, ref)
	case cerrdefs.IsConflict(err) && strings.Contains(err.Error(), "in progress"):
		return fmt.Errorf("%w: %s", ErrRemovalInProgress, ref)
	default:
		return fmt.Errorf("failed to remove container %s: %w", ref, err)
	}
}

// FindRunning lists running containers filtered by exact name.
func (d *DockerRuntime) FindRunning(ctx context.Context, name string) (*Info, error) {
	list, err := d.cli.ContainerList(ctx, container.ListOptions{
		Filters: filters.NewArgs(filters.Arg("name", nameFilter(name))),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchContainer, name)
	}
	c := list[0]
	return &Info{ID: c.ID, Name: strings.TrimPrefix(firstName(c.Names), "/"), State: c.State}, nil
}

// Inspect reads the container's name, state and project label.
func (d *DockerRuntime) Inspect(ctx context.Context, ref string) (*Info, error) {
	inspect, err := d.cli.ContainerInspect(ctx, ref)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNoSuchContainer, ref)
		}
		return nil, fmt.Errorf("failed to inspect container %s: %w", ref, err)
	}

	info := &Info{ID: inspect.ID, Name: strings.TrimPrefix(inspect.Name, "/")}
	if inspect.State != nil {
		info.State = inspect.State.Status
	}
	if inspect.Config != nil {
		info.Project = inspect.Config.Labels[LabelProject]
	}
	return info, nil
}

func firstName(names []string) string {
	if len(names) == 0 {
		return ""
	}
	return names[0]
}

// Exec runs cmd with stdout and stderr demultiplexed.
func (d *DockerRuntime) Exec(ctx context.Context, id string, cmd []string) (*ExecResult, error) {
	execResp, err := d.cli.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNoSuchContainer, id)
		}
		return nil, fmt.Errorf("failed to create exec: %w", err)
	}

	attachResp, err := d.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecStartOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to attach exec: %w", err)
	}
	defer attachResp.Close()

	stdout, stderr, err := demuxExecOutput(attachResp.Reader, d.maxOutputBytes)
	res := &ExecResult{Output: stdout, Stderr: stderr}
	if err != nil {
		return res, err
	}

	res.ExitCode, err = waitExecExit(ctx, d.cli, execResp.ID, execPollInterval)
	if err != nil {
		return res, err
	}
	return res, nil
}

const execPollInterval = 50 * time.Millisecond

// demuxExecOutput splits an attached exec stream into stdout and stderr.
// Both streams share one byte budget. Whatever was read before the budget
// ran out or the stream broke is returned along with the error.
func demuxExecOutput(r io.Reader, limit int64) (string, string, error) {
	var stdout, stderr strings.Builder
	remaining := limit
	_, err := stdcopy.StdCopy(
		&budgetWriter{buf: &stdout, remaining: &remaining},
		&budgetWriter{buf: &stderr, remaining: &remaining},
		r,
	)
	switch {
	case errors.Is(err, process.ErrOutputLimitExceeded):
		err = fmt.Errorf("exec: %w (limit %d bytes)", process.ErrOutputLimitExceeded, limit)
	case err != nil:
		err = fmt.Errorf("failed to read exec output: %w", err)
	}
	return stdout.String(), stderr.String(), err
}

// budgetWriter keeps writes until the shared budget is spent.
type budgetWriter struct {
	buf       *strings.Builder
	remaining *int64
}

func (w *budgetWriter) Write(p []byte) (int, error) {
	if int64(len(p)) > *w.remaining {
		n := int(*w.remaining)
		w.buf.Write(p[:n])
		*w.remaining = 0
		return n, process.ErrOutputLimitExceeded
	}
	w.buf.Write(p)
	*w.remaining -= int64(len(p))
	return len(p), nil
}

type execInspector interface {
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
}

// waitExecExit polls until the exec is no longer running. The attach stream
// can reach EOF slightly before the engine records the exit code.
func waitExecExit(ctx context.Context, api execInspector, execID string, interval time.Duration) (int, error) {
	for {
		inspect, err := api.ContainerExecInspect(ctx, execID)
		if err != nil {
			return -1, fmt.Errorf("failed to inspect exec: %w", err)
		}
		if !inspect.Running {
			return inspect.ExitCode, nil
		}
		select {
		case <-ctx.Done():
			return -1, fmt.Errorf("exec %s still running: %w", execID, ctx.Err())
		case <-time.After(interval):
		}
	}
}

func isPortConflict(msg string) bool {
	return strings.Contains(msg, "port is already allocated") ||
		strings.Contains(msg, "address already in use")
}
