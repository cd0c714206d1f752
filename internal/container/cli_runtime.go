package container

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/constellation-dev/bridge/internal/common/logger"
)

// CLIRuntime drives the container CLI through a PrivilegedRunner.
type CLIRuntime struct {
	priv   *PrivilegedRunner
	logger *logger.Logger
}

// NewCLIRuntime returns a runtime that shells out to the container CLI.
func NewCLIRuntime(priv *PrivilegedRunner, log *logger.Logger) *CLIRuntime {
	return &CLIRuntime{priv: priv, logger: log.WithFields(zap.String("component", "cli_runtime"))}
}

func (c *CLIRuntime) Name() string { return "cli" }

func (c *CLIRuntime) Close() error { return nil }

// Ping asks the CLI for the server version.
func (c *CLIRuntime) Ping(ctx context.Context) error {
	_, err := c.priv.RunContainerCommand(ctx, []string{"version", "--format", "{{.Server.Version}}"}, "")
	return err
}

// RunArgs builds the detached run invocation for spec.
func RunArgs(spec Spec) []string {
	args := []string{"run", "-d", "--rm", "--name", spec.Name,
		"-v", spec.WorkspacePath + ":" + spec.MountPath,
		"-w", spec.MountPath,
	}
	for _, p := range spec.Ports {
		args = append(args, "-p", fmt.Sprintf("%d:%d", p.External, p.Internal))
	}
	for _, kv := range spec.EnvList() {
		args = append(args, "-e", kv)
	}
	for _, k := range sortedKeys(spec.Labels) {
		args = append(args, "--label", k+"="+spec.Labels[k])
	}
	args = append(args, spec.Image)
	return append(args, spec.Cmd...)
}

// Create runs the container detached and returns the id the CLI prints.
func (c *CLIRuntime) Create(ctx context.Context, spec Spec) (string, error) {
	c.logger.Info("Creating container", zap.String("name", spec.Name), zap.String("image", spec.Image))

	res, err := c.priv.RunContainerCommand(ctx, RunArgs(spec), "")
	if err != nil {
		var failed *ContainerCommandFailedError
		if errors.As(err, &failed) && isPortConflict(failed.Stderr) {
			// docker run leaves a created-but-not-started container behind.
			_, _ = c.priv.RunContainerCommand(context.WithoutCancel(ctx), []string{"rm", "-f", spec.Name}, "")
			return "", fmt.Errorf("%w: %v", ErrPortConflict, err)
		}
		return "", err
	}

	id := lastLine(res.Stdout)
	if id == "" {
		return "", fmt.Errorf("container CLI returned no id for %s", spec.Name)
	}
	return id, nil
}

// Stop stops the container, classifying "missing" and "not running".
func (c *CLIRuntime) Stop(ctx context.Context, ref string, timeout time.Duration) error {
	args := []string{"stop", "-t", strconv.Itoa(int(timeout.Seconds())), ref}
	_, err := c.priv.RunContainerCommand(ctx, args, "")
	return classifyCLIError(err, ref)
}

// Remove force-removes the container.
func (c *CLIRuntime) Remove(ctx context.Context, ref string) error {
	_, err := c.priv.RunContainerCommand(ctx, []string{"rm", "-f", ref}, "")
	return classifyCLIError(err, ref)
}

// FindRunning filters running containers by exact name.
func (c *CLIRuntime) FindRunning(ctx context.Context, name string) (*Info, error) {
	args := []string{"ps", "--no-trunc", "--filter", "name=" + nameFilter(name), "--format", "{{.ID}}\t{{.Names}}\t{{.State}}"}
	res, err := c.priv.RunContainerCommand(ctx, args, "")
	if err != nil {
		return nil, err
	}
	for _, line := range strings.Split(strings.TrimSpace(res.Stdout), "\n") {
		fields := strings.Split(strings.TrimSpace(line), "\t")
		if len(fields) == 0 || fields[0] == "" {
			continue
		}
		info := &Info{ID: fields[0], Name: name, State: "running"}
		if len(fields) >= 3 {
			info.Name, info.State = fields[1], fields[2]
		}
		return info, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNoSuchContainer, name)
}

// Inspect reads the container's name, state and project label.
func (c *CLIRuntime) Inspect(ctx context.Context, ref string) (*Info, error) {
	format := "{{.Id}}\t{{.Name}}\t{{.State.Status}}\t{{index .Config.Labels \"" + LabelProject + "\"}}"
	res, err := c.priv.RunContainerCommand(ctx, []string{"inspect", "--type", "container", "--format", format, ref}, "")
	if err != nil {
		return nil, classifyCLIError(err, ref)
	}
	fields := strings.Split(lastLine(res.Stdout), "\t")
	if len(fields) < 4 || fields[0] == "" {
		return nil, fmt.Errorf("unexpected inspect output for %s: %q", ref, res.Stdout)
	}
	project := fields[3]
	if project == "<no value>" {
		project = ""
	}
	return &Info{ID: fields[0], Name: strings.TrimPrefix(fields[1], "/"), State: fields[2], Project: project}, nil
}

// Exec runs cmd in the container and reports its exit code.
func (c *CLIRuntime) Exec(ctx context.Context, id string, cmd []string) (*ExecResult, error) {
	args := append([]string{"exec", id}, cmd...)
	res, err := c.priv.RunContainerCommand(ctx, args, "")
	if err == nil {
		return &ExecResult{Output: res.Stdout, Stderr: res.Stderr, ExitCode: res.ExitCode}, nil
	}

	if classified := classifyCLIError(err, id); errors.Is(classified, ErrNoSuchContainer) || errors.Is(classified, ErrNotRunning) {
		return nil, classified
	}
	var failed *ContainerCommandFailedError
	if errors.As(err, &failed) && failed.ExitCode > 0 && res != nil {
		return &ExecResult{Output: res.Stdout, Stderr: res.Stderr, ExitCode: failed.ExitCode}, nil
	}
	return nil, err
}

func classifyCLIError(err error, ref string) error {
	if err == nil {
		return nil
	}
	var failed *ContainerCommandFailedError
	if !errors.As(err, &failed) {
		return err
	}
	stderr := strings.ToLower(failed.Stderr)
	switch {
	case strings.Contains(stderr, "no such container"):
		return fmt.Errorf("%w: %s", ErrNoSuchContainer, ref)
	case strings.Contains(stderr, "is not running"):
		return fmt.Errorf("%w: %s", ErrNotRunning, ref)
	case strings.Contains(stderr, "already in progress"):
		return fmt.Errorf("%w: %s", ErrRemovalInProgress, ref)
	}
	return err
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
