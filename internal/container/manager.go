package container

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/constellation-dev/bridge/internal/common/logger"
	"github.com/constellation-dev/bridge/internal/common/tracing"
	"github.com/constellation-dev/bridge/internal/events"
	"github.com/constellation-dev/bridge/internal/events/bus"
	"github.com/constellation-dev/bridge/internal/workspace"
)

// ErrContainerNotFound is returned by Exec and Status when no running
// container matches the target.
var ErrContainerNotFound = errors.New("container not found")

// ErrInvalidPort is returned by Create for a container port outside 1-65535.
var ErrInvalidPort = errors.New("invalid container port")

const portConflictRetries = 3

// WorkspaceEnsurer creates or returns a project's workspace directory.
type WorkspaceEnsurer interface {
	Ensure(ctx context.Context, projectID string) (*workspace.Workspace, bool, error)
}

// Options configures a Manager.
type Options struct {
	NamePrefix     string
	DefaultImage   string
	MountPath      string
	StopTimeout    time.Duration
	CommandTimeout time.Duration
}

// CreateConfig is the caller-controlled part of a create request.
type CreateConfig struct {
	Image       string            `json:"image"`
	Ports       []int             `json:"ports"`
	Environment map[string]string `json:"environment"`
}

// CreateResult describes a started container.
type CreateResult struct {
	ContainerID   string        `json:"containerId"`
	ContainerName string        `json:"containerName"`
	Ports         []PortBinding `json:"ports"`
}

// DestroyResult reports the outcome of a destroy. Success is always true
// when err is nil; Destroyed is false if there was nothing to remove.
type DestroyResult struct {
	Success       bool   `json:"success"`
	ContainerName string `json:"containerName"`
	Destroyed     bool   `json:"destroyed"`
}

// Target names a container by project id or by runtime id.
type Target struct {
	ProjectID   string
	ContainerID string
}

func (t Target) String() string {
	if t.ContainerID != "" {
		return "container " + t.ContainerID
	}
	return "project " + t.ProjectID
}

// Manager creates, destroys and execs into per-project containers.
type Manager struct {
	runtime    Runtime
	ports      *PortAllocator
	workspaces WorkspaceEnsurer
	opts       Options
	logger     *logger.Logger
	events     *events.Publisher
}

// NewManager wires a Manager around a runtime and a port allocator.
func NewManager(rt Runtime, ports *PortAllocator, ws WorkspaceEnsurer, opts Options, log *logger.Logger, pub *events.Publisher) *Manager {
	if opts.NamePrefix == "" {
		opts.NamePrefix = "constellation"
	}
	if opts.MountPath == "" {
		opts.MountPath = "/workspace"
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 10 * time.Second
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 5 * time.Minute
	}
	return &Manager{
		runtime:    rt,
		ports:      ports,
		workspaces: ws,
		opts:       opts,
		logger:     log.WithFields(zap.String("component", "container_manager")),
		events:     pub,
	}
}

// RuntimeName returns the active runtime's name.
func (m *Manager) RuntimeName() string {
	return m.runtime.Name()
}

// NameFor returns the container name for a project.
func (m *Manager) NameFor(projectID string) string {
	return ContainerName(m.opts.NamePrefix, projectID)
}

// Create starts a container for projectID with its workspace mounted.
// Host ports are reserved for the project until Destroy.
func (m *Manager) Create(ctx context.Context, projectID string, cfg CreateConfig) (res *CreateResult, err error) {
	ctx, span := tracing.StartSpan(ctx, "container", "container.create", attribute.String("project_id", projectID))
	defer func() { tracing.EndSpan(span, err) }()

	ws, _, err := m.workspaces.Ensure(ctx, projectID)
	if err != nil {
		return nil, err
	}

	internal, err := normalizePorts(cfg.Ports)
	if err != nil {
		return nil, err
	}

	image := cfg.Image
	if image == "" {
		image = m.opts.DefaultImage
	}
	name := m.NameFor(projectID)

	ctx, cancel := context.WithTimeout(ctx, m.opts.CommandTimeout)
	defer cancel()

	start := time.Now()
	var lastErr error
	for attempt := 0; attempt < portConflictRetries; attempt++ {
		hostPorts, err := m.ports.Allocate(projectID, len(internal))
		if err != nil {
			return nil, err
		}
		bindings := make([]PortBinding, len(internal))
		for i, p := range internal {
			bindings[i] = PortBinding{Internal: p, External: hostPorts[i]}
		}

		spec := Spec{
			Name:          name,
			Image:         image,
			WorkspacePath: ws.Path,
			MountPath:     m.opts.MountPath,
			Ports:         bindings,
			Env:           cfg.Environment,
			Labels:        map[string]string{LabelProject: projectID, LabelManagedBy: managedByValue},
			Cmd:           []string{"sleep", "infinity"},
		}

		id, err := m.runtime.Create(ctx, spec)
		if err == nil {
			m.logger.Info("Container created",
				zap.String("project_id", projectID),
				zap.String("container_id", id),
				zap.String("name", name),
				zap.Any("ports", bindings))
			m.events.Emit(ctx, bus.SubjectContainerCreated, map[string]any{
				"project_id":   projectID,
				"container_id": id,
				"runtime":      m.runtime.Name(),
				"status":       "success",
				"duration_ms":  time.Since(start).Milliseconds(),
			})
			return &CreateResult{ContainerID: id, ContainerName: name, Ports: bindings}, nil
		}

		m.ports.Release(projectID, hostPorts...)
		lastErr = err
		if !errors.Is(err, ErrPortConflict) {
			break
		}
		m.logger.Warn("Host port conflict, retrying with new ports",
			zap.String("project_id", projectID), zap.Int("attempt", attempt+1))
	}

	m.events.Emit(ctx, bus.SubjectContainerCreated, map[string]any{
		"project_id":  projectID,
		"runtime":     m.runtime.Name(),
		"status":      "error",
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return nil, lastErr
}

// Destroy stops and force-removes the target container. Missing or
// already-stopped containers are not errors.
func (m *Manager) Destroy(ctx context.Context, target Target) (res *DestroyResult, err error) {
	ctx, span := tracing.StartSpan(ctx, "container", "container.destroy", attribute.String("target", target.String()))
	defer func() { tracing.EndSpan(span, err) }()

	ref, projectID, name := target.ContainerID, target.ProjectID, ""
	if ref == "" {
		if err := workspace.ValidateProjectID(projectID); err != nil {
			return nil, err
		}
		name = m.NameFor(projectID)
		ref = name
	}

	ctx, cancel := context.WithTimeout(ctx, m.opts.CommandTimeout+m.opts.StopTimeout)
	defer cancel()

	log := m.logger.WithFields(zap.String("container", ref))
	existed := true

	// A bare container id carries its project only in the label, which is
	// needed to release the project's host ports.
	if target.ContainerID != "" {
		info, err := m.runtime.Inspect(ctx, ref)
		switch {
		case err == nil:
			name = info.Name
			if projectID == "" {
				projectID = info.Project
			}
		case errors.Is(err, ErrNoSuchContainer):
			log.Debug("Container not found on inspect")
		default:
			log.Warn("Container inspect failed", zap.Error(err))
		}
	}

	if err := m.runtime.Stop(ctx, ref, m.opts.StopTimeout); err != nil {
		switch {
		case errors.Is(err, ErrNoSuchContainer):
			log.Debug("Container does not exist, nothing to stop")
			existed = false
		case errors.Is(err, ErrNotRunning):
			log.Debug("Container already stopped")
		default:
			return nil, err
		}
	}

	removed := false
	if err := m.runtime.Remove(ctx, ref); err != nil {
		switch {
		case errors.Is(err, ErrNoSuchContainer), errors.Is(err, ErrRemovalInProgress):
			// Auto-remove usually wins the race after a stop.
			log.Debug("Container already removed", zap.Error(err))
		default:
			return nil, err
		}
	} else {
		removed = true
	}

	if projectID != "" {
		if released := m.ports.Release(projectID); len(released) > 0 {
			log.Debug("Released host ports", zap.String("project_id", projectID), zap.Ints("ports", released))
		}
	}

	destroyed := existed || removed
	log.Info("Container destroyed", zap.Bool("destroyed", destroyed))
	m.events.Emit(ctx, bus.SubjectContainerDestroyed, map[string]any{
		"project_id": projectID,
		"container":  ref,
		"destroyed":  destroyed,
	})

	return &DestroyResult{Success: true, ContainerName: name, Destroyed: destroyed}, nil
}

// resolve turns a target into a running container id.
func (m *Manager) resolve(ctx context.Context, target Target) (*Info, error) {
	if target.ContainerID != "" {
		return &Info{ID: target.ContainerID, Name: target.ContainerID, State: "unknown"}, nil
	}
	if err := workspace.ValidateProjectID(target.ProjectID); err != nil {
		return nil, err
	}
	info, err := m.runtime.FindRunning(ctx, m.NameFor(target.ProjectID))
	if errors.Is(err, ErrNoSuchContainer) {
		return nil, fmt.Errorf("%w for %s", ErrContainerNotFound, target)
	}
	return info, err
}

// Exec runs command with sh -c in the target container. Only an unresolvable
// target is an error; any failure to run the command is reported in the
// result with a nonzero exit code.
func (m *Manager) Exec(ctx context.Context, target Target, command string) (res *ExecResult, err error) {
	ctx, span := tracing.StartSpan(ctx, "container", "container.exec", attribute.String("target", target.String()))
	defer func() { tracing.EndSpan(span, err) }()

	ctx, cancel := context.WithTimeout(ctx, m.opts.CommandTimeout)
	defer cancel()

	info, err := m.resolve(ctx, target)
	if err != nil {
		if errors.Is(err, ErrContainerNotFound) || errors.Is(err, workspace.ErrInvalidProjectID) {
			return nil, err
		}
		m.logger.Warn("Container lookup failed", zap.String("target", target.String()), zap.Error(err))
		return &ExecResult{Stderr: err.Error(), ExitCode: 1}, nil
	}

	res, execErr := m.runtime.Exec(ctx, info.ID, []string{"sh", "-c", command})
	if execErr != nil {
		m.logger.Warn("Exec failed", zap.String("container_id", info.ID), zap.Error(execErr))
		// Keep any output read before the failure.
		if res == nil {
			res = &ExecResult{}
		}
		if res.Stderr != "" && !strings.HasSuffix(res.Stderr, "\n") {
			res.Stderr += "\n"
		}
		res.Stderr += execErr.Error()
		if res.ExitCode <= 0 {
			res.ExitCode = 1
		}
	}

	m.events.Emit(ctx, bus.SubjectContainerExec, map[string]any{
		"project_id":   target.ProjectID,
		"container_id": info.ID,
		"exit_code":    res.ExitCode,
	})
	return res, nil
}

// Status reports the running container for a target.
func (m *Manager) Status(ctx context.Context, target Target) (*Info, error) {
	ctx, cancel := context.WithTimeout(ctx, m.opts.CommandTimeout)
	defer cancel()
	return m.resolve(ctx, target)
}

// Close releases the runtime client.
func (m *Manager) Close() error {
	return m.runtime.Close()
}

// normalizePorts validates container ports and drops duplicates, keeping order.
func normalizePorts(ports []int) ([]int, error) {
	seen := make(map[int]bool, len(ports))
	out := make([]int, 0, len(ports))
	for _, p := range ports {
		if p <= 0 || p > 65535 {
			return nil, fmt.Errorf("%w %d", ErrInvalidPort, p)
		}
		if seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out, nil
}
