// Package container manages one long-lived container per project.
//
// Containers are addressed by a name derived from the project id, so callers
// never have to store container ids. Two runtimes are available: the Docker
// Engine API (preferred) and the container CLI invoked through a privilege
// wrapper for hosts where the bridge cannot reach the daemon socket itself.
package container

import (
	"context"
	"errors"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Runtime-level sentinel errors. Implementations wrap these so the manager
// can tell "already gone" apart from real failures.
var (
	ErrNoSuchContainer   = errors.New("no such container")
	ErrNotRunning        = errors.New("container is not running")
	ErrRemovalInProgress = errors.New("container removal already in progress")
	ErrPortConflict      = errors.New("host port already allocated")
)

const (
	LabelProject   = "constellation.project"
	LabelManagedBy = "constellation.managed-by"
	managedByValue = "constellation-bridge"
)

// PortBinding maps a container port to the host port chosen for it.
type PortBinding struct {
	Internal int `json:"internal"`
	External int `json:"external"`
}

// Spec is everything a runtime needs to create and start a container.
type Spec struct {
	Name          string
	Image         string
	WorkspacePath string
	MountPath     string
	Ports         []PortBinding
	Env           map[string]string
	Labels        map[string]string
	Cmd           []string
}

// EnvList renders Env as sorted KEY=VALUE pairs.
func (s Spec) EnvList() []string {
	out := make([]string, 0, len(s.Env))
	for k, v := range s.Env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// Info describes a container. Project is read from LabelProject and is
// empty for containers the bridge did not create.
type Info struct {
	ID      string `json:"containerId"`
	Name    string `json:"containerName"`
	State   string `json:"state"`
	Project string `json:"projectId,omitempty"`
}

// ExecResult is the outcome of a command run inside a container.
type ExecResult struct {
	Output   string `json:"output"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
}

// Runtime is the container engine the manager drives.
type Runtime interface {
	Name() string
	Ping(ctx context.Context) error
	// Create creates and starts a container that is removed when it stops.
	Create(ctx context.Context, spec Spec) (string, error)
	Stop(ctx context.Context, ref string, timeout time.Duration) error
	// Remove force-removes a container.
	Remove(ctx context.Context, ref string) error
	// FindRunning returns the running container with exactly this name.
	FindRunning(ctx context.Context, name string) (*Info, error)
	// Inspect returns a container in any state by id or name.
	Inspect(ctx context.Context, ref string) (*Info, error)
	// Exec runs cmd in the container. A nonzero exit is not an error. A
	// result returned with an error holds the output read before it.
	Exec(ctx context.Context, id string, cmd []string) (*ExecResult, error)
	Close() error
}

var nameInvalidRun = regexp.MustCompile(`[^a-z0-9-]+`)

// ContainerName derives the container name for a project. It is a pure
// function of its inputs so the name can be recomputed at any time.
func ContainerName(prefix, projectID string) string {
	return prefix + "-" + nameInvalidRun.ReplaceAllString(strings.ToLower(projectID), "-")
}

// nameFilter is an anchored regex for the runtime's name filter. Engines
// report names with or without the leading slash depending on version.
func nameFilter(name string) string {
	return "^/?" + regexp.QuoteMeta(name) + "$"
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
