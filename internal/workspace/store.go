// Package workspace manages one directory per project under a shared root.
//
// Directories are created on demand and never removed by the bridge: clearing
// a workspace only drops it from the in-memory registry so the files survive
// a container rebuild.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/constellation-dev/bridge/internal/common/logger"
	"github.com/constellation-dev/bridge/internal/events"
	"github.com/constellation-dev/bridge/internal/events/bus"
)

var (
	ErrInvalidProjectID = errors.New("invalid project id")
	ErrNotFound         = errors.New("workspace not found")
	ErrOutsideRoot      = errors.New("path is outside the workspace root")
)

var projectIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidateProjectID rejects ids that are not safe as a single path element.
func ValidateProjectID(id string) error {
	if !projectIDPattern.MatchString(id) || id == "." || id == ".." || strings.Contains(id, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidProjectID, id)
	}
	return nil
}

// Workspace is a project directory known to the store.
type Workspace struct {
	ID        string    `json:"id"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"createdAt"`
}

// Options configures a Store.
type Options struct {
	Root string
	// MaxFileBytes skips larger files during scans. Zero means 1 MiB.
	MaxFileBytes int64
}

// Store owns the workspace root and a registry of known workspaces.
type Store struct {
	root         string
	maxFileBytes int64
	logger       *logger.Logger
	events       *events.Publisher

	mu       sync.RWMutex
	registry map[string]*Workspace
}

// NewStore creates the root directory if needed.
func NewStore(opts Options, log *logger.Logger, pub *events.Publisher) (*Store, error) {
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root %s: %w", root, err)
	}
	if opts.MaxFileBytes <= 0 {
		opts.MaxFileBytes = 1 << 20
	}
	return &Store{
		root:         root,
		maxFileBytes: opts.MaxFileBytes,
		logger:       log.WithFields(zap.String("component", "workspace_store")),
		events:       pub,
		registry:     make(map[string]*Workspace),
	}, nil
}

// Root returns the absolute workspace root.
func (s *Store) Root() string {
	return s.root
}

// PathFor returns the directory a project's workspace lives in, without
// touching the filesystem.
func (s *Store) PathFor(projectID string) (string, error) {
	if err := ValidateProjectID(projectID); err != nil {
		return "", err
	}
	return filepath.Join(s.root, projectID), nil
}

// Ensure returns the project's workspace, creating the directory on first
// use. created reports whether this call made the directory.
func (s *Store) Ensure(ctx context.Context, projectID string) (ws *Workspace, created bool, err error) {
	path, err := s.PathFor(projectID)
	if err != nil {
		return nil, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	info, statErr := os.Stat(path)
	switch {
	case statErr == nil && !info.IsDir():
		return nil, false, fmt.Errorf("workspace path %s exists and is not a directory", path)
	case os.IsNotExist(statErr):
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, false, fmt.Errorf("create workspace %s: %w", path, err)
		}
		created = true
	case statErr != nil:
		return nil, false, fmt.Errorf("stat workspace %s: %w", path, statErr)
	}

	ws = s.registerLocked(projectID, path)
	if created {
		s.logger.Info("Created workspace", zap.String("project_id", projectID), zap.String("path", path))
		s.events.Emit(ctx, bus.SubjectWorkspaceCreated, map[string]any{"project_id": projectID, "path": path})
	}
	return ws, created, nil
}

// Get returns the workspace for a project whose directory already exists.
func (s *Store) Get(projectID string) (*Workspace, error) {
	path, err := s.PathFor(projectID)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, projectID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registerLocked(projectID, path), nil
}

// registerLocked adds an existing directory to the registry. Directories
// created before a restart are picked up with their modification time.
func (s *Store) registerLocked(projectID, path string) *Workspace {
	if ws, ok := s.registry[projectID]; ok {
		return ws
	}
	createdAt := time.Now().UTC()
	if info, err := os.Stat(path); err == nil {
		createdAt = info.ModTime().UTC()
	}
	ws := &Workspace{ID: projectID, Path: path, CreatedAt: createdAt}
	s.registry[projectID] = ws
	return ws
}

// List returns a snapshot of registered workspaces.
func (s *Store) List() []Workspace {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Workspace, 0, len(s.registry))
	for _, ws := range s.registry {
		out = append(out, *ws)
	}
	return out
}

// Clear forgets a workspace without deleting its directory. It reports
// whether the project was registered.
func (s *Store) Clear(ctx context.Context, projectID string) bool {
	s.mu.Lock()
	_, ok := s.registry[projectID]
	delete(s.registry, projectID)
	s.mu.Unlock()

	if ok {
		s.logger.Info("Cleared workspace registration", zap.String("project_id", projectID))
		s.events.Emit(ctx, bus.SubjectWorkspaceCleared, map[string]any{"project_id": projectID})
	}
	return ok
}

// ResolvePath cleans a caller-supplied workspace path and checks that it is
// an existing directory inside the root.
func (s *Store) ResolvePath(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("%w: empty path", ErrOutsideRoot)
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(s.root, abs)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, p)
	}
	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	return abs, nil
}
