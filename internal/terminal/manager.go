// Package terminal runs interactive shells on pseudo-terminals for the
// WebSocket terminal endpoint.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/constellation-dev/bridge/internal/common/logger"
	"github.com/constellation-dev/bridge/internal/events"
	"github.com/constellation-dev/bridge/internal/events/bus"
	"github.com/constellation-dev/bridge/internal/process"
)

// ErrTooManySessions is returned by Open when the session cap is reached.
var ErrTooManySessions = errors.New("too many terminal sessions")

// Options configures new shells.
type Options struct {
	Shell       string
	ShellArgs   []string
	WorkDir     string
	Cols        int
	Rows        int
	MaxSessions int
	KillGrace   time.Duration
}

// Manager owns the live sessions, keyed by id.
type Manager struct {
	opts   Options
	logger *logger.Logger
	events *events.Publisher

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a manager. Zero geometry defaults to 80x24.
func NewManager(opts Options, log *logger.Logger, pub *events.Publisher) *Manager {
	if opts.Cols <= 0 {
		opts.Cols = 80
	}
	if opts.Rows <= 0 {
		opts.Rows = 24
	}
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = 64
	}
	if opts.KillGrace <= 0 {
		opts.KillGrace = process.DefaultKillGrace
	}
	return &Manager{
		opts:     opts,
		logger:   log.WithFields(zap.String("component", "terminal_manager")),
		events:   pub,
		sessions: make(map[string]*Session),
	}
}

func (m *Manager) shell() (string, []string) {
	if m.opts.Shell != "" {
		return m.opts.Shell, m.opts.ShellArgs
	}
	return defaultShell()
}

func (m *Manager) workDir() string {
	if m.opts.WorkDir != "" {
		return m.opts.WorkDir
	}
	if home, err := os.UserHomeDir(); err == nil {
		return home
	}
	return os.TempDir()
}

// Open starts a shell and registers it. The session is removed from the
// registry when the shell exits or Close is called.
func (m *Manager) Open(ctx context.Context) (*Session, error) {
	id := uuid.New().String()

	m.mu.Lock()
	if len(m.sessions) >= m.opts.MaxSessions {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w (limit %d)", ErrTooManySessions, m.opts.MaxSessions)
	}
	// Hold the slot while the shell starts.
	m.sessions[id] = nil
	m.mu.Unlock()

	shell, args := m.shell()
	s, err := startSession(id, shell, args, m.workDir(), m.opts.Cols, m.opts.Rows, m.opts.KillGrace, m.logger)
	if err != nil {
		m.mu.Lock()
		delete(m.sessions, id)
		m.mu.Unlock()
		return nil, err
	}

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	m.logger.Info("Terminal opened", zap.String("terminal_id", id), zap.String("shell", shell), zap.Int("pid", s.Pid()))
	m.events.Emit(ctx, bus.SubjectTerminalOpened, map[string]any{"terminal_id": id, "shell": shell})

	go func() {
		<-s.Done()
		m.remove(id, s.exitCode)
	}()
	return s, nil
}

func (m *Manager) remove(id string, exitCode int) {
	m.mu.Lock()
	_, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return
	}
	m.logger.Info("Terminal closed", zap.String("terminal_id", id), zap.Int("exit_code", exitCode))
	m.events.Emit(context.Background(), bus.SubjectTerminalClosed, map[string]any{
		"terminal_id": id,
		"exit_code":   exitCode,
	})
}

// Close terminates the session with id and deregisters it.
func (m *Manager) Close(id string) error {
	s, ok := m.Get(id)
	if !ok {
		return nil
	}
	err := s.Close()
	m.remove(id, s.ExitCode())
	return err
}

// Get returns a live session.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[id]
	return s, s != nil
}

// List returns the live sessions ordered by start time.
func (m *Manager) List() []Info {
	m.mu.Lock()
	out := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		if s != nil {
			out = append(out, s.info())
		}
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// CloseAll terminates every session in parallel. Used on shutdown.
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, id := range ids {
		g.Go(func() error {
			return m.Close(id)
		})
	}
	return g.Wait()
}
