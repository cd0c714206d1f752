package terminal

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/constellation-dev/bridge/internal/common/logger"
	"github.com/constellation-dev/bridge/internal/process"
)

// ErrSessionClosed is returned by Write and Resize after the shell exited.
var ErrSessionClosed = errors.New("terminal session closed")

// Session is one shell attached to a pseudo-terminal.
type Session struct {
	ID        string
	Shell     string
	Dir       string
	StartedAt time.Time

	pty       ptyHandle
	cmd       *exec.Cmd
	killGrace time.Duration
	logger    *logger.Logger

	done     chan struct{}
	exitCode int

	mu     sync.Mutex
	closed bool

	closeOnce sync.Once
}

// Info is the diagnostic view of a session.
type Info struct {
	ID        string    `json:"id"`
	Shell     string    `json:"shell"`
	Dir       string    `json:"cwd"`
	Pid       int       `json:"pid"`
	StartedAt time.Time `json:"startedAt"`
}

func startSession(id, shell string, args []string, dir string, cols, rows int, killGrace time.Duration, log *logger.Logger) (*Session, error) {
	cmd := exec.Command(shell, args...)
	cmd.Dir = dir
	cmd.Env = shellEnv(dir)

	p, err := startPTY(cmd, cols, rows)
	if err != nil {
		return nil, fmt.Errorf("start pty for %s: %w", shell, err)
	}

	s := &Session{
		ID:        id,
		Shell:     shell,
		Dir:       dir,
		StartedAt: time.Now().UTC(),
		pty:       p,
		cmd:       cmd,
		killGrace: killGrace,
		logger:    log.WithFields(zap.String("terminal_id", id)),
		done:      make(chan struct{}),
	}
	go s.wait()
	return s, nil
}

func (s *Session) wait() {
	err := s.cmd.Wait()
	s.exitCode = process.ExitCodeOf(s.cmd, err)
	s.logger.Debug("Shell exited", zap.Int("exit_code", s.exitCode))
	close(s.done)
}

// Read reads shell output. It returns an error once the PTY is closed or
// the shell has exited and its output is drained.
func (s *Session) Read(p []byte) (int, error) {
	return s.pty.Read(p)
}

// Write sends input to the shell.
func (s *Session) Write(p []byte) (int, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return 0, ErrSessionClosed
	}
	return s.pty.Write(p)
}

// Resize changes the terminal geometry.
func (s *Session) Resize(cols, rows int) error {
	if cols <= 0 || rows <= 0 || cols > 0xffff || rows > 0xffff {
		return fmt.Errorf("invalid terminal size %dx%d", cols, rows)
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrSessionClosed
	}
	return s.pty.Resize(uint16(cols), uint16(rows))
}

// Done is closed when the shell process has exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// ExitCode is valid after Done is closed.
func (s *Session) ExitCode() int {
	<-s.done
	return s.exitCode
}

// Pid returns the shell's process id.
func (s *Session) Pid() int {
	if s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

func (s *Session) info() Info {
	return Info{ID: s.ID, Shell: s.Shell, Dir: s.Dir, Pid: s.Pid(), StartedAt: s.StartedAt}
}

// Close terminates the shell and releases the PTY. The process group gets
// SIGTERM and a hangup; anything still alive after the grace period is
// killed. Close blocks until the shell has been reaped and is idempotent.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		select {
		case <-s.done:
			err = s.pty.Close()
			return
		default:
		}

		pid := s.Pid()
		_ = process.Terminate(pid, false)
		err = s.pty.Close()

		timer := time.NewTimer(s.killGrace)
		defer timer.Stop()
		select {
		case <-s.done:
		case <-timer.C:
			s.logger.Warn("Shell ignored termination, killing", zap.Int("pid", pid))
			_ = process.Terminate(pid, true)
			if s.cmd.Process != nil {
				_ = s.cmd.Process.Kill()
			}
			<-s.done
		}
	})
	if errors.Is(err, os.ErrClosed) {
		err = nil
	}
	return err
}

func shellEnv(dir string) []string {
	env := os.Environ()
	env = append(env, "PWD="+dir, "TERM=xterm-256color", "COLORTERM=truecolor")
	return env
}
