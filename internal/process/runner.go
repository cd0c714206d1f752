// Package process runs host commands for the bridge.
//
// Every invocation is bound to a context. The child is started in its own
// process group, and when the context is cancelled or its deadline passes the
// whole group receives SIGTERM, escalating to SIGKILL after a grace period.
//
// Two modes are provided:
//   - Run / RunShell buffer stdout and stderr and return them on exit.
//   - RunStreaming additionally hands each chunk to a callback as it arrives.
//
// Output is capped per invocation; a process that exceeds the cap is killed
// and the call fails with ErrOutputLimitExceeded.
package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/constellation-dev/bridge/internal/common/logger"
)

const (
	DefaultMaxOutputBytes int64 = 10 * 1024 * 1024
	DefaultKillGrace            = 3 * time.Second

	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// ErrOutputLimitExceeded is returned when a child writes more than the cap.
var ErrOutputLimitExceeded = errors.New("process output limit exceeded")

// Command describes one child process. Args are passed verbatim, never through a shell.
type Command struct {
	Name string
	Args []string
	Dir  string
	// Env is appended to the bridge's own environment.
	Env []string
	// MaxOutputBytes overrides the runner default when positive.
	MaxOutputBytes int64
}

// String renders the command for logs and error messages.
func (c Command) String() string {
	parts := make([]string, 0, len(c.Args)+1)
	parts = append(parts, c.Name)
	for _, a := range c.Args {
		if a == "" || strings.ContainsAny(a, " \t\n\"'\\$`") {
			a = strconv.Quote(a)
		}
		parts = append(parts, a)
	}
	return strings.Join(parts, " ")
}

// Result is the outcome of a finished process.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Chunk is one piece of output as read from a pipe.
type Chunk struct {
	Stream    string
	Data      []byte
	Timestamp time.Time
}

// Options configures a Runner.
type Options struct {
	MaxOutputBytes int64
	KillGrace      time.Duration
}

// Runner spawns child processes.
type Runner struct {
	logger         *logger.Logger
	maxOutputBytes int64
	killGrace      time.Duration
}

// NewRunner creates a Runner, filling zero options with defaults.
func NewRunner(opts Options, log *logger.Logger) *Runner {
	if opts.MaxOutputBytes <= 0 {
		opts.MaxOutputBytes = DefaultMaxOutputBytes
	}
	if opts.KillGrace <= 0 {
		opts.KillGrace = DefaultKillGrace
	}
	return &Runner{
		logger:         log.WithFields(zap.String("component", "process_runner")),
		maxOutputBytes: opts.MaxOutputBytes,
		killGrace:      opts.KillGrace,
	}
}

// Run executes cmd and buffers its output.
func (r *Runner) Run(ctx context.Context, cmd Command) (*Result, error) {
	return r.RunStreaming(ctx, cmd, nil)
}

// RunShell executes a script through the platform shell. Only pass strings
// built by the bridge itself; user input belongs in Command.Args.
func (r *Runner) RunShell(ctx context.Context, script, dir string) (*Result, error) {
	name, args := shellCommand(script)
	return r.Run(ctx, Command{Name: name, Args: args, Dir: dir})
}

// RunStreaming executes cmd, calling onChunk for every chunk of output in
// arrival order. onChunk is never called concurrently and every call happens
// before RunStreaming returns. Stdin is the null device.
func (r *Runner) RunStreaming(ctx context.Context, cmd Command, onChunk func(Chunk)) (*Result, error) {
	limit := cmd.MaxOutputBytes
	if limit <= 0 {
		limit = r.maxOutputBytes
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		c.Env = append(os.Environ(), cmd.Env...)
	}
	setProcGroup(c)
	c.Cancel = func() error {
		pid := c.Process.Pid
		err := terminateProcessGroup(pid)
		time.AfterFunc(r.killGrace, func() { _ = killProcessGroup(pid) })
		return err
	}
	c.WaitDelay = r.killGrace + time.Second

	chunks := make(chan Chunk, 64)
	c.Stdout = &chunkWriter{stream: StreamStdout, ch: chunks}
	c.Stderr = &chunkWriter{stream: StreamStderr, ch: chunks}

	var (
		stdout, stderr bytes.Buffer
		total          int64
		consumerDone   = make(chan struct{})
	)
	go func() {
		defer close(consumerDone)
		for chunk := range chunks {
			if total > limit {
				continue // draining after overflow
			}
			total += int64(len(chunk.Data))
			if total > limit {
				cancel(ErrOutputLimitExceeded)
				continue
			}
			if onChunk != nil {
				onChunk(chunk)
			}
			if chunk.Stream == StreamStderr {
				stderr.Write(chunk.Data)
			} else {
				stdout.Write(chunk.Data)
			}
		}
	}()

	start := time.Now()
	r.logger.Debug("Starting command", zap.String("command", cmd.String()), zap.String("dir", cmd.Dir))

	if err := c.Start(); err != nil {
		close(chunks)
		<-consumerDone
		return nil, &StartError{Command: cmd.String(), Err: err}
	}

	waitErr := c.Wait()
	// Wait returns only after the copy goroutines stop writing.
	close(chunks)
	<-consumerDone

	res := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: exitCode(c, waitErr),
		Duration: time.Since(start),
	}

	r.logger.Debug("Command finished",
		zap.String("command", cmd.Name),
		zap.Int("exit_code", res.ExitCode),
		zap.Duration("duration", res.Duration))

	if ctx.Err() != nil {
		cause := context.Cause(ctx)
		if errors.Is(cause, ErrOutputLimitExceeded) {
			return res, fmt.Errorf("%s: %w (limit %d bytes)", cmd.Name, ErrOutputLimitExceeded, limit)
		}
		return res, fmt.Errorf("%s interrupted: %w", cmd.Name, cause)
	}

	if res.ExitCode != 0 {
		return res, &CommandFailedError{Command: cmd.String(), ExitCode: res.ExitCode, Stderr: res.Stderr}
	}
	if waitErr != nil && !errors.Is(waitErr, exec.ErrWaitDelay) {
		return res, fmt.Errorf("wait for %s: %w", cmd.Name, waitErr)
	}
	return res, nil
}

// chunkWriter forwards each Write as a Chunk. The data is copied because
// exec reuses its read buffer.
type chunkWriter struct {
	stream string
	ch     chan<- Chunk
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	w.ch <- Chunk{Stream: w.stream, Data: bytes.Clone(p), Timestamp: time.Now()}
	return len(p), nil
}
