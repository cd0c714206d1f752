// Package agent runs the code-generation CLI against a workspace and streams
// its output.
//
// A run is one child process: the message is passed as the final argument,
// stdin is the null device, and every output chunk reaches the caller's
// callback in arrival order. When the process exits the workspace is scanned
// again and compared with the scan taken before the start.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/constellation-dev/bridge/internal/common/logger"
	"github.com/constellation-dev/bridge/internal/common/stringutil"
	"github.com/constellation-dev/bridge/internal/common/tracing"
	"github.com/constellation-dev/bridge/internal/events"
	"github.com/constellation-dev/bridge/internal/events/bus"
	"github.com/constellation-dev/bridge/internal/process"
	"github.com/constellation-dev/bridge/internal/workspace"
)

// DefaultTimeout bounds a single agent run.
const DefaultTimeout = 30 * time.Minute

// Scanner reads a workspace directory into a file tree.
type Scanner interface {
	Scan(ctx context.Context, dir string) (workspace.FileTree, error)
}

// Options configures the agent invocation.
type Options struct {
	Command        string
	Args           []string
	PermissionFlag string
	Timeout        time.Duration
}

// Request is one generation request.
type Request struct {
	Message       string
	WorkspacePath string
}

// Result is the outcome of a run.
type Result struct {
	Message   string              `json:"message"`
	Files     workspace.FileTree  `json:"files"`
	RawOutput string              `json:"rawOutput"`
	Changes   workspace.ChangeSet `json:"changes"`
	ExitCode  int                 `json:"exitCode"`
	Duration  time.Duration       `json:"-"`
}

// Runner spawns agent runs. It holds no per-run state and is safe for
// concurrent use.
type Runner struct {
	runner  *process.Runner
	scanner Scanner
	opts    Options
	events  *events.Publisher
	logger  *logger.Logger
}

// NewRunner creates an agent runner.
func NewRunner(runner *process.Runner, scanner Scanner, opts Options, log *logger.Logger, pub *events.Publisher) *Runner {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Runner{
		runner:  runner,
		scanner: scanner,
		opts:    opts,
		events:  pub,
		logger:  log.WithFields(zap.String("component", "agent_runner")),
	}
}

// CommandLine is the argv used for message, without the executable.
func (r *Runner) CommandLine(message string) []string {
	args := append([]string{}, r.opts.Args...)
	if r.opts.PermissionFlag != "" {
		args = append(args, r.opts.PermissionFlag)
	}
	return append(args, message)
}

// Command returns the configured executable name.
func (r *Runner) Command() string {
	return r.opts.Command
}

// Timeout returns the per-run deadline.
func (r *Runner) Timeout() time.Duration {
	return r.opts.Timeout
}

// Run executes the agent for req. onChunk, if non-nil, receives every stdout
// and stderr chunk in arrival order before it is accumulated; it is never
// called concurrently and never after Run returns.
//
// On a nonzero exit or interruption Run returns both a Result (with the
// rescanned workspace) and a *ProcessFailedError. A spawn failure returns a
// nil Result and a *SpawnFailedError.
func (r *Runner) Run(ctx context.Context, req Request, onChunk func(string)) (result *Result, err error) {
	ctx, span := tracing.StartSpan(ctx, "agent", "agent.run",
		attribute.String("workspace", req.WorkspacePath),
		attribute.String("command", r.opts.Command))
	defer func() { tracing.EndSpan(span, err) }()

	ctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	log := r.logger.WithFields(zap.String("workspace", req.WorkspacePath))

	before, scanErr := r.scanner.Scan(ctx, req.WorkspacePath)
	if scanErr != nil {
		log.Warn("Pre-run scan failed, diff will treat every file as added", zap.Error(scanErr))
		before = workspace.FileTree{}
	}

	cmd := process.Command{
		Name: r.opts.Command,
		Args: r.CommandLine(req.Message),
		Dir:  req.WorkspacePath,
	}

	r.events.Emit(ctx, bus.SubjectAgentStarted, map[string]any{
		"workspace": req.WorkspacePath,
		"command":   r.opts.Command,
	})
	log.Info("Starting agent", zap.String("command", r.opts.Command), zap.Int("message_len", len(req.Message)))

	var raw strings.Builder
	// One aligner per stream so a rune split across reads is never
	// forwarded as two invalid halves.
	aligners := map[string]*stringutil.RuneAligner{
		process.StreamStdout: {},
		process.StreamStderr: {},
	}
	forward := func(text string) {
		if text == "" {
			return
		}
		if onChunk != nil {
			onChunk(text)
		}
		raw.WriteString(text)
	}
	res, runErr := r.runner.RunStreaming(ctx, cmd, func(chunk process.Chunk) {
		a, ok := aligners[chunk.Stream]
		if !ok {
			a = &stringutil.RuneAligner{}
			aligners[chunk.Stream] = a
		}
		forward(a.Push(chunk.Data))
	})
	forward(aligners[process.StreamStdout].Flush())
	forward(aligners[process.StreamStderr].Flush())

	var startErr *process.StartError
	if errors.As(runErr, &startErr) {
		log.Error("Agent could not be spawned", zap.Error(runErr))
		r.emitCompleted(ctx, req, "spawn_failed", -1, 0)
		return nil, &SpawnFailedError{Command: r.opts.Command, Err: startErr.Err}
	}

	// The process has exited; only now is the workspace rescanned.
	after, scanErr := r.scanner.Scan(context.WithoutCancel(ctx), req.WorkspacePath)
	if scanErr != nil {
		log.Warn("Post-run scan failed", zap.Error(scanErr))
		after = workspace.FileTree{}
	}

	result = &Result{
		Message:   strings.TrimSpace(res.Stdout),
		Files:     after,
		RawOutput: raw.String(),
		Changes:   workspace.Diff(before, after),
		ExitCode:  res.ExitCode,
		Duration:  res.Duration,
	}

	if runErr != nil {
		var cause error
		var failed *process.CommandFailedError
		if !errors.As(runErr, &failed) {
			cause = runErr
		}
		if result.ExitCode == 0 {
			result.ExitCode = -1
		}
		log.Warn("Agent failed", zap.Int("exit_code", result.ExitCode), zap.Error(runErr))
		r.emitCompleted(ctx, req, "failed", result.ExitCode, result.Duration)
		return result, &ProcessFailedError{ExitCode: result.ExitCode, Stderr: res.Stderr, Err: cause}
	}

	log.Info("Agent finished",
		zap.Duration("duration", result.Duration),
		zap.Int("files", len(after)),
		zap.Int("added", len(result.Changes.Added)),
		zap.Int("modified", len(result.Changes.Modified)),
		zap.Int("deleted", len(result.Changes.Deleted)))
	r.emitCompleted(ctx, req, "success", 0, result.Duration)
	return result, nil
}

func (r *Runner) emitCompleted(ctx context.Context, req Request, status string, exitCode int, d time.Duration) {
	r.events.Emit(context.WithoutCancel(ctx), bus.SubjectAgentCompleted, map[string]any{
		"workspace":   req.WorkspacePath,
		"status":      status,
		"exit_code":   exitCode,
		"duration_ms": d.Milliseconds(),
	})
}

// Guidance is the fallback text shown when a run fails: the commands a user
// can paste to retry by hand.
func (r *Runner) Guidance(req Request, err error) string {
	argv := append([]string{r.opts.Command}, r.CommandLine(req.Message)...)
	for i, a := range argv {
		argv[i] = quoteArg(a)
	}
	return fmt.Sprintf("The agent did not finish successfully (%v). Files written before the failure are shown. To retry manually:\n\ncd %s\n%s",
		err, quoteArg(req.WorkspacePath), strings.Join(argv, " "))
}

func quoteArg(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\n'\"\\$`;&|<>()*?[]#~!{}") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
