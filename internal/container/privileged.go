package container

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/constellation-dev/bridge/internal/common/logger"
	"github.com/constellation-dev/bridge/internal/process"
)

// Privilege modes for container CLI calls.
const (
	PrivilegeNone = "none"
	// PrivilegeSudo hands the argv to sudo unchanged: sudo -n -g <group> -- <cli> args...
	PrivilegeSudo = "sudo"
	// PrivilegeSg runs through sg, which only accepts a command string. Each
	// argument is single-quoted before joining.
	PrivilegeSg = "sg"
)

// ContainerCommandFailedError is returned when a container CLI call fails.
type ContainerCommandFailedError struct {
	Args     []string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ContainerCommandFailedError) Error() string {
	msg := fmt.Sprintf("container command failed (exit %d): %s", e.ExitCode, strings.Join(e.Args, " "))
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	} else if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ContainerCommandFailedError) Unwrap() error { return e.Err }

// PrivilegedRunner issues container CLI commands as a member of the group
// that owns the runtime socket.
type PrivilegedRunner struct {
	runner *process.Runner
	binary string
	mode   string
	group  string
	logger *logger.Logger
}

// NewPrivilegedRunner returns a runner for binary (e.g. "docker") in the given mode.
func NewPrivilegedRunner(runner *process.Runner, binary, mode, group string, log *logger.Logger) *PrivilegedRunner {
	if mode == "" {
		mode = PrivilegeNone
	}
	return &PrivilegedRunner{
		runner: runner,
		binary: binary,
		mode:   mode,
		group:  group,
		logger: log.WithFields(zap.String("component", "privileged_runner")),
	}
}

// Command builds the process invocation for a container CLI call.
func (p *PrivilegedRunner) Command(args []string, dir string) process.Command {
	switch p.mode {
	case PrivilegeSudo:
		argv := append([]string{"-n", "-g", p.group, "--", p.binary}, args...)
		return process.Command{Name: "sudo", Args: argv, Dir: dir}
	case PrivilegeSg:
		inner := ShellJoin(append([]string{p.binary}, args...))
		return process.Command{Name: "sg", Args: []string{p.group, "-c", inner}, Dir: dir}
	default:
		return process.Command{Name: p.binary, Args: args, Dir: dir}
	}
}

// RunContainerCommand runs the CLI with args. Any failure, including a
// nonzero exit, is a *ContainerCommandFailedError carrying stderr.
func (p *PrivilegedRunner) RunContainerCommand(ctx context.Context, args []string, dir string) (*process.Result, error) {
	cmd := p.Command(args, dir)
	p.logger.Debug("Running container command", zap.String("mode", p.mode), zap.Strings("args", args))

	res, err := p.runner.Run(ctx, cmd)
	if err == nil {
		return res, nil
	}

	failed := &ContainerCommandFailedError{Args: args, ExitCode: -1, Err: err}
	if res != nil {
		failed.ExitCode = res.ExitCode
		failed.Stderr = res.Stderr
	}
	var cmdErr *process.CommandFailedError
	if errors.As(err, &cmdErr) {
		failed.ExitCode = cmdErr.ExitCode
		failed.Stderr = cmdErr.Stderr
	}
	return res, failed
}

// ShellJoin quotes each argument for a POSIX shell and joins them with spaces.
func ShellJoin(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = ShellQuote(a)
	}
	return strings.Join(quoted, " ")
}

// ShellQuote returns s as a single POSIX shell word.
func ShellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !isShellSafe(r) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

func isShellSafe(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	}
	return strings.ContainsRune("_@%+=:,./-", r)
}
