//go:build !windows

package process

import (
	"errors"
	"os/exec"
	"syscall"
)

// exitCode maps a finished command to a shell-style status: the exit status,
// or 128+signal when the process was killed by a signal.
func exitCode(cmd *exec.Cmd, waitErr error) int {
	state := cmd.ProcessState
	if state == nil {
		if waitErr != nil {
			return 1
		}
		return 0
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitCode()
	}
	return state.ExitCode()
}

// ExitCodeOf is exitCode for callers that manage their own exec.Cmd (PTY shells).
func ExitCodeOf(cmd *exec.Cmd, waitErr error) int {
	return exitCode(cmd, waitErr)
}

// Terminate sends SIGTERM to the process group led by pid and SIGKILL when
// force is set.
func Terminate(pid int, force bool) error {
	if force {
		return killProcessGroup(pid)
	}
	return terminateProcessGroup(pid)
}

// SetProcGroup places cmd in its own process group.
func SetProcGroup(cmd *exec.Cmd) {
	setProcGroup(cmd)
}
