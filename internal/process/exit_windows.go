//go:build windows

package process

import "os/exec"

func exitCode(cmd *exec.Cmd, waitErr error) int {
	if cmd.ProcessState == nil {
		if waitErr != nil {
			return 1
		}
		return 0
	}
	return cmd.ProcessState.ExitCode()
}

// ExitCodeOf is exitCode for callers that manage their own exec.Cmd (PTY shells).
func ExitCodeOf(cmd *exec.Cmd, waitErr error) int {
	return exitCode(cmd, waitErr)
}

// Terminate ends the process tree rooted at pid.
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
