//go:build windows

package process

import (
	"fmt"
	"os/exec"
	"syscall"
)

func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
}

// killProcessGroup force-kills the process tree (/F /T).
func killProcessGroup(pid int) error {
	return exec.Command("taskkill", "/F", "/T", "/PID", fmt.Sprintf("%d", pid)).Run()
}

// terminateProcessGroup asks the tree to close. Without /F taskkill sends
// WM_CLOSE, the nearest thing to SIGTERM.
func terminateProcessGroup(pid int) error {
	return exec.Command("taskkill", "/T", "/PID", fmt.Sprintf("%d", pid)).Run()
}
