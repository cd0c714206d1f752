package process

import (
	"fmt"
	"strings"
)

// StartError means the executable could not be launched at all.
type StartError struct {
	Command string
	Err     error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("failed to start %s: %v", e.Command, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

// CommandFailedError is returned when a process exits with a nonzero status.
type CommandFailedError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *CommandFailedError) Error() string {
	msg := fmt.Sprintf("command failed with exit code %d: %s", e.ExitCode, e.Command)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + truncate(s, 512)
	}
	return msg
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
