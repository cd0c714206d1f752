package agent

import (
	"fmt"
	"strings"
)

// SpawnFailedError means the agent CLI could not be started at all,
// typically because the executable is missing.
type SpawnFailedError struct {
	Command string
	Err     error
}

func (e *SpawnFailedError) Error() string {
	return fmt.Sprintf("failed to spawn agent %q: %v", e.Command, e.Err)
}

func (e *SpawnFailedError) Unwrap() error { return e.Err }

// ProcessFailedError is returned when the agent exits nonzero or is
// interrupted. The Result returned alongside it still carries the rescanned
// workspace.
type ProcessFailedError struct {
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ProcessFailedError) Error() string {
	msg := fmt.Sprintf("agent exited with code %d", e.ExitCode)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if s := strings.TrimSpace(e.Stderr); s != "" {
		if len(s) > 512 {
			s = s[:512] + "..."
		}
		msg += ": " + s
	}
	return msg
}

func (e *ProcessFailedError) Unwrap() error { return e.Err }
