package bus

// Subjects published by the bridge. Subscribers may use "bridge.>" for all.
const (
	SubjectWorkspaceCreated = "bridge.workspace.created"
	SubjectWorkspaceCleared = "bridge.workspace.cleared"

	SubjectContainerCreated   = "bridge.container.created"
	SubjectContainerDestroyed = "bridge.container.destroyed"
	SubjectContainerExec      = "bridge.container.exec"

	SubjectAgentStarted   = "bridge.agent.started"
	SubjectAgentCompleted = "bridge.agent.completed"

	SubjectTerminalOpened = "bridge.terminal.opened"
	SubjectTerminalClosed = "bridge.terminal.closed"
)
