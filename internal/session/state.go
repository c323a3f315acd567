package session

// State is the single active conversational state for the authorized user.
type State int

const (
	// Idle accepts commands and free-text prompts.
	Idle State = iota
	// AwaitingProjectChoice waits for a project menu selection.
	AwaitingProjectChoice
	// AwaitingNewProjectName waits for the name of a project to create.
	AwaitingNewProjectName
	// AwaitingFileChoice waits for a file menu selection to send back.
	AwaitingFileChoice
	// AwaitingScriptChoice waits for a script menu selection.
	AwaitingScriptChoice
	// AwaitingScriptParameters waits for the parameter string of a chosen
	// script.
	AwaitingScriptParameters
	// AwaitingContextConfirmation waits for a verdict on a proposed
	// requirements-document replacement.
	AwaitingContextConfirmation
	// Streaming means an agent run is in flight; only cancel and read-only
	// queries are accepted.
	Streaming
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingProjectChoice:
		return "awaiting-project-choice"
	case AwaitingNewProjectName:
		return "awaiting-new-project-name"
	case AwaitingFileChoice:
		return "awaiting-file-choice"
	case AwaitingScriptChoice:
		return "awaiting-script-choice"
	case AwaitingScriptParameters:
		return "awaiting-script-parameters"
	case AwaitingContextConfirmation:
		return "awaiting-context-confirmation"
	case Streaming:
		return "streaming"
	default:
		return "unknown"
	}
}
