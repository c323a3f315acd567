package agent

import "errors"

var (
	// ErrAlreadyRunning is returned by Launch and RunScript while another
	// handle is still held (single-flight per user).
	ErrAlreadyRunning = errors.New("an agent run is already in flight")

	// ErrOutOfScope is returned when a script path resolves outside the
	// project directory.
	ErrOutOfScope = errors.New("path resolves outside the project directory")

	// ErrScriptNotFound is returned when the script file does not exist.
	ErrScriptNotFound = errors.New("script not found")

	// ErrUnsupportedScript is returned for files the supervisor does not know
	// how to execute.
	ErrUnsupportedScript = errors.New("unsupported script type")

	// ErrTimeout is returned when a run exceeds its configured timeout.
	ErrTimeout = errors.New("agent process timed out")

	// ErrCancelled is the terminal error of a run stopped by Cancel. Output
	// captured before the cancel is partial and must not be treated as a
	// completed result.
	ErrCancelled = errors.New("agent run cancelled")
)
