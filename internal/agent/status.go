package agent

// Status is the lifecycle state of a launched process.
type Status int

const (
	// StatusPending means the process has been created but not started.
	StatusPending Status = iota
	// StatusRunning means the process is actively running.
	StatusRunning
	// StatusCompleted means the process exited successfully.
	StatusCompleted
	// StatusFailed means the process exited abnormally or timed out.
	StatusFailed
	// StatusCancelled means the process was cancelled by the user.
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// IsTerminal returns true once the process can no longer produce output.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}
