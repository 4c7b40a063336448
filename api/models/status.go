package models

// The task status graph:
//
//	queued  -> running -> completed
//	queued  -> running -> failed
//	queued  -> failed      (submission exhausted retries)
//	queued  -> cancelled
//	running -> cancelled
//
// Terminal statuses are final. Self transitions of non-terminal statuses are
// allowed so that repeated observations (recording an external job id,
// refreshing the external status) stay idempotent.
var transitions = map[TaskStatus]map[TaskStatus]bool{
	StatusQueued: {
		StatusQueued:    true,
		StatusRunning:   true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
	StatusRunning: {
		StatusRunning:   true,
		StatusCompleted: true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
}

// CanTransition reports whether a task may move from one status to another.
func CanTransition(from, to TaskStatus) bool {
	return transitions[from][to]
}

// IsTerminal reports whether a status is final.
func IsTerminal(s TaskStatus) bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// IsActive reports whether a task in this status is still tracked by the
// reconciler.
func IsActive(s TaskStatus) bool {
	return s == StatusQueued || s == StatusRunning
}

// ValidStatus reports whether s is a known task status.
func ValidStatus(s TaskStatus) bool {
	switch s {
	case StatusQueued, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}
