package model

// TaskStatus is the execution state reported by the Gobii API
type TaskStatus string

// Task status constants
const (
	TaskStatusNone       TaskStatus = ""
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// Result text written when a task ends without a server payload
const (
	ResultFailed    = "Failed"
	ResultCancelled = "Cancelled"
)

// Task represents one browser-use task and its last known execution state
type Task struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Prompt       string        `json:"prompt"`
	OutputSchema *OutputSchema `json:"outputSchema,omitempty"`
	Status       TaskStatus    `json:"status,omitempty"`
	LastResult   string        `json:"lastResult,omitempty"`
}

// ParseTaskStatus maps a wire value to a known status.
// The second return value is false for values the service does not know about.
func ParseTaskStatus(s string) (TaskStatus, bool) {
	switch st := TaskStatus(s); st {
	case TaskStatusPending, TaskStatusInProgress, TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return st, true
	}
	return TaskStatus(s), false
}

// IsTerminal reports whether no further transitions can happen
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// IsActive reports whether the task still needs polling
func (s TaskStatus) IsActive() bool {
	return s == TaskStatusPending || s == TaskStatusInProgress
}

// TerminalResult returns the LastResult text for a terminal status.
// serverResult is only used for completed tasks; nil means no payload.
func TerminalResult(s TaskStatus, serverResult *string) string {
	switch s {
	case TaskStatusCompleted:
		if serverResult == nil {
			return ""
		}
		return *serverResult
	case TaskStatusFailed:
		return ResultFailed
	case TaskStatusCancelled:
		return ResultCancelled
	}
	return ""
}

// Clone returns a deep copy so callers can't mutate stored state
func (t Task) Clone() Task {
	if t.OutputSchema != nil {
		t.OutputSchema = t.OutputSchema.Clone()
	}
	return t
}
