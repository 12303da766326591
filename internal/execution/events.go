package execution

import (
	"time"

	"gobii_runner/internal/model"
)

// EventType names a state change
type EventType string

// Event types
const (
	EventTaskAdded     EventType = "task.added"
	EventTaskUpdated   EventType = "task.updated"
	EventTaskDeleted   EventType = "task.deleted"
	EventTaskSubmitted EventType = "task.submitted"
	EventTaskStatus    EventType = "task.status"
	EventTaskFinished  EventType = "task.finished"
	EventPollError     EventType = "task.poll_error"
	EventTasksReloaded EventType = "tasks.reloaded"
)

// Event is delivered to the presentation layer after every change.
// PreviousID is set when a submission replaced a provisional id.
type Event struct {
	Type       EventType   `json:"type"`
	PreviousID string      `json:"previousId,omitempty"`
	Task       *model.Task `json:"task,omitempty"`
	TaskID     string      `json:"taskId,omitempty"`
	Error      string      `json:"error,omitempty"`
	At         time.Time   `json:"at"`
}

// Notifier receives events. Implementations must not block for long,
// they are called from poller goroutines.
type Notifier interface {
	Notify(Event)
}

// NotifierFunc adapts a function to Notifier
type NotifierFunc func(Event)

// Notify calls f
func (f NotifierFunc) Notify(e Event) { f(e) }

// Notifiers fans an event out to several notifiers in order
type Notifiers []Notifier

// Notify calls every notifier
func (ns Notifiers) Notify(e Event) {
	for _, n := range ns {
		if n != nil {
			n.Notify(e)
		}
	}
}

func newEvent(t EventType, task *model.Task) Event {
	e := Event{Type: t, At: time.Now()}
	if task != nil {
		c := task.Clone()
		e.Task = &c
		e.TaskID = c.ID
	}
	return e
}
