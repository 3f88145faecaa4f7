package events

import (
	"time"

	"github.com/aristath/conductor/internal/progress"
)

// Event is the base interface for everything published on the bus.
type Event interface {
	EventType() string
	TaskID() string
}

// Event type constants
const (
	EventTypeTaskAdmitted  = "task.admitted"
	EventTypeTaskStep      = "task.step"
	EventTypeTaskCompleted = "task.completed"
	EventTypeTaskFailed    = "task.failed"
	EventTypeMergeResult   = "merge.result"
	EventTypeRunProgress   = "run.progress"
)

// TaskAdmittedEvent is published when the scheduler admits a task and its
// agent is about to launch.
type TaskAdmittedEvent struct {
	ID        string
	Title     string
	Branch    string
	Locks     []string
	Timestamp time.Time
}

func (e TaskAdmittedEvent) EventType() string { return EventTypeTaskAdmitted }
func (e TaskAdmittedEvent) TaskID() string    { return e.ID }

// TaskStepEvent is published when a live agent's classified step changes.
type TaskStepEvent struct {
	ID        string
	Step      progress.Step
	Timestamp time.Time
}

func (e TaskStepEvent) EventType() string { return EventTypeTaskStep }
func (e TaskStepEvent) TaskID() string    { return e.ID }

// TaskCompletedEvent is published after a task's report has been persisted.
type TaskCompletedEvent struct {
	ID        string
	Commits   int
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskCompletedEvent) EventType() string { return EventTypeTaskCompleted }
func (e TaskCompletedEvent) TaskID() string    { return e.ID }

// TaskFailedEvent is published after a failed task's report has been persisted.
type TaskFailedEvent struct {
	ID          string
	FailureType string
	Message     string
	Timestamp   time.Time
}

func (e TaskFailedEvent) EventType() string { return EventTypeTaskFailed }
func (e TaskFailedEvent) TaskID() string    { return e.ID }

// MergeResultEvent is published per branch during integration.
type MergeResultEvent struct {
	ID            string
	Branch        string
	Merged        bool
	Resolved      bool // A conflict was resolved by the helper agent
	ConflictFiles []string
	Timestamp     time.Time
}

func (e MergeResultEvent) EventType() string { return EventTypeMergeResult }
func (e MergeResultEvent) TaskID() string    { return e.ID }

// RunProgressEvent carries aggregate counts for the status line.
type RunProgressEvent struct {
	Total     int
	Done      int
	Running   int
	Failed    int
	Pending   int
	Timestamp time.Time
}

func (e RunProgressEvent) EventType() string { return EventTypeRunProgress }
func (e RunProgressEvent) TaskID() string    { return "" }
