package event

import (
	"time"

	"github.com/Iron-Ham/foreman/internal/task"
)

// Event types
const (
	TypeTaskEnqueued   = "task.enqueued"
	TypeProgressUpdate = "task.progress"
	TypeTaskCompleted  = "task.completed"
	TypeTaskFailed     = "task.failed"
	TypeTaskCancelled  = "task.cancelled"
	TypeQueuePaused    = "queue.paused"
	TypeQueueResumed   = "queue.resumed"
	TypeSessionSpawned = "session.spawned"
	TypeSessionExited  = "session.exited"
)

// Event is the interface that all events implement.
type Event interface {
	// EventType returns a "category.action" identifier.
	EventType() string
	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

func newBaseEvent(eventType string) baseEvent {
	return baseEvent{eventType: eventType, timestamp: time.Now()}
}

// -----------------------------------------------------------------------------
// Task lifecycle
// -----------------------------------------------------------------------------

// TaskEnqueuedEvent is emitted when a task is accepted into a queue.
type TaskEnqueuedEvent struct {
	baseEvent
	TaskID    string        `json:"taskId"`
	ProjectID string        `json:"projectId"`
	Category  task.Category `json:"category"`
	Stage     task.Stage    `json:"stage,omitempty"`
}

// NewTaskEnqueuedEvent creates a TaskEnqueuedEvent.
func NewTaskEnqueuedEvent(t *task.Task) TaskEnqueuedEvent {
	return TaskEnqueuedEvent{
		baseEvent: newBaseEvent(TypeTaskEnqueued),
		TaskID:    t.ID,
		ProjectID: t.Context.ProjectID,
		Category:  t.Category,
		Stage:     t.Stage,
	}
}

// ProgressUpdateEvent reports progress of the current attempt.
type ProgressUpdateEvent struct {
	baseEvent
	TaskID    string        `json:"taskId"`
	ProjectID string        `json:"projectId"`
	Category  task.Category `json:"category,omitempty"`
	Percent   int           `json:"percent"`
	Message   string        `json:"message"`
	Stage     task.Stage    `json:"stage,omitempty"`
	Attempt   int           `json:"attempt,omitempty"`
}

// NewProgressUpdateEvent creates a ProgressUpdateEvent.
func NewProgressUpdateEvent(t *task.Task, percent int, message string) ProgressUpdateEvent {
	return ProgressUpdateEvent{
		baseEvent: newBaseEvent(TypeProgressUpdate),
		TaskID:    t.ID,
		ProjectID: t.Context.ProjectID,
		Category:  t.Category,
		Percent:   percent,
		Message:   message,
		Stage:     t.Stage,
		Attempt:   t.Attempt,
	}
}

// TaskCompletedEvent is emitted once, when an attempt succeeds.
type TaskCompletedEvent struct {
	baseEvent
	TaskID        string        `json:"taskId"`
	ProjectID     string        `json:"projectId"`
	Category      task.Category `json:"category,omitempty"`
	Result        *task.Result  `json:"result"`
	ArtifactPaths []string      `json:"artifactPaths"`
}

// NewTaskCompletedEvent creates a TaskCompletedEvent.
func NewTaskCompletedEvent(t *task.Task, result *task.Result) TaskCompletedEvent {
	paths := result.ArtifactPaths()
	if paths == nil {
		paths = []string{}
	}
	return TaskCompletedEvent{
		baseEvent:     newBaseEvent(TypeTaskCompleted),
		TaskID:        t.ID,
		ProjectID:     t.Context.ProjectID,
		Category:      t.Category,
		Result:        result,
		ArtifactPaths: paths,
	}
}

// TaskFailedEvent is emitted for every failed attempt. The event with
// Final set is the terminal report for the task.
type TaskFailedEvent struct {
	baseEvent
	TaskID      string        `json:"taskId"`
	ProjectID   string        `json:"projectId"`
	Category    task.Category `json:"category,omitempty"`
	Error       string        `json:"error"`
	Retryable   bool          `json:"retryable"`
	Attempt     int           `json:"attempt"`
	MaxAttempts int           `json:"maxAttempts"`
	Final       bool          `json:"final"`
}

// NewTaskFailedEvent creates a TaskFailedEvent.
func NewTaskFailedEvent(t *task.Task, errMsg string, retryable, final bool) TaskFailedEvent {
	return TaskFailedEvent{
		baseEvent:   newBaseEvent(TypeTaskFailed),
		TaskID:      t.ID,
		ProjectID:   t.Context.ProjectID,
		Category:    t.Category,
		Error:       errMsg,
		Retryable:   retryable,
		Attempt:     t.Attempt,
		MaxAttempts: t.MaxAttempts,
		Final:       final,
	}
}

// TaskCancelledEvent is emitted when a waiting task is removed.
type TaskCancelledEvent struct {
	baseEvent
	TaskID    string        `json:"taskId"`
	ProjectID string        `json:"projectId"`
	Category  task.Category `json:"category,omitempty"`
}

// NewTaskCancelledEvent creates a TaskCancelledEvent.
func NewTaskCancelledEvent(t *task.Task) TaskCancelledEvent {
	return TaskCancelledEvent{
		baseEvent: newBaseEvent(TypeTaskCancelled),
		TaskID:    t.ID,
		ProjectID: t.Context.ProjectID,
		Category:  t.Category,
	}
}

// -----------------------------------------------------------------------------
// Queue administration
// -----------------------------------------------------------------------------

// QueueStateEvent is emitted when a category queue is paused or resumed.
type QueueStateEvent struct {
	baseEvent
	Category task.Category `json:"category"`
	Paused   bool          `json:"paused"`
}

// NewQueueStateEvent creates a QueueStateEvent.
func NewQueueStateEvent(category task.Category, paused bool) QueueStateEvent {
	typ := TypeQueueResumed
	if paused {
		typ = TypeQueuePaused
	}
	return QueueStateEvent{
		baseEvent: newBaseEvent(typ),
		Category:  category,
		Paused:    paused,
	}
}

// -----------------------------------------------------------------------------
// Shell sessions
// -----------------------------------------------------------------------------

// SessionSpawnedEvent is emitted when a project's shell starts.
type SessionSpawnedEvent struct {
	baseEvent
	ProjectPath string `json:"projectPath"`
	PID         int    `json:"pid"`
	Respawn     bool   `json:"respawn"`
}

// NewSessionSpawnedEvent creates a SessionSpawnedEvent.
func NewSessionSpawnedEvent(projectPath string, pid int, respawn bool) SessionSpawnedEvent {
	return SessionSpawnedEvent{
		baseEvent:   newBaseEvent(TypeSessionSpawned),
		ProjectPath: projectPath,
		PID:         pid,
		Respawn:     respawn,
	}
}

// SessionExitedEvent is emitted when a project's shell process exits.
type SessionExitedEvent struct {
	baseEvent
	ProjectPath string `json:"projectPath"`
	PID         int    `json:"pid"`
	ExitCode    int    `json:"exitCode"`
}

// NewSessionExitedEvent creates a SessionExitedEvent.
func NewSessionExitedEvent(projectPath string, pid, exitCode int) SessionExitedEvent {
	return SessionExitedEvent{
		baseEvent:   newBaseEvent(TypeSessionExited),
		ProjectPath: projectPath,
		PID:         pid,
		ExitCode:    exitCode,
	}
}

// TaskID returns the task an event refers to, or "" for events that are not
// about a task.
func TaskID(e Event) string {
	switch ev := e.(type) {
	case TaskEnqueuedEvent:
		return ev.TaskID
	case ProgressUpdateEvent:
		return ev.TaskID
	case TaskCompletedEvent:
		return ev.TaskID
	case TaskFailedEvent:
		return ev.TaskID
	case TaskCancelledEvent:
		return ev.TaskID
	}
	return ""
}
