// Package notify reports task progress and outcomes to the outside world.
//
// A [Notifier] receives three kinds of reports from the dispatcher:
// progress updates, completions and failed attempts. Implementations never
// return errors; a notification that cannot be delivered is logged and
// dropped so that it can never fail the job that produced it.
package notify

import (
	"context"

	"github.com/Iron-Ham/foreman/internal/event"
	"github.com/Iron-Ham/foreman/internal/logging"
)

// Wire names of the outbound notifications.
const (
	WireProgressUpdate = "progress-update"
	WireTaskCompleted  = "task-completed"
	WireTaskFailed     = "task-failed"
)

// Notifier receives task reports from the dispatcher.
type Notifier interface {
	ProgressUpdate(ctx context.Context, e event.ProgressUpdateEvent)
	TaskCompleted(ctx context.Context, e event.TaskCompletedEvent)
	TaskFailed(ctx context.Context, e event.TaskFailedEvent)
}

// Nop discards every report.
type Nop struct{}

func (Nop) ProgressUpdate(context.Context, event.ProgressUpdateEvent) {}
func (Nop) TaskCompleted(context.Context, event.TaskCompletedEvent)   {}
func (Nop) TaskFailed(context.Context, event.TaskFailedEvent)         {}

// BusNotifier publishes reports as events on an event bus.
type BusNotifier struct {
	bus *event.Bus
}

// NewBusNotifier creates a BusNotifier for bus.
func NewBusNotifier(bus *event.Bus) *BusNotifier {
	return &BusNotifier{bus: bus}
}

func (n *BusNotifier) ProgressUpdate(_ context.Context, e event.ProgressUpdateEvent) {
	n.bus.Publish(e)
}

func (n *BusNotifier) TaskCompleted(_ context.Context, e event.TaskCompletedEvent) {
	n.bus.Publish(e)
}

func (n *BusNotifier) TaskFailed(_ context.Context, e event.TaskFailedEvent) {
	n.bus.Publish(e)
}

// LogNotifier writes every report to a logger.
type LogNotifier struct {
	logger *logging.Logger
}

// NewLogNotifier creates a LogNotifier. A nil logger discards output.
func NewLogNotifier(logger *logging.Logger) *LogNotifier {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) ProgressUpdate(_ context.Context, e event.ProgressUpdateEvent) {
	n.logger.WithTask(e.TaskID).Info("progress",
		"project_id", e.ProjectID,
		"percent", e.Percent,
		"message", e.Message,
		"stage", string(e.Stage),
	)
}

func (n *LogNotifier) TaskCompleted(_ context.Context, e event.TaskCompletedEvent) {
	n.logger.WithTask(e.TaskID).Info("task completed",
		"project_id", e.ProjectID,
		"artifacts", len(e.ArtifactPaths),
	)
}

func (n *LogNotifier) TaskFailed(_ context.Context, e event.TaskFailedEvent) {
	level := n.logger.Warn
	if e.Final {
		level = n.logger.Error
	}
	level("task attempt failed",
		"task_id", e.TaskID,
		"project_id", e.ProjectID,
		"error", e.Error,
		"attempt", e.Attempt,
		"max_attempts", e.MaxAttempts,
		"retryable", e.Retryable,
		"final", e.Final,
	)
}

// Multi fans every report out to each notifier in order.
type Multi []Notifier

func (m Multi) ProgressUpdate(ctx context.Context, e event.ProgressUpdateEvent) {
	for _, n := range m {
		n.ProgressUpdate(ctx, e)
	}
}

func (m Multi) TaskCompleted(ctx context.Context, e event.TaskCompletedEvent) {
	for _, n := range m {
		n.TaskCompleted(ctx, e)
	}
}

func (m Multi) TaskFailed(ctx context.Context, e event.TaskFailedEvent) {
	for _, n := range m {
		n.TaskFailed(ctx, e)
	}
}

// Compile-time interface checks.
var (
	_ Notifier = Nop{}
	_ Notifier = (*BusNotifier)(nil)
	_ Notifier = (*LogNotifier)(nil)
	_ Notifier = (*WebhookNotifier)(nil)
	_ Notifier = Multi(nil)
)
