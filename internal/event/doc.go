// Package event provides the in-process pub-sub bus that decouples the
// dispatcher and session runner from whoever observes them (notifiers, the
// task store, CLI progress output).
//
// # Main Types
//
//   - [Event]: EventType() and Timestamp()
//   - [Bus]: synchronous, thread-safe dispatcher
//   - [Handler]: func(Event)
//
// # Event Types
//
// Task lifecycle (published by the dispatcher):
//   - [TaskEnqueuedEvent] "task.enqueued"
//   - [ProgressUpdateEvent] "task.progress"
//   - [TaskCompletedEvent] "task.completed"
//   - [TaskFailedEvent] "task.failed"
//   - [TaskCancelledEvent] "task.cancelled"
//
// Queue administration:
//   - [QueueStateEvent] "queue.paused" / "queue.resumed"
//
// Shell sessions (published by the session registry):
//   - [SessionSpawnedEvent] "session.spawned"
//   - [SessionExitedEvent] "session.exited"
//
// # Thread Safety
//
// Handlers run synchronously on the publishing goroutine, specific
// subscribers first and wildcard subscribers after. A panicking handler is
// recovered and logged; the remaining handlers still run.
package event
