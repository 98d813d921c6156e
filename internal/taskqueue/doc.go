// Package taskqueue dispatches tasks to their category's stage adapter
// through a queue broker, with bounded retries.
//
// Each category has its own queue. A [Broker] owns the jobs: it stores
// waiting work, hands jobs to workers, schedules retries with the shared
// retry.Policy and keeps a bounded history of finished jobs. Two brokers
// exist: [MemoryBroker] in this package and the Redis-backed broker in
// taskqueue/redisq.
//
// The [Dispatcher] sits on top of a broker. It validates and enqueues
// tasks, and for every attempt a worker pulls it:
//
//  1. reports 5% progress and marks the task running,
//  2. resolves the category's adapter and executes it,
//  3. on success reports 100% and task-completed,
//  4. on failure reports task-failed and returns the error to the broker,
//     which retries the job or marks it permanently failed.
//
// A [Plan] orders tasks that depend on each other and feeds each stage's
// outcome into the stages after it; [RunPlan] drives a plan to completion.
//
// Usage:
//
//	broker, err := taskqueue.NewMemoryBroker(taskqueue.DefaultOptions(), logger)
//	...
//	d, err := taskqueue.NewDispatcher(taskqueue.Config{
//	    Broker:   broker,
//	    Adapters: registry,
//	    Notifier: notifier,
//	})
//	if err := d.Start(); err != nil { ... }
//	t, err := d.Enqueue(ctx, &task.Task{Category: task.CategoryPM, Context: pc})
//	...
//	d.CloseAll()
package taskqueue
