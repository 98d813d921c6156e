package taskqueue

import "time"

// dispatcherConfig holds optional configuration for a Dispatcher.
type dispatcherConfig struct {
	sink       TaskSink
	maxTracked int
	now        func() time.Time
}

// Option configures a Dispatcher.
type Option func(*dispatcherConfig)

// WithTaskSink records every task transition in s.
func WithTaskSink(s TaskSink) Option {
	return func(c *dispatcherConfig) { c.sink = s }
}

// WithMaxTrackedTasks bounds how many tasks the dispatcher keeps in memory.
// Once exceeded, the oldest finished tasks are forgotten. A value of 0 uses
// the default of 1000.
func WithMaxTrackedTasks(n int) Option {
	return func(c *dispatcherConfig) { c.maxTracked = n }
}

// WithClock sets the time source used for task timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *dispatcherConfig) { c.now = now }
}
