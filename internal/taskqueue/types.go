package taskqueue

import (
	"context"
	"slices"
	"time"

	"github.com/Iron-Ham/foreman/internal/errors"
	"github.com/Iron-Ham/foreman/internal/retry"
	"github.com/Iron-Ham/foreman/internal/task"
)

// ErrNotCancellable is returned when cancelling a job that already started.
var ErrNotCancellable = errors.New("job is no longer waiting")

// JobState is where a job sits in its category queue.
type JobState string

const (
	// JobWaiting indicates the job is queued for its first or next attempt.
	JobWaiting JobState = "waiting"

	// JobScheduled indicates a failed job waiting out its retry delay.
	JobScheduled JobState = "scheduled"

	// JobActive indicates a worker is running the job.
	JobActive JobState = "active"

	// JobCompleted indicates an attempt succeeded.
	JobCompleted JobState = "completed"

	// JobFailed indicates the job failed permanently or used every attempt.
	JobFailed JobState = "failed"

	// JobCancelled indicates the job was removed before it ran.
	JobCancelled JobState = "cancelled"
)

// IsTerminal returns true if the job will not run again.
func (s JobState) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// Job wraps one task in a broker queue.
type Job struct {
	ID          string        `json:"id"`
	Category    task.Category `json:"category"`
	Task        *task.Task    `json:"task"`
	Attempt     int           `json:"attempt"`
	MaxAttempts int           `json:"max_attempts"`
	State       JobState      `json:"state"`
	EnqueuedAt  time.Time     `json:"enqueued_at"`
	NextRunAt   time.Time     `json:"next_run_at,omitzero"`
	LastError   string        `json:"last_error,omitempty"`
	FinishedAt  *time.Time    `json:"finished_at,omitempty"`
}

// LastAttempt reports whether the current attempt is the final one allowed.
func (j *Job) LastAttempt() bool {
	return j.Attempt >= j.MaxAttempts
}

func (j *Job) clone() *Job {
	cp := *j
	cp.Task = j.Task.Clone()
	if j.FinishedAt != nil {
		f := *j.FinishedAt
		cp.FinishedAt = &f
	}
	return &cp
}

// Stats is a snapshot of one category queue.
type Stats struct {
	Category task.Category `json:"category"`
	// Waiting counts jobs queued for a first attempt or a retry.
	Waiting int `json:"waiting"`
	Active  int `json:"active"`
	// Completed and Failed count retained history only.
	Completed int  `json:"completed"`
	Failed    int  `json:"failed"`
	Paused    bool `json:"paused"`
}

// Handler processes one attempt of a job. A nil return completes the job;
// an error fails the attempt and the broker decides whether to retry.
type Handler func(ctx context.Context, job *Job) error

// Broker stores jobs per category and runs them on workers.
type Broker interface {
	// Enqueue adds a task to its category queue with no delay.
	Enqueue(ctx context.Context, t *task.Task) (*Job, error)
	// Start begins pulling jobs into handler.
	Start(handler Handler) error
	Stats(ctx context.Context, category task.Category) (Stats, error)
	// Pause stops workers from pulling new jobs; active jobs keep running.
	Pause(ctx context.Context, category task.Category) error
	Resume(ctx context.Context, category task.Category) error
	// Cancel removes a job that has not started its current attempt.
	Cancel(ctx context.Context, taskID string) error
	Categories() []task.Category
	// Close stops pulling jobs and waits for active ones to settle.
	Close() error
}

// Options configures a broker.
type Options struct {
	// Categories are the queues the broker serves.
	Categories []task.Category
	// Concurrency is the number of simultaneous attempts per category.
	Concurrency int
	// Policy decides retries and backoff.
	Policy retry.Policy
	// KeepCompleted and KeepFailed bound the retained history per category.
	KeepCompleted int
	KeepFailed    int
	// Retention keeps finished jobs for this long in brokers that expire
	// history by age instead of count.
	Retention time.Duration
	// AttemptTimeout bounds a single attempt. 0 leaves attempts unbounded
	// in the memory broker.
	AttemptTimeout time.Duration
	// ShutdownTimeout bounds Close. Active attempts still running when it
	// expires have their context cancelled. 0 waits indefinitely.
	ShutdownTimeout time.Duration
	// Paused lists categories that start paused.
	Paused []task.Category
}

// DefaultOptions returns options for the built-in categories: one worker
// per category, the default retry policy, 10 completed and 5 failed jobs
// kept.
func DefaultOptions() Options {
	return Options{
		Categories:    task.DefaultCategories(),
		Concurrency:   1,
		Policy:        retry.DefaultPolicy(),
		KeepCompleted: 10,
		KeepFailed:    5,
	}
}

// Normalize fills zero values with defaults and validates o.
func (o Options) Normalize() (Options, error) {
	if len(o.Categories) == 0 {
		o.Categories = task.DefaultCategories()
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.Policy.MaxAttempts == 0 {
		o.Policy = retry.DefaultPolicy()
	}
	if err := o.Policy.Validate(); err != nil {
		return o, errors.NewValidationError("invalid retry policy").WithCause(err)
	}
	if o.AttemptTimeout < 0 || o.ShutdownTimeout < 0 || o.Retention < 0 {
		return o, errors.NewValidationError("timeouts must not be negative")
	}
	if o.KeepCompleted < 0 || o.KeepFailed < 0 {
		return o, errors.NewValidationError("history limits must not be negative")
	}
	seen := make(map[task.Category]bool, len(o.Categories))
	for _, c := range o.Categories {
		if c == "" {
			return o, errors.NewValidationError("empty category name").WithField("categories")
		}
		if seen[c] {
			return o, errors.NewValidationError("duplicate category").WithField("categories").WithValue(c)
		}
		seen[c] = true
	}
	o.Categories = slices.Clone(o.Categories)
	return o, nil
}

// IsPaused reports whether category is listed as starting paused.
func (o Options) IsPaused(category task.Category) bool {
	return slices.Contains(o.Paused, category)
}

func unknownCategory(category task.Category) error {
	return errors.NewValidationError("unknown category").
		WithField("category").
		WithValue(category).
		WithCause(errors.ErrUnknownCategory)
}
