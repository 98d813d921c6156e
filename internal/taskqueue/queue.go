package taskqueue

import (
	"context"
	"fmt"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/Iron-Ham/foreman/internal/errors"
	"github.com/Iron-Ham/foreman/internal/logging"
	"github.com/Iron-Ham/foreman/internal/retry"
	"github.com/Iron-Ham/foreman/internal/task"
)

// MemoryBroker is an in-process Broker. Jobs live only as long as the
// process unless saved with SaveState.
// All methods are safe for concurrent use via an internal mutex.
type MemoryBroker struct {
	opts    Options
	tracker *retry.Tracker
	logger  *logging.Logger
	now     func() time.Time

	mu      sync.Mutex
	queues  map[task.Category]*categoryQueue
	jobs    map[string]*Job // jobID -> job, until evicted from history
	started bool
	closed  bool

	stop   chan struct{}
	wg     conc.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// categoryQueue holds one category's jobs. Guarded by MemoryBroker.mu.
type categoryQueue struct {
	category  task.Category
	waiting   []*Job          // FIFO
	scheduled []*Job          // retries, ordered by NextRunAt
	active    map[string]*Job // jobID -> job
	completed []*Job          // oldest first
	failed    []*Job          // oldest first
	paused    bool
	wake      chan struct{}
}

// NewMemoryBroker creates a broker for opts. Zero-valued options take their
// defaults; see Options.Normalize.
func NewMemoryBroker(opts Options, logger *logging.Logger) (*MemoryBroker, error) {
	opts, err := opts.Normalize()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NopLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &MemoryBroker{
		opts:    opts,
		tracker: retry.NewTracker(opts.Policy),
		logger:  logger.With("broker", "memory"),
		now:     time.Now,
		queues:  make(map[task.Category]*categoryQueue, len(opts.Categories)),
		jobs:    make(map[string]*Job),
		stop:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, c := range opts.Categories {
		b.queues[c] = &categoryQueue{
			category: c,
			active:   make(map[string]*Job),
			paused:   opts.IsPaused(c),
			wake:     make(chan struct{}, opts.Concurrency),
		}
	}
	return b, nil
}

// Categories returns the served categories in configuration order.
func (b *MemoryBroker) Categories() []task.Category {
	return slices.Clone(b.opts.Categories)
}

// Enqueue adds t to its category queue. The task must carry an ID.
func (b *MemoryBroker) Enqueue(_ context.Context, t *task.Task) (*Job, error) {
	if t == nil || t.ID == "" {
		return nil, errors.NewValidationError("task id is required").WithField("id")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, errors.ErrBrokerClosed
	}
	q, ok := b.queues[t.Category]
	if !ok {
		return nil, unknownCategory(t.Category)
	}
	if _, exists := b.jobs[t.ID]; exists {
		return nil, fmt.Errorf("%w: %s", errors.ErrDuplicateJob, t.ID)
	}

	job := &Job{
		ID:          t.ID,
		Category:    t.Category,
		Task:        t.Clone(),
		MaxAttempts: b.opts.Policy.MaxAttempts,
		State:       JobWaiting,
		EnqueuedAt:  b.now(),
	}
	q.waiting = append(q.waiting, job)
	b.jobs[job.ID] = job
	q.signal()
	return job.clone(), nil
}

// signal wakes one idle worker, if any.
func (q *categoryQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Start launches Concurrency workers per category.
func (b *MemoryBroker) Start(handler Handler) error {
	if handler == nil {
		return errors.New("handler is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return errors.ErrBrokerClosed
	}
	if b.started {
		return errors.New("broker already started")
	}
	b.started = true

	for _, c := range b.opts.Categories {
		q := b.queues[c]
		for range b.opts.Concurrency {
			b.wg.Go(func() { b.work(q, handler) })
		}
	}
	return nil
}

// work is one worker loop. It blocks on the wake channel, the next retry
// deadline or shutdown; it never polls.
func (b *MemoryBroker) work(q *categoryQueue, handler Handler) {
	for {
		job, wait := b.next(q)
		if job != nil {
			b.run(q, job, handler)
			continue
		}

		var (
			timer *time.Timer
			due   <-chan time.Time
		)
		if wait > 0 {
			timer = time.NewTimer(wait)
			due = timer.C
		}
		select {
		case <-b.stop:
			if timer != nil {
				timer.Stop()
			}
			return
		case <-q.wake:
		case <-due:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// next claims the next runnable job of q. When none is runnable it returns
// how long until the earliest scheduled retry is due, or 0 to wait for a
// wake-up.
func (b *MemoryBroker) next(q *categoryQueue) (*Job, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, 0
	}

	now := b.now()
	for len(q.scheduled) > 0 && !q.scheduled[0].NextRunAt.After(now) {
		job := q.scheduled[0]
		q.scheduled = q.scheduled[1:]
		job.State = JobWaiting
		job.NextRunAt = time.Time{}
		q.waiting = append(q.waiting, job)
	}

	if q.paused {
		return nil, 0
	}
	if len(q.waiting) > 0 {
		job := q.waiting[0]
		q.waiting = q.waiting[1:]
		job.State = JobActive
		q.active[job.ID] = job
		if len(q.waiting) > 0 {
			q.signal()
		}
		return job, 0
	}
	if len(q.scheduled) > 0 {
		return nil, q.scheduled[0].NextRunAt.Sub(now)
	}
	return nil, 0
}

// run executes one attempt and files the job according to the outcome.
func (b *MemoryBroker) run(q *categoryQueue, job *Job, handler Handler) {
	attempt := b.tracker.Begin(job.ID)

	b.mu.Lock()
	job.Attempt = attempt
	snapshot := job.clone()
	b.mu.Unlock()

	err := b.invoke(handler, snapshot)

	b.mu.Lock()
	defer b.mu.Unlock()

	delete(q.active, job.ID)
	now := b.now()

	if err == nil {
		b.tracker.Forget(job.ID)
		job.State = JobCompleted
		job.LastError = ""
		job.FinishedAt = &now
		q.completed = append(q.completed, job)
		q.completed = b.trim(q.completed, b.opts.KeepCompleted)
		return
	}

	job.LastError = err.Error()
	again, nextRunAt := b.tracker.RecordFailure(job.ID, err)
	if again {
		job.State = JobScheduled
		job.NextRunAt = nextRunAt
		i, _ := slices.BinarySearchFunc(q.scheduled, nextRunAt, func(j *Job, t time.Time) int {
			return j.NextRunAt.Compare(t)
		})
		q.scheduled = slices.Insert(q.scheduled, i, job)
		b.logger.Debug("job scheduled for retry",
			"job_id", job.ID,
			"attempt", job.Attempt,
			"next_run_at", nextRunAt,
		)
		q.signal()
		return
	}

	b.tracker.Forget(job.ID)
	job.State = JobFailed
	job.FinishedAt = &now
	q.failed = append(q.failed, job)
	q.failed = b.trim(q.failed, b.opts.KeepFailed)
	b.logger.Warn("job failed permanently",
		"job_id", job.ID,
		"category", string(job.Category),
		"attempts", job.Attempt,
		"error", job.LastError,
	)
}

// invoke calls handler, converting a panic into an error.
func (b *MemoryBroker) invoke(handler Handler, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("job handler panicked",
				"job_id", job.ID,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	ctx := b.ctx
	if b.opts.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.opts.AttemptTimeout)
		defer cancel()
	}
	return handler(ctx, job)
}

// trim drops the oldest jobs beyond keep and forgets them. Caller holds b.mu.
func (b *MemoryBroker) trim(history []*Job, keep int) []*Job {
	if len(history) <= keep {
		return history
	}
	cut := len(history) - keep
	for _, j := range history[:cut] {
		delete(b.jobs, j.ID)
	}
	return slices.Clone(history[cut:])
}

// Stats returns a snapshot of category's queue.
func (b *MemoryBroker) Stats(_ context.Context, category task.Category) (Stats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[category]
	if !ok {
		return Stats{}, unknownCategory(category)
	}
	return Stats{
		Category:  category,
		Waiting:   len(q.waiting) + len(q.scheduled),
		Active:    len(q.active),
		Completed: len(q.completed),
		Failed:    len(q.failed),
		Paused:    q.paused,
	}, nil
}

// Pause stops category's workers from claiming jobs.
func (b *MemoryBroker) Pause(_ context.Context, category task.Category) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[category]
	if !ok {
		return unknownCategory(category)
	}
	q.paused = true
	return nil
}

// Resume lets category's workers claim jobs again.
func (b *MemoryBroker) Resume(_ context.Context, category task.Category) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[category]
	if !ok {
		return unknownCategory(category)
	}
	q.paused = false
	for range b.opts.Concurrency {
		q.signal()
	}
	return nil
}

// Cancel removes a waiting or scheduled job.
func (b *MemoryBroker) Cancel(_ context.Context, taskID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	job, ok := b.jobs[taskID]
	if !ok {
		return errors.NewNotFoundError("task", taskID)
	}
	q := b.queues[job.Category]

	switch job.State {
	case JobWaiting:
		q.waiting = slices.DeleteFunc(q.waiting, func(j *Job) bool { return j.ID == taskID })
	case JobScheduled:
		q.scheduled = slices.DeleteFunc(q.scheduled, func(j *Job) bool { return j.ID == taskID })
	default:
		return fmt.Errorf("%w: %s is %s", ErrNotCancellable, taskID, job.State)
	}

	now := b.now()
	job.State = JobCancelled
	job.FinishedAt = &now
	delete(b.jobs, taskID)
	b.tracker.Forget(taskID)
	return nil
}

// Job returns a snapshot of the job with the given ID.
func (b *MemoryBroker) Job(id string) (*Job, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	job, ok := b.jobs[id]
	if !ok {
		return nil, false
	}
	return job.clone(), true
}

// Close stops every worker from claiming jobs and waits for active
// attempts. With a ShutdownTimeout, attempts still running when it expires
// see their context cancelled before Close keeps waiting for them.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.stop)
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	if b.opts.ShutdownTimeout > 0 {
		select {
		case <-done:
		case <-time.After(b.opts.ShutdownTimeout):
			b.logger.Warn("shutdown timeout reached, cancelling active jobs",
				"timeout", b.opts.ShutdownTimeout.String())
			b.cancel()
			<-done
		}
	} else {
		<-done
	}
	b.cancel()
	return nil
}

var _ Broker = (*MemoryBroker)(nil)
