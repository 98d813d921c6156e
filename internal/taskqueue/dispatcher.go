package taskqueue

import (
	"context"
	"fmt"
	"maps"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Iron-Ham/foreman/internal/adapter"
	"github.com/Iron-Ham/foreman/internal/errors"
	"github.com/Iron-Ham/foreman/internal/event"
	"github.com/Iron-Ham/foreman/internal/logging"
	"github.com/Iron-Ham/foreman/internal/notify"
	"github.com/Iron-Ham/foreman/internal/task"
)

const defaultMaxTracked = 1000

// Progress reported at the start and end of every attempt.
const (
	ProgressStarted  = 5
	ProgressFinished = 100
)

// Adapters resolves the adapter for a category. *adapter.Registry
// implements it.
type Adapters interface {
	Lookup(category task.Category) (adapter.Adapter, error)
}

// TaskSink persists task snapshots.
type TaskSink interface {
	SaveTask(ctx context.Context, t *task.Task) error
}

// Config holds the dependencies of a Dispatcher.
type Config struct {
	// Broker stores and runs jobs. A nil broker disables queueing: every
	// queue operation returns ErrQueueingDisabled.
	Broker   Broker
	Adapters Adapters
	// Notifier receives progress, completion and failure reports.
	Notifier notify.Notifier
	// Bus receives enqueue, cancel and pause/resume events.
	Bus    *event.Bus
	Logger *logging.Logger
}

// Dispatcher routes tasks through a broker to their category's adapter.
type Dispatcher struct {
	broker   Broker
	adapters Adapters
	notifier notify.Notifier
	bus      *event.Bus
	logger   *logging.Logger
	sink     TaskSink

	maxTracked int
	now        func() time.Time

	mu      sync.RWMutex
	tasks   map[string]*task.Task // taskID -> latest snapshot
	order   []string              // task IDs in tracking order
	changed chan struct{}         // closed and replaced when a task settles
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(cfg Config, opts ...Option) (*Dispatcher, error) {
	if cfg.Adapters == nil {
		return nil, errors.New("taskqueue: Adapters is required")
	}

	dc := &dispatcherConfig{}
	for _, opt := range opts {
		opt(dc)
	}
	if dc.maxTracked <= 0 {
		dc.maxTracked = defaultMaxTracked
	}
	if dc.now == nil {
		dc.now = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = notify.Nop{}
	}
	bus := cfg.Bus
	if bus == nil {
		bus = event.NewBus(logger)
	}

	return &Dispatcher{
		broker:     cfg.Broker,
		adapters:   cfg.Adapters,
		notifier:   notifier,
		bus:        bus,
		logger:     logger,
		sink:       dc.sink,
		maxTracked: dc.maxTracked,
		now:        dc.now,
		tasks:      make(map[string]*task.Task),
		changed:    make(chan struct{}),
	}, nil
}

// QueueingEnabled reports whether the dispatcher has a broker.
func (d *Dispatcher) QueueingEnabled() bool { return d.broker != nil }

// Start begins pulling jobs from every category queue.
func (d *Dispatcher) Start() error {
	if d.broker == nil {
		return errors.ErrQueueingDisabled
	}
	return d.broker.Start(d.process)
}

// Categories returns the categories served by the broker.
func (d *Dispatcher) Categories() []task.Category {
	if d.broker == nil {
		return nil
	}
	return d.broker.Categories()
}

// Enqueue validates t and adds it to its category queue with no delay. A
// missing ID is generated. The returned task is a snapshot.
func (d *Dispatcher) Enqueue(ctx context.Context, t *task.Task) (*task.Task, error) {
	if d.broker == nil {
		return nil, errors.ErrQueueingDisabled
	}
	if t == nil {
		return nil, errors.NewValidationError("task is required")
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}

	now := d.now()
	tk := t.Clone()
	if tk.ID == "" {
		tk.ID = uuid.NewString()
	}
	tk.Status = task.StatusPending
	tk.Progress = 0
	tk.Attempt = 0
	tk.Error = ""
	tk.Result = nil
	tk.CreatedAt = now
	tk.UpdatedAt = now
	tk.StartedAt = nil
	tk.FinishedAt = nil

	// Track before publishing the job so that a worker picking it up at
	// once finds the task.
	d.mu.Lock()
	if _, exists := d.tasks[tk.ID]; exists {
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", errors.ErrDuplicateJob, tk.ID)
	}
	d.trackLocked(tk)
	d.mu.Unlock()

	job, err := d.broker.Enqueue(ctx, tk)
	if err != nil {
		d.mu.Lock()
		d.untrackLocked(tk.ID)
		d.mu.Unlock()
		return nil, err
	}

	snap := d.update(tk.ID, func(cur *task.Task) {
		cur.MaxAttempts = job.MaxAttempts
	})
	if snap == nil {
		snap = tk
	}
	d.save(ctx, snap)
	d.bus.Publish(event.NewTaskEnqueuedEvent(snap))
	d.logger.WithTask(snap.ID).Info("task enqueued",
		"category", string(snap.Category),
		"stage", string(snap.Stage),
		"project_path", snap.Context.ProjectPath,
	)
	return snap, nil
}

// process is the broker handler: one attempt of one job.
func (d *Dispatcher) process(ctx context.Context, job *Job) (err error) {
	t := d.begin(job)
	logger := d.logger.WithTask(t.ID).WithCategory(string(t.Category))

	defer func() {
		if r := recover(); r != nil {
			logger.Error("adapter panicked",
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
			err = errors.NewAdapterError(fmt.Sprintf("adapter panic: %v", r), nil).
				WithCategory(string(t.Category)).
				WithStage(string(t.Stage))
			d.fail(ctx, t.ID, job, err, nil)
		}
	}()

	d.progress(ctx, t.ID, ProgressStarted, "task started")

	a, err := d.adapters.Lookup(t.Category)
	if err != nil {
		d.fail(ctx, t.ID, job, err, nil)
		return err
	}

	pc := projectContext(t, job.Attempt)
	logger.Info("attempt started", "attempt", job.Attempt, "max_attempts", job.MaxAttempts)

	result, err := a.Execute(ctx, pc)
	if err == nil && (result == nil || !result.Success) {
		msg := "adapter reported failure"
		if result != nil && result.Error != "" {
			msg = result.Error
		}
		err = errors.NewAdapterError(msg, nil).
			WithCategory(string(t.Category)).
			WithStage(string(t.Stage))
	}
	if err != nil {
		d.fail(ctx, t.ID, job, err, result)
		return err
	}

	d.progress(ctx, t.ID, ProgressFinished, "task completed")
	d.complete(ctx, t.ID, result)
	return nil
}

// projectContext builds the adapter's view of t. Task parameters fill stage
// input keys the context does not set.
func projectContext(t *task.Task, attempt int) task.ProjectContext {
	pc := t.Context
	pc.Attempt = attempt
	if pc.CurrentStage == "" {
		pc.CurrentStage = t.Stage
	}
	pc.StageInput = maps.Clone(pc.StageInput)
	if len(t.Parameters) > 0 && pc.StageInput == nil {
		pc.StageInput = make(map[string]any, len(t.Parameters))
	}
	for k, v := range t.Parameters {
		if _, ok := pc.StageInput[k]; !ok {
			pc.StageInput[k] = v
		}
	}
	pc.PreviousStageOutput = maps.Clone(pc.PreviousStageOutput)
	pc.Artifacts = slices.Clone(pc.Artifacts)
	return pc
}

// begin marks the task running for job's attempt and returns a snapshot.
// Jobs enqueued by another process are adopted.
func (d *Dispatcher) begin(job *Job) *task.Task {
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	cur, ok := d.tasks[job.ID]
	if !ok {
		cur = job.Task.Clone()
		if cur == nil {
			cur = &task.Task{ID: job.ID, Category: job.Category}
		}
		if cur.CreatedAt.IsZero() {
			cur.CreatedAt = job.EnqueuedAt
		}
		d.trackLocked(cur)
	}
	cur.Status = task.StatusRunning
	cur.Progress = 0
	cur.Message = ""
	cur.Attempt = job.Attempt
	cur.MaxAttempts = job.MaxAttempts
	cur.Error = ""
	cur.StartedAt = &now
	cur.FinishedAt = nil
	cur.UpdatedAt = now
	return cur.Clone()
}

// progress raises the task's progress and reports it. Progress never moves
// backwards within an attempt.
func (d *Dispatcher) progress(ctx context.Context, id string, percent int, message string) {
	var raised bool
	snap := d.update(id, func(cur *task.Task) {
		if percent < cur.Progress {
			return
		}
		cur.Progress = percent
		cur.Message = message
		raised = true
	})
	if snap == nil || !raised {
		return
	}
	d.notifier.ProgressUpdate(ctx, event.NewProgressUpdateEvent(snap, percent, message))
}

func (d *Dispatcher) complete(ctx context.Context, id string, result *task.Result) {
	snap := d.update(id, func(cur *task.Task) {
		now := d.now()
		cur.Status = task.StatusDone
		cur.Result = result
		cur.FinishedAt = &now
	})
	if snap == nil {
		return
	}
	d.save(ctx, snap)
	d.notifier.TaskCompleted(ctx, event.NewTaskCompletedEvent(snap, snap.Result))
	d.signal()
	d.logger.WithTask(id).Info("task completed",
		"attempt", snap.Attempt,
		"next_stage", string(result.NextStage),
		"artifacts", len(result.Artifacts),
	)
}

// fail records a failed attempt. The attempt is final when the error is
// permanent or no attempts remain; the task then settles as failed,
// otherwise it goes back to pending for the broker's retry.
func (d *Dispatcher) fail(ctx context.Context, id string, job *Job, err error, result *task.Result) {
	permanent := errors.IsPermanent(err)
	final := permanent || job.LastAttempt()

	snap := d.update(id, func(cur *task.Task) {
		cur.Error = err.Error()
		if result != nil {
			cur.Result = result
		}
		if final {
			now := d.now()
			cur.Status = task.StatusFailed
			cur.FinishedAt = &now
		} else {
			cur.Status = task.StatusPending
		}
	})
	if snap == nil {
		return
	}
	d.save(ctx, snap)
	d.notifier.TaskFailed(ctx, event.NewTaskFailedEvent(snap, err.Error(), !permanent, final))
	if final {
		d.signal()
	}

	logger := d.logger.WithTask(id).WithCategory(string(snap.Category))
	if final {
		logger.Error("task failed",
			"attempt", job.Attempt,
			"max_attempts", job.MaxAttempts,
			"permanent", permanent,
			"severity", errors.GetSeverity(err).String(),
			"error", err.Error(),
		)
		return
	}
	logger.Warn("attempt failed, retry scheduled",
		"attempt", job.Attempt,
		"max_attempts", job.MaxAttempts,
		"severity", errors.GetSeverity(err).String(),
		"error", err.Error(),
	)
}

// Stats returns the queue snapshot of category.
func (d *Dispatcher) Stats(ctx context.Context, category task.Category) (Stats, error) {
	if d.broker == nil {
		return Stats{}, errors.ErrQueueingDisabled
	}
	return d.broker.Stats(ctx, category)
}

// AllStats returns the snapshot of every category queue.
func (d *Dispatcher) AllStats(ctx context.Context) ([]Stats, error) {
	if d.broker == nil {
		return nil, errors.ErrQueueingDisabled
	}
	var out []Stats
	for _, c := range d.broker.Categories() {
		s, err := d.broker.Stats(ctx, c)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// Pause stops category's queue from starting new attempts.
func (d *Dispatcher) Pause(ctx context.Context, category task.Category) error {
	if d.broker == nil {
		return errors.ErrQueueingDisabled
	}
	if err := d.broker.Pause(ctx, category); err != nil {
		return err
	}
	d.bus.Publish(event.NewQueueStateEvent(category, true))
	d.logger.WithCategory(string(category)).Info("queue paused")
	return nil
}

// Resume restarts category's queue.
func (d *Dispatcher) Resume(ctx context.Context, category task.Category) error {
	if d.broker == nil {
		return errors.ErrQueueingDisabled
	}
	if err := d.broker.Resume(ctx, category); err != nil {
		return err
	}
	d.bus.Publish(event.NewQueueStateEvent(category, false))
	d.logger.WithCategory(string(category)).Info("queue resumed")
	return nil
}

// Cancel removes a task that is waiting for its first attempt or a retry.
func (d *Dispatcher) Cancel(ctx context.Context, taskID string) error {
	if d.broker == nil {
		return errors.ErrQueueingDisabled
	}
	if err := d.broker.Cancel(ctx, taskID); err != nil {
		return err
	}

	snap := d.update(taskID, func(cur *task.Task) {
		now := d.now()
		cur.Status = task.StatusCancelled
		cur.FinishedAt = &now
	})
	if snap == nil {
		// Untracked here; the caller owns any stored copy.
		snap = &task.Task{ID: taskID, Status: task.StatusCancelled}
	} else {
		d.save(ctx, snap)
	}
	d.bus.Publish(event.NewTaskCancelledEvent(snap))
	d.signal()
	d.logger.WithTask(taskID).Info("task cancelled")
	return nil
}

// Task returns a snapshot of a tracked task.
func (d *Dispatcher) Task(id string) (*task.Task, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	t, ok := d.tasks[id]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

// Tasks returns snapshots of every tracked task in tracking order.
func (d *Dispatcher) Tasks() []*task.Task {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]*task.Task, 0, len(d.order))
	for _, id := range d.order {
		out = append(out, d.tasks[id].Clone())
	}
	return out
}

// WaitAny blocks until at least one of ids has settled and returns the
// settled tasks. An ID the dispatcher does not track counts as settled but
// has no entry in the result.
func (d *Dispatcher) WaitAny(ctx context.Context, ids []string) ([]*task.Task, error) {
	for {
		d.mu.RLock()
		ch := d.changed
		var settled []*task.Task
		untracked := false
		for _, id := range ids {
			t, ok := d.tasks[id]
			switch {
			case !ok:
				untracked = true
			case t.Status.IsTerminal():
				settled = append(settled, t.Clone())
			}
		}
		d.mu.RUnlock()

		if len(settled) > 0 || untracked || len(ids) == 0 {
			return settled, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Wait blocks until every one of ids has settled.
func (d *Dispatcher) Wait(ctx context.Context, ids []string) error {
	pending := slices.Clone(ids)
	for len(pending) > 0 {
		d.mu.RLock()
		ch := d.changed
		pending = slices.DeleteFunc(pending, func(id string) bool {
			t, ok := d.tasks[id]
			return !ok || t.Status.IsTerminal()
		})
		d.mu.RUnlock()

		if len(pending) == 0 {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// CloseAll stops every category from starting attempts, waits for active
// attempts to settle and releases the broker.
func (d *Dispatcher) CloseAll() error {
	if d.broker == nil {
		return nil
	}
	err := d.broker.Close()
	d.logger.Info("dispatcher closed")
	return err
}

// update applies fn to the tracked task and returns a snapshot, or nil when
// the task is not tracked.
func (d *Dispatcher) update(id string, fn func(cur *task.Task)) *task.Task {
	d.mu.Lock()
	defer d.mu.Unlock()

	cur, ok := d.tasks[id]
	if !ok {
		return nil
	}
	fn(cur)
	cur.UpdatedAt = d.now()
	return cur.Clone()
}

// signal wakes every Wait and WaitAny caller.
func (d *Dispatcher) signal() {
	d.mu.Lock()
	close(d.changed)
	d.changed = make(chan struct{})
	d.mu.Unlock()
}

func (d *Dispatcher) save(ctx context.Context, t *task.Task) {
	if d.sink == nil {
		return
	}
	if err := d.sink.SaveTask(context.WithoutCancel(ctx), t); err != nil {
		d.logger.WithTask(t.ID).Warn("saving task failed", "error", err.Error())
	}
}

// trackLocked starts tracking t, forgetting the oldest settled tasks beyond
// the limit. Caller holds d.mu.
func (d *Dispatcher) trackLocked(t *task.Task) {
	d.tasks[t.ID] = t
	d.order = append(d.order, t.ID)

	excess := len(d.order) - d.maxTracked
	if excess <= 0 {
		return
	}
	d.order = slices.DeleteFunc(d.order, func(id string) bool {
		if excess == 0 {
			return false
		}
		if cur := d.tasks[id]; cur != nil && cur.Status.IsTerminal() {
			delete(d.tasks, id)
			excess--
			return true
		}
		return false
	})
}

// untrackLocked forgets id. Caller holds d.mu.
func (d *Dispatcher) untrackLocked(id string) {
	delete(d.tasks, id)
	d.order = slices.DeleteFunc(d.order, func(x string) bool { return x == id })
}
