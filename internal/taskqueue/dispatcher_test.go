package taskqueue

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Iron-Ham/foreman/internal/adapter"
	"github.com/Iron-Ham/foreman/internal/errors"
	"github.com/Iron-Ham/foreman/internal/event"
	"github.com/Iron-Ham/foreman/internal/logging"
	"github.com/Iron-Ham/foreman/internal/task"
)

// recordingNotifier flattens notifications into comparable strings.
type recordingNotifier struct {
	mu     sync.Mutex
	seq    []string
	failed []event.TaskFailedEvent
	done   []event.TaskCompletedEvent
}

func (n *recordingNotifier) ProgressUpdate(_ context.Context, e event.ProgressUpdateEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.seq = append(n.seq, fmt.Sprintf("progress %d", e.Percent))
}

func (n *recordingNotifier) TaskCompleted(_ context.Context, e event.TaskCompletedEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.seq = append(n.seq, "completed")
	n.done = append(n.done, e)
}

func (n *recordingNotifier) TaskFailed(_ context.Context, e event.TaskFailedEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.seq = append(n.seq, fmt.Sprintf("failed retryable=%t final=%t", e.Retryable, e.Final))
	n.failed = append(n.failed, e)
}

func (n *recordingNotifier) sequence() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.seq)
}

// recordingSink keeps the last saved snapshot per task.
type recordingSink struct {
	mu    sync.Mutex
	saves int
	last  map[string]task.Status
}

func (s *recordingSink) SaveTask(_ context.Context, t *task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		s.last = make(map[string]task.Status)
	}
	s.saves++
	s.last[t.ID] = t.Status
	return nil
}

type dispatcherFixture struct {
	d        *Dispatcher
	broker   *MemoryBroker
	registry *adapter.Registry
	notifier *recordingNotifier
	bus      *event.Bus
}

func newDispatcherFixture(t *testing.T, maxAttempts int, adapters map[task.Category]adapter.Adapter, opts ...Option) *dispatcherFixture {
	t.Helper()

	reg := adapter.NewRegistry()
	for c, a := range adapters {
		reg.Register(c, a)
	}
	b, err := NewMemoryBroker(Options{
		Categories: []task.Category{task.CategoryDev, task.CategoryPM},
		Policy:     fastPolicy(maxAttempts),
	}, nil)
	if err != nil {
		t.Fatalf("NewMemoryBroker: %v", err)
	}
	n := &recordingNotifier{}
	bus := event.NewBus(nil)

	d, err := NewDispatcher(Config{Broker: b, Adapters: reg, Notifier: n, Bus: bus}, opts...)
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	if err := d.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = d.CloseAll() })
	return &dispatcherFixture{d: d, broker: b, registry: reg, notifier: n, bus: bus}
}

// flaky fails its first failures calls.
func flaky(failures int, calls *atomic.Int32) adapter.Func {
	return func(_ context.Context, pc task.ProjectContext) (*task.Result, error) {
		n := int(calls.Add(1))
		if n <= failures {
			return nil, fmt.Errorf("attempt %d failed", n)
		}
		return &task.Result{
			Success:   true,
			NextStage: task.StageDefineUXStandard,
			Artifacts: []task.Artifact{{Name: "PRD.md", Path: "docs/PRD.md", Type: "markdown"}},
		}, nil
	}
}

func enqueueAndWait(t *testing.T, d *Dispatcher, tk *task.Task) *task.Task {
	t.Helper()
	ctx := testContext(t)
	snap, err := d.Enqueue(ctx, tk)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := d.Wait(ctx, []string{snap.ID}); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	final, ok := d.Task(snap.ID)
	if !ok {
		t.Fatalf("task %s not tracked", snap.ID)
	}
	return final
}

func TestDispatcherRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	f := newDispatcherFixture(t, 3, map[task.Category]adapter.Adapter{
		task.CategoryDev: flaky(2, &calls),
	})

	final := enqueueAndWait(t, f.d, newTask("", task.CategoryDev))

	if final.Status != task.StatusDone {
		t.Fatalf("status = %s, want done (error %q)", final.Status, final.Error)
	}
	if final.Attempt != 3 || final.MaxAttempts != 3 {
		t.Errorf("attempt = %d/%d, want 3/3", final.Attempt, final.MaxAttempts)
	}
	if final.Progress != ProgressFinished {
		t.Errorf("progress = %d, want %d", final.Progress, ProgressFinished)
	}
	if final.Result == nil || final.Result.NextStage != task.StageDefineUXStandard {
		t.Errorf("result = %+v, want next stage %s", final.Result, task.StageDefineUXStandard)
	}

	want := []string{
		"progress 5", "failed retryable=true final=false",
		"progress 5", "failed retryable=true final=false",
		"progress 5", "progress 100", "completed",
	}
	if got := f.notifier.sequence(); !slices.Equal(got, want) {
		t.Errorf("notifications:\n got %v\nwant %v", got, want)
	}

	f.notifier.mu.Lock()
	defer f.notifier.mu.Unlock()
	if paths := f.notifier.done[0].ArtifactPaths; !slices.Equal(paths, []string{"docs/PRD.md"}) {
		t.Errorf("artifact paths = %v", paths)
	}
	if f.notifier.failed[0].ProjectID != "proj-1" || f.notifier.failed[1].Attempt != 2 {
		t.Errorf("failed events = %+v", f.notifier.failed)
	}
}

func TestDispatcherFailsAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	f := newDispatcherFixture(t, 3, map[task.Category]adapter.Adapter{
		task.CategoryDev: flaky(100, &calls),
	})

	final := enqueueAndWait(t, f.d, newTask("doomed", task.CategoryDev))

	if final.Status != task.StatusFailed {
		t.Fatalf("status = %s, want failed", final.Status)
	}
	if final.Error != "attempt 3 failed" {
		t.Errorf("error = %q", final.Error)
	}
	time.Sleep(50 * time.Millisecond)
	if calls.Load() != 3 {
		t.Errorf("adapter calls = %d, want 3", calls.Load())
	}

	seq := f.notifier.sequence()
	if last := seq[len(seq)-1]; last != "failed retryable=true final=true" {
		t.Errorf("last notification = %q, want the final failure", last)
	}
	if n := strings.Count(strings.Join(seq, "|"), "failed"); n != 3 {
		t.Errorf("failure notifications = %d, want 3", n)
	}
	st, _ := f.d.Stats(context.Background(), task.CategoryDev)
	if st.Failed != 1 || st.Waiting != 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestDispatcherPermanentErrorsDoNotRetry(t *testing.T) {
	var calls atomic.Int32
	tests := []struct {
		name     string
		category task.Category
		adapters map[task.Category]adapter.Adapter
		wantRuns int32
	}{
		{
			name:     "permanent adapter error",
			category: task.CategoryDev,
			adapters: map[task.Category]adapter.Adapter{
				task.CategoryDev: adapter.Func(func(context.Context, task.ProjectContext) (*task.Result, error) {
					calls.Add(1)
					return nil, errors.NewAdapterError("template broken", nil).WithPermanent(true)
				}),
			},
			wantRuns: 1,
		},
		{
			name:     "no adapter for category",
			category: task.CategoryPM,
			adapters: map[task.Category]adapter.Adapter{},
			wantRuns: 0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls.Store(0)
			f := newDispatcherFixture(t, 3, tt.adapters)

			final := enqueueAndWait(t, f.d, newTask("", tt.category))
			if final.Status != task.StatusFailed || final.Attempt != 1 {
				t.Errorf("task = %s after %d attempts, want failed after 1", final.Status, final.Attempt)
			}
			if calls.Load() != tt.wantRuns {
				t.Errorf("adapter calls = %d, want %d", calls.Load(), tt.wantRuns)
			}
			want := []string{"progress 5", "failed retryable=false final=true"}
			if got := f.notifier.sequence(); !slices.Equal(got, want) {
				t.Errorf("notifications = %v, want %v", got, want)
			}
		})
	}
}

func TestDispatcherLogsFailureSeverity(t *testing.T) {
	var logs bytes.Buffer
	reg := adapter.NewRegistry()
	reg.Register(task.CategoryDev, adapter.Func(func(context.Context, task.ProjectContext) (*task.Result, error) {
		return nil, errors.NewCommandTimeoutError("npm test", time.Second)
	}))
	b, err := NewMemoryBroker(Options{Categories: []task.Category{task.CategoryDev}, Policy: fastPolicy(2)}, nil)
	if err != nil {
		t.Fatalf("NewMemoryBroker: %v", err)
	}
	d, err := NewDispatcher(Config{Broker: b, Adapters: reg, Logger: logging.NewWriterLogger(&logs, "debug")})
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	if err := d.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ctx := testContext(t)
	snap, err := d.Enqueue(ctx, newTask("", task.CategoryDev))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := d.Wait(ctx, []string{snap.ID}); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if err := d.CloseAll(); err != nil {
		t.Fatalf("CloseAll: %v", err)
	}

	out := logs.String()
	if !strings.Contains(out, "attempt failed, retry scheduled") || !strings.Contains(out, `"msg":"task failed"`) {
		t.Fatalf("missing failure logs:\n%s", out)
	}
	if got := strings.Count(out, `"severity":"warning"`); got != 2 {
		t.Errorf("warning severity logged %d times, want 2:\n%s", got, out)
	}
}

func TestDispatcherTreatsUnsuccessfulResultAsFailure(t *testing.T) {
	f := newDispatcherFixture(t, 1, map[task.Category]adapter.Adapter{
		task.CategoryDev: adapter.Func(func(context.Context, task.ProjectContext) (*task.Result, error) {
			return &task.Result{Success: false, Error: "tests are red"}, nil
		}),
	})

	final := enqueueAndWait(t, f.d, newTask("", task.CategoryDev))
	if final.Status != task.StatusFailed {
		t.Fatalf("status = %s, want failed", final.Status)
	}
	if !strings.Contains(final.Error, "tests are red") {
		t.Errorf("error = %q, want the adapter's message", final.Error)
	}
	if final.Result == nil || final.Result.Error != "tests are red" {
		t.Errorf("result = %+v, want the failed result kept", final.Result)
	}
}

func TestDispatcherRecoversAdapterPanic(t *testing.T) {
	f := newDispatcherFixture(t, 1, map[task.Category]adapter.Adapter{
		task.CategoryDev: adapter.Func(func(context.Context, task.ProjectContext) (*task.Result, error) {
			panic("adapter exploded")
		}),
	})

	final := enqueueAndWait(t, f.d, newTask("", task.CategoryDev))
	if final.Status != task.StatusFailed || !strings.Contains(final.Error, "adapter exploded") {
		t.Errorf("task = %s %q, want failed with the panic message", final.Status, final.Error)
	}
}

func TestDispatcherBuildsProjectContext(t *testing.T) {
	var got task.ProjectContext
	f := newDispatcherFixture(t, 3, map[task.Category]adapter.Adapter{
		task.CategoryDev: adapter.Func(func(_ context.Context, pc task.ProjectContext) (*task.Result, error) {
			got = pc
			return &task.Result{Success: true}, nil
		}),
	})

	tk := newTask("", task.CategoryDev)
	tk.Stage = task.StageDevelopStory
	tk.Context.StageInput = map[string]any{"story": "1.1"}
	tk.Parameters = map[string]any{"story": "ignored", "branch": "feat/login"}

	final := enqueueAndWait(t, f.d, tk)
	if final.Status != task.StatusDone {
		t.Fatalf("status = %s", final.Status)
	}
	if got.Attempt != 1 {
		t.Errorf("Attempt = %d, want 1", got.Attempt)
	}
	if got.CurrentStage != task.StageDevelopStory {
		t.Errorf("CurrentStage = %q, want the task stage", got.CurrentStage)
	}
	if got.StageInput["story"] != "1.1" || got.StageInput["branch"] != "feat/login" {
		t.Errorf("StageInput = %v, want context input with parameters merged", got.StageInput)
	}
	if _, leaked := tk.Context.StageInput["branch"]; leaked {
		t.Error("caller's stage input was modified")
	}
}

func TestDispatcherEnqueueValidation(t *testing.T) {
	f := newDispatcherFixture(t, 3, nil)
	ctx := context.Background()

	noPath := newTask("", task.CategoryDev)
	noPath.Context.ProjectPath = ""
	_, err := f.d.Enqueue(ctx, noPath)
	var verr *errors.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	if st, _ := f.d.Stats(ctx, task.CategoryDev); st.Waiting != 0 {
		t.Error("rejected task reached the queue")
	}

	if _, err := f.d.Enqueue(ctx, newTask("", "unknown")); !errors.Is(err, errors.ErrUnknownCategory) {
		t.Errorf("unknown category err = %v", err)
	}
	if len(f.d.Tasks()) != 0 {
		t.Error("rejected tasks should not stay tracked")
	}
	if _, err := f.d.Enqueue(ctx, nil); err == nil {
		t.Error("nil task should be rejected")
	}
}

func TestDispatcherEnqueueAssignsIDAndRejectsDuplicates(t *testing.T) {
	release := make(chan struct{})
	f := newDispatcherFixture(t, 3, map[task.Category]adapter.Adapter{
		task.CategoryDev: adapter.Func(func(context.Context, task.ProjectContext) (*task.Result, error) {
			<-release
			return &task.Result{Success: true}, nil
		}),
	})
	defer close(release)
	ctx := context.Background()

	var events []event.TaskEnqueuedEvent
	f.bus.Subscribe(event.TypeTaskEnqueued, func(e event.Event) {
		events = append(events, e.(event.TaskEnqueuedEvent))
	})

	snap, err := f.d.Enqueue(ctx, newTask("", task.CategoryDev))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if snap.ID == "" || snap.Status != task.StatusPending || snap.MaxAttempts != 3 {
		t.Errorf("snapshot = %+v", snap)
	}
	if len(events) != 1 || events[0].TaskID != snap.ID {
		t.Errorf("enqueued events = %+v", events)
	}

	if _, err := f.d.Enqueue(ctx, newTask(snap.ID, task.CategoryDev)); !errors.Is(err, errors.ErrDuplicateJob) {
		t.Errorf("duplicate err = %v, want ErrDuplicateJob", err)
	}
}

func TestDispatcherQueueingDisabled(t *testing.T) {
	d, err := NewDispatcher(Config{Adapters: adapter.NewRegistry()})
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	ctx := context.Background()

	if d.QueueingEnabled() {
		t.Error("QueueingEnabled should be false without a broker")
	}
	checks := map[string]error{
		"Start":  d.Start(),
		"Pause":  d.Pause(ctx, task.CategoryDev),
		"Resume": d.Resume(ctx, task.CategoryDev),
		"Cancel": d.Cancel(ctx, "x"),
	}
	_, checks["Enqueue"] = d.Enqueue(ctx, newTask("", task.CategoryDev))
	_, checks["Stats"] = d.Stats(ctx, task.CategoryDev)
	_, checks["AllStats"] = d.AllStats(ctx)
	for name, err := range checks {
		if !errors.Is(err, errors.ErrQueueingDisabled) {
			t.Errorf("%s = %v, want ErrQueueingDisabled", name, err)
		}
	}
	if err := d.CloseAll(); err != nil {
		t.Errorf("CloseAll: %v", err)
	}
}

func TestNewDispatcherRequiresAdapters(t *testing.T) {
	if _, err := NewDispatcher(Config{}); err == nil {
		t.Error("expected error without adapters")
	}
}

func TestDispatcherPauseResumePublishes(t *testing.T) {
	var calls atomic.Int32
	f := newDispatcherFixture(t, 3, map[task.Category]adapter.Adapter{
		task.CategoryDev: flaky(0, &calls),
	})
	ctx := testContext(t)

	var (
		mu     sync.Mutex
		states []bool
	)
	record := func(e event.Event) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, e.(event.QueueStateEvent).Paused)
	}
	f.bus.Subscribe(event.TypeQueuePaused, record)
	f.bus.Subscribe(event.TypeQueueResumed, record)

	if err := f.d.Pause(ctx, task.CategoryDev); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	snap, err := f.d.Enqueue(ctx, newTask("", task.CategoryDev))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if calls.Load() != 0 {
		t.Fatal("paused queue ran a task")
	}

	if err := f.d.Resume(ctx, task.CategoryDev); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if err := f.d.Wait(ctx, []string{snap.ID}); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if !slices.Equal(states, []bool{true, false}) {
		t.Errorf("queue state events = %v, want [true false]", states)
	}
}

func TestDispatcherCancelWaitingTask(t *testing.T) {
	release := make(chan struct{})
	f := newDispatcherFixture(t, 3, map[task.Category]adapter.Adapter{
		task.CategoryDev: adapter.Func(func(context.Context, task.ProjectContext) (*task.Result, error) {
			<-release
			return &task.Result{Success: true}, nil
		}),
	})
	defer close(release)
	ctx := testContext(t)

	var cancelled atomic.Int32
	f.bus.Subscribe(event.TypeTaskCancelled, func(event.Event) { cancelled.Add(1) })

	first, err := f.d.Enqueue(ctx, newTask("", task.CategoryDev))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool {
		tk, _ := f.d.Task(first.ID)
		return tk.Status == task.StatusRunning
	})
	second, err := f.d.Enqueue(ctx, newTask("", task.CategoryDev))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if err := f.d.Cancel(ctx, first.ID); !errors.Is(err, ErrNotCancellable) {
		t.Errorf("Cancel running = %v, want ErrNotCancellable", err)
	}
	if err := f.d.Cancel(ctx, second.ID); err != nil {
		t.Fatalf("Cancel waiting: %v", err)
	}
	if err := f.d.Wait(ctx, []string{second.ID}); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	tk, _ := f.d.Task(second.ID)
	if tk.Status != task.StatusCancelled || tk.FinishedAt == nil {
		t.Errorf("cancelled task = %+v", tk)
	}
	if cancelled.Load() != 1 {
		t.Errorf("cancel events = %d, want 1", cancelled.Load())
	}
}

func TestDispatcherCloseAllDrainsInFlight(t *testing.T) {
	reg := adapter.NewRegistry()
	started := make(chan struct{})
	reg.Register(task.CategoryDev, adapter.Func(func(context.Context, task.ProjectContext) (*task.Result, error) {
		close(started)
		time.Sleep(100 * time.Millisecond)
		return &task.Result{Success: true}, nil
	}))
	b, err := NewMemoryBroker(Options{Categories: []task.Category{task.CategoryDev}}, nil)
	if err != nil {
		t.Fatalf("NewMemoryBroker: %v", err)
	}
	d, err := NewDispatcher(Config{Broker: b, Adapters: reg})
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	if err := d.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	snap, err := d.Enqueue(context.Background(), newTask("", task.CategoryDev))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	<-started
	if err := d.CloseAll(); err != nil {
		t.Fatalf("CloseAll: %v", err)
	}
	tk, _ := d.Task(snap.ID)
	if tk.Status != task.StatusDone {
		t.Errorf("status after CloseAll = %s, want done", tk.Status)
	}
}

func TestDispatcherWaitAny(t *testing.T) {
	release := make(chan struct{})
	f := newDispatcherFixture(t, 1, map[task.Category]adapter.Adapter{
		task.CategoryDev: adapter.Func(func(context.Context, task.ProjectContext) (*task.Result, error) {
			return &task.Result{Success: true}, nil
		}),
		task.CategoryPM: adapter.Func(func(context.Context, task.ProjectContext) (*task.Result, error) {
			<-release
			return &task.Result{Success: true}, nil
		}),
	})
	defer close(release)
	ctx := testContext(t)

	slow, _ := f.d.Enqueue(ctx, newTask("", task.CategoryPM))
	fast, _ := f.d.Enqueue(ctx, newTask("", task.CategoryDev))

	settled, err := f.d.WaitAny(ctx, []string{slow.ID, fast.ID})
	if err != nil {
		t.Fatalf("WaitAny: %v", err)
	}
	if len(settled) != 1 || settled[0].ID != fast.ID {
		t.Errorf("settled = %v, want only the fast task", settled)
	}

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := f.d.WaitAny(short, []string{slow.ID}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("WaitAny on a blocked task = %v, want deadline exceeded", err)
	}
}

func TestDispatcherSavesToSink(t *testing.T) {
	sink := &recordingSink{}
	var calls atomic.Int32
	f := newDispatcherFixture(t, 3, map[task.Category]adapter.Adapter{
		task.CategoryDev: flaky(1, &calls),
	}, WithTaskSink(sink))

	final := enqueueAndWait(t, f.d, newTask("", task.CategoryDev))

	sink.mu.Lock()
	defer sink.mu.Unlock()
	// enqueue, failed attempt, completion
	if sink.saves != 3 {
		t.Errorf("saves = %d, want 3", sink.saves)
	}
	if sink.last[final.ID] != task.StatusDone {
		t.Errorf("last saved status = %s, want done", sink.last[final.ID])
	}
}

func TestDispatcherForgetsOldestSettledTasks(t *testing.T) {
	var calls atomic.Int32
	f := newDispatcherFixture(t, 1, map[task.Category]adapter.Adapter{
		task.CategoryDev: flaky(0, &calls),
	}, WithMaxTrackedTasks(2))

	var ids []string
	for range 3 {
		ids = append(ids, enqueueAndWait(t, f.d, newTask("", task.CategoryDev)).ID)
	}
	if _, ok := f.d.Task(ids[0]); ok {
		t.Error("oldest settled task should be forgotten")
	}
	if got := len(f.d.Tasks()); got != 2 {
		t.Errorf("tracked = %d, want 2", got)
	}
}
