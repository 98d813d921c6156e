// Package internal holds tests that exercise several packages together: a
// real shell session behind the dispatcher, with bus events flowing into the
// task store.
package internal

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Iron-Ham/foreman/internal/adapter"
	"github.com/Iron-Ham/foreman/internal/event"
	"github.com/Iron-Ham/foreman/internal/notify"
	"github.com/Iron-Ham/foreman/internal/retry"
	"github.com/Iron-Ham/foreman/internal/session"
	"github.com/Iron-Ham/foreman/internal/store"
	"github.com/Iron-Ham/foreman/internal/task"
	"github.com/Iron-Ham/foreman/internal/taskqueue"
)

func TestTaskRunsThroughSessionAndStore(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("no sh available")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	bus := event.NewBus(nil)
	st, err := store.Open(filepath.Join(t.TempDir(), "foreman.db"), nil)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer st.Close()
	st.Attach(bus)

	root := t.TempDir()
	if err := os.Mkdir(filepath.Join(root, "shop"), 0o755); err != nil {
		t.Fatal(err)
	}
	registry := session.NewRegistry(session.Config{Shell: sh, WaitDelay: time.Second}, bus, nil)
	runner := session.NewRunner(registry, session.RunnerOptions{
		WorkspaceRoot:  root,
		DefaultTimeout: 5 * time.Second,
	}, nil)
	defer runner.Close()

	// The first attempt fails after touching the project; the second
	// writes the artifact.
	var calls atomic.Int32
	adapters := adapter.NewRegistry()
	adapters.Register(task.CategoryPM, adapter.Func(func(ctx context.Context, pc task.ProjectContext) (*task.Result, error) {
		n := calls.Add(1)
		res := runner.RunInSession(ctx, pc.ProjectPath, fmt.Sprintf("mkdir -p docs && printf 'attempt %d' > docs/PRD.md && test %d -gt 1", n, n), 0)
		if res.Err != nil {
			return nil, res.Err
		}
		return &task.Result{
			Success:   true,
			NextStage: task.StageDefineUXStandard,
			Artifacts: []task.Artifact{{Name: "PRD.md", Path: "docs/PRD.md"}},
		}, nil
	}))

	broker, err := taskqueue.NewMemoryBroker(taskqueue.Options{
		Categories: []task.Category{task.CategoryPM},
		Policy:     retry.Policy{MaxAttempts: 3, Multiplier: 1},
	}, nil)
	if err != nil {
		t.Fatalf("NewMemoryBroker: %v", err)
	}
	d, err := taskqueue.NewDispatcher(taskqueue.Config{
		Broker:   broker,
		Adapters: adapters,
		Notifier: notify.NewBusNotifier(bus),
		Bus:      bus,
	}, taskqueue.WithTaskSink(st))
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	if err := d.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer d.CloseAll()

	queued, err := d.Enqueue(ctx, &task.Task{
		Category: task.CategoryPM,
		Stage:    task.StageGeneratePRD,
		Context:  task.ProjectContext{ProjectID: "shop", ProjectPath: "shop"},
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := d.Wait(ctx, []string{queued.ID}); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	got, err := st.GetTask(ctx, queued.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != task.StatusDone || got.Attempt != 2 || got.Progress != 100 {
		t.Errorf("stored task = status %s attempt %d progress %d, want done/2/100", got.Status, got.Attempt, got.Progress)
	}
	if got.Result == nil || !slices.Equal(got.Result.ArtifactPaths(), []string{"docs/PRD.md"}) {
		t.Errorf("stored result = %+v", got.Result)
	}

	events, err := st.Events(ctx, queued.ID)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	var types []string
	for _, e := range events {
		types = append(types, e.Type)
	}
	want := []string{
		event.TypeTaskEnqueued,
		event.TypeProgressUpdate, event.TypeTaskFailed,
		event.TypeProgressUpdate, event.TypeProgressUpdate, event.TypeTaskCompleted,
	}
	if !slices.Equal(types, want) {
		t.Errorf("event types = %v, want %v", types, want)
	}

	// Both attempts ran in the same shell.
	if n := registry.SpawnCount(runner.ResolvePath("shop")); n != 1 {
		t.Errorf("SpawnCount = %d, want 1", n)
	}
}
