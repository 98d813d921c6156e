package taskqueue

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Iron-Ham/foreman/internal/errors"
	"github.com/Iron-Ham/foreman/internal/retry"
	"github.com/Iron-Ham/foreman/internal/task"
)

func TestSaveRestoreWaitingJobs(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	opts := Options{Categories: []task.Category{task.CategoryDev, task.CategoryPM}}

	b := newTestBroker(t, opts)
	for _, tk := range []*task.Task{
		newTask("a", task.CategoryDev),
		newTask("b", task.CategoryDev),
		newTask("c", task.CategoryPM),
	} {
		if _, err := b.Enqueue(ctx, tk); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := b.SaveState(dir); err != nil {
		t.Fatalf("SaveState: %v", err)
	}

	restored := newTestBroker(t, opts)
	n, err := restored.RestoreState(dir)
	if err != nil {
		t.Fatalf("RestoreState: %v", err)
	}
	if n != 3 {
		t.Errorf("restored %d jobs, want 3", n)
	}

	st, _ := restored.Stats(ctx, task.CategoryDev)
	if st.Waiting != 2 {
		t.Errorf("dev waiting = %d, want 2", st.Waiting)
	}
	j, ok := restored.Job("c")
	if !ok || j.Task.Context.ProjectPath != "/tmp/proj-1" {
		t.Errorf("job c = %+v, want restored task context", j)
	}

	if _, err := os.Stat(filepath.Join(dir, stateFileName)); !os.IsNotExist(err) {
		t.Error("state file should be removed after restore")
	}

	// Restored jobs run.
	h := &recordingHandler{}
	if err := restored.Start(h.handle); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool {
		return len(h.seen("a")) == 1 && len(h.seen("b")) == 1 && len(h.seen("c")) == 1
	})
}

func TestSaveRestoreScheduledRetry(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	opts := Options{
		Categories: []task.Category{task.CategoryDev},
		Policy:     retry.Policy{MaxAttempts: 3, BaseDelay: time.Hour, Multiplier: 1},
	}

	b := newTestBroker(t, opts)
	err := b.Start(func(context.Context, *Job) error { return errors.New("transient") })
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := b.Enqueue(ctx, newTask("r", task.CategoryDev)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool {
		j, ok := b.Job("r")
		return ok && j.State == JobScheduled
	})
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := b.SaveState(dir); err != nil {
		t.Fatalf("SaveState: %v", err)
	}

	restored := newTestBroker(t, opts)
	if n, err := restored.RestoreState(dir); err != nil || n != 1 {
		t.Fatalf("RestoreState = %d, %v; want 1, nil", n, err)
	}
	j, ok := restored.Job("r")
	if !ok {
		t.Fatal("job r not restored")
	}
	if j.State != JobScheduled || j.Attempt != 1 {
		t.Errorf("job = state %s attempt %d, want scheduled after attempt 1", j.State, j.Attempt)
	}
	if j.NextRunAt.Before(time.Now().Add(30 * time.Minute)) {
		t.Errorf("NextRunAt = %s, want the saved due time", j.NextRunAt)
	}
	if got := restored.tracker.Begin("r"); got != 2 {
		t.Errorf("next attempt = %d, want 2 after seeding 1", got)
	}
}

func TestRestoreStateDropsUnknownCategories(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	b := newTestBroker(t, Options{Categories: []task.Category{task.CategoryDev, task.CategoryPM}})
	if _, err := b.Enqueue(ctx, newTask("dev", task.CategoryDev)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := b.Enqueue(ctx, newTask("pm", task.CategoryPM)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := b.SaveState(dir); err != nil {
		t.Fatalf("SaveState: %v", err)
	}

	restored := newTestBroker(t, Options{Categories: []task.Category{task.CategoryPM}})
	n, err := restored.RestoreState(dir)
	if err != nil {
		t.Fatalf("RestoreState: %v", err)
	}
	if n != 1 {
		t.Errorf("restored %d jobs, want 1", n)
	}
	if _, ok := restored.Job("dev"); ok {
		t.Error("job for an unserved category should be dropped")
	}
}

func TestRestoreStateMissingFile(t *testing.T) {
	b := newTestBroker(t, Options{})
	n, err := b.RestoreState(t.TempDir())
	if err != nil {
		t.Fatalf("RestoreState: %v", err)
	}
	if n != 0 {
		t.Errorf("restored %d jobs, want 0", n)
	}
}

func TestRestoreStateCorruptFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, stateFileName), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	b := newTestBroker(t, Options{})
	if _, err := b.RestoreState(dir); err == nil {
		t.Error("expected error for corrupt state file")
	}
}
