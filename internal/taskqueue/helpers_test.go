package taskqueue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Iron-Ham/foreman/internal/retry"
	"github.com/Iron-Ham/foreman/internal/task"
)

// fastPolicy retries immediately.
func fastPolicy(maxAttempts int) retry.Policy {
	return retry.Policy{MaxAttempts: maxAttempts, Multiplier: 1}
}

func newTestBroker(t *testing.T, opts Options) *MemoryBroker {
	t.Helper()
	if opts.Policy.MaxAttempts == 0 {
		opts.Policy = fastPolicy(3)
	}
	b, err := NewMemoryBroker(opts, nil)
	if err != nil {
		t.Fatalf("NewMemoryBroker: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func newTask(id string, category task.Category) *task.Task {
	return &task.Task{
		ID:       id,
		Category: category,
		Stage:    task.StageGeneratePRD,
		Context: task.ProjectContext{
			ProjectID:   "proj-1",
			ProjectPath: "/tmp/proj-1",
		},
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// recordingHandler records the attempts it sees and fails the first
// failures attempts of every job.
type recordingHandler struct {
	mu       sync.Mutex
	failures int
	attempts map[string][]int
	order    []string
}

func (h *recordingHandler) handle(_ context.Context, job *Job) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.attempts == nil {
		h.attempts = make(map[string][]int)
	}
	h.attempts[job.ID] = append(h.attempts[job.ID], job.Attempt)
	h.order = append(h.order, job.ID)
	if job.Attempt <= h.failures {
		return fmt.Errorf("attempt %d failed", job.Attempt)
	}
	return nil
}

func (h *recordingHandler) seen(id string) []int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]int(nil), h.attempts[id]...)
}
