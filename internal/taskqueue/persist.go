package taskqueue

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/Iron-Ham/foreman/internal/errors"
)

const stateFileName = "queue-state.json"

// persistedState is the serializable form of the unfinished jobs.
type persistedState struct {
	SavedAt time.Time `json:"saved_at"`
	Jobs    []*Job    `json:"jobs"`
}

// SaveState writes every waiting and scheduled job to dir. Call it after
// Close so that no job is active. The write is atomic: data goes to a
// temporary file that is renamed into place under a file lock.
func (b *MemoryBroker) SaveState(dir string) error {
	b.mu.Lock()
	state := persistedState{SavedAt: b.now()}
	for _, c := range b.opts.Categories {
		q := b.queues[c]
		for _, j := range slices.Concat(q.waiting, q.scheduled) {
			state.Jobs = append(state.Jobs, j.clone())
		}
	}
	b.mu.Unlock()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal queue state: %w", err)
	}

	return withFileLock(dir, func() error {
		target := filepath.Join(dir, stateFileName)
		tmp := target + ".tmp"
		if err := os.WriteFile(tmp, data, 0o644); err != nil {
			return fmt.Errorf("write temp file: %w", err)
		}
		if err := os.Rename(tmp, target); err != nil {
			_ = os.Remove(tmp)
			return fmt.Errorf("rename temp file: %w", err)
		}
		return nil
	})
}

// RestoreState re-queues the jobs saved in dir and removes the state file.
// Jobs keep their attempt counts; scheduled retries keep their due time.
// Jobs for categories the broker does not serve are dropped with a warning.
// A missing state file restores nothing.
func (b *MemoryBroker) RestoreState(dir string) (int, error) {
	var state persistedState
	err := withFileLock(dir, func() error {
		target := filepath.Join(dir, stateFileName)
		data, err := os.ReadFile(target)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(data, &state); err != nil {
			return fmt.Errorf("unmarshal queue state: %w", err)
		}
		return os.Remove(target)
	})
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	restored := 0
	for _, j := range state.Jobs {
		q, ok := b.queues[j.Category]
		if !ok || j.Task == nil {
			b.logger.Warn("dropping saved job", "job_id", j.ID, "category", string(j.Category))
			continue
		}
		if _, exists := b.jobs[j.ID]; exists {
			continue
		}
		if j.Attempt > 0 {
			b.tracker.Seed(j.ID, j.Attempt)
		}
		j.MaxAttempts = b.opts.Policy.MaxAttempts
		if j.State == JobScheduled && !j.NextRunAt.IsZero() {
			i, _ := slices.BinarySearchFunc(q.scheduled, j.NextRunAt, func(x *Job, t time.Time) int {
				return x.NextRunAt.Compare(t)
			})
			q.scheduled = slices.Insert(q.scheduled, i, j)
		} else {
			j.State = JobWaiting
			j.NextRunAt = time.Time{}
			q.waiting = append(q.waiting, j)
		}
		b.jobs[j.ID] = j
		q.signal()
		restored++
	}
	return restored, nil
}
