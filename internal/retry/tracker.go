package retry

import (
	"sync"
	"time"
)

// jobState tracks the attempts of one job.
type jobState struct {
	attempts  int
	nextRunAt time.Time
}

// Tracker applies a Policy to concrete jobs. It is safe for concurrent use.
type Tracker struct {
	mu     sync.Mutex
	policy Policy
	now    func() time.Time
	states map[string]*jobState
}

// NewTracker creates a Tracker for policy.
func NewTracker(policy Policy) *Tracker {
	return &Tracker{
		policy: policy,
		now:    time.Now,
		states: make(map[string]*jobState),
	}
}

// Begin records the start of a new attempt and returns its 1-based number.
func (t *Tracker) Begin(jobID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.states[jobID]
	if !ok {
		st = &jobState{}
		t.states[jobID] = st
	}
	st.attempts++
	st.nextRunAt = time.Time{}
	return st.attempts
}

// Seed restores the attempt count of a job recovered from saved state, so
// that its remaining attempts are not reset.
func (t *Tracker) Seed(jobID string, attempts int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.states[jobID] = &jobState{attempts: attempts}
}

// RecordFailure records a failed attempt. When another attempt is allowed
// it returns retry=true and the time it becomes due.
func (t *Tracker) RecordFailure(jobID string, err error) (retry bool, nextRunAt time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.states[jobID]
	if !ok || !t.policy.ShouldRetry(st.attempts, err) {
		return false, time.Time{}
	}
	st.nextRunAt = t.now().Add(t.policy.Delay(st.attempts))
	return true, st.nextRunAt
}

// Forget drops the job's state once it has finished.
func (t *Tracker) Forget(jobID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, jobID)
}
