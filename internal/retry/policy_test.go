package retry

import (
	"testing"
	"time"

	"github.com/Iron-Ham/foreman/internal/errors"
)

func TestPolicyDelay(t *testing.T) {
	tests := []struct {
		name    string
		policy  Policy
		attempt int
		want    time.Duration
	}{
		{"first failure waits base", DefaultPolicy(), 1, 2 * time.Second},
		{"second failure doubles", DefaultPolicy(), 2, 4 * time.Second},
		{"third failure doubles again", DefaultPolicy(), 3, 8 * time.Second},
		{"attempt zero treated as one", DefaultPolicy(), 0, 2 * time.Second},
		{
			name:    "capped",
			policy:  Policy{MaxAttempts: 10, BaseDelay: time.Second, Multiplier: 3, MaxDelay: 5 * time.Second},
			attempt: 4,
			want:    5 * time.Second,
		},
		{
			name:    "multiplier below one is flat",
			policy:  Policy{MaxAttempts: 3, BaseDelay: time.Second, Multiplier: 0},
			attempt: 3,
			want:    time.Second,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.policy.Delay(tt.attempt); got != tt.want {
				t.Errorf("Delay(%d) = %s, want %s", tt.attempt, got, tt.want)
			}
		})
	}
}

func TestPolicyJitter(t *testing.T) {
	p := Policy{MaxAttempts: 3, BaseDelay: time.Second, Multiplier: 2, Jitter: 0.5}

	if got := p.WithRand(func() float64 { return 0 }).Delay(1); got != 500*time.Millisecond {
		t.Errorf("low jitter Delay = %s, want 500ms", got)
	}
	if got := p.WithRand(func() float64 { return 0.5 }).Delay(1); got != time.Second {
		t.Errorf("mid jitter Delay = %s, want 1s", got)
	}
	for i := 0; i < 50; i++ {
		d := p.Delay(2)
		if d < time.Second || d > 3*time.Second {
			t.Fatalf("jittered Delay(2) = %s, want within [1s, 3s]", d)
		}
	}
}

func TestPolicyShouldRetry(t *testing.T) {
	p := DefaultPolicy()
	flaky := errors.New("flaky")

	tests := []struct {
		name    string
		attempt int
		err     error
		want    bool
	}{
		{"after first", 1, flaky, true},
		{"after second", 2, flaky, true},
		{"after last", 3, flaky, false},
		{"permanent", 1, errors.NewValidationError("bad"), false},
		{"unknown category", 1, errors.ErrUnknownCategory, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.ShouldRetry(tt.attempt, tt.err); got != tt.want {
				t.Errorf("ShouldRetry(%d) = %v, want %v", tt.attempt, got, tt.want)
			}
		})
	}
}

func TestPolicyValidate(t *testing.T) {
	tests := []struct {
		name    string
		policy  Policy
		wantErr bool
	}{
		{"default", DefaultPolicy(), false},
		{"zero attempts", Policy{MaxAttempts: 0, Multiplier: 1}, true},
		{"negative base", Policy{MaxAttempts: 1, BaseDelay: -1, Multiplier: 1}, true},
		{"small multiplier", Policy{MaxAttempts: 1, Multiplier: 0.5}, true},
		{"jitter too large", Policy{MaxAttempts: 1, Multiplier: 1, Jitter: 1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.policy.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestPolicySchedule(t *testing.T) {
	got := DefaultPolicy().Schedule()
	want := []time.Duration{2 * time.Second, 4 * time.Second}
	if len(got) != len(want) {
		t.Fatalf("Schedule() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Schedule()[%d] = %s, want %s", i, got[i], want[i])
		}
	}
	if s := (Policy{MaxAttempts: 1}).Schedule(); s != nil {
		t.Errorf("single attempt Schedule() = %v, want nil", s)
	}
}
