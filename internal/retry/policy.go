// Package retry holds the retry/backoff policy shared by every queue broker
// and the per-job attempt bookkeeping used by the in-memory broker.
//
// A Policy is plain data: it computes delays and retry decisions without
// touching a broker, so it can be tested and reused on its own.
package retry

import (
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/Iron-Ham/foreman/internal/errors"
)

// Defaults match the dispatcher's historical behaviour: three attempts,
// 2s then 4s between them.
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 2 * time.Second
	DefaultMultiplier  = 2.0
)

// Policy describes how many times a job runs and how long to wait between
// attempts.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// BaseDelay is the wait after the first failed attempt.
	BaseDelay time.Duration
	// Multiplier scales the delay after each further failure.
	Multiplier float64
	// MaxDelay caps the computed delay. 0 means no cap.
	MaxDelay time.Duration
	// Jitter spreads each delay uniformly by ±Jitter (a fraction in [0,1)).
	Jitter float64

	rand func() float64
}

// DefaultPolicy returns the policy used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		Multiplier:  DefaultMultiplier,
	}
}

// WithRand returns a copy of p that draws jitter from f instead of
// math/rand. Intended for tests.
func (p Policy) WithRand(f func() float64) Policy {
	p.rand = f
	return p
}

// Validate reports configuration errors.
func (p Policy) Validate() error {
	switch {
	case p.MaxAttempts < 1:
		return fmt.Errorf("max attempts must be at least 1, got %d", p.MaxAttempts)
	case p.BaseDelay < 0:
		return fmt.Errorf("base delay must not be negative, got %s", p.BaseDelay)
	case p.Multiplier < 1:
		return fmt.Errorf("multiplier must be at least 1, got %g", p.Multiplier)
	case p.MaxDelay < 0:
		return fmt.Errorf("max delay must not be negative, got %s", p.MaxDelay)
	case p.Jitter < 0 || p.Jitter >= 1:
		return fmt.Errorf("jitter must be in [0, 1), got %g", p.Jitter)
	}
	return nil
}

// Delay returns the wait before the attempt that follows failed attempt
// number attempt (1-based): BaseDelay * Multiplier^(attempt-1), capped at
// MaxDelay, then jittered.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}

	d := float64(p.BaseDelay) * math.Pow(mult, float64(attempt-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if d > math.MaxInt64 {
		d = math.MaxInt64
	}

	if p.Jitter > 0 {
		r := rand.Float64
		if p.rand != nil {
			r = p.rand
		}
		d *= 1 + p.Jitter*(2*r()-1)
	}
	return time.Duration(d)
}

// ShouldRetry reports whether another attempt follows failed attempt
// number attempt. Permanent errors are never retried.
func (p Policy) ShouldRetry(attempt int, err error) bool {
	if errors.IsPermanent(err) {
		return false
	}
	return attempt < p.MaxAttempts
}

// Schedule returns every delay a job that always fails would wait, in order.
func (p Policy) Schedule() []time.Duration {
	if p.MaxAttempts <= 1 {
		return nil
	}
	out := make([]time.Duration, 0, p.MaxAttempts-1)
	for n := 1; n < p.MaxAttempts; n++ {
		out = append(out, p.Delay(n))
	}
	return out
}
