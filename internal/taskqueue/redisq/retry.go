package redisq

import (
	"time"

	"github.com/hibiken/asynq"

	"github.com/Iron-Ham/foreman/internal/retry"
)

// retryDelay adapts p to asynq. asynq passes the number of retries so far,
// so the first failure arrives as n=0.
func retryDelay(p retry.Policy) asynq.RetryDelayFunc {
	return func(n int, _ error, _ *asynq.Task) time.Duration {
		return p.Delay(n + 1)
	}
}
