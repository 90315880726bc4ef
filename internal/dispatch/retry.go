package dispatch

import (
	"time"

	"github.com/meridianbank/alertpipeline/internal/config"
)

// RetryPolicy owns the retry budget and the backoff sequence for delivery
// attempts. One policy is shared by every worker so retry behavior cannot
// drift between call sites.
type RetryPolicy struct {
	maxAttempts int
	backoff     []time.Duration
}

// NewRetryPolicy builds a policy from configuration. An empty backoff
// sequence falls back to the 5s/15s/60s defaults.
func NewRetryPolicy(cfg config.DispatchConfig) RetryPolicy {
	backoff := cfg.Backoff
	if len(backoff) == 0 {
		backoff = []time.Duration{5 * time.Second, 15 * time.Second, 60 * time.Second}
	}
	return RetryPolicy{
		maxAttempts: cfg.MaxAttempts,
		backoff:     backoff,
	}
}

// MaxAttempts returns the attempt budget per job.
func (p RetryPolicy) MaxAttempts() int {
	return p.maxAttempts
}

// Delay returns how long to wait before the given retry. attempt is the
// number of attempts already made, so Delay(1) precedes the second attempt.
// Attempts beyond the configured sequence reuse its last value.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	if attempt > len(p.backoff) {
		return p.backoff[len(p.backoff)-1]
	}
	return p.backoff[attempt-1]
}
