package coral

import (
	"math"
	"math/rand"
	"time"
)

// ============================================================================
// Retry policy
// ============================================================================

// RetryPolicy decides whether and when a failed remote operation is retried.
// A policy returning false from ShouldRetry is terminal: the operation
// surfaces as failed immediately. Attempt numbering starts at 1 (the first
// retry decision after the first failure).
type RetryPolicy interface {
	ShouldRetry(attempt int, err error) bool
	RetryTimeout(attempt int, err error) time.Duration
}

// ExponentialRetry backs off exponentially from BaseDelay up to MaxDelay,
// with up to 50% jitter, for at most MaxAttempts tries. Validation and
// conflict errors are always terminal regardless of attempt count.
type ExponentialRetry struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// DefaultRetryPolicy matches the realtime layer's reconnect curve: 1s base,
// 30s cap, 5 attempts.
func DefaultRetryPolicy() *ExponentialRetry {
	return &ExponentialRetry{
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		MaxAttempts: 5,
	}
}

func (p *ExponentialRetry) ShouldRetry(attempt int, err error) bool {
	if Classify(err) != ErrorNetwork {
		return false
	}
	return p.MaxAttempts == 0 || attempt <= p.MaxAttempts
}

func (p *ExponentialRetry) RetryTimeout(attempt int, err error) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	max := p.MaxDelay
	if max <= 0 {
		max = 30 * time.Second
	}
	if attempt < 1 {
		attempt = 1
	}

	jitter := time.Duration(rand.Float64() * float64(base) * 0.5)
	delay := time.Duration(math.Min(
		float64(base)*math.Pow(2, float64(attempt-1))+float64(jitter),
		float64(max),
	))
	return delay
}

// NoRetries is a terminal policy: every failure surfaces immediately.
type NoRetries struct{}

func (NoRetries) ShouldRetry(int, error) bool           { return false }
func (NoRetries) RetryTimeout(int, error) time.Duration { return 0 }
