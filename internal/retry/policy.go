package retry

import (
	"math/rand"
	"time"

	"quillsync/internal/domain"
)

const jitterFraction = 0.2

// Policy computes backoff delays and attempt budgets for failed remote
// operations. Attempt numbers are 1-based.
type Policy struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
}

func NewPolicy(baseDelay, maxDelay time.Duration, maxAttempts int) *Policy {
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	if maxDelay < baseDelay {
		maxDelay = baseDelay
	}
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return &Policy{
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
		maxAttempts: maxAttempts,
	}
}

// NextDelay returns the backoff before retry number attempt: exponential
// doubling capped at the max delay, with ±20% jitter so a fleet of
// devices reconnecting together does not retry in lockstep.
func (p *Policy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := p.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.maxDelay {
			delay = p.maxDelay
			break
		}
	}

	jitter := 1 + jitterFraction*(2*rand.Float64()-1)
	delay = time.Duration(float64(delay) * jitter)
	if delay > p.maxDelay {
		delay = p.maxDelay
	}

	return delay
}

// ShouldGiveUp reports whether the attempt ceiling has been reached.
func (p *Policy) ShouldGiveUp(attempt int) bool {
	return attempt >= p.maxAttempts
}

// MaxAttempts returns the configured attempt ceiling.
func (p *Policy) MaxAttempts() int {
	return p.maxAttempts
}

// Retryable reports whether err should consume retry budget. Permanent
// failures (revoked auth, 4xx) and integrity failures fail fast; only
// transient failures retry.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if domain.IsPermanent(err) || domain.IsIntegrity(err) {
		return false
	}
	return domain.IsTransient(err)
}
