package retry

import (
	"context"
	"time"
)

const (
	// DefaultMaxSubmitAttempts caps retries of the initial turn submission.
	DefaultMaxSubmitAttempts = 8
	// DefaultMaxStreamRetries caps in-place resubmissions after a stream
	// is interrupted by a rate limit mid-consumption.
	DefaultMaxStreamRetries = 5
	// DefaultBaseDelay is the first rung of the rate-limit backoff ladder.
	DefaultBaseDelay = time.Second
)

// Policy holds the attempt caps and the backoff base.
type Policy struct {
	MaxSubmitAttempts int
	MaxStreamRetries  int
	BaseDelay         time.Duration
}

// DefaultPolicy returns the caps used by the turn controller.
func DefaultPolicy() Policy {
	return Policy{
		MaxSubmitAttempts: DefaultMaxSubmitAttempts,
		MaxStreamRetries:  DefaultMaxStreamRetries,
		BaseDelay:         DefaultBaseDelay,
	}
}

func (p Policy) withDefaults() Policy {
	if p.MaxSubmitAttempts <= 0 {
		p.MaxSubmitAttempts = DefaultMaxSubmitAttempts
	}
	if p.MaxStreamRetries <= 0 {
		p.MaxStreamRetries = DefaultMaxStreamRetries
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	return p
}

// ShouldRetrySubmit reports whether a submission may be attempted again
// after attempt failures of the given class. attempt is 1-based.
func (p Policy) ShouldRetrySubmit(attempt int, class Class) bool {
	p = p.withDefaults()
	return class.Transient() && attempt < p.MaxSubmitAttempts
}

// ShouldRetryStream reports whether an interrupted stream may be
// resubmitted in place. Only rate limits qualify.
func (p Policy) ShouldRetryStream(retries int, class Class) bool {
	p = p.withDefaults()
	return class == ClassRateLimit && retries < p.MaxStreamRetries
}

// Backoff computes the wait before the next attempt. Timeouts, server
// errors, and connection errors retry immediately; rate limits back off
// exponentially unless the server suggested a wait, which overrides.
func (p Policy) Backoff(attempt int, ce *ClassifiedError) time.Duration {
	p = p.withDefaults()
	if ce == nil || ce.Class != ClassRateLimit {
		return 0
	}
	if ce.SuggestedWait > 0 {
		return ce.SuggestedWait
	}
	if attempt < 1 {
		attempt = 1
	}
	return p.BaseDelay << (attempt - 1)
}

// Wait blocks for d or until ctx is cancelled, whichever comes first.
func Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
