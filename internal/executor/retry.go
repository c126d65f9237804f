package executor

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/alanyoungcy/venuearb/internal/domain"
)

// RetryPolicy bounds how transient venue failures are retried. Definitive
// rejections are never retried.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	// Jitter is the fraction of each delay that is randomized, 0..1.
	Jitter float64
	// RateLimitDelay is the minimum wait after a rate-limit response.
	RateLimitDelay time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		BaseDelay:      100 * time.Millisecond,
		MaxDelay:       2 * time.Second,
		Multiplier:     2,
		Jitter:         0.2,
		RateLimitDelay: time.Second,
	}
}

// Delay returns the backoff before retry number attempt (1-based) without
// jitter.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.BaseDelay)
	for i := 1; i < attempt; i++ {
		d *= mult
		if p.MaxDelay > 0 && d >= float64(p.MaxDelay) {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && time.Duration(d) > p.MaxDelay {
		return p.MaxDelay
	}
	return time.Duration(d)
}

func (p RetryPolicy) wait(attempt int, err error) time.Duration {
	d := p.Delay(attempt)
	if p.Jitter > 0 && d > 0 {
		span := float64(d) * p.Jitter
		d = time.Duration(float64(d) - span + rand.Float64()*2*span)
	}
	if domain.IsRateLimited(err) && d < p.RateLimitDelay {
		d = p.RateLimitDelay
	}
	return d
}

// Do runs op until it succeeds, fails definitively, the attempt ceiling is
// reached or ctx ends. It returns the number of attempts made.
func (p RetryPolicy) Do(ctx context.Context, op func(ctx context.Context) error) (int, error) {
	limit := p.MaxAttempts
	if limit < 1 {
		limit = 1
	}
	var err error
	for attempt := 1; ; attempt++ {
		err = op(ctx)
		if err == nil {
			return attempt, nil
		}
		if !domain.IsTransient(err) {
			return attempt, err
		}
		if attempt >= limit {
			return attempt, fmt.Errorf("executor: retries exhausted after %d attempts: %w", attempt, err)
		}

		timer := time.NewTimer(p.wait(attempt, err))
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, fmt.Errorf("executor: retry interrupted: %w", err)
		case <-timer.C:
		}
	}
}
