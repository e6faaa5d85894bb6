// Package recovery applies the retry, escalation and stale-work policies
// that keep a submission from getting stuck.
package recovery

import (
	"context"
	"time"
)

// BackoffPolicy is an exponential schedule: attempt n waits BaseMs*2^n
// (capped at MaxMs) before attempt n+1.
type BackoffPolicy struct {
	BaseMs      int64
	MaxMs       int64
	MaxAttempts int
}

// DecisionPolicy governs decision-service calls: 3 attempts on a
// 2s, 4s, 8s schedule.
var DecisionPolicy = BackoffPolicy{BaseMs: 1000, MaxMs: 8000, MaxAttempts: 3}

// ComputeBackoff returns the delay after failed attempt n (1-based).
func ComputeBackoff(attempt int, policy BackoffPolicy) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	factor := int64(1)
	if attempt > 30 {
		factor = 1 << 30
	} else {
		factor = 1 << attempt
	}
	delay := policy.BaseMs * factor
	if policy.MaxMs > 0 && delay > policy.MaxMs {
		delay = policy.MaxMs
	}
	return time.Duration(delay) * time.Millisecond
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the real Sleeper.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
