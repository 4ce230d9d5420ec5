package scheduler

import (
	"context"
	"time"
)

// Handler runs a due task. It must be idempotent: cancellation races with
// firing, so a handler may run for a task its owner already resolved.
type Handler func(ctx context.Context, key string) error

// Scheduler arms deferred tasks keyed by an id. Scheduling an existing
// key replaces its due time; cancelling a missing key is not an error.
type Scheduler interface {
	Schedule(ctx context.Context, key string, at time.Time) error
	Cancel(ctx context.Context, key string) error
}

// RetryPolicy controls re-execution of failing handlers. Attempt n (1-based)
// is retried after Backoff*n until MaxAttempts executions have failed.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

func (p RetryPolicy) next(attempt int) (time.Duration, bool) {
	if attempt >= p.MaxAttempts {
		return 0, false
	}
	return p.Backoff * time.Duration(attempt), true
}

// Runner is a Scheduler that also executes its due tasks.
type Runner interface {
	Scheduler
	Run(ctx context.Context, handle Handler) error
}
