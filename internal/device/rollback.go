package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"

	"github.com/jbweber/sma/internal/target"
)

// RetryPolicy bounds how hard compensation tries before giving up.
type RetryPolicy struct {
	// Retries is the number of retries after the first attempt.
	Retries int
	// Interval is the initial backoff between attempts. It doubles on every
	// retry, capped at two seconds.
	Interval time.Duration
}

// DefaultRetryPolicy is used when plugins are configured without one.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Retries:  3,
		Interval: 200 * time.Millisecond,
	}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.Interval
	if eb.InitialInterval <= 0 {
		eb.InitialInterval = time.Millisecond
	}
	eb.MaxInterval = 2 * time.Second
	eb.MaxElapsedTime = 0

	retries := p.Retries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(retries)), ctx)
}

type undoStep struct {
	name string
	fn   func(ctx context.Context) error
}

// Rollback collects undo steps for a multi-step operation.
type Rollback struct {
	policy RetryPolicy
	logger *slog.Logger
	steps  []undoStep
}

// NewRollback creates an empty rollback.
func NewRollback(policy RetryPolicy, logger *slog.Logger) *Rollback {
	if logger == nil {
		logger = slog.Default()
	}
	return &Rollback{policy: policy, logger: logger}
}

// Add registers an undo step. Steps run in reverse registration order.
func (r *Rollback) Add(name string, fn func(ctx context.Context) error) {
	r.steps = append(r.steps, undoStep{name: name, fn: fn})
}

// Len returns the number of registered steps.
func (r *Rollback) Len() int {
	return len(r.steps)
}

// Run undoes every registered step after cause made the operation fail.
//
// Unreachable failures are retried within the policy; rejections are not.
// If every step succeeds Run returns cause classified by FromTarget.
// Otherwise it returns a DirtyState error wrapping cause and every undo
// failure. Run ignores cancellation of ctx so a caller that gave up waiting
// cannot leave the target half-cleaned.
func (r *Rollback) Run(ctx context.Context, cause error) error {
	ctx = context.WithoutCancel(ctx)
	cause = FromTarget(cause)

	var failures *multierror.Error
	for i := len(r.steps) - 1; i >= 0; i-- {
		step := r.steps[i]
		r.logger.Info("compensating", "step", step.name, "cause", cause)

		err := backoff.Retry(func() error {
			err := step.fn(ctx)
			if err != nil && !target.IsUnreachable(err) {
				return backoff.Permanent(err)
			}
			return err
		}, r.policy.backOff(ctx))
		if err != nil {
			r.logger.Warn("compensation step failed", "step", step.name, "error", err)
			failures = multierror.Append(failures, fmt.Errorf("%s: %w", step.name, err))
		}
	}
	r.steps = nil

	if failures.ErrorOrNil() == nil {
		return cause
	}
	return &Error{
		Kind: KindDirtyState,
		Err:  errors.Join(cause, fmt.Errorf("compensation incomplete: %w", failures)),
	}
}
