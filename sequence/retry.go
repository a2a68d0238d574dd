package sequence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/cenkalti/backoff/v4"
)

// BackoffPolicy creates a fresh delay schedule for one call.
// backoff.BackOff values are stateful, so a schedule is never shared between
// concurrent calls.
type BackoffPolicy func() backoff.BackOff

// DefaultBackoff is a jittered exponential schedule starting at 10ms and
// capped at 250ms per wait.
func DefaultBackoff() backoff.BackOff {
	return ExponentialBackoff(10*time.Millisecond, 250*time.Millisecond)()
}

// ExponentialBackoff doubles the delay after every conflict, randomized by
// ±50%, up to maxInterval.
func ExponentialBackoff(initial, maxInterval time.Duration) BackoffPolicy {
	return func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = initial
		b.MaxInterval = maxInterval
		b.Multiplier = 2
		b.RandomizationFactor = 0.5
		b.MaxElapsedTime = 0
		b.Reset()
		return b
	}
}

// ConstantBackoff waits d between attempts. ConstantBackoff(0) retries
// immediately.
func ConstantBackoff(d time.Duration) BackoffPolicy {
	return func() backoff.BackOff {
		if d <= 0 {
			return &backoff.ZeroBackOff{}
		}
		return backoff.NewConstantBackOff(d)
	}
}

// outcome is the result of one attempt. observed is set as soon as the counter
// has been read, even when the attempt then fails.
type outcome struct {
	value    int64
	item     map[string]types.AttributeValue
	observed *int64
	attempts int
}

type attemptFunc func(ctx context.Context) (*outcome, error)

// retrier re-runs an attempt while it fails with ErrConditionFailed.
type retrier struct {
	sequenceKey string
	maxAttempts int
	backoff     BackoffPolicy
	logger      *slog.Logger
}

func (r *retrier) run(ctx context.Context, attempt attemptFunc) (*outcome, error) {
	schedule := r.backoff()
	var last *int64

	for n := 1; ; n++ {
		if err := ctx.Err(); err != nil {
			return nil, r.fail(n-1, last, fmt.Errorf("%w: %w", ErrAllocationExhausted, err))
		}

		out, err := attempt(ctx)
		if out != nil {
			last = out.observed
		}

		switch {
		case err == nil:
			out.attempts = n
			return out, nil
		case errors.Is(err, ErrConditionFailed):
			r.logger.Debug("allocation conflict",
				"sequenceKey", r.sequenceKey,
				"attempt", n,
				"observed", observedAttr(last),
			)
		case ctx.Err() != nil:
			return nil, r.fail(n, last, fmt.Errorf("%w: %w", ErrAllocationExhausted, ctx.Err()))
		default:
			return nil, r.fail(n, last, err)
		}

		if n >= r.maxAttempts {
			r.logger.Warn("allocation attempts exhausted",
				"sequenceKey", r.sequenceKey,
				"attempts", n,
				"observed", observedAttr(last),
			)
			return nil, r.fail(n, last, fmt.Errorf("%w after %d attempts: %w", ErrAllocationExhausted, n, err))
		}

		delay := schedule.NextBackOff()
		if delay == backoff.Stop {
			return nil, r.fail(n, last, fmt.Errorf("%w: backoff schedule stopped: %w", ErrAllocationExhausted, err))
		}
		if err := sleep(ctx, delay); err != nil {
			return nil, r.fail(n, last, fmt.Errorf("%w: %w", ErrAllocationExhausted, err))
		}
	}
}

func (r *retrier) fail(attempts int, last *int64, err error) error {
	return &AllocationError{
		SequenceKey:  r.sequenceKey,
		Attempts:     attempts,
		LastObserved: last,
		Err:          err,
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func observedAttr(v *int64) any {
	if v == nil {
		return "none"
	}
	return *v
}
