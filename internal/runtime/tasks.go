package runtime

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	errspkg "github.com/defood/orderflow/internal/runtime/errors"
	loggingpkg "github.com/defood/orderflow/internal/runtime/logging"
	"github.com/defood/orderflow/internal/runtime/orders"
)

// Submitter runs one order submission.
type Submitter interface {
	SubmitOrder(ctx context.Context, sub orders.Submission) (orders.Order, error)
}

// SubmitResult is delivered by RetryingSubmitter.Enqueue.
type SubmitResult struct {
	Order    orders.Order
	Err      error
	Attempts int
}

// RetryingSubmitter re-runs a whole submission with a fixed delay, the way
// the background task executor does. Validation errors and failed
// compensations are returned at once: the first cannot succeed on retry and
// the second would leave a second order behind.
type RetryingSubmitter struct {
	next     Submitter
	attempts int
	delay    time.Duration
	logger   loggingpkg.ServiceLogger
}

func NewRetryingSubmitter(next Submitter, attempts int, delay time.Duration, logger loggingpkg.ServiceLogger) *RetryingSubmitter {
	if attempts < 1 {
		attempts = 1
	}
	if logger == nil {
		logger = loggingpkg.NewNopServiceLogger()
	}
	return &RetryingSubmitter{
		next:     next,
		attempts: attempts,
		delay:    delay,
		logger:   logger.With(loggingpkg.LogFields{"component": "tasks"}),
	}
}

func (r *RetryingSubmitter) SubmitOrder(ctx context.Context, sub orders.Submission) (orders.Order, error) {
	res := r.run(ctx, sub)
	return res.Order, res.Err
}

// Enqueue runs the submission in the background. The channel receives exactly
// one result and is then closed.
func (r *RetryingSubmitter) Enqueue(ctx context.Context, sub orders.Submission) <-chan SubmitResult {
	out := make(chan SubmitResult, 1)
	go func() {
		defer close(out)
		out <- r.run(ctx, sub)
	}()
	return out
}

func (r *RetryingSubmitter) run(ctx context.Context, sub orders.Submission) SubmitResult {
	attempt := 0
	order, err := backoff.Retry(ctx, func() (orders.Order, error) {
		attempt++
		order, err := r.next.SubmitOrder(ctx, sub)
		if err == nil {
			return order, nil
		}
		if !retryableSubmission(err) {
			return order, backoff.Permanent(err)
		}
		r.logger.Error("Order submission failed", err, loggingpkg.LogFields{
			"attempt":      attempt,
			"max_attempts": r.attempts,
			"user_id":      sub.UserID,
		})
		return order, err
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(r.delay)),
		backoff.WithMaxTries(uint(r.attempts)),
		backoff.WithMaxElapsedTime(0),
	)
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Err
	}
	return SubmitResult{Order: order, Err: err, Attempts: attempt}
}

func retryableSubmission(err error) bool {
	var verr *errspkg.ValidationError
	if errors.As(err, &verr) {
		return false
	}
	var cerr *errspkg.CompensationError
	if errors.As(err, &cerr) {
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
