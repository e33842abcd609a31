package task

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/tathienbao/ordertask/internal/types"
)

// RetryPolicy re-issues a call after a reject event. Host errors and
// cancellation are never retried.
type RetryPolicy struct {
	MaxRetries int           // retries after the first call; zero disables retry
	Delay      time.Duration // fixed wait before each retry
}

// NoRetry returns a policy that issues the call once.
func NoRetry() RetryPolicy {
	return RetryPolicy{}
}

// Enabled returns true if the policy allows at least one retry.
func (p RetryPolicy) Enabled() bool {
	return p.MaxRetries > 0
}

// Attempt issues one call and waits for its terminal event.
type Attempt func(ctx context.Context) (types.OrderEvent, error)

// Run calls attempt until it succeeds, fails with a non-reject error, or the
// retries are exhausted, in which case the last reject is returned. notify,
// if set, is called before each retry with the retry number and the reject.
func (p RetryPolicy) Run(ctx context.Context, attempt Attempt, notify func(retry int, err error)) (types.OrderEvent, error) {
	if !p.Enabled() {
		return attempt(ctx)
	}

	retry := 0
	ev, err := backoff.Retry(ctx, func() (types.OrderEvent, error) {
		ev, err := attempt(ctx)
		if err != nil && !types.IsReject(err) {
			return ev, backoff.Permanent(err)
		}
		return ev, err
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(p.Delay)),
		backoff.WithMaxTries(uint(p.MaxRetries+1)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, _ time.Duration) {
			retry++
			if notify != nil {
				notify(retry, err)
			}
		}),
	)

	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Unwrap()
	}
	return ev, err
}
