package triage

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"github.com/user/stigharden/pkg/engine"
	"github.com/user/stigharden/pkg/logging"
)

// ErrNotRetryable marks compute errors that a retry cannot fix, such as a
// malformed model response.
var ErrNotRetryable = errors.New("not retryable")

// Retrying wraps compute with exponential backoff. Attempts stop after
// retries extra tries, when ctx is done, or on an error wrapping
// ErrNotRetryable or a context error. With retries <= 0 compute runs once.
func Retrying(compute ComputeFunc, retries int, log *zap.Logger) ComputeFunc {
	log = logging.OrNop(log)
	return func(ctx context.Context, f engine.Finding) (engine.Explanation, error) {
		// WithMaxRetries treats 0 as unlimited.
		var bo backoff.BackOff = &backoff.StopBackOff{}
		if retries > 0 {
			eb := backoff.NewExponentialBackOff()
			eb.InitialInterval = 500 * time.Millisecond
			eb.MaxInterval = 5 * time.Second
			eb.MaxElapsedTime = 0
			bo = backoff.WithMaxRetries(eb, uint64(retries))
		}

		var exp engine.Explanation
		err := backoff.RetryNotify(func() error {
			var err error
			exp, err = compute(ctx, f)
			if err == nil {
				return nil
			}
			if errors.Is(err, ErrNotRetryable) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				return backoff.Permanent(err)
			}
			return err
		}, backoff.WithContext(bo, ctx), func(err error, wait time.Duration) {
			log.Debug("Retrying triage",
				zap.String("rule_id", f.RuleID),
				zap.Duration("wait", wait),
				zap.Error(err),
			)
		})
		return exp, err
	}
}
