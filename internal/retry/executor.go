package retry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	retrygo "github.com/avast/retry-go"
	"github.com/sirupsen/logrus"
)

// Error is returned by Executor.Do when the policy gave up on a request.
type Error struct {
	Class    Class
	Attempts uint
	// Exhausted is set if the request was still retryable but ran out of
	// attempts.
	Exhausted bool
	Err       error
}

func (e *Error) Error() string {
	if e.Exhausted {
		return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Err)
	}
	return fmt.Sprintf("%s failure: %v", e.Class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Backoff configures the delays between attempts.
type Backoff struct {
	// Attempts bounds the attempts of one request including the first one.
	Attempts  uint
	Delay     time.Duration
	MaxDelay  time.Duration
	MaxJitter time.Duration
}

// Executor runs requests until they succeed or the policy gives up.
type Executor struct {
	Policy  Policy
	Backoff Backoff
	Logger  logrus.FieldLogger
	// OnRetry is called before every retry, e.g. to count retries.
	OnRetry func(Failure)
}

// Do calls fn until it succeeds, the policy stops or ctx is done. fn receives
// the header overrides handed out by the policy. The returned error is
// ctx.Err() if the context ended, an *Error otherwise.
func (e Executor) Do(ctx context.Context, fn func(ctx context.Context, headers http.Header) error) error {
	var headers http.Header
	var attempt, malformed uint
	var stopped *Error

	exponential := retrygo.BackOffDelay
	if e.Backoff.MaxJitter > 0 {
		exponential = retrygo.CombineDelay(retrygo.BackOffDelay, retrygo.RandomDelay)
	}

	err := retrygo.Do(
		func() error {
			attempt++
			return fn(ctx, headers)
		},
		retrygo.Context(ctx),
		retrygo.Attempts(e.attempts()),
		retrygo.Delay(e.Backoff.Delay),
		retrygo.MaxDelay(e.Backoff.MaxDelay),
		retrygo.MaxJitter(e.Backoff.MaxJitter),
		retrygo.LastErrorOnly(true),
		retrygo.DelayType(func(n uint, err error, config *retrygo.Config) time.Duration {
			if delay := retryAfter(err); delay > 0 {
				return delay
			}
			return exponential(n, err, config)
		}),
		retrygo.RetryIf(func(err error) bool {
			failure := Failure{Err: err, Class: Classify(err), Attempt: attempt}
			if failure.Class == Malformed {
				malformed++
			} else {
				malformed = 0
			}
			failure.ConsecutiveMalformed = malformed

			directive := e.Policy.Decide(ctx, failure)
			if !directive.Retry() {
				stopped = &Error{
					Class:     failure.Class,
					Attempts:  attempt,
					Exhausted: attempt >= e.attempts() && retryable(failure.Class),
					Err:       err,
				}
				return false
			}

			if overrides := directive.Headers(); overrides != nil {
				headers = mergeHeaders(headers, overrides)
			}

			if attempt < e.attempts() {
				e.logger().WithError(err).WithFields(logrus.Fields{
					"class":   failure.Class.String(),
					"attempt": attempt,
				}).Warn("request failed, retrying")

				if e.OnRetry != nil {
					e.OnRetry(failure)
				}
			}

			return true
		}),
	)
	if err == nil {
		return nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	if stopped != nil {
		return stopped
	}

	// The policy wanted to retry but the attempts ran out.
	return &Error{Class: Classify(err), Attempts: attempt, Exhausted: true, Err: err}
}

func (e Executor) attempts() uint {
	if e.Backoff.Attempts == 0 {
		return 1
	}
	return e.Backoff.Attempts
}

func (e Executor) logger() logrus.FieldLogger {
	if e.Logger == nil {
		return logrus.StandardLogger()
	}
	return e.Logger
}

func retryable(class Class) bool {
	return class == Transient || class == Malformed
}

func mergeHeaders(base, overrides http.Header) http.Header {
	merged := base.Clone()
	if merged == nil {
		merged = http.Header{}
	}
	for key, values := range overrides {
		merged[key] = append([]string(nil), values...)
	}
	return merged
}
