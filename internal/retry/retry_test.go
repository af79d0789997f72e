package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/shapesync/internal/protocol"
	"gitlab.com/gitlab-org/shapesync/internal/testhelper"
)

func TestMain(m *testing.M) {
	testhelper.Run(m)
}

type statusError struct {
	code       int
	retryAfter time.Duration
}

func (e statusError) Error() string              { return fmt.Sprintf("status %d", e.code) }
func (e statusError) StatusCode() int            { return e.code }
func (e statusError) RetryAfter() time.Duration { return e.retryAfter }

func TestClassify(t *testing.T) {
	for _, tc := range []struct {
		desc     string
		err      error
		expected Class
	}{
		{desc: "internal server error", err: statusError{code: 500}, expected: Transient},
		{desc: "bad gateway", err: statusError{code: 502}, expected: Transient},
		{desc: "too many requests", err: statusError{code: 429}, expected: Transient},
		{desc: "request timeout status", err: statusError{code: 408}, expected: Transient},
		{desc: "unauthorized", err: statusError{code: 401}, expected: Authentication},
		{desc: "forbidden", err: statusError{code: 403}, expected: Authorization},
		{desc: "conflict", err: statusError{code: 409}, expected: Invalidation},
		{desc: "bad request", err: statusError{code: 400}, expected: Fatal},
		{desc: "not found", err: statusError{code: 404}, expected: Fatal},
		{desc: "wrapped status", err: fmt.Errorf("request: %w", statusError{code: 503}), expected: Transient},
		{desc: "malformed", err: fmt.Errorf("decode: %w", protocol.ErrMalformed), expected: Malformed},
		{desc: "network error", err: io.ErrUnexpectedEOF, expected: Transient},
		{desc: "timeout", err: context.DeadlineExceeded, expected: Transient},
		{desc: "canceled", err: fmt.Errorf("do: %w", context.Canceled), expected: Canceled},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			require.Equal(t, tc.expected, Classify(tc.err))
		})
	}
}

func TestDefaultPolicy_Decide(t *testing.T) {
	refreshed := http.Header{"Authorization": {"Bearer fresh"}}

	for _, tc := range []struct {
		desc            string
		policy          DefaultPolicy
		failure         Failure
		expectedRetry   bool
		expectedHeaders http.Header
	}{
		{
			desc:          "transient is retried",
			policy:        DefaultPolicy{MaxAttempts: 3},
			failure:       Failure{Class: Transient, Attempt: 1},
			expectedRetry: true,
		},
		{
			desc:    "transient stops after max attempts",
			policy:  DefaultPolicy{MaxAttempts: 3},
			failure: Failure{Class: Transient, Attempt: 3},
		},
		{
			desc:          "malformed is retried below the threshold",
			policy:        DefaultPolicy{MaxAttempts: 10, MalformedThreshold: 3},
			failure:       Failure{Class: Malformed, Attempt: 2, ConsecutiveMalformed: 2},
			expectedRetry: true,
		},
		{
			desc:    "malformed escalates at the threshold",
			policy:  DefaultPolicy{MaxAttempts: 10, MalformedThreshold: 3},
			failure: Failure{Class: Malformed, Attempt: 3, ConsecutiveMalformed: 3},
		},
		{
			desc:    "authentication without recovery hook is fatal",
			policy:  DefaultPolicy{MaxAttempts: 3},
			failure: Failure{Class: Authentication, Attempt: 1},
		},
		{
			desc: "authentication recovered by hook",
			policy: DefaultPolicy{MaxAttempts: 3, AuthRecovery: func(context.Context, error) (http.Header, bool) {
				return refreshed, true
			}},
			failure:         Failure{Class: Authentication, Attempt: 1},
			expectedRetry:   true,
			expectedHeaders: refreshed,
		},
		{
			desc: "authentication declined by hook",
			policy: DefaultPolicy{MaxAttempts: 3, AuthRecovery: func(context.Context, error) (http.Header, bool) {
				return nil, false
			}},
			failure: Failure{Class: Authentication, Attempt: 1},
		},
		{
			desc:    "authorization is fatal",
			policy:  DefaultPolicy{MaxAttempts: 3},
			failure: Failure{Class: Authorization, Attempt: 1},
		},
		{
			desc:    "fatal is fatal",
			policy:  DefaultPolicy{MaxAttempts: 3},
			failure: Failure{Class: Fatal, Attempt: 1},
		},
		{
			desc:    "canceled stops",
			policy:  DefaultPolicy{MaxAttempts: 3},
			failure: Failure{Class: Canceled, Attempt: 1},
		},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			directive := tc.policy.Decide(testhelper.Context(t), tc.failure)
			require.Equal(t, tc.expectedRetry, directive.Retry())
			require.Equal(t, tc.expectedHeaders, directive.Headers())
		})
	}
}

func TestDefaultPolicy_canceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(testhelper.Context(t))
	cancel()

	directive := DefaultPolicy{MaxAttempts: 3}.Decide(ctx, Failure{Class: Transient, Attempt: 1})
	require.False(t, directive.Retry())
}

func newExecutor(t *testing.T, policy Policy, attempts uint) Executor {
	return Executor{
		Policy:  policy,
		Backoff: Backoff{Attempts: attempts, Delay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
		Logger:  testhelper.NewDiscardingLogEntry(t),
	}
}

func TestExecutor_Do(t *testing.T) {
	t.Run("succeeds after transient failures", func(t *testing.T) {
		var calls int
		var retried []Class

		executor := newExecutor(t, DefaultPolicy{MaxAttempts: 5}, 5)
		executor.OnRetry = func(f Failure) { retried = append(retried, f.Class) }

		err := executor.Do(testhelper.Context(t), func(context.Context, http.Header) error {
			calls++
			if calls < 3 {
				return statusError{code: 503}
			}
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, 3, calls)
		require.Equal(t, []Class{Transient, Transient}, retried)
	})

	t.Run("exhausts attempts", func(t *testing.T) {
		var calls int
		executor := newExecutor(t, DefaultPolicy{MaxAttempts: 3}, 3)

		err := executor.Do(testhelper.Context(t), func(context.Context, http.Header) error {
			calls++
			return statusError{code: 500}
		})

		var retryErr *Error
		require.True(t, errors.As(err, &retryErr))
		require.True(t, retryErr.Exhausted)
		require.Equal(t, Transient, retryErr.Class)
		require.Equal(t, uint(3), retryErr.Attempts)
		require.Equal(t, 3, calls)
		require.Equal(t, statusError{code: 500}, errors.Unwrap(err))
	})

	t.Run("stops on authorization failure", func(t *testing.T) {
		var calls int
		executor := newExecutor(t, DefaultPolicy{MaxAttempts: 3}, 3)

		err := executor.Do(testhelper.Context(t), func(context.Context, http.Header) error {
			calls++
			return statusError{code: 403}
		})

		var retryErr *Error
		require.True(t, errors.As(err, &retryErr))
		require.False(t, retryErr.Exhausted)
		require.Equal(t, Authorization, retryErr.Class)
		require.Equal(t, 1, calls)
	})

	t.Run("auth recovery headers are passed to following attempts", func(t *testing.T) {
		var seen []string
		executor := newExecutor(t, DefaultPolicy{
			MaxAttempts: 3,
			AuthRecovery: func(context.Context, error) (http.Header, bool) {
				return http.Header{"Authorization": {"Bearer fresh"}}, true
			},
		}, 3)

		err := executor.Do(testhelper.Context(t), func(_ context.Context, headers http.Header) error {
			seen = append(seen, headers.Get("Authorization"))
			if len(seen) == 1 {
				return statusError{code: 401}
			}
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, []string{"", "Bearer fresh"}, seen)
	})

	t.Run("malformed responses escalate", func(t *testing.T) {
		var calls int
		executor := newExecutor(t, DefaultPolicy{MaxAttempts: 10, MalformedThreshold: 2}, 10)

		err := executor.Do(testhelper.Context(t), func(context.Context, http.Header) error {
			calls++
			return fmt.Errorf("decode: %w", protocol.ErrMalformed)
		})

		var retryErr *Error
		require.True(t, errors.As(err, &retryErr))
		require.Equal(t, Malformed, retryErr.Class)
		require.Equal(t, 2, calls)
		require.True(t, errors.Is(err, protocol.ErrMalformed))
	})

	t.Run("malformed counter resets on other failures", func(t *testing.T) {
		var failures []Failure
		policy := PolicyFunc(func(ctx context.Context, f Failure) Directive {
			failures = append(failures, f)
			return DefaultPolicy{MaxAttempts: 10, MalformedThreshold: 2}.Decide(ctx, f)
		})

		responses := []error{
			protocol.ErrMalformed,
			statusError{code: 500},
			protocol.ErrMalformed,
			nil,
		}

		var calls int
		err := newExecutor(t, policy, 10).Do(testhelper.Context(t), func(context.Context, http.Header) error {
			calls++
			return responses[calls-1]
		})
		require.NoError(t, err)
		require.Equal(t, []uint{1, 0, 1}, []uint{
			failures[0].ConsecutiveMalformed,
			failures[1].ConsecutiveMalformed,
			failures[2].ConsecutiveMalformed,
		})
	})

	t.Run("context cancellation stops the backoff", func(t *testing.T) {
		ctx, cancel := context.WithCancel(testhelper.Context(t))

		executor := newExecutor(t, DefaultPolicy{MaxAttempts: 10}, 10)
		executor.Backoff.Delay = time.Hour
		executor.Backoff.MaxDelay = time.Hour

		err := executor.Do(ctx, func(context.Context, http.Header) error {
			cancel()
			return statusError{code: 500}
		})
		require.Equal(t, context.Canceled, err)
	})

	t.Run("retry after is honored", func(t *testing.T) {
		var calls int
		executor := newExecutor(t, DefaultPolicy{MaxAttempts: 2}, 2)

		start := time.Now()
		err := executor.Do(testhelper.Context(t), func(context.Context, http.Header) error {
			calls++
			if calls == 1 {
				return statusError{code: 429, retryAfter: 20 * time.Millisecond}
			}
			return nil
		})
		require.NoError(t, err)
		require.GreaterOrEqual(t, time.Since(start), 5*time.Millisecond)
	})

	t.Run("retries are logged", func(t *testing.T) {
		logger, hook := testhelper.NewCapturingLogger(t)
		executor := newExecutor(t, DefaultPolicy{MaxAttempts: 2}, 2)
		executor.Logger = logger

		var calls int
		require.NoError(t, executor.Do(testhelper.Context(t), func(context.Context, http.Header) error {
			calls++
			if calls == 1 {
				return statusError{code: 502}
			}
			return nil
		}))

		require.Len(t, hook.AllEntries(), 1)
		require.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
		require.Equal(t, "transient", hook.LastEntry().Data["class"])
	})
}

func TestClass_String(t *testing.T) {
	require.Equal(t, "malformed", Malformed.String())
	require.Equal(t, "unknown", Class(42).String())
}
