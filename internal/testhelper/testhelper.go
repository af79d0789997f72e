package testhelper

import (
	"context"
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Context returns a context that is cancelled once the test finished.
func Context(tb testing.TB) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	tb.Cleanup(cancel)
	return ctx
}

// ContextWithTimeout is like Context, but the context additionally expires
// after the given duration. Use it for tests that wait on network activity.
func ContextWithTimeout(tb testing.TB, timeout time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	tb.Cleanup(cancel)
	return ctx
}

// MustClose calls Close() on the Closer and fails the test in case it returns
// an error. This function is useful when closing via `defer`, as a simple
// `defer require.NoError(t, closer.Close())` would cause `closer.Close()` to
// be executed early already.
func MustClose(tb testing.TB, closer io.Closer) {
	require.NoError(tb, closer.Close())
}

// ModifyEnvironment will change an environment variable and restore it
// once the test finished.
func ModifyEnvironment(tb testing.TB, key string, value string) {
	tb.Helper()

	oldValue, hasOldValue := os.LookupEnv(key)
	require.NoError(tb, os.Setenv(key, value))
	tb.Cleanup(func() {
		if hasOldValue {
			require.NoError(tb, os.Setenv(key, oldValue))
		} else {
			require.NoError(tb, os.Unsetenv(key))
		}
	})
}
