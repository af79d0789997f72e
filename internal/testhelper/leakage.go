package testhelper

import (
	"fmt"

	"go.uber.org/goleak"
)

// mustHaveNoGoroutines returns an error if there are Goroutines left after all tests
// finished. Idle keep-alive connections of the HTTP client are not considered leaks.
func mustHaveNoGoroutines() error {
	if err := goleak.Find(
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	); err != nil {
		return fmt.Errorf("goroutines have leaked: %w", err)
	}
	return nil
}
