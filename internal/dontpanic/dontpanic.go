// Package dontpanic provides function wrappers to ensure that wrapped code
// does not panic and cause program crashes.
//
// Listener callbacks registered on a view and background goroutines of a
// subscription are user supplied or long running, so they are always run
// through this package.
package dontpanic

import (
	"fmt"

	sentry "github.com/getsentry/sentry-go"
	"gitlab.com/gitlab-org/shapesync/internal/log"
)

// Try will wrap the provided function with a panic recovery. If a panic occurs,
// the recovered panic will be sent to Sentry and logged as an error.
// Returns `true` if no panic and `false` otherwise.
func Try(fn func()) bool { return catchAndLog(fn) }

// Go will run the provided function in a goroutine and recover from any
// panics.  If a panic occurs, the recovered panic will be sent to Sentry
// and logged as an error. Go is best used in fire-and-forget goroutines where
// observability is lost.
func Go(fn func()) { go Try(fn) }

var logger = log.Default()

func catchAndLog(fn func()) bool {
	var id *sentry.EventID
	var recovered interface{}
	normal := true

	func() {
		defer func() {
			recovered = recover()
			if recovered == nil {
				return
			}
			normal = false

			err, ok := recovered.(error)
			if !ok {
				err = fmt.Errorf("%v", recovered)
			}
			id = sentry.CaptureException(err)
		}()
		fn()
	}()

	if normal {
		return true
	}

	entry := logger
	if id != nil && *id != "" {
		entry = entry.WithField("sentry_id", *id)
	}
	entry.Errorf("dontpanic: recovered panic: %+v", recovered)

	return false
}
