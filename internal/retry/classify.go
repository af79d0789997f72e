// Package retry decides how failed shape requests are handled. Failures are
// classified, a Policy turns a classified failure into a Directive, and an
// Executor runs the attempts with exponential backoff.
package retry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"gitlab.com/gitlab-org/shapesync/internal/protocol"
)

// Class is the category of a failed request.
type Class int

const (
	// Transient failures are retried with backoff: 5xx, 429, network errors and timeouts.
	Transient Class = iota
	// Authentication failures (401) may be recovered by refreshed credentials.
	Authentication
	// Authorization failures (403) are fatal.
	Authorization
	// Invalidation (409) means the shape generation is gone and must be refetched.
	Invalidation
	// Malformed responses could not be decoded.
	Malformed
	// Fatal failures are not retried, e.g. 400 for an invalid shape.
	Fatal
	// Canceled means the caller gave up.
	Canceled
)

var classNames = map[Class]string{
	Transient:      "transient",
	Authentication: "authentication",
	Authorization:  "authorization",
	Invalidation:   "invalidation",
	Malformed:      "malformed",
	Fatal:          "fatal",
	Canceled:       "canceled",
}

func (c Class) String() string {
	if name, ok := classNames[c]; ok {
		return name
	}
	return "unknown"
}

// StatusCoder is implemented by errors carrying an HTTP status code.
type StatusCoder interface {
	StatusCode() int
}

// RetryAfterer is implemented by errors carrying a server requested delay.
type RetryAfterer interface {
	RetryAfter() time.Duration
}

// Classify returns the class of a request failure.
func Classify(err error) Class {
	switch {
	case errors.Is(err, context.Canceled):
		return Canceled
	case errors.Is(err, protocol.ErrMalformed):
		return Malformed
	}

	var status StatusCoder
	if errors.As(err, &status) {
		return classifyStatus(status.StatusCode())
	}

	// Everything else failed below HTTP: connection resets, DNS failures and
	// request timeouts.
	return Transient
}

func classifyStatus(code int) Class {
	switch {
	case code == http.StatusUnauthorized:
		return Authentication
	case code == http.StatusForbidden:
		return Authorization
	case code == http.StatusConflict:
		return Invalidation
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout:
		return Transient
	case code >= 500:
		return Transient
	default:
		return Fatal
	}
}

func retryAfter(err error) time.Duration {
	var ra RetryAfterer
	if errors.As(err, &ra) {
		return ra.RetryAfter()
	}
	return 0
}
