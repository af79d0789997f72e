// Package transport performs the request cycle against a shape endpoint and
// yields the decoded message batches.
package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"gitlab.com/gitlab-org/shapesync/internal/cursor"
	"gitlab.com/gitlab-org/shapesync/internal/protocol"
	"gitlab.com/gitlab-org/shapesync/internal/shape"
)

// Request describes one request cycle of a subscription.
type Request struct {
	Shape  shape.Definition
	Cursor cursor.Cursor
	// Live asks the server to hold the request until new changes are
	// available instead of returning the current content.
	Live bool
	// Headers are added to the request, overriding those of the transport's
	// auth source.
	Headers http.Header
}

// Stream is an ordered sequence of batches.
type Stream interface {
	// Next returns the next batch or io.EOF after the last one.
	Next(ctx context.Context) (*protocol.Batch, error)
	// Close releases the underlying connection.
	Close() error
}

// Transport opens streams against a shape endpoint.
type Transport interface {
	Open(ctx context.Context, req Request) (Stream, error)
}

// StatusError is returned for non-2xx responses other than 409.
type StatusError struct {
	Code int
	// Delay is the server requested delay before the next attempt.
	Delay time.Duration
	// Body holds the start of the response body for diagnostics.
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("shape request failed with status %d", e.Code)
	}
	return fmt.Sprintf("shape request failed with status %d: %s", e.Code, e.Body)
}

// StatusCode returns the HTTP status code.
func (e *StatusError) StatusCode() int { return e.Code }

// RetryAfter returns the delay requested by a Retry-After header.
func (e *StatusError) RetryAfter() time.Duration { return e.Delay }

func parseRetryAfter(value string, now time.Time) time.Duration {
	if value == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}

	if at, err := http.ParseTime(value); err == nil && at.After(now) {
		return at.Sub(now)
	}

	return 0
}

// query returns the query parameters of a request cycle.
func query(req Request, live bool) url.Values {
	values := url.Values{}
	req.Shape.Encode(values)

	values.Set("offset", req.Cursor.Offset.String())

	if req.Cursor.Handle != "" && !req.Cursor.Offset.IsSentinel() {
		values.Set("handle", req.Cursor.Handle)
	}

	if live {
		values.Set("live", "true")
		if req.Cursor.LiveCursor != "" {
			values.Set("cursor", req.Cursor.LiveCursor)
		}
	}

	return values
}

func headerNames(prefix string) (handle, offset, liveCursor string) {
	return prefix + "-handle", prefix + "-offset", prefix + "-cursor"
}
