package retry

import (
	"context"
	"net/http"
)

// Failure describes one failed attempt.
type Failure struct {
	Err   error
	Class Class
	// Attempt is the 1-based number of the attempt that failed.
	Attempt uint
	// ConsecutiveMalformed counts the malformed responses in a row up to and
	// including this one.
	ConsecutiveMalformed uint
}

// Directive is the outcome of a Policy decision.
type Directive struct {
	retry   bool
	headers http.Header
}

// RetryWith retries the request. Non-nil headers replace the matching
// request headers of every following attempt.
func RetryWith(headers http.Header) Directive {
	return Directive{retry: true, headers: headers}
}

// Stop gives up on the request.
func Stop() Directive {
	return Directive{}
}

// Retry returns whether the request should be retried.
func (d Directive) Retry() bool { return d.retry }

// Headers returns the header overrides of a retry.
func (d Directive) Headers() http.Header { return d.headers }

// Policy decides whether a failed request is retried.
type Policy interface {
	Decide(ctx context.Context, failure Failure) Directive
}

// PolicyFunc adapts a function to the Policy interface.
type PolicyFunc func(ctx context.Context, failure Failure) Directive

// Decide calls f.
func (f PolicyFunc) Decide(ctx context.Context, failure Failure) Directive { return f(ctx, failure) }

// AuthRecovery is called when the server rejected the credentials. It returns
// the headers to retry with, or false to give up.
type AuthRecovery func(ctx context.Context, err error) (http.Header, bool)

// DefaultPolicy retries transient failures and a bounded number of malformed
// responses, and asks AuthRecovery for new credentials on 401.
type DefaultPolicy struct {
	// MaxAttempts bounds the attempts of one request including the first one.
	MaxAttempts uint
	// MalformedThreshold is the number of consecutive malformed responses
	// after which they are treated as fatal.
	MalformedThreshold uint
	// AuthRecovery may be nil, in which case 401 is fatal.
	AuthRecovery AuthRecovery
}

// Decide implements Policy.
func (p DefaultPolicy) Decide(ctx context.Context, failure Failure) Directive {
	if ctx.Err() != nil {
		return Stop()
	}

	if p.MaxAttempts > 0 && failure.Attempt >= p.MaxAttempts {
		return Stop()
	}

	switch failure.Class {
	case Transient:
		return RetryWith(nil)
	case Malformed:
		if p.MalformedThreshold > 0 && failure.ConsecutiveMalformed >= p.MalformedThreshold {
			return Stop()
		}
		return RetryWith(nil)
	case Authentication:
		if p.AuthRecovery == nil {
			return Stop()
		}
		headers, ok := p.AuthRecovery(ctx, failure.Err)
		if !ok {
			return Stop()
		}
		return RetryWith(headers)
	default:
		// Authorization and fatal failures are final. Invalidation is not a
		// failure of the request at all and is handled by the caller.
		return Stop()
	}
}
