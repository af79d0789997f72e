package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/labkit/correlation"
	"gitlab.com/gitlab-org/labkit/tracing"
	"gitlab.com/gitlab-org/shapesync/internal/auth"
	"gitlab.com/gitlab-org/shapesync/internal/protocol"
)

const maxErrorBody = 1024

// Config configures the HTTP transport.
type Config struct {
	// Endpoint is the URL of the shape endpoint.
	Endpoint string
	// HeaderPrefix is the prefix of the protocol response headers.
	HeaderPrefix string
	// Auth supplies the authentication header. It defaults to no auth.
	Auth auth.HeaderSource
	// RequestTimeout bounds a single request.
	RequestTimeout time.Duration
	// LiveTimeout is the time a live request may be held by the server. It
	// is added to RequestTimeout for live requests.
	LiveTimeout time.Duration
	// Client overrides the HTTP client, e.g. in tests.
	Client *http.Client
	Logger logrus.FieldLogger
}

// NewHTTPClient returns a http.Client with a restrictive transport. It
// disables following redirects, the shape endpoint is expected to answer
// directly.
func NewHTTPClient() *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 10 * time.Second,
		}).DialContext,
		MaxIdleConns:          16,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 10 * time.Second,
	}

	return &http.Client{
		Transport: correlation.NewInstrumentedRoundTripper(tracing.NewRoundTripper(transport)),
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// HTTPTransport issues one GET request per stream. Live requests long-poll.
type HTTPTransport struct {
	endpoint *url.URL
	prefix   string
	auth     auth.HeaderSource
	client   *http.Client
	timeout  time.Duration
	live     time.Duration
	logger   logrus.FieldLogger
}

var errInvalidEndpoint = errors.New("shape endpoint must be an absolute http(s) url")

// NewHTTPTransport returns a poll transport for the configured endpoint.
func NewHTTPTransport(cfg Config) (*HTTPTransport, error) {
	endpoint, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidEndpoint, err)
	}
	if endpoint.Scheme != "http" && endpoint.Scheme != "https" {
		return nil, errInvalidEndpoint
	}

	t := &HTTPTransport{
		endpoint: endpoint,
		prefix:   cfg.HeaderPrefix,
		auth:     cfg.Auth,
		client:   cfg.Client,
		timeout:  cfg.RequestTimeout,
		live:     cfg.LiveTimeout,
		logger:   cfg.Logger,
	}

	if t.prefix == "" {
		t.prefix = "electric"
	}
	if t.auth == nil {
		t.auth = auth.None{}
	}
	if t.client == nil {
		t.client = NewHTTPClient()
	}
	if t.logger == nil {
		t.logger = logrus.StandardLogger()
	}

	return t, nil
}

// Open performs the request and returns a stream of the single response
// batch.
func (t *HTTPTransport) Open(ctx context.Context, req Request) (Stream, error) {
	batch, err := t.do(ctx, req)
	if err != nil {
		return nil, err
	}
	return &singleBatchStream{batch: batch}, nil
}

func (t *HTTPTransport) requestTimeout(live bool) time.Duration {
	if t.timeout <= 0 {
		return 0
	}
	if live {
		return t.timeout + t.live
	}
	return t.timeout
}

func (t *HTTPTransport) headers(ctx context.Context, overrides http.Header) (http.Header, error) {
	headers, err := t.auth.Headers(ctx)
	if err != nil {
		return nil, fmt.Errorf("auth headers: %w", err)
	}

	headers = headers.Clone()
	if headers == nil {
		headers = http.Header{}
	}
	for key, values := range overrides {
		headers[key] = values
	}

	return headers, nil
}

func (t *HTTPTransport) do(ctx context.Context, req Request) (*protocol.Batch, error) {
	if timeout := t.requestTimeout(req.Live); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	u := *t.endpoint
	u.RawQuery = query(req, req.Live).Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}

	headers, err := t.headers(ctx, req.Headers)
	if err != nil {
		return nil, err
	}
	httpReq.Header = headers

	start := time.Now()
	rsp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer rsp.Body.Close()

	body, err := io.ReadAll(rsp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	t.logger.WithFields(logrus.Fields{
		"status":      rsp.StatusCode,
		"live":        req.Live,
		"offset":      req.Cursor.Offset.String(),
		"duration_ms": time.Since(start).Milliseconds(),
	}).Debug("shape request")

	return t.decodeResponse(rsp, body, req)
}

func (t *HTTPTransport) decodeResponse(rsp *http.Response, body []byte, req Request) (*protocol.Batch, error) {
	handleHeader, offsetHeader, cursorHeader := headerNames(t.prefix)

	batch := &protocol.Batch{
		Handle:     rsp.Header.Get(handleHeader),
		LiveCursor: rsp.Header.Get(cursorHeader),
	}

	switch {
	case rsp.StatusCode == http.StatusConflict:
		// The shape generation is gone. The body, if any, carries the
		// must-refetch control message.
		messages, err := protocol.DecodeBytes(body)
		if err != nil {
			messages = nil
		}
		batch.Messages = messages
		if !batch.HasControl(protocol.MustRefetch) {
			batch.Messages = append(batch.Messages, protocol.ControlMessage{Control: protocol.MustRefetch})
		}
		return batch, nil
	case rsp.StatusCode == http.StatusNoContent:
	case rsp.StatusCode >= 200 && rsp.StatusCode < 300:
		messages, err := protocol.DecodeBytes(body)
		if err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		batch.Messages = messages
	default:
		return nil, &StatusError{
			Code:  rsp.StatusCode,
			Delay: parseRetryAfter(rsp.Header.Get("Retry-After"), time.Now()),
			Body:  string(bytes.TrimSpace(truncate(body, maxErrorBody))),
		}
	}

	if batch.Handle == "" && req.Cursor.Handle == "" && len(batch.Messages) > 0 {
		return nil, fmt.Errorf("%w: missing %s header", protocol.ErrMalformed, handleHeader)
	}

	if value := rsp.Header.Get(offsetHeader); value != "" {
		offset, err := protocol.ParseOffset(value)
		if err != nil {
			return nil, fmt.Errorf("%w: %s header: %v", protocol.ErrMalformed, offsetHeader, err)
		}
		// A sentinel in the header carries no position.
		if !offset.IsSentinel() {
			batch.Offset = offset
			batch.HasOffset = true
		}
	}

	return batch, nil
}

func truncate(body []byte, n int) []byte {
	if len(body) > n {
		return body[:n]
	}
	return body
}

type singleBatchStream struct {
	batch *protocol.Batch
}

func (s *singleBatchStream) Next(ctx context.Context) (*protocol.Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.batch == nil {
		return nil, io.EOF
	}

	batch := s.batch
	s.batch = nil
	return batch, nil
}

func (s *singleBatchStream) Close() error {
	s.batch = nil
	return nil
}
