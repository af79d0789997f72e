package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/shapesync/internal/protocol"
)

const (
	liveModeWebsocket = "ws"
	closeGracePeriod  = time.Second
)

// PushTransport keeps a websocket open for live requests and lets the server
// push batches as JSON message arrays, one per text frame. Non-live requests
// are served by the poll transport it wraps.
type PushTransport struct {
	poll   *HTTPTransport
	dialer *websocket.Dialer
}

// NewPushTransport returns a push transport for the configured endpoint.
func NewPushTransport(cfg Config) (*PushTransport, error) {
	poll, err := NewHTTPTransport(cfg)
	if err != nil {
		return nil, err
	}

	return &PushTransport{
		poll: poll,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: poll.timeout,
		},
	}, nil
}

// Open dials the websocket for live requests. Other requests are polled.
func (t *PushTransport) Open(ctx context.Context, req Request) (Stream, error) {
	if !req.Live {
		return t.poll.Open(ctx, req)
	}

	u := *t.poll.endpoint
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	values := query(req, true)
	values.Set("live_mode", liveModeWebsocket)
	u.RawQuery = values.Encode()

	headers, err := t.poll.headers(ctx, req.Headers)
	if err != nil {
		return nil, err
	}

	conn, rsp, err := t.dialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		if rsp != nil {
			defer rsp.Body.Close()
			body, _ := io.ReadAll(io.LimitReader(rsp.Body, maxErrorBody))
			// The handshake was answered with a regular response, decode it
			// like a poll response so that 409 and errors look the same.
			batch, decodeErr := t.poll.decodeResponse(rsp, body, req)
			if decodeErr != nil {
				return nil, decodeErr
			}
			return &singleBatchStream{batch: batch}, nil
		}
		return nil, err
	}

	handleHeader, _, _ := headerNames(t.poll.prefix)

	stream := &pushStream{
		conn:        conn,
		handle:      rsp.Header.Get(handleHeader),
		liveTimeout: t.poll.requestTimeout(true),
		logger:      t.poll.logger,
	}
	conn.SetPingHandler(stream.handlePing)

	return stream, nil
}

type pushStream struct {
	conn        *websocket.Conn
	handle      string
	liveTimeout time.Duration
	logger      logrus.FieldLogger
	closeOnce   sync.Once
	writeMtx    sync.Mutex
}

func (s *pushStream) handlePing(data string) error {
	s.extendDeadline()

	s.writeMtx.Lock()
	defer s.writeMtx.Unlock()

	err := s.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(closeGracePeriod))
	if errors.Is(err, websocket.ErrCloseSent) {
		return nil
	}
	return err
}

func (s *pushStream) extendDeadline() {
	if s.liveTimeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.liveTimeout))
	} else {
		_ = s.conn.SetReadDeadline(time.Time{})
	}
}

// Next blocks until the server pushed the next batch. A server that stays
// silent, without even sending pings, for longer than the live timeout makes
// Next fail with a timeout.
func (s *pushStream) Next(ctx context.Context) (*protocol.Batch, error) {
	s.extendDeadline()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			// Unblocks the pending read.
			_ = s.conn.SetReadDeadline(time.Now())
		case <-done:
		}
	}()

	messageType, data, err := s.conn.ReadMessage()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read push frame: %w", err)
	}

	if messageType != websocket.TextMessage {
		return nil, fmt.Errorf("%w: unexpected websocket frame type %d", protocol.ErrMalformed, messageType)
	}

	messages, err := protocol.DecodeBytes(data)
	if err != nil {
		return nil, fmt.Errorf("decode push frame: %w", err)
	}

	s.logger.WithField("messages", len(messages)).Debug("shape push frame")

	return &protocol.Batch{Messages: messages, Handle: s.handle}, nil
}

// Close sends a close frame and releases the connection.
func (s *pushStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.writeMtx.Lock()
		_ = s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeGracePeriod),
		)
		s.writeMtx.Unlock()

		err = s.conn.Close()
	})
	return err
}
