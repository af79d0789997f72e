package transport

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/shapesync/internal/cursor"
	"gitlab.com/gitlab-org/shapesync/internal/protocol"
	"gitlab.com/gitlab-org/shapesync/internal/testhelper"
	"gitlab.com/gitlab-org/shapesync/internal/testhelper/shapeserver"
)

func newPushTransport(t *testing.T, srv *shapeserver.Server) *PushTransport {
	t.Helper()

	transport, err := NewPushTransport(Config{
		Endpoint:       srv.ShapeURL(),
		RequestTimeout: 5 * time.Second,
		LiveTimeout:    5 * time.Second,
		Logger:         testhelper.NewDiscardingLogEntry(t),
	})
	require.NoError(t, err)
	return transport
}

func TestPushTransport_live(t *testing.T) {
	ctx := testhelper.ContextWithTimeout(t, 10*time.Second)
	srv := shapeserver.New(t)
	offset := srv.Append(protocol.OperationInsert, "1", protocol.Row{"id": "1"})

	transport := newPushTransport(t, srv)

	stream, err := transport.Open(ctx, Request{
		Shape:  itemsShape,
		Cursor: cursor.Cursor{Offset: offset, Handle: "handle-1"},
		Live:   true,
	})
	require.NoError(t, err)
	defer testhelper.MustClose(t, stream)

	require.IsType(t, &pushStream{}, stream)

	srv.Append(protocol.OperationUpdate, "1", protocol.Row{"title": "a"}, 7)

	batch, err := stream.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "handle-1", batch.Handle)
	require.True(t, batch.HasControl(protocol.UpToDate))
	require.Len(t, batch.DataMessages(), 1)
	require.Equal(t, protocol.NewOffset(2, 0), batch.DataMessages()[0].Offset)

	last, ok := batch.LastOffset()
	require.True(t, ok)
	require.Equal(t, protocol.NewOffset(2, 0), last)

	srv.Append(protocol.OperationDelete, "1", protocol.Row{"id": "1"})

	batch, err = stream.Next(ctx)
	require.NoError(t, err)
	require.Len(t, batch.DataMessages(), 1)
	require.Equal(t, protocol.OperationDelete, batch.DataMessages()[0].Operation)

	requests := srv.Requests()
	require.Equal(t, "ws", requests[0].Get("live_mode"))
	require.Equal(t, "true", requests[0].Get("live"))
	require.Equal(t, "handle-1", requests[0].Get("handle"))
}

func TestPushTransport_canceled(t *testing.T) {
	srv := shapeserver.New(t)
	offset := srv.Append(protocol.OperationInsert, "1", protocol.Row{"id": "1"})

	transport := newPushTransport(t, srv)

	stream, err := transport.Open(testhelper.Context(t), Request{
		Shape:  itemsShape,
		Cursor: cursor.Cursor{Offset: offset, Handle: "handle-1"},
		Live:   true,
	})
	require.NoError(t, err)
	defer testhelper.MustClose(t, stream)

	ctx, cancel := context.WithCancel(testhelper.Context(t))
	time.AfterFunc(50*time.Millisecond, cancel)

	_, err = stream.Next(ctx)
	require.True(t, errors.Is(err, context.Canceled), "unexpected error: %v", err)
}

func TestPushTransport_mustRefetch(t *testing.T) {
	ctx := testhelper.Context(t)
	srv := shapeserver.New(t)
	offset := srv.Append(protocol.OperationInsert, "1", protocol.Row{"id": "1"})
	srv.Rotate()

	transport := newPushTransport(t, srv)

	stream, err := transport.Open(ctx, Request{
		Shape:  itemsShape,
		Cursor: cursor.Cursor{Offset: offset, Handle: "handle-1"},
		Live:   true,
	})
	require.NoError(t, err)

	batch := readSingle(ctx, t, stream)
	require.True(t, batch.HasControl(protocol.MustRefetch))
	require.Equal(t, "handle-2", batch.Handle)
}

func TestPushTransport_handshakeFailure(t *testing.T) {
	ctx := testhelper.Context(t)
	srv := shapeserver.New(t)
	srv.FailNext(http.StatusUnauthorized, 1)

	transport := newPushTransport(t, srv)

	_, err := transport.Open(ctx, Request{
		Shape:  itemsShape,
		Cursor: cursor.Cursor{Offset: protocol.NewOffset(0, 0), Handle: "handle-1"},
		Live:   true,
	})

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr), "unexpected error: %v", err)
	require.Equal(t, http.StatusUnauthorized, statusErr.Code)
}

func TestPushTransport_snapshotIsPolled(t *testing.T) {
	ctx := testhelper.Context(t)
	srv := shapeserver.New(t)
	srv.Append(protocol.OperationInsert, "1", protocol.Row{"id": "1"})

	transport := newPushTransport(t, srv)

	stream, err := transport.Open(ctx, Request{Shape: itemsShape, Cursor: cursor.Start()})
	require.NoError(t, err)
	require.IsType(t, &singleBatchStream{}, stream)

	batch := readSingle(ctx, t, stream)
	require.Len(t, batch.DataMessages(), 1)
	require.Empty(t, srv.Requests()[0].Get("live_mode"))
}
