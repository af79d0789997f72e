// Package shapeserver provides an in-process shape endpoint for tests. It
// keeps one shape generation as an append-only change log and serves it
// through the poll and the push protocol. Responses can be scripted to
// inject failures.
package shapeserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"gitlab.com/gitlab-org/shapesync/internal/protocol"
)

const (
	// ShapePath is the path of the shape endpoint.
	ShapePath = "/v1/shape"
	// WritePath is the path of the write endpoint.
	WritePath = "/v1/write"

	headerPrefix = "electric"
)

// Interceptor may answer a request in place of the server. It returns
// false to let the server handle the request.
type Interceptor func(w http.ResponseWriter, r *http.Request) bool

// WriteHandler answers a POST to the write endpoint. It returns the
// transaction ID to report or an HTTP status code to fail with.
type WriteHandler func(body map[string]interface{}) (txid protocol.TxID, status int)

// Server is a fake shape endpoint.
type Server struct {
	*httptest.Server

	mtx          sync.Mutex
	generation   int
	handle       string
	log          []protocol.DataMessage
	tx           int64
	visibility   *protocol.Visibility
	interceptors []Interceptor
	requests     []url.Values
	writes       []map[string]interface{}
	onWrite      WriteHandler
	nextTxID     protocol.TxID
	changed      chan struct{}
	liveHold     time.Duration
	upgrader     websocket.Upgrader
}

// New starts a fake shape server which is shut down when the test finishes.
func New(tb testing.TB) *Server {
	s := &Server{
		generation: 1,
		handle:     "handle-1",
		changed:    make(chan struct{}),
		liveHold:   50 * time.Millisecond,
		nextTxID:   1000,
	}

	mux := http.NewServeMux()
	mux.HandleFunc(ShapePath, s.serveShape)
	mux.HandleFunc(WritePath, s.serveWrite)
	s.Server = httptest.NewServer(mux)

	tb.Cleanup(func() {
		s.mtx.Lock()
		close(s.changed)
		s.changed = nil
		s.mtx.Unlock()
		s.Server.CloseClientConnections()
		s.Server.Close()
	})

	return s
}

// ShapeURL returns the URL of the shape endpoint.
func (s *Server) ShapeURL() string { return s.URL + ShapePath }

// WriteURL returns the URL of the write endpoint.
func (s *Server) WriteURL() string { return s.URL + WritePath }

// SetLiveHold sets how long a live poll is held before it is answered with
// an empty up-to-date batch.
func (s *Server) SetLiveHold(d time.Duration) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.liveHold = d
}

// Handle returns the handle of the current shape generation.
func (s *Server) Handle() string {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.handle
}

// Append adds a change to the log and wakes up live requests. It returns
// the offset assigned to the change.
func (s *Server) Append(op protocol.Operation, key protocol.Key, value protocol.Row, txids ...protocol.TxID) protocol.Offset {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.tx++
	offset := protocol.NewOffset(s.tx, 0)
	s.log = append(s.log, protocol.DataMessage{
		Operation: op,
		Key:       key,
		Value:     value,
		Offset:    offset,
		TxIDs:     txids,
	})
	s.notifyLocked()

	return offset
}

// AppendTx adds several changes of one transaction to the log at once.
func (s *Server) AppendTx(txid protocol.TxID, changes ...protocol.DataMessage) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.tx++
	for i, change := range changes {
		change.Offset = protocol.NewOffset(s.tx, int64(i))
		if txid != 0 {
			change.TxIDs = []protocol.TxID{txid}
		}
		s.log = append(s.log, change)
	}
	s.notifyLocked()
}

// SetVisibility makes snapshot responses end with a snapshot-end control
// message carrying the visibility.
func (s *Server) SetVisibility(v *protocol.Visibility) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.visibility = v
}

// Rotate starts a new shape generation with the given content. Requests for
// the previous handle are answered with 409 afterwards.
func (s *Server) Rotate(content ...protocol.DataMessage) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.generation++
	s.handle = "handle-" + strconv.Itoa(s.generation)
	s.log = nil
	s.tx = 0
	for _, change := range content {
		s.tx++
		change.Offset = protocol.NewOffset(s.tx, 0)
		s.log = append(s.log, change)
	}
	s.notifyLocked()
}

// Intercept queues an interceptor that is consulted for the next requests
// until it handles one.
func (s *Server) Intercept(interceptor Interceptor) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.interceptors = append(s.interceptors, interceptor)
}

// FailNext answers the next n shape requests with the status code.
func (s *Server) FailNext(status, n int) {
	for i := 0; i < n; i++ {
		s.Intercept(func(w http.ResponseWriter, r *http.Request) bool {
			if r.URL.Path != ShapePath {
				return false
			}
			http.Error(w, http.StatusText(status), status)
			return true
		})
	}
}

// Requests returns the query parameters of all shape requests served so far.
func (s *Server) Requests() []url.Values {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return append([]url.Values(nil), s.requests...)
}

// OnWrite sets the handler of the write endpoint. By default every write
// succeeds with increasing transaction IDs.
func (s *Server) OnWrite(handler WriteHandler) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.onWrite = handler
}

// Writes returns the bodies of all writes received.
func (s *Server) Writes() []map[string]interface{} {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return append([]map[string]interface{}(nil), s.writes...)
}

func (s *Server) notifyLocked() {
	if s.changed == nil {
		return
	}
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Server) intercept(w http.ResponseWriter, r *http.Request) bool {
	s.mtx.Lock()
	interceptors := s.interceptors
	s.mtx.Unlock()

	for i, interceptor := range interceptors {
		if interceptor(w, r) {
			s.mtx.Lock()
			s.interceptors = append(s.interceptors[:i:i], s.interceptors[i+1:]...)
			s.mtx.Unlock()
			return true
		}
	}
	return false
}

type readResult struct {
	handle   string
	messages []protocol.Message
	offset   protocol.Offset
	changed  <-chan struct{}
	conflict bool
}

// read returns the changes visible to a request.
func (s *Server) read(query url.Values) (readResult, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.requests = append(s.requests, query)

	offset, err := protocol.ParseOffset(query.Get("offset"))
	if err != nil {
		return readResult{}, err
	}

	result := readResult{handle: s.handle, changed: s.changed, offset: s.lastOffsetLocked()}

	if handle := query.Get("handle"); handle != "" && handle != s.handle {
		result.conflict = true
		return result, nil
	}

	switch {
	case offset.IsNow():
	case offset.IsStart():
		for _, change := range s.log {
			result.messages = append(result.messages, change)
		}
		if s.visibility != nil {
			result.messages = append(result.messages, protocol.ControlMessage{
				Control:    protocol.SnapshotEnd,
				Visibility: s.visibility,
			})
		}
	default:
		for _, change := range s.log {
			if change.Offset.After(offset) {
				result.messages = append(result.messages, change)
			}
		}
	}

	return result, nil
}

func (s *Server) lastOffsetLocked() protocol.Offset {
	if len(s.log) == 0 {
		return protocol.NewOffset(0, 0)
	}
	return s.log[len(s.log)-1].Offset
}

func (s *Server) serveShape(w http.ResponseWriter, r *http.Request) {
	if s.intercept(w, r) {
		return
	}

	query := r.URL.Query()
	if query.Get("table") == "" {
		http.Error(w, "missing table", http.StatusBadRequest)
		return
	}

	if query.Get("live_mode") == "ws" {
		s.servePush(w, r, query)
		return
	}

	result, err := s.read(query)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if result.conflict {
		s.writeConflict(w, result.handle)
		return
	}

	if query.Get("live") == "true" && len(result.messages) == 0 {
		s.mtx.Lock()
		hold := s.liveHold
		s.mtx.Unlock()

		select {
		case <-result.changed:
			result, err = s.read(query)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			if result.conflict {
				s.writeConflict(w, result.handle)
				return
			}
		case <-time.After(hold):
		case <-r.Context().Done():
			return
		}
	}

	s.writeBatch(w, result)
}

func (s *Server) writeConflict(w http.ResponseWriter, handle string) {
	body, _ := protocol.Encode([]protocol.Message{protocol.ControlMessage{Control: protocol.MustRefetch}})
	w.Header().Set(headerPrefix+"-handle", handle)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusConflict)
	_, _ = w.Write(body)
}

func (s *Server) writeBatch(w http.ResponseWriter, result readResult) {
	messages := append(result.messages, protocol.ControlMessage{Control: protocol.UpToDate})

	body, err := protocol.Encode(messages)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set(headerPrefix+"-handle", result.handle)
	w.Header().Set(headerPrefix+"-offset", result.offset.String())
	w.Header().Set(headerPrefix+"-cursor", strconv.FormatInt(time.Now().UnixNano(), 10))
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}

func (s *Server) servePush(w http.ResponseWriter, r *http.Request, query url.Values) {
	result, err := s.read(query)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if result.conflict {
		s.writeConflict(w, result.handle)
		return
	}

	header := http.Header{}
	header.Set(headerPrefix+"-handle", result.handle)

	conn, err := s.upgrader.Upgrade(w, r, header)
	if err != nil {
		return
	}
	defer conn.Close()

	// Reading detects the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		if len(result.messages) > 0 {
			body, err := protocol.Encode(append(result.messages, protocol.ControlMessage{Control: protocol.UpToDate}))
			if err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, body); err != nil {
				return
			}
			query.Set("offset", result.offset.String())
		}

		select {
		case <-result.changed:
		case <-gone:
			return
		}

		result, err = s.read(query)
		if err != nil {
			return
		}
		if result.conflict || result.changed == nil {
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shape rotated"))
			return
		}
	}
}

func (s *Server) serveWrite(w http.ResponseWriter, r *http.Request) {
	if s.intercept(w, r) {
		return
	}

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mtx.Lock()
	s.writes = append(s.writes, body)
	handler := s.onWrite
	s.nextTxID++
	txid := s.nextTxID
	s.mtx.Unlock()

	status := http.StatusOK
	if handler != nil {
		txid, status = handler(body)
	}

	if status != http.StatusOK {
		http.Error(w, http.StatusText(status), status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"txid":%d}`, txid)
}
