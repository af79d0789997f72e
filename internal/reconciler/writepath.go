package reconciler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"gitlab.com/gitlab-org/shapesync/internal/auth"
	"gitlab.com/gitlab-org/shapesync/internal/protocol"
)

// WritePath forwards mutations to the server. It returns the tag of the
// transaction that applied the mutation.
type WritePath interface {
	Write(ctx context.Context, m Mutation) (protocol.TxID, error)
}

// WritePathFunc adapts a function to the WritePath interface.
type WritePathFunc func(ctx context.Context, m Mutation) (protocol.TxID, error)

// Write calls fn.
func (fn WritePathFunc) Write(ctx context.Context, m Mutation) (protocol.TxID, error) {
	return fn(ctx, m)
}

// WriteError is returned by HTTPWritePath for non-2xx responses.
type WriteError struct {
	Code int
	Body string
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write failed with status %d: %s", e.Code, e.Body)
}

// HTTPWritePath POSTs mutations as JSON and expects a {"txid": <int>}
// response.
type HTTPWritePath struct {
	URL    string
	Table  string
	Auth   auth.HeaderSource
	Client *http.Client
}

type writeRequest struct {
	Table string `json:"table"`
	Mutation
}

type writeResponse struct {
	TxID json.Number `json:"txid"`
}

// Write sends the mutation.
func (w *HTTPWritePath) Write(ctx context.Context, m Mutation) (protocol.TxID, error) {
	body, err := json.Marshal(writeRequest{Table: w.Table, Mutation: m})
	if err != nil {
		return 0, fmt.Errorf("marshal mutation: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}

	if w.Auth != nil {
		headers, err := w.Auth.Headers(ctx)
		if err != nil {
			return 0, fmt.Errorf("auth headers: %w", err)
		}
		for key, values := range headers {
			req.Header[key] = values
		}
	}
	req.Header.Set("Content-Type", "application/json")

	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}

	rsp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer rsp.Body.Close()

	if rsp.StatusCode < 200 || rsp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(rsp.Body, 1024))
		return 0, &WriteError{Code: rsp.StatusCode, Body: string(bytes.TrimSpace(data))}
	}

	var decoded writeResponse
	if err := json.NewDecoder(rsp.Body).Decode(&decoded); err != nil {
		return 0, fmt.Errorf("decode write response: %w", err)
	}

	txid, err := strconv.ParseInt(decoded.TxID.String(), 10, 64)
	if err != nil || txid <= 0 {
		return 0, fmt.Errorf("write response carries invalid txid %q", decoded.TxID)
	}

	return protocol.TxID(txid), nil
}
