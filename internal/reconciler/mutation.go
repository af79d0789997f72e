package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gitlab.com/gitlab-org/shapesync/internal/protocol"
)

// Status is the lifecycle state of a pending mutation.
type Status string

const (
	// StatusPending means the write has not been confirmed by the stream yet.
	StatusPending = Status("pending")
	// StatusConfirmed means the change of the write arrived through the stream.
	StatusConfirmed = Status("confirmed")
	// StatusRejected means the write path refused the write.
	StatusRejected = Status("rejected")
)

// ErrDetached is returned by Wait of mutations whose outcome is no longer
// tracked because the reconciler was detached.
var ErrDetached = errors.New("reconciler detached")

var (
	errNoKey            = errors.New("mutation has no key")
	errMissingOperation = errors.New("mutation has no operation")
)

// Mutation is a write issued locally against one row of the shape.
type Mutation struct {
	Operation protocol.Operation `json:"operation"`
	Key       protocol.Key       `json:"key"`
	// Value holds the new row on insert and the changed columns on update.
	Value protocol.Row `json:"value,omitempty"`
}

// Validate returns an error if the mutation cannot be submitted.
func (m Mutation) Validate() error {
	if m.Operation == "" {
		return errMissingOperation
	}
	if err := m.Operation.Validate(); err != nil {
		return err
	}
	if m.Key == "" {
		return errNoKey
	}
	return nil
}

// PendingMutation tracks a submitted mutation until it is confirmed or
// rejected.
type PendingMutation struct {
	ID string
	Mutation
	SubmittedAt time.Time

	mtx    sync.Mutex
	status Status
	txid   protocol.TxID
	err    error
	done   chan struct{}
}

func newPendingMutation(id string, m Mutation, submittedAt time.Time) *PendingMutation {
	return &PendingMutation{
		ID:          id,
		Mutation:    m,
		SubmittedAt: submittedAt,
		status:      StatusPending,
		done:        make(chan struct{}),
	}
}

// Status returns the current status.
func (p *PendingMutation) Status() Status {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.status
}

// TxID returns the transaction tag reported by the write path, if any.
func (p *PendingMutation) TxID() (protocol.TxID, bool) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.txid, p.txid != 0
}

func (p *PendingMutation) setTxID(txid protocol.TxID) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.txid = txid
}

// Done is closed once the mutation is confirmed, rejected or no longer
// tracked.
func (p *PendingMutation) Done() <-chan struct{} { return p.done }

// Wait blocks until the mutation is resolved. It returns nil for confirmed
// mutations, the write path's error for rejected ones and ErrDetached if the
// outcome is not tracked anymore.
func (p *PendingMutation) Wait(ctx context.Context) error {
	select {
	case <-p.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.err
}

// resolve sets the final status. Only the first call has an effect.
func (p *PendingMutation) resolve(status Status, err error) bool {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	if p.status != StatusPending || isClosed(p.done) {
		return false
	}

	p.status = status
	p.err = err
	close(p.done)
	return true
}

func (p *PendingMutation) record(shapeID string) Record {
	txid, _ := p.TxID()
	return Record{
		ID:          p.ID,
		ShapeID:     shapeID,
		Mutation:    p.Mutation,
		TxID:        txid,
		SubmittedAt: p.SubmittedAt,
	}
}

func isClosed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// RejectedError is returned by Wait of mutations refused by the write path.
type RejectedError struct {
	ID  string
	Err error
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("mutation %s rejected: %v", e.ID, e.Err)
}

func (e *RejectedError) Unwrap() error { return e.Err }
