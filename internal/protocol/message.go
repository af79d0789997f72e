// Package protocol implements the message codec of the shape stream: the
// typed representation of data and control messages and their JSON wire
// format.
package protocol

import (
	"fmt"
)

// Key identifies a row of a shape. It is derived from the primary key by the
// server and stable for the lifetime of the row.
type Key string

// TxID is the tag of the upstream transaction that produced a change.
type TxID int64

// Row is a (possibly partial) set of column values.
type Row map[string]interface{}

// Clone returns a shallow copy of the row. Column values are treated as
// immutable, so a shallow copy is enough to isolate readers from writers.
func (r Row) Clone() Row {
	if r == nil {
		return nil
	}

	clone := make(Row, len(r))
	for column, value := range r {
		clone[column] = value
	}
	return clone
}

// Merge returns a copy of r with the columns of other written on top of it.
func (r Row) Merge(other Row) Row {
	merged := make(Row, len(r)+len(other))
	for column, value := range r {
		merged[column] = value
	}
	for column, value := range other {
		merged[column] = value
	}
	return merged
}

// Operation is the kind of change carried by a data message.
type Operation string

const (
	// OperationInsert adds a row to the shape.
	OperationInsert = Operation("insert")
	// OperationUpdate changes columns of a row of the shape.
	OperationUpdate = Operation("update")
	// OperationDelete removes a row from the shape.
	OperationDelete = Operation("delete")
)

// Validate returns an error if the operation is not one of the known operations.
func (op Operation) Validate() error {
	switch op {
	case OperationInsert, OperationUpdate, OperationDelete:
		return nil
	default:
		return fmt.Errorf("unknown operation %q", string(op))
	}
}

// Message is either a DataMessage or a ControlMessage.
type Message interface {
	isMessage()
}

// DataMessage carries one change of one row.
type DataMessage struct {
	Operation Operation
	Key       Key
	// Value contains the full row on insert and in full replica mode, only
	// the changed columns on update otherwise, and only the key columns on
	// delete.
	Value  Row
	Offset Offset
	// TxIDs are the tags of the transactions that produced the change.
	TxIDs []TxID
}

func (DataMessage) isMessage() {}

// HasTxID returns whether the message originates from the given transaction.
func (m DataMessage) HasTxID(id TxID) bool {
	for _, txID := range m.TxIDs {
		if txID == id {
			return true
		}
	}
	return false
}

// Control is the closed set of control messages. The set is closed by
// keeping the type's values private to this package: use the exported
// variables and dispatch with ControlMessage.Visit.
type Control struct {
	name string
}

var (
	// UpToDate signals that the client has drained all currently available changes.
	UpToDate = Control{name: "up-to-date"}
	// MustRefetch signals that the current handle is invalid and the client
	// has to discard its state and start over.
	MustRefetch = Control{name: "must-refetch"}
	// SnapshotEnd signals that the initial bulk load is complete.
	SnapshotEnd = Control{name: "snapshot-end"}
)

func (c Control) String() string { return c.name }

// ParseControl parses the wire name of a control message.
func ParseControl(name string) (Control, error) {
	for _, c := range []Control{UpToDate, MustRefetch, SnapshotEnd} {
		if c.name == name {
			return c, nil
		}
	}
	return Control{}, fmt.Errorf("unknown control message %q", name)
}

// ControlMessage carries a protocol event rather than a row change.
type ControlMessage struct {
	Control Control
	// Visibility is only set on snapshot-end messages of servers that
	// report the database snapshot the initial load was taken from.
	Visibility *Visibility
}

func (ControlMessage) isMessage() {}

// ControlVisitor handles every control message. Adding a control message
// adds a method here, so every handler has to be extended before the code
// compiles again.
type ControlVisitor interface {
	UpToDate()
	MustRefetch()
	SnapshotEnd(*Visibility)
}

// Visit dispatches the message to the matching visitor method.
func (m ControlMessage) Visit(v ControlVisitor) {
	switch m.Control {
	case UpToDate:
		v.UpToDate()
	case MustRefetch:
		v.MustRefetch()
	case SnapshotEnd:
		v.SnapshotEnd(m.Visibility)
	default:
		panic(fmt.Sprintf("unhandled control message %q", m.Control.name))
	}
}

// Visibility describes the database snapshot an initial load was taken
// from, so that a client can tell whether a transaction is part of it.
type Visibility struct {
	// Xmin is the lowest transaction still in progress when the snapshot was taken.
	Xmin TxID
	// Xmax is one past the highest completed transaction.
	Xmax TxID
	// InProgress lists the transactions between Xmin and Xmax that were still running.
	InProgress []TxID
}

// Contains returns whether the effects of the transaction are part of the snapshot.
func (v *Visibility) Contains(id TxID) bool {
	if v == nil {
		return false
	}

	if id < v.Xmin {
		return true
	}

	if id >= v.Xmax {
		return false
	}

	for _, inProgress := range v.InProgress {
		if inProgress == id {
			return false
		}
	}

	return true
}

// Batch is the ordered set of messages delivered by one transport response
// or one pushed frame.
type Batch struct {
	Messages []Message
	// Handle is the shape generation the batch belongs to, if the server reported one.
	Handle string
	// Offset is the cursor position after this batch. It is only meaningful
	// if HasOffset is set.
	Offset    Offset
	HasOffset bool
	// LiveCursor is the opaque cache-busting cursor to echo on live requests.
	LiveCursor string
}

// DataMessages returns the data messages of the batch in arrival order.
func (b *Batch) DataMessages() []DataMessage {
	var messages []DataMessage
	for _, m := range b.Messages {
		if data, ok := m.(DataMessage); ok {
			messages = append(messages, data)
		}
	}
	return messages
}

// LastOffset returns the offset the cursor should advance to after the batch:
// the reported response offset, or the offset of the last data message.
func (b *Batch) LastOffset() (Offset, bool) {
	if b.HasOffset {
		return b.Offset, true
	}

	for i := len(b.Messages) - 1; i >= 0; i-- {
		if data, ok := b.Messages[i].(DataMessage); ok {
			return data.Offset, true
		}
	}

	return Offset{}, false
}

// HasControl returns whether the batch contains the given control message.
func (b *Batch) HasControl(c Control) bool {
	for _, m := range b.Messages {
		if control, ok := m.(ControlMessage); ok && control.Control == c {
			return true
		}
	}
	return false
}
