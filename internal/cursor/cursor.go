// Package cursor holds the durable position of a subscription in a shape's
// change log and the stores that persist it across restarts.
package cursor

import (
	"context"
	"errors"

	"gitlab.com/gitlab-org/shapesync/internal/protocol"
)

// ErrNotFound is returned by Store.Load when no cursor was saved for the shape.
var ErrNotFound = errors.New("cursor not found")

// Cursor is the position of a subscription in one generation of a shape.
type Cursor struct {
	// Offset is the position after the last fully applied batch.
	Offset protocol.Offset `json:"offset"`
	// Handle identifies the shape generation Offset belongs to. It is empty
	// until the server assigned one.
	Handle string `json:"handle,omitempty"`
	// LiveCursor echoes the server's cache busting cursor of live requests.
	LiveCursor string `json:"live_cursor,omitempty"`
}

// Start returns the cursor of a subscription that syncs the full shape.
func Start() Cursor {
	return Cursor{Offset: protocol.StartOffset}
}

// ChangesOnly returns the cursor of a subscription that skips the initial
// snapshot and only receives changes made from now on.
func ChangesOnly() Cursor {
	return Cursor{Offset: protocol.NowOffset}
}

// IsInitial returns true if the cursor has not yet advanced into a shape
// generation.
func (c Cursor) IsInitial() bool {
	return c.Handle == "" || c.Offset.IsSentinel()
}

// Advance returns the cursor moved to the position reached by the batch. An
// offset behind the current one within the same handle is ignored so that
// the offset never moves backwards. A new handle starts a new ordering.
func (c Cursor) Advance(batch *protocol.Batch) Cursor {
	next := c
	offset, hasOffset := batch.LastOffset()

	switch {
	case batch.Handle != "" && batch.Handle != c.Handle:
		next.Handle = batch.Handle
		if hasOffset {
			next.Offset = offset
		}
	case hasOffset && (next.Offset.IsSentinel() || offset.After(next.Offset)):
		next.Offset = offset
	}

	if batch.LiveCursor != "" {
		next.LiveCursor = batch.LiveCursor
	}

	return next
}

// Store persists cursors keyed by shape ID.
type Store interface {
	// Load returns the cursor saved for the shape or ErrNotFound.
	Load(ctx context.Context, shapeID string) (Cursor, error)
	// Save stores the cursor of the shape, replacing any previous one.
	Save(ctx context.Context, shapeID string, c Cursor) error
	// Delete removes the cursor of the shape. Deleting a missing cursor is
	// not an error.
	Delete(ctx context.Context, shapeID string) error
	// List returns the IDs of all shapes with a saved cursor in ascending
	// order.
	List(ctx context.Context) ([]string, error)
}

// LoadOrDefault loads the cursor of the shape and falls back to def if none
// was saved.
func LoadOrDefault(ctx context.Context, store Store, shapeID string, def Cursor) (Cursor, error) {
	c, err := store.Load(ctx, shapeID)
	if errors.Is(err, ErrNotFound) {
		return def, nil
	}
	return c, err
}
