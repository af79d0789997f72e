package cursor

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps cursors in memory. It is used in tests and by
// subscriptions that do not need to survive a restart.
type MemoryStore struct {
	mtx     sync.RWMutex
	cursors map[string]Cursor
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cursors: make(map[string]Cursor)}
}

// Load returns the cursor saved for the shape.
func (s *MemoryStore) Load(_ context.Context, shapeID string) (Cursor, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	c, ok := s.cursors[shapeID]
	if !ok {
		return Cursor{}, ErrNotFound
	}
	return c, nil
}

// Save stores the cursor of the shape.
func (s *MemoryStore) Save(_ context.Context, shapeID string, c Cursor) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.cursors[shapeID] = c
	return nil
}

// Delete removes the cursor of the shape.
func (s *MemoryStore) Delete(_ context.Context, shapeID string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	delete(s.cursors, shapeID)
	return nil
}

// List returns the IDs of all shapes with a saved cursor.
func (s *MemoryStore) List(context.Context) ([]string, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	ids := make([]string, 0, len(s.cursors))
	for id := range s.cursors {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	return ids, nil
}
