package reconciler

import (
	"context"
	"sort"
	"sync"
	"time"

	"gitlab.com/gitlab-org/shapesync/internal/protocol"
)

// Record is the persisted form of a pending mutation.
type Record struct {
	ID      string
	ShapeID string
	Mutation
	// TxID is zero until the write path reported the transaction tag.
	TxID        protocol.TxID
	SubmittedAt time.Time
}

// Store persists pending mutations so that their overlays survive a restart.
type Store interface {
	// Add persists a newly submitted mutation.
	Add(ctx context.Context, r Record) error
	// SetTxID records the transaction tag of a mutation.
	SetTxID(ctx context.Context, id string, txid protocol.TxID) error
	// Remove deletes a resolved mutation. Removing a missing mutation is not
	// an error.
	Remove(ctx context.Context, ids ...string) error
	// List returns the mutations of the shape in submission order.
	List(ctx context.Context, shapeID string) ([]Record, error)
}

// MemoryStore is a Store that keeps records in memory.
type MemoryStore struct {
	mtx     sync.Mutex
	records map[string]Record
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

// Add stores the record.
func (s *MemoryStore) Add(_ context.Context, r Record) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	r.Value = r.Value.Clone()
	s.records[r.ID] = r
	return nil
}

// SetTxID updates the tag of a stored record.
func (s *MemoryStore) SetTxID(_ context.Context, id string, txid protocol.TxID) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if r, ok := s.records[id]; ok {
		r.TxID = txid
		s.records[id] = r
	}
	return nil
}

// Remove deletes the records.
func (s *MemoryStore) Remove(_ context.Context, ids ...string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	for _, id := range ids {
		delete(s.records, id)
	}
	return nil
}

// List returns the records of the shape ordered by submission time.
func (s *MemoryStore) List(_ context.Context, shapeID string) ([]Record, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	var records []Record
	for _, r := range s.records {
		if r.ShapeID == shapeID {
			r.Value = r.Value.Clone()
			records = append(records, r)
		}
	}

	sort.Slice(records, func(i, j int) bool {
		if records[i].SubmittedAt.Equal(records[j].SubmittedAt) {
			return records[i].ID < records[j].ID
		}
		return records[i].SubmittedAt.Before(records[j].SubmittedAt)
	})

	return records, nil
}
