// Package reconciler tracks locally issued writes from submission until
// their change arrives through the shape stream or the write path rejects
// them. Pending writes are shown as overlays on the view in the meantime.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/shapesync/internal/dontpanic"
	"gitlab.com/gitlab-org/shapesync/internal/protocol"
	"gitlab.com/gitlab-org/shapesync/internal/view"
)

const defaultSeenTxIDs = 4096

// Config configures a Reconciler.
type Config struct {
	// ShapeID scopes the persisted mutations.
	ShapeID   string
	View      *view.View
	WritePath WritePath
	// Store defaults to a MemoryStore.
	Store Store
	// WriteTimeout bounds a single call to the write path. Zero means no
	// timeout.
	WriteTimeout time.Duration
	// SeenTxIDs is the number of stream transaction tags remembered for
	// writes whose tag is not known yet.
	SeenTxIDs int
	Logger    logrus.FieldLogger
}

// Reconciler owns the pending mutations of one subscription.
//
// View listeners triggered by overlay changes run while the reconciler's
// lock is held: they must not call Submit synchronously.
type Reconciler struct {
	shapeID      string
	view         *view.View
	write        WritePath
	store        Store
	writeTimeout time.Duration
	logger       logrus.FieldLogger
	now          func() time.Time

	mtx       sync.Mutex
	pending   []*PendingMutation
	byTxID    map[protocol.TxID][]*PendingMutation
	seen      *lru.Cache
	suspended bool
	detached  bool

	inflight sync.WaitGroup
}

var errNoWritePath = errors.New("reconciler has no write path")

// New returns a Reconciler.
func New(cfg Config) (*Reconciler, error) {
	if cfg.WritePath == nil {
		return nil, errNoWritePath
	}
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore()
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.SeenTxIDs <= 0 {
		cfg.SeenTxIDs = defaultSeenTxIDs
	}

	seen, err := lru.New(cfg.SeenTxIDs)
	if err != nil {
		return nil, err
	}

	return &Reconciler{
		shapeID:      cfg.ShapeID,
		view:         cfg.View,
		write:        cfg.WritePath,
		store:        cfg.Store,
		writeTimeout: cfg.WriteTimeout,
		logger:       cfg.Logger.WithField("component", "reconciler"),
		now:          time.Now,
		byTxID:       make(map[protocol.TxID][]*PendingMutation),
		seen:         seen,
	}, nil
}

// Submit overlays the mutation on the view, persists it and forwards it to
// the write path in the background. The outcome is reported through the
// returned PendingMutation only.
func (r *Reconciler) Submit(ctx context.Context, m Mutation) (*PendingMutation, error) {
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid mutation: %w", err)
	}
	m.Value = m.Value.Clone()

	pm := newPendingMutation(uuid.New().String(), m, r.now())

	if err := r.store.Add(ctx, pm.record(r.shapeID)); err != nil {
		return nil, fmt.Errorf("persist mutation: %w", err)
	}

	r.mtx.Lock()
	if r.detached {
		r.mtx.Unlock()
		r.removeRecords(pm.ID)
		return nil, ErrDetached
	}
	r.pending = append(r.pending, pm)
	if !r.suspended {
		r.view.AddOverlay(overlay(pm))
	}
	r.mtx.Unlock()

	r.inflight.Add(1)
	dontpanic.Go(func() {
		defer r.inflight.Done()
		r.forward(pm)
	})

	return pm, nil
}

func overlay(pm *PendingMutation) view.Overlay {
	return view.Overlay{ID: pm.ID, Operation: pm.Operation, Key: pm.Key, Value: pm.Value}
}

// forward sends the mutation to the write path. Writes cannot be revoked
// once sent, so the call is not bound to the submitter's context.
func (r *Reconciler) forward(pm *PendingMutation) {
	ctx := context.Background()
	if r.writeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.writeTimeout)
		defer cancel()
	}

	txid, err := r.write.Write(ctx, pm.Mutation)
	if err != nil {
		r.reject(pm, err)
		return
	}

	r.acknowledge(pm, txid)
}

func (r *Reconciler) reject(pm *PendingMutation, err error) {
	r.mtx.Lock()
	if r.detached {
		r.mtx.Unlock()
		return
	}

	r.removePendingLocked(pm)
	if !r.suspended {
		r.view.RemoveOverlay(pm.ID)
	}
	pm.resolve(StatusRejected, &RejectedError{ID: pm.ID, Err: err})
	r.mtx.Unlock()

	r.logger.WithError(err).WithField("mutation_id", pm.ID).Warn("write rejected, rolled back optimistic change")
	r.removeRecords(pm.ID)
}

func (r *Reconciler) acknowledge(pm *PendingMutation, txid protocol.TxID) {
	r.mtx.Lock()
	if r.detached {
		r.mtx.Unlock()
		return
	}

	pm.setTxID(txid)

	// The change may have streamed in before the write path answered.
	if r.seen.Contains(txid) {
		r.removePendingLocked(pm)
		if !r.suspended {
			r.view.RemoveOverlay(pm.ID)
		}
		pm.resolve(StatusConfirmed, nil)
		r.mtx.Unlock()

		r.removeRecords(pm.ID)
		return
	}

	r.byTxID[txid] = append(r.byTxID[txid], pm)
	r.mtx.Unlock()

	if err := r.store.SetTxID(context.Background(), pm.ID, txid); err != nil {
		r.logger.WithError(err).WithField("mutation_id", pm.ID).Error("persisting transaction tag")
	}
}

// Reconcile confirms the pending mutations whose transaction produced one
// of the messages. It returns the overlay IDs to drop in the same view
// commit as the messages. Commit must be called once the view applied the
// messages.
func (r *Reconciler) Reconcile(messages []protocol.DataMessage) []string {
	r.mtx.Lock()
	confirmed := r.confirmLocked(messages)
	r.mtx.Unlock()

	r.removeRecords(confirmed...)
	return confirmed
}

// Commit remembers the transaction tags of messages the view applied, so a
// write acknowledged later is confirmed right away. Writes acknowledged
// between Reconcile and Commit are confirmed and their overlays dropped.
func (r *Reconciler) Commit(messages []protocol.DataMessage) {
	r.mtx.Lock()
	confirmed := r.confirmLocked(messages)
	if !r.suspended {
		for _, id := range confirmed {
			r.view.RemoveOverlay(id)
		}
	}
	for _, m := range messages {
		for _, txid := range m.TxIDs {
			r.seen.Add(txid, struct{}{})
		}
	}
	r.mtx.Unlock()

	r.removeRecords(confirmed...)
}

func (r *Reconciler) confirmLocked(messages []protocol.DataMessage) []string {
	var confirmed []string
	for _, m := range messages {
		for _, txid := range m.TxIDs {
			matches, ok := r.byTxID[txid]
			if !ok {
				continue
			}

			delete(r.byTxID, txid)
			for _, pm := range matches {
				r.removePendingLocked(pm)
				pm.resolve(StatusConfirmed, nil)
				confirmed = append(confirmed, pm.ID)
			}
		}
	}
	return confirmed
}

// Suspend takes every overlay off the view. It is called when the view is
// about to be rebuilt from a fresh snapshot.
func (r *Reconciler) Suspend() {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	if r.suspended {
		return
	}
	r.suspended = true

	for _, pm := range r.pending {
		r.view.RemoveOverlay(pm.ID)
	}
}

// Resume puts the overlays back after a fresh snapshot was loaded. Mutations
// whose transaction is contained in the snapshot are confirmed instead.
func (r *Reconciler) Resume(visibility *protocol.Visibility) []string {
	var confirmed []string

	r.mtx.Lock()
	if !r.suspended {
		r.mtx.Unlock()
		return nil
	}
	r.suspended = false

	for _, pm := range append([]*PendingMutation(nil), r.pending...) {
		if txid, ok := pm.TxID(); ok && visibility.Contains(txid) {
			r.removePendingLocked(pm)
			pm.resolve(StatusConfirmed, nil)
			confirmed = append(confirmed, pm.ID)
			continue
		}
		r.view.AddOverlay(overlay(pm))
	}
	r.mtx.Unlock()

	r.removeRecords(confirmed...)
	return confirmed
}

// Restore reloads the mutations persisted by a previous process. Mutations
// with a transaction tag are overlaid again and await confirmation. The
// outcome of the others is unknown and they are dropped.
func (r *Reconciler) Restore(ctx context.Context) ([]*PendingMutation, error) {
	records, err := r.store.List(ctx, r.shapeID)
	if err != nil {
		return nil, fmt.Errorf("list pending mutations: %w", err)
	}

	var restored []*PendingMutation
	var dropped []string

	r.mtx.Lock()
	for _, record := range records {
		if record.TxID == 0 {
			dropped = append(dropped, record.ID)
			continue
		}

		pm := newPendingMutation(record.ID, record.Mutation, record.SubmittedAt)
		pm.setTxID(record.TxID)

		r.pending = append(r.pending, pm)
		r.byTxID[record.TxID] = append(r.byTxID[record.TxID], pm)
		if !r.suspended {
			r.view.AddOverlay(overlay(pm))
		}
		restored = append(restored, pm)
	}
	r.mtx.Unlock()

	if len(dropped) > 0 {
		r.logger.WithField("mutation_ids", dropped).Warn("dropping persisted mutations with unknown outcome")
		if err := r.store.Remove(ctx, dropped...); err != nil {
			return restored, fmt.Errorf("remove unknown mutations: %w", err)
		}
	}

	return restored, nil
}

// Pending returns the unresolved mutations in submission order.
func (r *Reconciler) Pending() []*PendingMutation {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return append([]*PendingMutation(nil), r.pending...)
}

// Detach stops tracking outcomes. Writes already sent keep running but
// their results are ignored, and waiters get ErrDetached.
func (r *Reconciler) Detach() {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	if r.detached {
		return
	}
	r.detached = true

	for _, pm := range r.pending {
		pm.resolve(StatusPending, ErrDetached)
	}
}

// Wait blocks until all writes sent so far returned.
func (r *Reconciler) Wait() {
	r.inflight.Wait()
}

func (r *Reconciler) removePendingLocked(pm *PendingMutation) {
	for i, candidate := range r.pending {
		if candidate == pm {
			r.pending = append(r.pending[:i], r.pending[i+1:]...)
			break
		}
	}

	if txid, ok := pm.TxID(); ok {
		matches := r.byTxID[txid]
		for i, candidate := range matches {
			if candidate == pm {
				matches = append(matches[:i], matches[i+1:]...)
				break
			}
		}
		if len(matches) == 0 {
			delete(r.byTxID, txid)
		} else {
			r.byTxID[txid] = matches
		}
	}
}

func (r *Reconciler) removeRecords(ids ...string) {
	if len(ids) == 0 {
		return
	}
	if err := r.store.Remove(context.Background(), ids...); err != nil {
		r.logger.WithError(err).WithField("mutation_ids", ids).Error("removing resolved mutations")
	}
}
