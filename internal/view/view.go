// Package view maintains the materialized row set of one shape and the
// optimistic overlays of locally issued writes on top of it.
package view

import (
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/shapesync/internal/dontpanic"
	"gitlab.com/gitlab-org/shapesync/internal/protocol"
	"gitlab.com/gitlab-org/shapesync/internal/shape"
)

// ChangeSet lists the keys whose visible row changed in one commit.
type ChangeSet struct {
	Inserted []protocol.Key
	Updated  []protocol.Key
	Deleted  []protocol.Key
}

// Empty returns whether the change set contains no keys.
func (c ChangeSet) Empty() bool {
	return len(c.Inserted) == 0 && len(c.Updated) == 0 && len(c.Deleted) == 0
}

// Listener is notified after every commit that changed visible rows.
type Listener func(ChangeSet)

// Overlay is the optimistic effect of a pending write.
type Overlay struct {
	ID        string
	Operation protocol.Operation
	Key       protocol.Key
	Value     protocol.Row
}

// View is the materialized row set of a shape. Apply is called by a single
// writer while Snapshot, Get and Len may be called concurrently.
type View struct {
	replica   shape.Replica
	predicate *shape.Predicate
	logger    logrus.FieldLogger

	mtx      sync.RWMutex
	rows     map[protocol.Key]protocol.Row
	overlays []Overlay

	listenersMtx sync.Mutex
	listeners    map[int]Listener
	nextListener int
	closed       bool
}

// New returns an empty view of the shape.
func New(definition shape.Definition, logger logrus.FieldLogger) *View {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	predicate := definition.Predicate()
	if err := predicate.Err(); err != nil {
		logger.WithError(err).WithField("where", definition.Where).Info("where clause cannot be evaluated locally, rows never leave the shape client side")
	}

	return &View{
		replica:   definition.ReplicaMode(),
		predicate: predicate,
		logger:    logger,
		rows:      make(map[protocol.Key]protocol.Row),
		listeners: make(map[int]Listener),
	}
}

// Apply commits the data messages of one batch and drops the overlays of the
// confirmed writes in the same commit. Readers observe either none or all of
// the changes.
func (v *View) Apply(batch []protocol.DataMessage, confirmed ...string) ChangeSet {
	v.mtx.Lock()

	touched := make(map[protocol.Key]struct{}, len(batch)+len(confirmed))
	for _, m := range batch {
		touched[m.Key] = struct{}{}
	}
	for _, o := range v.overlays {
		if containsString(confirmed, o.ID) {
			touched[o.Key] = struct{}{}
		}
	}

	before := v.visibleLocked(touched)

	for _, m := range batch {
		v.applyLocked(m)
	}
	v.removeOverlaysLocked(confirmed)

	changes := diff(before, v.visibleLocked(touched))
	v.mtx.Unlock()

	v.notify(changes)
	return changes
}

func (v *View) applyLocked(m protocol.DataMessage) {
	switch m.Operation {
	case protocol.OperationDelete:
		delete(v.rows, m.Key)
		return
	case protocol.OperationInsert, protocol.OperationUpdate:
		existing, ok := v.rows[m.Key]
		if !ok || v.replica == shape.ReplicaFull {
			v.rows[m.Key] = m.Value.Clone()
		} else {
			v.rows[m.Key] = existing.Merge(m.Value)
		}
	default:
		v.logger.WithField("operation", m.Operation).Warn("ignoring data message with unknown operation")
		return
	}

	// A row updated so that it no longer matches the where clause has left
	// the shape. Unknown keeps it.
	if v.predicate.Evaluate(v.rows[m.Key]) == shape.False {
		delete(v.rows, m.Key)
	}
}

// AddOverlay puts the optimistic effect of a write on top of the synced rows.
// Overlays of the same key are applied in the order they were added.
func (v *View) AddOverlay(o Overlay) {
	v.mtx.Lock()
	touched := map[protocol.Key]struct{}{o.Key: {}}
	before := v.visibleLocked(touched)
	o.Value = o.Value.Clone()
	v.overlays = append(v.overlays, o)
	changes := diff(before, v.visibleLocked(touched))
	v.mtx.Unlock()

	v.notify(changes)
}

// RemoveOverlay removes the overlay with the given ID. The key falls back
// to the synced row and the remaining overlays. It returns false if no such
// overlay exists.
func (v *View) RemoveOverlay(id string) bool {
	v.mtx.Lock()

	var key protocol.Key
	found := false
	for _, o := range v.overlays {
		if o.ID == id {
			key, found = o.Key, true
			break
		}
	}
	if !found {
		v.mtx.Unlock()
		return false
	}

	touched := map[protocol.Key]struct{}{key: {}}
	before := v.visibleLocked(touched)
	v.removeOverlaysLocked([]string{id})
	changes := diff(before, v.visibleLocked(touched))
	v.mtx.Unlock()

	v.notify(changes)
	return true
}

func (v *View) removeOverlaysLocked(ids []string) {
	if len(ids) == 0 {
		return
	}

	kept := v.overlays[:0]
	for _, o := range v.overlays {
		if !containsString(ids, o.ID) {
			kept = append(kept, o)
		}
	}
	for i := len(kept); i < len(v.overlays); i++ {
		v.overlays[i] = Overlay{}
	}
	v.overlays = kept
}

// Overlays returns the IDs of the current overlays in the order they were
// added.
func (v *View) Overlays() []string {
	v.mtx.RLock()
	defer v.mtx.RUnlock()

	ids := make([]string, 0, len(v.overlays))
	for _, o := range v.overlays {
		ids = append(ids, o.ID)
	}
	return ids
}

// Reset drops every synced row and every overlay.
func (v *View) Reset() ChangeSet {
	v.mtx.Lock()
	touched := v.allKeysLocked()
	before := v.visibleLocked(touched)
	v.rows = make(map[protocol.Key]protocol.Row)
	v.overlays = nil
	changes := diff(before, nil)
	v.mtx.Unlock()

	v.notify(changes)
	return changes
}

// Snapshot returns a copy of the visible rows: the synced rows with all
// overlays applied.
func (v *View) Snapshot() map[protocol.Key]protocol.Row {
	v.mtx.RLock()
	defer v.mtx.RUnlock()

	return v.visibleLocked(v.allKeysLocked())
}

// Synced returns a copy of the rows confirmed by the server, without
// overlays.
func (v *View) Synced() map[protocol.Key]protocol.Row {
	v.mtx.RLock()
	defer v.mtx.RUnlock()

	rows := make(map[protocol.Key]protocol.Row, len(v.rows))
	for key, row := range v.rows {
		rows[key] = row.Clone()
	}
	return rows
}

// Get returns the visible row of the key.
func (v *View) Get(key protocol.Key) (protocol.Row, bool) {
	v.mtx.RLock()
	defer v.mtx.RUnlock()

	row, ok := v.visibleLocked(map[protocol.Key]struct{}{key: {}})[key]
	return row, ok
}

// Len returns the number of visible rows.
func (v *View) Len() int {
	v.mtx.RLock()
	defer v.mtx.RUnlock()

	if len(v.overlays) == 0 {
		return len(v.rows)
	}
	return len(v.visibleLocked(v.allKeysLocked()))
}

func (v *View) allKeysLocked() map[protocol.Key]struct{} {
	keys := make(map[protocol.Key]struct{}, len(v.rows)+len(v.overlays))
	for key := range v.rows {
		keys[key] = struct{}{}
	}
	for _, o := range v.overlays {
		keys[o.Key] = struct{}{}
	}
	return keys
}

// visibleLocked computes the visible rows of the given keys.
func (v *View) visibleLocked(keys map[protocol.Key]struct{}) map[protocol.Key]protocol.Row {
	visible := make(map[protocol.Key]protocol.Row, len(keys))
	for key := range keys {
		if row, ok := v.rows[key]; ok {
			visible[key] = row.Clone()
		}
	}

	for _, o := range v.overlays {
		if _, ok := keys[o.Key]; !ok {
			continue
		}

		switch o.Operation {
		case protocol.OperationDelete:
			delete(visible, o.Key)
		case protocol.OperationInsert:
			visible[o.Key] = o.Value.Clone()
		case protocol.OperationUpdate:
			if existing, ok := visible[o.Key]; ok {
				visible[o.Key] = existing.Merge(o.Value)
			} else {
				visible[o.Key] = o.Value.Clone()
			}
		}
	}

	return visible
}

// Subscribe registers a listener. The returned function unregisters it.
func (v *View) Subscribe(listener Listener) func() {
	v.listenersMtx.Lock()
	defer v.listenersMtx.Unlock()

	if v.closed {
		return func() {}
	}

	id := v.nextListener
	v.nextListener++
	v.listeners[id] = listener

	return func() {
		v.listenersMtx.Lock()
		defer v.listenersMtx.Unlock()
		delete(v.listeners, id)
	}
}

// Close detaches all listeners. The rows stay readable.
func (v *View) Close() {
	v.listenersMtx.Lock()
	defer v.listenersMtx.Unlock()

	v.closed = true
	v.listeners = make(map[int]Listener)
}

func (v *View) notify(changes ChangeSet) {
	if changes.Empty() {
		return
	}

	v.listenersMtx.Lock()
	ids := make([]int, 0, len(v.listeners))
	for id := range v.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	listeners := make([]Listener, 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, v.listeners[id])
	}
	v.listenersMtx.Unlock()

	for _, listener := range listeners {
		listener := listener
		if !dontpanic.Try(func() { listener(changes) }) {
			v.logger.Warn("view listener panicked")
		}
	}
}

func diff(before, after map[protocol.Key]protocol.Row) ChangeSet {
	var changes ChangeSet

	for key, row := range after {
		old, ok := before[key]
		switch {
		case !ok:
			changes.Inserted = append(changes.Inserted, key)
		case !rowsEqual(old, row):
			changes.Updated = append(changes.Updated, key)
		}
	}
	for key := range before {
		if _, ok := after[key]; !ok {
			changes.Deleted = append(changes.Deleted, key)
		}
	}

	sortKeys(changes.Inserted)
	sortKeys(changes.Updated)
	sortKeys(changes.Deleted)

	return changes
}

func rowsEqual(a, b protocol.Row) bool {
	if len(a) != len(b) {
		return false
	}
	for column, value := range a {
		other, ok := b[column]
		if !ok || !valuesEqual(value, other) {
			return false
		}
	}
	return true
}

// valuesEqual compares column values. Decoded JSON objects and arrays are
// not comparable with ==, so they always count as changed.
func valuesEqual(a, b interface{}) bool {
	switch a.(type) {
	case map[string]interface{}, []interface{}:
		return false
	}
	switch b.(type) {
	case map[string]interface{}, []interface{}:
		return false
	}
	return a == b
}

func sortKeys(keys []protocol.Key) {
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
}

func containsString(values []string, s string) bool {
	for _, value := range values {
		if value == s {
			return true
		}
	}
	return false
}
