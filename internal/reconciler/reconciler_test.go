package reconciler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/shapesync/internal/protocol"
	"gitlab.com/gitlab-org/shapesync/internal/shape"
	"gitlab.com/gitlab-org/shapesync/internal/testhelper"
	"gitlab.com/gitlab-org/shapesync/internal/view"
)

func TestMain(m *testing.M) {
	testhelper.Run(m)
}

const shapeID = "todos"

type controlledWrite struct {
	txid protocol.TxID
	err  error
}

// newControlledWritePath returns a write path whose calls block until a
// result is sent on the returned channel.
func newControlledWritePath() (WritePath, chan<- controlledWrite, <-chan Mutation) {
	results := make(chan controlledWrite)
	received := make(chan Mutation, 16)

	return WritePathFunc(func(ctx context.Context, m Mutation) (protocol.TxID, error) {
		received <- m
		result := <-results
		return result.txid, result.err
	}), results, received
}

func setup(t *testing.T, write WritePath, store Store) (*Reconciler, *view.View) {
	t.Helper()

	v := view.New(shape.Definition{Table: "todos"}, testhelper.NewDiscardingLogEntry(t))
	v.Apply([]protocol.DataMessage{{
		Operation: protocol.OperationInsert,
		Key:       "1",
		Value:     protocol.Row{"id": "1", "title": "Buy milk", "completed": false},
		Offset:    protocol.NewOffset(1, 0),
	}})

	r, err := New(Config{
		ShapeID:   shapeID,
		View:      v,
		WritePath: write,
		Store:     store,
		Logger:    testhelper.NewDiscardingLogEntry(t),
	})
	require.NoError(t, err)
	t.Cleanup(r.Wait)

	return r, v
}

func serverUpdate(offset int64, row protocol.Row, txid protocol.TxID) []protocol.DataMessage {
	return []protocol.DataMessage{{
		Operation: protocol.OperationUpdate,
		Key:       "1",
		Value:     row,
		Offset:    protocol.NewOffset(offset, 0),
		TxIDs:     []protocol.TxID{txid},
	}}
}

func requireTitle(t *testing.T, v *view.View, expected string) {
	t.Helper()
	row, ok := v.Get("1")
	require.True(t, ok)
	require.Equal(t, expected, row["title"])
}

func TestReconciler_confirm(t *testing.T) {
	ctx := testhelper.Context(t)
	write, results, received := newControlledWritePath()
	store := NewMemoryStore()
	r, v := setup(t, write, store)

	pm, err := r.Submit(ctx, Mutation{
		Operation: protocol.OperationUpdate,
		Key:       "1",
		Value:     protocol.Row{"title": "Buy oat milk"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, pm.ID)
	require.Equal(t, StatusPending, pm.Status())

	// Reads reflect the write before the server knows about it.
	requireTitle(t, v, "Buy oat milk")
	require.Equal(t, protocol.Row{"title": "Buy oat milk"}, (<-received).Value)

	records, err := store.List(ctx, shapeID)
	require.NoError(t, err)
	require.Len(t, records, 1)

	results <- controlledWrite{txid: 42}
	require.Eventually(t, func() bool {
		_, ok := pm.TxID()
		return ok
	}, 5*time.Second, time.Millisecond)

	messages := serverUpdate(2, protocol.Row{"title": "Buy oat milk"}, 42)
	confirmed := r.Reconcile(messages)
	require.Equal(t, []string{pm.ID}, confirmed)
	v.Apply(messages, confirmed...)

	require.NoError(t, pm.Wait(ctx))
	require.Equal(t, StatusConfirmed, pm.Status())
	require.Empty(t, v.Overlays())
	require.Empty(t, r.Pending())
	requireTitle(t, v, "Buy oat milk")

	records, err = store.List(ctx, shapeID)
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestReconciler_replicatedValueWins(t *testing.T) {
	ctx := testhelper.Context(t)
	write, results, _ := newControlledWritePath()
	r, v := setup(t, write, nil)

	pm, err := r.Submit(ctx, Mutation{Operation: protocol.OperationUpdate, Key: "1", Value: protocol.Row{"title": "buy OAT milk"}})
	require.NoError(t, err)
	results <- controlledWrite{txid: 7}
	require.Eventually(t, func() bool { _, ok := pm.TxID(); return ok }, 5*time.Second, time.Millisecond)

	// A trigger on the server normalized the title.
	messages := serverUpdate(2, protocol.Row{"title": "Buy oat milk"}, 7)
	v.Apply(messages, r.Reconcile(messages)...)

	require.NoError(t, pm.Wait(ctx))
	requireTitle(t, v, "Buy oat milk")
}

func TestReconciler_streamBeforeAcknowledgement(t *testing.T) {
	ctx := testhelper.Context(t)
	write, results, _ := newControlledWritePath()
	r, v := setup(t, write, nil)

	pm, err := r.Submit(ctx, Mutation{Operation: protocol.OperationUpdate, Key: "1", Value: protocol.Row{"completed": true}})
	require.NoError(t, err)

	messages := serverUpdate(2, protocol.Row{"completed": true}, 99)
	require.Empty(t, r.Reconcile(messages))
	v.Apply(messages)
	r.Commit(messages)
	require.Equal(t, []string{pm.ID}, v.Overlays())

	results <- controlledWrite{txid: 99}

	require.NoError(t, pm.Wait(ctx))
	require.Equal(t, StatusConfirmed, pm.Status())
	require.Empty(t, v.Overlays())

	row, _ := v.Get("1")
	require.Equal(t, true, row["completed"])
}

func TestReconciler_acknowledgedBeforeCommit(t *testing.T) {
	ctx := testhelper.Context(t)
	write, results, _ := newControlledWritePath()
	r, v := setup(t, write, nil)

	pm, err := r.Submit(ctx, Mutation{Operation: protocol.OperationUpdate, Key: "1", Value: protocol.Row{"title": "Buy oat milk"}})
	require.NoError(t, err)

	var mtx sync.Mutex
	var titles []interface{}
	unsubscribe := v.Subscribe(func(view.ChangeSet) {
		row, _ := v.Get("1")
		mtx.Lock()
		defer mtx.Unlock()
		titles = append(titles, row["title"])
	})
	defer unsubscribe()

	messages := serverUpdate(2, protocol.Row{"title": "Buy oat milk"}, 7)
	confirmed := r.Reconcile(messages)
	require.Empty(t, confirmed)

	// The write path answers after the batch was matched but before the
	// view applied it.
	results <- controlledWrite{txid: 7}
	require.Eventually(t, func() bool { _, ok := pm.TxID(); return ok }, 5*time.Second, time.Millisecond)

	require.Equal(t, []string{pm.ID}, v.Overlays())
	requireTitle(t, v, "Buy oat milk")
	require.Equal(t, StatusPending, pm.Status())

	v.Apply(messages, confirmed...)
	r.Commit(messages)

	require.NoError(t, pm.Wait(ctx))
	require.Equal(t, StatusConfirmed, pm.Status())
	require.Empty(t, v.Overlays())
	require.Empty(t, r.Pending())
	requireTitle(t, v, "Buy oat milk")

	mtx.Lock()
	defer mtx.Unlock()
	for _, title := range titles {
		require.Equal(t, "Buy oat milk", title)
	}
}

func TestReconciler_rejectRollsBack(t *testing.T) {
	ctx := testhelper.Context(t)
	write, results, _ := newControlledWritePath()
	store := NewMemoryStore()
	r, v := setup(t, write, store)

	before := v.Snapshot()

	pm, err := r.Submit(ctx, Mutation{Operation: protocol.OperationDelete, Key: "1"})
	require.NoError(t, err)

	_, ok := v.Get("1")
	require.False(t, ok)

	writeErr := errors.New("permission denied")
	results <- controlledWrite{err: writeErr}

	err = pm.Wait(ctx)
	var rejected *RejectedError
	require.True(t, errors.As(err, &rejected))
	require.Equal(t, pm.ID, rejected.ID)
	require.True(t, errors.Is(err, writeErr))
	require.Equal(t, StatusRejected, pm.Status())

	require.Equal(t, before, v.Snapshot())
	require.Empty(t, r.Pending())

	records, err := store.List(ctx, shapeID)
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestReconciler_submissionOrder(t *testing.T) {
	ctx := testhelper.Context(t)
	write, results, _ := newControlledWritePath()
	r, v := setup(t, write, nil)

	first, err := r.Submit(ctx, Mutation{Operation: protocol.OperationUpdate, Key: "1", Value: protocol.Row{"title": "a"}})
	require.NoError(t, err)
	second, err := r.Submit(ctx, Mutation{Operation: protocol.OperationUpdate, Key: "1", Value: protocol.Row{"title": "b"}})
	require.NoError(t, err)

	requireTitle(t, v, "b")

	results <- controlledWrite{txid: 1}
	results <- controlledWrite{txid: 2}
	require.Eventually(t, func() bool {
		_, firstAcked := first.TxID()
		_, secondAcked := second.TxID()
		return firstAcked && secondAcked
	}, 5*time.Second, time.Millisecond)

	// Confirming the older write must not hide the newer pending one.
	messages := serverUpdate(2, protocol.Row{"title": "a"}, first.txidOrZero())
	v.Apply(messages, r.Reconcile(messages)...)
	require.NoError(t, first.Wait(ctx))
	requireTitle(t, v, "b")

	messages = serverUpdate(3, protocol.Row{"title": "b"}, second.txidOrZero())
	v.Apply(messages, r.Reconcile(messages)...)
	require.NoError(t, second.Wait(ctx))
	requireTitle(t, v, "b")
	require.Empty(t, v.Overlays())
}

func (p *PendingMutation) txidOrZero() protocol.TxID {
	txid, _ := p.TxID()
	return txid
}

func TestReconciler_refetch(t *testing.T) {
	ctx := testhelper.Context(t)

	t.Run("overlay is re-applied on the fresh snapshot", func(t *testing.T) {
		write, results, _ := newControlledWritePath()
		r, v := setup(t, write, nil)

		pm, err := r.Submit(ctx, Mutation{Operation: protocol.OperationUpdate, Key: "1", Value: protocol.Row{"title": "Buy oat milk"}})
		require.NoError(t, err)

		r.Suspend()
		v.Reset()
		require.Empty(t, v.Snapshot())

		v.Apply([]protocol.DataMessage{{
			Operation: protocol.OperationInsert,
			Key:       "1",
			Value:     protocol.Row{"id": "1", "title": "Buy milk", "completed": true},
			Offset:    protocol.NewOffset(1, 0),
		}})
		requireTitle(t, v, "Buy milk")

		require.Empty(t, r.Resume(nil))
		row, _ := v.Get("1")
		require.Equal(t, protocol.Row{"id": "1", "title": "Buy oat milk", "completed": true}, row)
		require.Equal(t, StatusPending, pm.Status())

		results <- controlledWrite{err: errors.New("conflict")}
		require.Error(t, pm.Wait(ctx))
		requireTitle(t, v, "Buy milk")
	})

	t.Run("write contained in the snapshot is confirmed", func(t *testing.T) {
		write, results, _ := newControlledWritePath()
		r, v := setup(t, write, nil)

		pm, err := r.Submit(ctx, Mutation{Operation: protocol.OperationUpdate, Key: "1", Value: protocol.Row{"title": "Buy oat milk"}})
		require.NoError(t, err)
		results <- controlledWrite{txid: 42}
		require.Eventually(t, func() bool { _, ok := pm.TxID(); return ok }, 5*time.Second, time.Millisecond)

		r.Suspend()
		v.Reset()
		v.Apply([]protocol.DataMessage{{
			Operation: protocol.OperationInsert,
			Key:       "1",
			Value:     protocol.Row{"id": "1", "title": "Buy oat milk"},
			Offset:    protocol.NewOffset(1, 0),
		}})

		confirmed := r.Resume(&protocol.Visibility{Xmin: 40, Xmax: 50, InProgress: []protocol.TxID{41}})
		require.Equal(t, []string{pm.ID}, confirmed)
		require.NoError(t, pm.Wait(ctx))
		require.Empty(t, v.Overlays())
	})

	t.Run("write in progress during the snapshot stays pending", func(t *testing.T) {
		write, results, _ := newControlledWritePath()
		r, v := setup(t, write, nil)

		pm, err := r.Submit(ctx, Mutation{Operation: protocol.OperationUpdate, Key: "1", Value: protocol.Row{"title": "Buy oat milk"}})
		require.NoError(t, err)
		results <- controlledWrite{txid: 41}
		require.Eventually(t, func() bool { _, ok := pm.TxID(); return ok }, 5*time.Second, time.Millisecond)

		r.Suspend()
		v.Reset()

		require.Empty(t, r.Resume(&protocol.Visibility{Xmin: 40, Xmax: 50, InProgress: []protocol.TxID{41}}))
		require.Equal(t, []string{pm.ID}, v.Overlays())

		messages := serverUpdate(9, protocol.Row{"id": "1", "title": "Buy oat milk"}, 41)
		v.Apply(messages, r.Reconcile(messages)...)
		require.NoError(t, pm.Wait(ctx))
	})
}

func TestReconciler_restore(t *testing.T) {
	ctx := testhelper.Context(t)
	store := NewMemoryStore()
	submittedAt := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.Add(ctx, Record{
		ID:          "acknowledged",
		ShapeID:     shapeID,
		Mutation:    Mutation{Operation: protocol.OperationUpdate, Key: "1", Value: protocol.Row{"title": "restored"}},
		TxID:        7,
		SubmittedAt: submittedAt,
	}))
	require.NoError(t, store.Add(ctx, Record{
		ID:          "unknown",
		ShapeID:     shapeID,
		Mutation:    Mutation{Operation: protocol.OperationDelete, Key: "1"},
		SubmittedAt: submittedAt.Add(time.Second),
	}))
	require.NoError(t, store.Add(ctx, Record{
		ID:          "other-shape",
		ShapeID:     "other",
		Mutation:    Mutation{Operation: protocol.OperationDelete, Key: "1"},
		SubmittedAt: submittedAt,
	}))

	write, _, _ := newControlledWritePath()
	r, v := setup(t, write, store)

	restored, err := r.Restore(ctx)
	require.NoError(t, err)
	require.Len(t, restored, 1)
	require.Equal(t, "acknowledged", restored[0].ID)
	require.Equal(t, submittedAt, restored[0].SubmittedAt)
	requireTitle(t, v, "restored")

	records, err := store.List(ctx, shapeID)
	require.NoError(t, err)
	require.Len(t, records, 1)

	messages := serverUpdate(2, protocol.Row{"title": "restored"}, 7)
	require.Equal(t, []string{"acknowledged"}, r.Reconcile(messages))
	require.NoError(t, restored[0].Wait(ctx))

	records, err = store.List(ctx, "other")
	require.NoError(t, err)
	require.Len(t, records, 1)
}

func TestReconciler_detach(t *testing.T) {
	ctx := testhelper.Context(t)
	write, results, received := newControlledWritePath()
	r, v := setup(t, write, nil)

	pm, err := r.Submit(ctx, Mutation{Operation: protocol.OperationUpdate, Key: "1", Value: protocol.Row{"title": "x"}})
	require.NoError(t, err)
	<-received

	r.Detach()
	require.Equal(t, ErrDetached, pm.Wait(ctx))

	// The write was already sent and completes, but nothing reacts to it.
	results <- controlledWrite{err: errors.New("rejected")}
	r.Wait()
	require.Equal(t, []string{pm.ID}, v.Overlays())

	_, err = r.Submit(ctx, Mutation{Operation: protocol.OperationUpdate, Key: "1", Value: protocol.Row{"title": "y"}})
	require.Equal(t, ErrDetached, err)
}

func TestReconciler_invalidMutation(t *testing.T) {
	ctx := testhelper.Context(t)
	write, _, _ := newControlledWritePath()
	r, v := setup(t, write, nil)

	for _, tc := range []struct {
		desc     string
		mutation Mutation
		expected error
	}{
		{desc: "no operation", mutation: Mutation{Key: "1"}, expected: errMissingOperation},
		{desc: "no key", mutation: Mutation{Operation: protocol.OperationInsert}, expected: errNoKey},
		{desc: "unknown operation", mutation: Mutation{Operation: "upsert", Key: "1"}},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			_, err := r.Submit(ctx, tc.mutation)
			require.Error(t, err)
			if tc.expected != nil {
				require.True(t, errors.Is(err, tc.expected))
			}
		})
	}

	require.Empty(t, v.Overlays())
}

func TestNew_noWritePath(t *testing.T) {
	_, err := New(Config{ShapeID: shapeID})
	require.Equal(t, errNoWritePath, err)
}
