package subscription

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/shapesync/internal/helper"
	"gitlab.com/gitlab-org/shapesync/internal/protocol"
	"gitlab.com/gitlab-org/shapesync/internal/shape"
	"gitlab.com/gitlab-org/shapesync/internal/testhelper"
	"gitlab.com/gitlab-org/shapesync/internal/testhelper/shapeserver"
)

type fakeClock struct {
	mtx sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.now = c.now.Add(d)
}

func newPool(t *testing.T, size int, idle time.Duration) (*Pool, *fakeClock) {
	t.Helper()

	srv := shapeserver.New(t)
	srv.Append(protocol.OperationInsert, "1", todo("1", "Buy milk", false))

	pool, err := NewPool(size, idle, func(definition shape.Definition) (*Subscription, error) {
		return New(Config{Shape: definition}, Deps{
			Transport: newPollTransport(t, srv, nil),
			Logger:    testhelper.NewDiscardingLogEntry(t),
		})
	}, testhelper.NewDiscardingLogEntry(t))
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	clock := &fakeClock{now: time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)}
	pool.now = clock.Now

	return pool, clock
}

func requireClosed(t *testing.T, sub *Subscription) {
	t.Helper()
	require.Equal(t, ErrClosed, requireTerminated(t, sub))
}

func TestPool_Get(t *testing.T) {
	pool, _ := newPool(t, 2, time.Minute)

	todos, err := pool.Get(shape.Definition{Table: "todos"})
	require.NoError(t, err)
	requireUpToDate(t, todos)

	again, err := pool.Get(shape.Definition{Table: "todos"})
	require.NoError(t, err)
	require.Same(t, todos, again)

	open, err := pool.Get(shape.Definition{Table: "todos", Where: "completed = false"})
	require.NoError(t, err)
	require.NotSame(t, todos, open)
	require.Equal(t, 2, pool.Len())

	t.Run("least recently used is evicted", func(t *testing.T) {
		_, err := pool.Get(shape.Definition{Table: "todos"})
		require.NoError(t, err)

		items, err := pool.Get(shape.Definition{Table: "items"})
		require.NoError(t, err)
		require.NotNil(t, items)
		require.Equal(t, 2, pool.Len())

		requireClosed(t, open)
		require.Equal(t, Live, waitState(t, todos, Live))
	})

	t.Run("terminated subscription is replaced", func(t *testing.T) {
		require.NoError(t, todos.Close())

		replaced, err := pool.Get(shape.Definition{Table: "todos"})
		require.NoError(t, err)
		require.NotSame(t, todos, replaced)
		requireUpToDate(t, replaced)
	})
}

func waitState(t *testing.T, sub *Subscription, state State) State {
	t.Helper()
	require.Eventually(t, func() bool { return sub.State() == state }, waitTimeout, time.Millisecond)
	return sub.State()
}

func TestPool_factoryError(t *testing.T) {
	errFactory := errors.New("factory failed")

	pool, err := NewPool(1, time.Minute, func(shape.Definition) (*Subscription, error) {
		return nil, errFactory
	}, testhelper.NewDiscardingLogEntry(t))
	require.NoError(t, err)
	defer pool.Close()

	_, err = pool.Get(shape.Definition{Table: "todos"})
	require.Equal(t, errFactory, err)
	require.Equal(t, 0, pool.Len())
}

func TestPool_invalidSize(t *testing.T) {
	_, err := NewPool(0, time.Minute, nil, nil)
	require.Error(t, err)
}

func TestPool_EvictIdle(t *testing.T) {
	pool, clock := newPool(t, 4, time.Minute)

	stale, err := pool.Get(shape.Definition{Table: "stale"})
	require.NoError(t, err)

	clock.Advance(45 * time.Second)

	fresh, err := pool.Get(shape.Definition{Table: "fresh"})
	require.NoError(t, err)

	require.Equal(t, 0, pool.EvictIdle())

	clock.Advance(30 * time.Second)

	require.Equal(t, 1, pool.EvictIdle())
	require.Equal(t, 1, pool.Len())
	requireClosed(t, stale)
	require.NotEqual(t, Terminated, fresh.State())
}

func TestPool_Run(t *testing.T) {
	pool, clock := newPool(t, 4, time.Minute)

	sub, err := pool.Get(shape.Definition{Table: "todos"})
	require.NoError(t, err)

	ticker := helper.NewManualTicker()

	ctx, cancel := context.WithCancel(testhelper.Context(t))
	done := make(chan struct{})
	go func() {
		defer close(done)
		pool.Run(ctx, ticker)
	}()

	ticker.Tick()
	clock.Advance(2 * time.Minute)
	ticker.Tick()

	requireClosed(t, sub)
	require.Eventually(t, func() bool { return pool.Len() == 0 }, waitTimeout, time.Millisecond)

	cancel()
	<-done

	require.GreaterOrEqual(t, ticker.Resets(), 2)
	require.Equal(t, 1, ticker.Stops())
}

func TestPool_Close(t *testing.T) {
	pool, _ := newPool(t, 4, time.Minute)

	first, err := pool.Get(shape.Definition{Table: "first"})
	require.NoError(t, err)
	second, err := pool.Get(shape.Definition{Table: "second"})
	require.NoError(t, err)

	pool.Close()

	requireClosed(t, first)
	requireClosed(t, second)
	require.Equal(t, 0, pool.Len())

	_, err = pool.Get(shape.Definition{Table: "first"})
	require.Equal(t, ErrClosed, err)
}

func TestPool_EvictIdle_disabled(t *testing.T) {
	pool, clock := newPool(t, 4, 0)

	sub, err := pool.Get(shape.Definition{Table: "todos"})
	require.NoError(t, err)

	clock.Advance(24 * time.Hour)

	require.Equal(t, 0, pool.EvictIdle())
	require.Equal(t, 1, pool.Len())
	require.NotEqual(t, Terminated, sub.State())
}
