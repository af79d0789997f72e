package subscription

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/shapesync/internal/helper"
	"gitlab.com/gitlab-org/shapesync/internal/shape"
	"golang.org/x/sync/errgroup"
)

// Factory creates the subscription of a shape.
type Factory func(definition shape.Definition) (*Subscription, error)

type poolEntry struct {
	subscription *Subscription
	lastAccess   time.Time
}

// Pool holds a bounded number of running subscriptions keyed by shape. The
// least recently accessed subscription is closed when a new one does not
// fit, and subscriptions not accessed for the idle timeout are closed on
// every tick of the eviction loop.
type Pool struct {
	factory     Factory
	idleTimeout time.Duration
	logger      logrus.FieldLogger
	now         func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mtx     sync.Mutex
	entries *lru.Cache
	// evicted collects subscriptions removed from entries while mtx is
	// held. They are closed after mtx is released.
	evicted []*Subscription
	closed  bool
}

// NewPool returns a pool of at most size subscriptions. A zero idleTimeout
// disables idle eviction.
func NewPool(size int, idleTimeout time.Duration, factory Factory, logger logrus.FieldLogger) (*Pool, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	p := &Pool{
		factory:     factory,
		idleTimeout: idleTimeout,
		logger:      logger.WithField("component", "subscription_pool"),
		now:         time.Now,
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())

	entries, err := lru.NewWithEvict(size, func(key interface{}, value interface{}) {
		p.evicted = append(p.evicted, value.(*poolEntry).subscription)
	})
	if err != nil {
		p.cancel()
		return nil, err
	}
	p.entries = entries

	return p, nil
}

// Get returns the running subscription of the shape, starting one if the
// pool has none. A subscription that terminated is replaced.
func (p *Pool) Get(definition shape.Definition) (*Subscription, error) {
	id := definition.ID()

	p.mtx.Lock()
	if p.closed {
		p.mtx.Unlock()
		return nil, ErrClosed
	}

	if value, ok := p.entries.Get(id); ok {
		entry := value.(*poolEntry)
		if entry.subscription.State() != Terminated {
			entry.lastAccess = p.now()
			p.mtx.Unlock()
			return entry.subscription, nil
		}
		p.entries.Remove(id)
	}

	sub, err := p.factory(definition)
	if err != nil {
		p.mtx.Unlock()
		return nil, err
	}

	p.entries.Add(id, &poolEntry{subscription: sub, lastAccess: p.now()})
	sub.Start(p.ctx)
	evicted := p.takeEvicted()
	p.mtx.Unlock()

	p.closeAll(evicted, "pool full")
	return sub, nil
}

// Len returns the number of subscriptions in the pool.
func (p *Pool) Len() int {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.entries.Len()
}

// EvictIdle closes the subscriptions that were not accessed within the idle
// timeout. It returns the number of closed subscriptions.
func (p *Pool) EvictIdle() int {
	if p.idleTimeout <= 0 {
		return 0
	}

	p.mtx.Lock()
	deadline := p.now().Add(-p.idleTimeout)
	for _, key := range p.entries.Keys() {
		value, ok := p.entries.Peek(key)
		if !ok {
			continue
		}
		if value.(*poolEntry).lastAccess.Before(deadline) {
			p.entries.Remove(key)
		}
	}
	evicted := p.takeEvicted()
	p.mtx.Unlock()

	p.closeAll(evicted, "idle")
	return len(evicted)
}

// Run evicts idle subscriptions on every tick until ctx is done.
func (p *Pool) Run(ctx context.Context, ticker helper.Ticker) {
	ticker.Reset()
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			p.EvictIdle()
			ticker.Reset()
		}
	}
}

// Close closes every subscription of the pool.
func (p *Pool) Close() {
	p.mtx.Lock()
	p.closed = true
	p.entries.Purge()
	evicted := p.takeEvicted()
	p.mtx.Unlock()

	p.cancel()
	p.closeAll(evicted, "pool closed")
}

func (p *Pool) takeEvicted() []*Subscription {
	evicted := p.evicted
	p.evicted = nil
	return evicted
}

func (p *Pool) closeAll(subscriptions []*Subscription, reason string) {
	var group errgroup.Group
	for _, sub := range subscriptions {
		p.logger.WithFields(logrus.Fields{
			"subscription": sub.Name(),
			"reason":       reason,
		}).Info("closing pooled subscription")

		group.Go(sub.Close)
	}

	if err := group.Wait(); err != nil {
		p.logger.WithError(err).Error("closing pooled subscriptions")
	}
}
