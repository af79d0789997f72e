// Package subscription drives one shape subscription through its protocol
// states. It requests batches from a transport, applies them to the view,
// confirms pending writes and persists the cursor after every batch.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/shapesync/internal/cursor"
	"gitlab.com/gitlab-org/shapesync/internal/dontpanic"
	"gitlab.com/gitlab-org/shapesync/internal/helper"
	"gitlab.com/gitlab-org/shapesync/internal/protocol"
	"gitlab.com/gitlab-org/shapesync/internal/reconciler"
	"gitlab.com/gitlab-org/shapesync/internal/retry"
	"gitlab.com/gitlab-org/shapesync/internal/shape"
	"gitlab.com/gitlab-org/shapesync/internal/transport"
	"gitlab.com/gitlab-org/shapesync/internal/view"
)

var (
	// ErrForbidden is returned when the server refused access to the shape.
	ErrForbidden = errors.New("access to shape forbidden")
	// ErrUnauthorized is returned when the server rejected the credentials
	// and they could not be refreshed.
	ErrUnauthorized = errors.New("shape request unauthorized")
	// ErrRetriesExhausted is returned when a request kept failing.
	ErrRetriesExhausted = errors.New("shape request retries exhausted")
	// ErrClosed is returned after the subscription was closed.
	ErrClosed = errors.New("subscription closed")

	errAlreadyStarted = errors.New("subscription already started")
	errReadOnly       = errors.New("subscription has no write path")
	errStreamEnded    = errors.New("stream ended without a batch")
)

const cursorSaveTimeout = 5 * time.Second

// Config describes a subscription.
type Config struct {
	// Name identifies the subscription in logs and metrics. It defaults to
	// the shape's table.
	Name  string
	Shape shape.Definition
	// ChangesOnly skips the initial snapshot and only follows changes made
	// after the subscription started.
	ChangesOnly bool
	Backoff     retry.Backoff
	// MalformedThreshold is the number of consecutive malformed responses
	// tolerated before the subscription terminates.
	MalformedThreshold uint
	// AuthRecovery is asked for new credentials on 401.
	AuthRecovery retry.AuthRecovery
}

// Deps are the collaborators of a subscription.
type Deps struct {
	Transport transport.Transport
	// Cursors defaults to an in-memory store.
	Cursors cursor.Store
	// View lets a restarted subscription continue on the rows it
	// materialized before. A new view is created if nil. A view handed in
	// is not closed by Close.
	View *view.View
	// WritePath is required for Submit.
	WritePath reconciler.WritePath
	// Mutations persists pending writes. It defaults to an in-memory store.
	Mutations reconciler.Store
	// Policy overrides the retry policy derived from the Config.
	Policy  retry.Policy
	Metrics *Metrics
	Logger  logrus.FieldLogger
}

// Subscription keeps the view of one shape in sync with the server.
type Subscription struct {
	name       string
	definition shape.Definition
	shapeID    string
	initial    cursor.Cursor

	transport  transport.Transport
	cursors    cursor.Store
	view       *view.View
	ownsView   bool
	reconciler *reconciler.Reconciler
	executor   retry.Executor
	retryDelay time.Duration
	metrics    *Metrics
	logger     logrus.FieldLogger

	mtx            sync.Mutex
	state          State
	cursor         cursor.Cursor
	started        bool
	closed         bool
	cancel         context.CancelFunc
	stateListeners map[int]StateListener
	nextListener   int

	// guard is the highest applied offset of guardHandle.
	guard       protocol.Offset
	guardHandle string
	// visibility of the snapshot currently being loaded.
	visibility *protocol.Visibility
	refetching bool

	upToDate     chan struct{}
	upToDateOnce sync.Once
	done         chan struct{}
	doneOnce     sync.Once
	err          error
}

// New validates the configuration and returns a subscription that has not
// started yet.
func New(cfg Config, deps Deps) (*Subscription, error) {
	if err := cfg.Shape.Validate(); err != nil {
		return nil, fmt.Errorf("invalid shape: %w", err)
	}
	if deps.Transport == nil {
		return nil, errors.New("subscription has no transport")
	}

	name := cfg.Name
	if name == "" {
		name = cfg.Shape.Table
	}

	logger := deps.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	logger = logger.WithFields(logrus.Fields{
		"component":    "subscription",
		"subscription": name,
		"shape":        cfg.Shape.String(),
	})

	if deps.Cursors == nil {
		deps.Cursors = cursor.NewMemoryStore()
	}
	ownsView := deps.View == nil
	if ownsView {
		deps.View = view.New(cfg.Shape, logger)
	}

	initial := cursor.Start()
	if cfg.ChangesOnly {
		initial = cursor.ChangesOnly()
	}

	s := &Subscription{
		name:           name,
		definition:     cfg.Shape,
		shapeID:        cfg.Shape.ID(),
		initial:        initial,
		transport:      deps.Transport,
		cursors:        deps.Cursors,
		view:           deps.View,
		ownsView:       ownsView,
		retryDelay:     cfg.Backoff.Delay,
		metrics:        deps.Metrics,
		logger:         logger,
		state:          Initializing,
		cursor:         initial,
		stateListeners: make(map[int]StateListener),
		upToDate:       make(chan struct{}),
		done:           make(chan struct{}),
	}

	if deps.WritePath != nil {
		rec, err := reconciler.New(reconciler.Config{
			ShapeID:   s.shapeID,
			View:      s.view,
			WritePath: deps.WritePath,
			Store:     deps.Mutations,
			Logger:    logger,
		})
		if err != nil {
			return nil, fmt.Errorf("reconciler: %w", err)
		}
		s.reconciler = rec
	}

	policy := deps.Policy
	if policy == nil {
		policy = retry.DefaultPolicy{
			MaxAttempts:        cfg.Backoff.Attempts,
			MalformedThreshold: cfg.MalformedThreshold,
			AuthRecovery:       cfg.AuthRecovery,
		}
	}

	s.executor = retry.Executor{
		Policy:  policy,
		Backoff: cfg.Backoff,
		Logger:  logger,
		OnRetry: func(failure retry.Failure) { s.metrics.retry(s.name, failure) },
	}

	return s, nil
}

// Name returns the name of the subscription.
func (s *Subscription) Name() string { return s.name }

// Shape returns the shape definition.
func (s *Subscription) Shape() shape.Definition { return s.definition }

// View returns the materialized view.
func (s *Subscription) View() *view.View { return s.view }

// State returns the current state.
func (s *Subscription) State() State {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.state
}

// Cursor returns the position after the last applied batch.
func (s *Subscription) Cursor() cursor.Cursor {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.cursor
}

// UpToDate is closed once the subscription caught up with the server for
// the first time.
func (s *Subscription) UpToDate() <-chan struct{} { return s.upToDate }

// Done is closed once the subscription terminated.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// OnStateChange registers a listener for state transitions. The returned
// function unregisters it.
func (s *Subscription) OnStateChange(listener StateListener) func() {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	id := s.nextListener
	s.nextListener++
	s.stateListeners[id] = listener

	return func() {
		s.mtx.Lock()
		defer s.mtx.Unlock()
		delete(s.stateListeners, id)
	}
}

// Submit issues an optimistic write. Its effect is visible in the view
// immediately and its outcome is reported by the returned mutation only.
func (s *Subscription) Submit(ctx context.Context, m reconciler.Mutation) (*reconciler.PendingMutation, error) {
	if s.reconciler == nil {
		return nil, errReadOnly
	}
	if s.State() == Terminated {
		return nil, ErrClosed
	}
	return s.reconciler.Submit(ctx, m)
}

// Start runs the subscription in the background. Use Wait to collect the
// terminal error.
func (s *Subscription) Start(ctx context.Context) {
	dontpanic.Go(func() {
		if err := s.Run(ctx); err != nil && !errors.Is(err, ErrClosed) && !errors.Is(err, context.Canceled) {
			s.logger.WithError(err).Error("subscription terminated")
		}
	})
}

// Wait blocks until the subscription terminated and returns the reason.
func (s *Subscription) Wait() error {
	<-s.done
	return s.err
}

// Close stops the subscription and waits for it to terminate. In-flight
// writes are not revoked, but their outcome is no longer applied.
func (s *Subscription) Close() error {
	s.mtx.Lock()
	s.closed = true
	cancel := s.cancel
	started := s.started
	s.mtx.Unlock()

	if s.reconciler != nil {
		s.reconciler.Detach()
	}
	// A view handed in by the caller outlives the subscription.
	if s.ownsView {
		s.view.Close()
	}

	if !started {
		s.terminate(ErrClosed)
		return nil
	}

	cancel()
	<-s.done
	return nil
}

// Run drives the subscription until ctx is done, Close is called or a
// non-retryable failure occurs. It returns the terminal error.
func (s *Subscription) Run(ctx context.Context) error {
	s.mtx.Lock()
	if s.started || s.closed {
		closed := s.closed
		s.mtx.Unlock()
		if closed {
			return ErrClosed
		}
		return errAlreadyStarted
	}
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)
	cancel := s.cancel
	s.mtx.Unlock()
	defer cancel()

	err := s.run(ctx)

	s.mtx.Lock()
	if s.closed {
		err = ErrClosed
	}
	s.mtx.Unlock()

	s.terminate(err)
	return err
}

func (s *Subscription) terminate(err error) {
	s.doneOnce.Do(func() {
		s.err = err
		s.setState(Terminated)

		reason := "closed"
		switch {
		case errors.Is(err, ErrClosed):
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			reason = "canceled"
		case errors.Is(err, ErrForbidden):
			reason = "forbidden"
		case errors.Is(err, ErrUnauthorized):
			reason = "unauthorized"
		case errors.Is(err, ErrRetriesExhausted):
			reason = "retries_exhausted"
		default:
			reason = "error"
		}
		s.metrics.terminate(s.name, reason)

		if s.reconciler != nil {
			s.reconciler.Detach()
		}
		close(s.done)
	})
}

func (s *Subscription) run(ctx context.Context) error {
	c, err := cursor.LoadOrDefault(ctx, s.cursors, s.shapeID, s.initial)
	if err != nil {
		return fmt.Errorf("load cursor: %w", err)
	}

	s.mtx.Lock()
	s.cursor = c
	s.guard, s.guardHandle = c.Offset, c.Handle
	s.mtx.Unlock()

	if s.reconciler != nil {
		if _, err := s.reconciler.Restore(ctx); err != nil {
			s.logger.WithError(err).Warn("restoring pending mutations")
		}
	}

	s.logger.WithFields(logrus.Fields{
		"offset": c.Offset.String(),
		"handle": c.Handle,
	}).Info("subscription starting")

	s.setState(Snapshotting)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		live := s.State() == Live

		stream, batch, err := s.open(ctx, live)
		if err != nil {
			return s.mapTerminal(ctx, err)
		}

		err = s.consume(ctx, stream, batch)
		stream.Close()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return err
		}
	}
}

// open opens a stream and reads its first batch, retrying failures as the
// policy decides.
func (s *Subscription) open(ctx context.Context, live bool) (transport.Stream, *protocol.Batch, error) {
	var stream transport.Stream
	var batch *protocol.Batch

	err := s.executor.Do(ctx, func(ctx context.Context, headers http.Header) error {
		opened, err := s.transport.Open(ctx, transport.Request{
			Shape:   s.definition,
			Cursor:  s.Cursor(),
			Live:    live,
			Headers: headers,
		})
		if err != nil {
			return err
		}

		first, err := opened.Next(ctx)
		if err != nil {
			opened.Close()
			if errors.Is(err, io.EOF) {
				return errStreamEnded
			}
			return err
		}

		stream, batch = opened, first
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	return stream, batch, nil
}

// consume applies the first batch and every following batch of the stream.
// It returns nil when the stream should be reopened.
func (s *Subscription) consume(ctx context.Context, stream transport.Stream, batch *protocol.Batch) error {
	for {
		reopen, err := s.handleBatch(ctx, batch)
		if err != nil || reopen {
			return err
		}

		batch, err = stream.Next(ctx)
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			// The stream broke after delivering batches. Reconnect after
			// a pause so a flapping connection does not spin.
			s.logger.WithError(err).Warn("stream interrupted, reconnecting")
			s.metrics.retry(s.name, retry.Failure{Err: err, Class: retry.Classify(err)})
			return s.sleep(ctx, s.retryDelay)
		}
	}
}

func (s *Subscription) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// controls collects the control messages of a batch.
type controls struct {
	upToDate    bool
	mustRefetch bool
	snapshotEnd bool
	visibility  *protocol.Visibility
}

func (c *controls) UpToDate()    { c.upToDate = true }
func (c *controls) MustRefetch() { c.mustRefetch = true }
func (c *controls) SnapshotEnd(v *protocol.Visibility) {
	c.snapshotEnd = true
	if v != nil {
		c.visibility = v
	}
}

// handleBatch applies one batch. It returns true if the stream has to be
// reopened because the request parameters changed.
func (s *Subscription) handleBatch(ctx context.Context, batch *protocol.Batch) (bool, error) {
	var ctl controls
	for _, m := range batch.Messages {
		if control, ok := m.(protocol.ControlMessage); ok {
			control.Visit(&ctl)
		}
	}

	if ctl.mustRefetch {
		return true, s.refetch(ctx, batch.Handle)
	}

	// A new handle nobody asked for means the server dropped the generation
	// the view was built from. None of its rows may mix with the new ones.
	if current := s.Cursor().Handle; batch.Handle != "" && current != "" && batch.Handle != current {
		s.logger.WithFields(logrus.Fields{
			"handle":     current,
			"new_handle": batch.Handle,
		}).Warn("shape handle changed without must-refetch")
		return true, s.refetch(ctx, batch.Handle)
	}

	data, duplicates := s.deduplicate(batch)

	var confirmed []string
	if s.reconciler != nil {
		confirmed = s.reconciler.Reconcile(data)
	}
	s.view.Apply(data, confirmed...)
	if s.reconciler != nil {
		s.reconciler.Commit(data)
	}

	s.mtx.Lock()
	previous := s.cursor
	s.cursor = s.cursor.Advance(batch)
	next := s.cursor
	s.mtx.Unlock()

	s.metrics.batch(s.name, data, duplicates)
	s.logger.WithFields(logrus.Fields{
		"messages":   len(data),
		"duplicates": duplicates,
		"offset":     next.Offset.String(),
	}).Debug("applied batch")

	if next != previous {
		// The view already holds the batch, a cancelled run must not leave
		// the persisted cursor behind it.
		saveCtx, cancel := context.WithTimeout(helper.Detach(ctx), cursorSaveTimeout)
		err := s.cursors.Save(saveCtx, s.shapeID, next)
		cancel()
		if err != nil {
			s.logger.WithError(err).Error("persisting cursor")
		}
	}

	if ctl.visibility != nil {
		s.visibility = ctl.visibility
	}

	reopen := false
	if (ctl.upToDate || ctl.snapshotEnd) && s.State() == Snapshotting {
		if s.refetching && s.reconciler != nil {
			s.reconciler.Resume(s.visibility)
		}
		s.refetching = false
		s.visibility = nil
		s.setState(Live)
		reopen = true
	}

	if ctl.upToDate {
		s.upToDateOnce.Do(func() { close(s.upToDate) })
	}

	return reopen, nil
}

// deduplicate drops data messages at or below the highest offset applied
// for the batch's handle.
func (s *Subscription) deduplicate(batch *protocol.Batch) ([]protocol.DataMessage, int) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	handle := batch.Handle
	if handle == "" {
		handle = s.cursor.Handle
	}
	if handle != s.guardHandle {
		s.guardHandle = handle
		s.guard = protocol.StartOffset
	}

	var data []protocol.DataMessage
	duplicates := 0
	for _, m := range batch.DataMessages() {
		if !s.guard.IsSentinel() && !m.Offset.After(s.guard) {
			duplicates++
			continue
		}
		s.guard = m.Offset
		data = append(data, m)
	}

	return data, duplicates
}

// refetch discards everything of the invalidated shape generation and
// starts over with a snapshot.
func (s *Subscription) refetch(ctx context.Context, newHandle string) error {
	s.setState(Refetching)
	s.metrics.refetch(s.name)
	s.logger.WithField("new_handle", newHandle).Info("shape invalidated, refetching")

	if s.reconciler != nil {
		s.reconciler.Suspend()
	}
	s.view.Reset()

	s.mtx.Lock()
	s.cursor = s.initial
	s.guard, s.guardHandle = s.initial.Offset, ""
	s.mtx.Unlock()

	s.refetching = true
	s.visibility = nil

	if err := s.cursors.Save(ctx, s.shapeID, s.initial); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.WithError(err).Error("persisting reset cursor")
	}

	s.setState(Snapshotting)
	return nil
}

func (s *Subscription) setState(to State) {
	s.mtx.Lock()
	from := s.state
	if from == to || from == Terminated {
		s.mtx.Unlock()
		return
	}
	s.state = to

	ids := make([]int, 0, len(s.stateListeners))
	for id := range s.stateListeners {
		ids = append(ids, id)
	}
	listeners := make([]StateListener, 0, len(ids))
	sort.Ints(ids)
	for _, id := range ids {
		listeners = append(listeners, s.stateListeners[id])
	}
	s.mtx.Unlock()

	s.metrics.transition(s.name, to)
	s.logger.WithFields(logrus.Fields{"from": from.String(), "to": to.String()}).Info("subscription state changed")

	for _, listener := range listeners {
		listener := listener
		dontpanic.Try(func() { listener(from, to) })
	}
}

// mapTerminal maps a failure the retry policy gave up on to the error
// reported to the caller.
func (s *Subscription) mapTerminal(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	var retryErr *retry.Error
	if !errors.As(err, &retryErr) {
		return err
	}

	switch {
	case retryErr.Class == retry.Authorization:
		return &terminalError{reason: ErrForbidden, err: retryErr}
	case retryErr.Class == retry.Authentication:
		return &terminalError{reason: ErrUnauthorized, err: retryErr}
	case retryErr.Exhausted, retryErr.Class == retry.Transient, retryErr.Class == retry.Malformed:
		return &terminalError{reason: ErrRetriesExhausted, err: retryErr}
	default:
		return fmt.Errorf("shape request: %w", retryErr)
	}
}

// terminalError matches its reason with errors.Is and unwraps to the
// failure that caused it.
type terminalError struct {
	reason error
	err    error
}

func (e *terminalError) Error() string { return fmt.Sprintf("%v: %v", e.reason, e.err) }

func (e *terminalError) Is(target error) bool { return target == e.reason }

func (e *terminalError) Unwrap() error { return e.err }
