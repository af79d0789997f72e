package helper

import (
	"sync"
	"time"
)

// Ticker paces periodic work such as the idle eviction of subscriptions. A
// tick is due one interval after the last Reset, so slow work never causes
// ticks to pile up.
type Ticker interface {
	C() <-chan time.Time
	Stop()
	Reset()
}

type intervalTicker struct {
	timer    *time.Timer
	interval time.Duration
}

// NewTimerTicker returns a stopped Ticker. Call Reset to schedule the first
// tick.
func NewTimerTicker(interval time.Duration) Ticker {
	t := &intervalTicker{timer: time.NewTimer(interval), interval: interval}
	t.Stop()
	return t
}

func (t *intervalTicker) C() <-chan time.Time { return t.timer.C }

// Reset drops a tick nobody received and schedules the next one.
func (t *intervalTicker) Reset() {
	t.Stop()
	t.timer.Reset(t.interval)
}

func (t *intervalTicker) Stop() {
	if !t.timer.Stop() {
		select {
		case <-t.timer.C:
		default:
		}
	}
}

// ManualTicker ticks only when Tick is called. It counts the calls of Reset
// and Stop.
type ManualTicker struct {
	c      chan time.Time
	mtx    sync.Mutex
	resets int
	stops  int
}

// NewManualTicker returns a ManualTicker.
func NewManualTicker() *ManualTicker {
	return &ManualTicker{c: make(chan time.Time, 1)}
}

func (t *ManualTicker) C() <-chan time.Time { return t.c }

func (t *ManualTicker) Reset() {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	t.resets++
}

func (t *ManualTicker) Stop() {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	t.stops++
}

// Tick sends a tick. It blocks while the previous tick was not received.
func (t *ManualTicker) Tick() { t.c <- time.Now() }

// Resets returns the number of Reset calls.
func (t *ManualTicker) Resets() int {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	return t.resets
}

// Stops returns the number of Stop calls.
func (t *ManualTicker) Stops() int {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	return t.stops
}
