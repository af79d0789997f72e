package merge

import (
	"sync"
	"time"
)

const (
	logicalBits = 16
	logicalMask = 1<<logicalBits - 1
)

// Timestamp is a hybrid logical clock reading: the upper 48 bits hold the
// physical time in milliseconds since the Unix epoch, the lower 16 bits a
// logical counter. Timestamps compare as plain integers.
type Timestamp int64

// NewTimestamp packs the physical milliseconds and the logical counter.
func NewTimestamp(physical int64, logical uint16) Timestamp {
	return Timestamp(physical<<logicalBits | int64(logical))
}

// Physical returns the physical part in milliseconds since the Unix epoch.
func (ts Timestamp) Physical() int64 { return int64(ts) >> logicalBits }

// Logical returns the logical counter.
func (ts Timestamp) Logical() uint16 { return uint16(int64(ts) & logicalMask) }

// Time returns the physical part as time.
func (ts Timestamp) Time() time.Time {
	return time.Unix(0, ts.Physical()*int64(time.Millisecond))
}

// Clock is a hybrid logical clock. Its readings are strictly increasing and
// never behind any timestamp it was updated with, so edits stamped by it
// order after every edit the replica has seen.
type Clock struct {
	mtx    sync.Mutex
	latest Timestamp
	now    func() time.Time
}

// NewClock returns a clock reading the wall clock.
func NewClock() *Clock {
	return &Clock{now: time.Now}
}

func (c *Clock) physical() int64 {
	return c.now().UnixNano() / int64(time.Millisecond)
}

// Now returns a timestamp greater than every timestamp returned or
// observed before.
func (c *Clock) Now() Timestamp {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	physical := c.physical()
	latestPhysical, latestLogical := c.latest.Physical(), int64(c.latest.Logical())

	if physical > latestPhysical {
		c.latest = pack(physical, 0)
	} else {
		c.latest = pack(latestPhysical, latestLogical+1)
	}

	return c.latest
}

// Update advances the clock past a timestamp received from another replica.
func (c *Clock) Update(remote Timestamp) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	physical := c.physical()
	latestPhysical, latestLogical := c.latest.Physical(), int64(c.latest.Logical())
	remotePhysical, remoteLogical := remote.Physical(), int64(remote.Logical())

	next := latestPhysical
	if remotePhysical > next {
		next = remotePhysical
	}
	if physical > next {
		next = physical
	}

	var logical int64
	switch {
	case next == latestPhysical && next == remotePhysical:
		logical = latestLogical
		if remoteLogical > logical {
			logical = remoteLogical
		}
		logical++
	case next == latestPhysical:
		logical = latestLogical + 1
	case next == remotePhysical:
		logical = remoteLogical + 1
	}

	c.latest = pack(next, logical)
}

// pack builds a timestamp and carries a logical overflow into the physical
// part.
func pack(physical, logical int64) Timestamp {
	if logical > logicalMask {
		physical++
		logical = 0
	}
	return NewTimestamp(physical, uint16(logical))
}
