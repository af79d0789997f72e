package merge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeTime struct{ t time.Time }

func (f *fakeTime) now() time.Time { return f.t }

func newFakeClock(start time.Time) (*Clock, *fakeTime) {
	ft := &fakeTime{t: start}
	return &Clock{now: ft.now}, ft
}

func TestTimestamp(t *testing.T) {
	ts := NewTimestamp(1700000000123, 7)
	require.Equal(t, int64(1700000000123), ts.Physical())
	require.Equal(t, uint16(7), ts.Logical())
	require.Equal(t, time.Unix(1700000000, 123*int64(time.Millisecond)), ts.Time())

	require.Less(t, int64(NewTimestamp(1, 65535)), int64(NewTimestamp(2, 0)))
}

func TestClock_Now(t *testing.T) {
	start := time.Unix(1700000000, 0)
	clock, ft := newFakeClock(start)

	first := clock.Now()
	require.Equal(t, NewTimestamp(start.UnixNano()/int64(time.Millisecond), 0), first)

	// The wall clock stalls, the logical part keeps readings increasing.
	second := clock.Now()
	require.Equal(t, first.Physical(), second.Physical())
	require.Equal(t, uint16(1), second.Logical())

	// The wall clock goes backwards.
	ft.t = start.Add(-time.Second)
	third := clock.Now()
	require.Greater(t, int64(third), int64(second))

	ft.t = start.Add(time.Second)
	fourth := clock.Now()
	require.Equal(t, NewTimestamp(start.Add(time.Second).UnixNano()/int64(time.Millisecond), 0), fourth)
}

func TestClock_logicalOverflow(t *testing.T) {
	clock, _ := newFakeClock(time.Unix(0, 0))
	clock.latest = NewTimestamp(5, 65535)

	next := clock.Now()
	require.Equal(t, NewTimestamp(6, 0), next)
}

func TestClock_Update(t *testing.T) {
	start := time.Unix(1700000000, 0)
	startMs := start.UnixNano() / int64(time.Millisecond)

	for _, tc := range []struct {
		desc     string
		latest   Timestamp
		remote   Timestamp
		expected Timestamp
	}{
		{
			desc:     "remote ahead",
			latest:   NewTimestamp(startMs, 3),
			remote:   NewTimestamp(startMs+500, 9),
			expected: NewTimestamp(startMs+500, 10),
		},
		{
			desc:     "local ahead",
			latest:   NewTimestamp(startMs+500, 3),
			remote:   NewTimestamp(startMs+100, 9),
			expected: NewTimestamp(startMs+500, 4),
		},
		{
			desc:     "same physical",
			latest:   NewTimestamp(startMs+500, 3),
			remote:   NewTimestamp(startMs+500, 9),
			expected: NewTimestamp(startMs+500, 10),
		},
		{
			desc:     "wall clock ahead",
			latest:   NewTimestamp(startMs-500, 3),
			remote:   NewTimestamp(startMs-100, 9),
			expected: NewTimestamp(startMs, 0),
		},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			clock, _ := newFakeClock(start)
			clock.latest = tc.latest

			clock.Update(tc.remote)
			require.Equal(t, tc.expected, clock.latest)
			require.Greater(t, int64(clock.Now()), int64(tc.remote))
		})
	}
}
