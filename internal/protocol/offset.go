package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	startOffsetValue = "-1"
	nowOffsetValue   = "now"
)

var errInvalidOffset = errors.New("invalid offset")

// Offset is a position in the change log of one shape generation. Callers
// treat it as an opaque token; inside the protocol it is the pair of the
// transaction position and the operation position within that transaction,
// rendered as "<tx>_<op>".
type Offset struct {
	tx, op int64
	now    bool
}

var (
	// StartOffset requests the full shape content starting with the initial snapshot.
	StartOffset = Offset{tx: -1}
	// NowOffset requests only changes that happen after the request, skipping
	// the initial snapshot.
	NowOffset = Offset{now: true}
)

// NewOffset creates an offset out of its components.
func NewOffset(tx, op int64) Offset { return Offset{tx: tx, op: op} }

// ParseOffset parses the textual representation of an offset.
func ParseOffset(s string) (Offset, error) {
	switch s {
	case startOffsetValue, "":
		return StartOffset, nil
	case nowOffsetValue:
		return NowOffset, nil
	}

	txPart, opPart := s, "0"
	if i := strings.IndexByte(s, '_'); i >= 0 {
		txPart, opPart = s[:i], s[i+1:]
	}

	tx, err := strconv.ParseInt(txPart, 10, 64)
	if err != nil || tx < 0 {
		return Offset{}, fmt.Errorf("%w: %q", errInvalidOffset, s)
	}

	op, err := strconv.ParseInt(opPart, 10, 64)
	if err != nil || op < 0 {
		return Offset{}, fmt.Errorf("%w: %q", errInvalidOffset, s)
	}

	return Offset{tx: tx, op: op}, nil
}

// MustParseOffset is like ParseOffset but panics on invalid input. It is meant
// for constants and tests.
func MustParseOffset(s string) Offset {
	o, err := ParseOffset(s)
	if err != nil {
		panic(err)
	}
	return o
}

// IsStart returns whether the offset is the sentinel requesting the initial snapshot.
func (o Offset) IsStart() bool { return !o.now && o.tx < 0 }

// IsNow returns whether the offset is the sentinel requesting changes only.
func (o Offset) IsNow() bool { return o.now }

// IsSentinel returns whether no message has been applied at this offset yet.
func (o Offset) IsSentinel() bool { return o.IsStart() || o.IsNow() }

// Compare returns -1, 0 or +1 depending on whether o sorts before, equal to or
// after other. Both sentinels sort before every real offset.
func (o Offset) Compare(other Offset) int {
	a, b := o.normalized(), other.normalized()
	switch {
	case a.tx < b.tx:
		return -1
	case a.tx > b.tx:
		return 1
	case a.op < b.op:
		return -1
	case a.op > b.op:
		return 1
	default:
		return 0
	}
}

// After returns whether o sorts strictly after other.
func (o Offset) After(other Offset) bool { return o.Compare(other) > 0 }

func (o Offset) normalized() Offset {
	if o.IsSentinel() {
		return Offset{tx: -1, op: -1}
	}
	return o
}

// String renders the offset in its wire format.
func (o Offset) String() string {
	switch {
	case o.now:
		return nowOffsetValue
	case o.tx < 0:
		return startOffsetValue
	default:
		return strconv.FormatInt(o.tx, 10) + "_" + strconv.FormatInt(o.op, 10)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (o Offset) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (o *Offset) UnmarshalText(text []byte) error {
	parsed, err := ParseOffset(string(text))
	if err != nil {
		return err
	}
	*o = parsed
	return nil
}
