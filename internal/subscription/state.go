package subscription

// State is the protocol state of a subscription.
type State int

const (
	// Initializing loads the persisted cursor.
	Initializing State = iota
	// Snapshotting requests the current shape content without holding.
	Snapshotting
	// Live requests changes as they happen.
	Live
	// Refetching discards the state of an invalidated shape generation.
	Refetching
	// Terminated is final: no further requests are made.
	Terminated
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case Snapshotting:
		return "snapshotting"
	case Live:
		return "live"
	case Refetching:
		return "refetching"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// StateListener is called on every state transition.
type StateListener func(from, to State)
