package s2s

import "sync/atomic"

// State is the lifecycle state of a [Session].
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Lifecycle tracks a session's [State] and enforces the transitions
// Idle → Connecting → Open → Closing → Closed, plus any → Closed on failure.
// The zero value is Idle and ready to use.
type Lifecycle struct {
	v atomic.Int32
}

// Load returns the current state.
func (l *Lifecycle) Load() State {
	return State(l.v.Load())
}

// Advance moves to next if that is a legal transition from the current state
// and reports whether it did.
func (l *Lifecycle) Advance(next State) bool {
	for {
		cur := State(l.v.Load())
		if !validTransition(cur, next) {
			return false
		}
		if l.v.CompareAndSwap(int32(cur), int32(next)) {
			return true
		}
	}
}

// Fail moves directly to Closed and reports whether this call made the change.
func (l *Lifecycle) Fail() bool {
	return State(l.v.Swap(int32(StateClosed))) != StateClosed
}

func validTransition(from, to State) bool {
	if to == StateClosed {
		return from != StateClosed
	}
	return to == from+1 && to < StateClosed
}
