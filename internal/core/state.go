package core

import "sync/atomic"

// ConnState is the lifecycle of one relay connection.
//
//	Connecting -> Handshaking -> Open -> Closing -> Closed
//	                   \-> Rejected
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateHandshaking
	StateOpen
	StateClosing
	StateClosed
	StateRejected
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

func (s ConnState) Terminal() bool {
	return s == StateClosed || s == StateRejected
}

// StateMachine holds a ConnState. Zero value is StateConnecting.
type StateMachine struct {
	state atomic.Int32
}

func (sm *StateMachine) Get() ConnState {
	return ConnState(sm.state.Load())
}

// Transition moves from -> to and reports whether this caller won the race.
func (sm *StateMachine) Transition(from, to ConnState) bool {
	return sm.state.CompareAndSwap(int32(from), int32(to))
}
