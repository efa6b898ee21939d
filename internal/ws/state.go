package ws

import "sync/atomic"

// ConnState is the lifecycle state of a websocket connection.
type ConnState int32

// A connection moves forward only: Idle, Connecting, Connected, then Closed.
const (
	StateIdle ConnState = iota
	StateConnecting
	StateConnected
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// State provides atomic access to a ConnState.
type State struct {
	state atomic.Int32
}

// Load returns the current state.
func (s *State) Load() ConnState {
	return ConnState(s.state.Load())
}

// Store sets the state.
func (s *State) Store(state ConnState) {
	s.state.Store(int32(state))
}

// CompareAndSwap swaps to new if the current state is old.
func (s *State) CompareAndSwap(old, new ConnState) bool {
	return s.state.CompareAndSwap(int32(old), int32(new))
}

// Swap sets the state to new and returns the previous state.
func (s *State) Swap(new ConnState) ConnState {
	return ConnState(s.state.Swap(int32(new)))
}
