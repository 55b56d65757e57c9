package feed

import "fmt"

// State is the connection state of a Listener.
type State int

const (
	StateConnecting State = iota
	StateLive
	StateDegraded
	StateFallbackPolling
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateLive:
		return "LIVE"
	case StateDegraded:
		return "DEGRADED"
	case StateFallbackPolling:
		return "FALLBACK_POLLING"
	case StateClosed:
		return "CLOSED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// TransitionTo validates a move from s to newState.
func (s State) TransitionTo(newState State) (State, error) {
	if newState == StateClosed {
		return newState, nil
	}
	switch s {
	case StateConnecting:
		switch newState {
		case StateLive, StateDegraded:
			return newState, nil
		}
	case StateLive:
		if newState == StateDegraded {
			return newState, nil
		}
	case StateDegraded:
		switch newState {
		case StateLive, StateFallbackPolling:
			return newState, nil
		}
	case StateFallbackPolling:
		if newState == StateLive {
			return newState, nil
		}
	}
	return s, fmt.Errorf("invalid state transition from %v to %v", s, newState)
}
