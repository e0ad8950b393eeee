package realtime

// State is the connection lifecycle state.
type State int

const (
	// StateLoggedOut means no user is set and both channels are inactive.
	StateLoggedOut State = iota

	// StateLoggingIn means a user arrived and channels are being opened.
	StateLoggingIn

	// StateLoggedIn means both channels are requested and handlers are attached.
	StateLoggedIn
)

// String returns the string representation of a State.
func (s State) String() string {
	switch s {
	case StateLoggedOut:
		return "logged_out"
	case StateLoggingIn:
		return "logging_in"
	case StateLoggedIn:
		return "logged_in"
	default:
		return "unknown"
	}
}

// StateEvent represents a state change.
type StateEvent struct {
	Old State
	New State
}
