package session

import "errors"

var (
	// ErrCameraUnavailable is returned by Start when no capture device can be acquired
	ErrCameraUnavailable = errors.New("session: camera unavailable")

	// ErrInferenceUnavailable is returned by Start when the perception engine fails to start
	ErrInferenceUnavailable = errors.New("session: inference unavailable")

	// ErrTransientInference marks a single frame whose inference failed
	ErrTransientInference = errors.New("session: transient inference failure")

	errStale = errors.New("session: result arrived after stop")
)

// State is the session lifecycle state
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

// String returns the lowercase state name
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// StateObserver is notified after every state transition. Observers run on
// the goroutine that called Start or Stop and must not call back into the
// controller synchronously.
type StateObserver func(state State, sessionID string)
