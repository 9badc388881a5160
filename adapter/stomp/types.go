package stomp

import (
	"errors"
	"fmt"
	"time"
)

// State is the lifecycle state of the ConnectionManager
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateAwaitingRetry
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAwaitingRetry:
		return "awaiting-retry"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

var (
	// ErrTransportClosed reports a connection that was refused, dropped or closed by the peer
	ErrTransportClosed = errors.New("transport closed")
	// ErrUnauthorized reports a connection refused because of the credential
	ErrUnauthorized = errors.New("unauthorized")
	// ErrRejected reports an ERROR frame received before CONNECTED
	ErrRejected = errors.New("connection rejected by broker")
	// ErrStopped is returned by Connect after retries were exhausted
	ErrStopped = errors.New("connection manager stopped after repeated failures")
	// ErrNotConnected is returned when a frame is sent on a handle that is not open
	ErrNotConnected = errors.New("not connected")
	// ErrTornDown is reported by dials racing a teardown
	ErrTornDown = errors.New("client torn down")
	// ErrEmptyCredential is returned when an empty credential is supplied
	ErrEmptyCredential = errors.New("credential must not be empty")
	// ErrNilHandler is returned by Subscribe without a handler
	ErrNilHandler = errors.New("notification handler must not be nil")
	// ErrEmptyDestination is returned by Subscribe without a destination
	ErrEmptyDestination = errors.New("destination must not be empty")
)

// HandshakeError is returned when the HTTP upgrade or the SockJS open request is
// answered with an unexpected status code.
type HandshakeError struct {
	StatusCode int
	Err        error
}

func (e *HandshakeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("handshake failed with status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("handshake failed with status %d", e.StatusCode)
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

// Timer is a pending retry. Stop reports whether the call prevented it from firing.
type Timer interface {
	Stop() bool
}

// Scheduler creates retry timers. The default uses time.AfterFunc.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realScheduler struct{}

func (realScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
