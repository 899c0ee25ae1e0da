package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned when a send is attempted on a channel that is not connected.
	ErrNotConnected = errors.New("not connected")

	// ErrDuplicateSession is returned when a call id already has a live session.
	ErrDuplicateSession = errors.New("duplicate session")

	// ErrSessionNotFound is returned for operations on unknown or ended sessions.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSetupFailed wraps any failure that prevents a call from becoming active.
	ErrSetupFailed = errors.New("setup failed")
)

// ConnectionError reports a failure to establish the backend transport.
type ConnectionError struct {
	URL     string
	Attempt int
	Err     error
}

func (e *ConnectionError) Error() string {
	if e.Attempt > 0 {
		return fmt.Sprintf("connect %s (attempt %d): %v", e.URL, e.Attempt, e.Err)
	}
	return fmt.Sprintf("connect %s: %v", e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ProtocolError reports an inbound frame that could not be parsed or validated.
type ProtocolError struct {
	Type   MessageType
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	msg := "protocol error"
	if e.Type != "" {
		msg += " (" + string(e.Type) + ")"
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// AudioFormatError reports a conversion the audio pipeline cannot perform.
type AudioFormatError struct {
	Format AudioFormat
	Reason string
}

func (e *AudioFormatError) Error() string {
	return fmt.Sprintf("unsupported audio format %s: %s", e.Format, e.Reason)
}
