package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectionClosed reports that the peer ended the stream, between or
	// inside frames, or that the local exchange was stopped.
	ErrConnectionClosed = errors.New("protocol: connection closed")
	// ErrTimeout reports that no frame, or no correlated reply, arrived in time.
	ErrTimeout = errors.New("protocol: timeout")
	// ErrNoSuchConnection reports that a catalog lookup exhausted its wait.
	ErrNoSuchConnection = errors.New("protocol: no such connection")
	// ErrDuplicateConnection reports a catalog registration conflict.
	ErrDuplicateConnection = errors.New("protocol: duplicate connection")
	// ErrProtocolViolation is the root of every wire contract failure.
	ErrProtocolViolation = errors.New("protocol: protocol violation")

	ErrUnknownMessageType = fmt.Errorf("%w: unknown message type", ErrProtocolViolation)
	ErrMalformedFrame     = fmt.Errorf("%w: malformed frame", ErrProtocolViolation)
)

// IsClosed reports whether err means the connection is gone.
func IsClosed(err error) bool {
	return errors.Is(err, ErrConnectionClosed)
}

// IsViolation reports whether err is any flavour of protocol violation.
func IsViolation(err error) bool {
	return errors.Is(err, ErrProtocolViolation)
}
