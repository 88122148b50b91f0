package agent

import "errors"

var (
	// ErrLocked is returned by Run when another agent holds the content
	// directory lock.
	ErrLocked = errors.New("agent: content directory locked by another agent")

	// ErrRejected is returned by Run when the server refuses registration.
	ErrRejected = errors.New("agent: registration rejected")

	// ErrNotConnected is returned by Send when no session is open.
	ErrNotConnected = errors.New("agent: not connected")
)
