package bus

import "errors"

var (
	// ErrConnectionClosed is returned when sending on a closed connection.
	ErrConnectionClosed = errors.New("bus: connection closed")

	// ErrSendBufferFull is returned when a slow client's outbound buffer is full.
	ErrSendBufferFull = errors.New("bus: send buffer full")

	// ErrUnauthorized is returned by authenticators to reject a connection.
	ErrUnauthorized = errors.New("bus: unauthorized")
)
