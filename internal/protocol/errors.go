package protocol

import "errors"

var (
	// ErrMalformed is returned when a message is not valid JSON or a
	// required field is missing or out of range.
	ErrMalformed = errors.New("protocol: malformed message")

	// ErrUnknownType is returned when the type tag is not recognised.
	ErrUnknownType = errors.New("protocol: unknown message type")
)
