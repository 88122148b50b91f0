package content

import "errors"

var (
	// ErrNotFound is returned when a content item does not exist.
	ErrNotFound = errors.New("content: item not found")

	// ErrExists is returned when creating an item whose ID is taken.
	ErrExists = errors.New("content: item already exists")

	// ErrInvalid is returned for an item with missing or bad fields.
	ErrInvalid = errors.New("content: invalid item")

	// ErrNotDelivered is returned by Offer when the device is not connected
	// or its connection refused the write. The assignment is still stored.
	ErrNotDelivered = errors.New("content: offer not delivered")
)
