package emergency

import "errors"

var (
	// ErrUnknownBackend is returned by NewStateStore for an unsupported backend.
	ErrUnknownBackend = errors.New("emergency: unknown state backend")

	// ErrNotActive is returned by Enforce when no emergency is active.
	ErrNotActive = errors.New("emergency: not active")
)
