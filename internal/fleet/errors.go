package fleet

import "errors"

var (
	// ErrUnknownDevice is returned by ValidateDeviceToken for tokens with no
	// device record when auto-enrolment is off.
	ErrUnknownDevice = errors.New("fleet: unknown device token")

	// ErrMissingDependency is returned by New when a required dependency is nil.
	ErrMissingDependency = errors.New("fleet: missing dependency")
)
