package device

import "errors"

// Domain errors for the device package.
//
// These errors can be checked using errors.Is():
//
//	if errors.Is(err, device.ErrDeviceNotFound) {
//	    // handle not found case
//	}
var (
	// ErrDeviceNotFound is returned when a token has no device record.
	ErrDeviceNotFound = errors.New("device: not found")

	// ErrDeviceExists is returned when creating a device whose token is taken.
	ErrDeviceExists = errors.New("device: already exists")

	// ErrInvalidDevice is returned when device validation fails.
	ErrInvalidDevice = errors.New("device: invalid")

	// ErrInvalidToken is returned for empty or oversized tokens.
	ErrInvalidToken = errors.New("device: invalid token")

	// ErrInvalidVolume is returned for volumes outside [0,100].
	ErrInvalidVolume = errors.New("device: invalid volume")

	// ErrInvalidStatus is returned for unknown playlist statuses.
	ErrInvalidStatus = errors.New("device: invalid playlist status")
)
