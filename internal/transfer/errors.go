package transfer

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrIntegrity is returned when the downloaded file does not match
	// its expected digest. It is never retried automatically.
	ErrIntegrity = errors.New("transfer: integrity check failed")

	// ErrCancelled is returned to every waiter of a cancelled transfer.
	ErrCancelled = errors.New("transfer: cancelled")

	// ErrUnknownLength is returned when the source does not report a length.
	ErrUnknownLength = errors.New("transfer: source did not report a content length")

	// ErrInvalidID is returned for a content ID that is not a plain file name.
	ErrInvalidID = errors.New("transfer: invalid content id")

	// ErrClosed is returned after the manager has been closed.
	ErrClosed = errors.New("transfer: manager closed")
)

// StatusError is an unexpected HTTP status from the content source.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("transfer: %s returned %d %s", e.URL, e.Code, http.StatusText(e.Code))
}

// Retryable reports whether the status is worth another attempt:
// 5xx and 429 are, everything else is not.
func (e *StatusError) Retryable() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests
}
