package feed

import (
	"errors"
	"fmt"
)

// TransientError is a fetch failure worth retrying on the next cycle:
// network errors, timeouts, 5xx and 429 responses.
type TransientError struct {
	Feed   string
	Status int // 0 when no response was received
	Err    error
}

func (e *TransientError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("feed %s: transient: http %d: %v", e.Feed, e.Status, e.Err)
	}
	return fmt.Sprintf("feed %s: transient: %v", e.Feed, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// FatalError is a fetch failure that will not heal by itself: a malformed
// body, a malformed record, or an authentication rejection.
type FatalError struct {
	Feed   string
	Status int
	Err    error
}

func (e *FatalError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("feed %s: fatal: http %d: %v", e.Feed, e.Status, e.Err)
	}
	return fmt.Sprintf("feed %s: fatal: %v", e.Feed, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// IsTransient reports whether err is (or wraps) a *TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsFatal reports whether err is (or wraps) a *FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

var (
	errAuth         = errors.New("authentication rejected")
	errNotJSON      = errors.New("response body is not valid JSON")
	errNoDataArray  = errors.New(`response has no "data" array`)
	errBodyTooLarge = fmt.Errorf("response body exceeds %d bytes", maxBodyBytes)
)
