package retry

import (
	"context"
	"errors"
	"net"
	"strings"
)

// RecoverableError is implemented by errors that know whether retrying the
// operation that produced them can help
type RecoverableError interface {
	error
	IsRecoverable() bool
}

// IsRecoverable reports whether err is worth retrying. Errors that implement
// RecoverableError decide for themselves. Otherwise timeouts and errors
// that look like transient network or service failures are recoverable, and
// cancellation is not.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	var classified RecoverableError
	if errors.As(err, &classified) {
		return classified.IsRecoverable()
	}
	switch {
	case errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, context.DeadlineExceeded):
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	message := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(message, pattern) {
			return true
		}
	}
	return false
}

// transientPatterns are message fragments of failures that usually clear up
// on their own
var transientPatterns = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"timeout",
	"temporary failure",
	"rate limit",
	"too many requests",
	"service unavailable",
	"internal server error",
	"bad gateway",
	"gateway timeout",
}

// classifiedError overrides the default classification of an error
type classifiedError struct {
	err         error
	recoverable bool
}

func (e *classifiedError) Error() string       { return e.err.Error() }
func (e *classifiedError) Unwrap() error       { return e.err }
func (e *classifiedError) IsRecoverable() bool { return e.recoverable }

// NewRecoverableError marks err as safe to retry
func NewRecoverableError(err error) error {
	return &classifiedError{err: err, recoverable: true}
}

// NewNonRecoverableError marks err as not worth retrying, whatever its
// message says
func NewNonRecoverableError(err error) error {
	return &classifiedError{err: err}
}
