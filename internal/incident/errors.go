package incident

import (
	"errors"
	"fmt"

	"github.com/linnemanlabs/incidentd/internal/alert"
)

var (
	// ErrNotFound means the referenced incident does not exist.
	ErrNotFound = errors.New("incident not found")

	// ErrConflict means a concurrent change won; retry with fresh state.
	ErrConflict = errors.New("incident conflict")

	// ErrUnavailable means the store is failing and calls are being shed.
	ErrUnavailable = errors.New("incident store unavailable")
)

// ValidationError reports input the caller must fix before retrying.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// PersistenceError wraps a storage failure. The request as a whole may be
// retried; the store does not retry on its own.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("incident store %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsValidation reports whether err is a validation failure from this package
// or from alert normalization.
func IsValidation(err error) bool {
	var ve *ValidationError
	var ae *alert.ValidationError
	return errors.As(err, &ve) || errors.As(err, &ae)
}

// IsPersistence reports whether err carries a PersistenceError.
func IsPersistence(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}
