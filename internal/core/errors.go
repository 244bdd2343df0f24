package core

import (
	"errors"
	"fmt"
)

var (
	ErrValidation    = errors.New("validation failed")
	ErrConflict      = errors.New("conflict")
	ErrNotFound      = errors.New("not found")
	ErrQuotaExceeded = errors.New("quota exceeded")
)

// Secondary systems named in ExternalSystemError.
const (
	SystemMTA      = "mta"
	SystemAnnuaire = "annuaire"
)

// ExternalSystemError wraps a failure of a secondary system. It never fails a
// mailbox operation; it is recorded and reported in the step outcome.
type ExternalSystemError struct {
	System string
	Cause  error
}

func (e *ExternalSystemError) Error() string {
	return fmt.Sprintf("%s: %v", e.System, e.Cause)
}

func (e *ExternalSystemError) Unwrap() error { return e.Cause }

func validationErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
