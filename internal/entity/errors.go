package entity

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks malformed input rejected before any row exists.
	ErrValidation = errors.New("validation error")

	ErrNotFound = errors.New("not found")

	// ErrInvalidState marks a transition the job's current status forbids.
	// Nothing is mutated when it is returned.
	ErrInvalidState = errors.New("invalid state")
)

// Validationf returns an error that wraps ErrValidation.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
