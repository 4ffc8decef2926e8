// Package apperr defines the error kinds shared by the planning packages.
// Callers wrap one of the sentinels and inspect them with errors.Is.
package apperr

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks malformed caller input. Never retried.
	ErrValidation = errors.New("validation error")
	// ErrNotFound marks an unknown batch, item or calculation id.
	ErrNotFound = errors.New("not found")
	// ErrInvalidState marks an entity that cannot accept the requested operation.
	ErrInvalidState = errors.New("invalid state")
)

// Validation returns an ErrValidation carrying a formatted message.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// NotFound returns an ErrNotFound for the named entity.
func NotFound(entity string, id any) error {
	return fmt.Errorf("%w: %s %v", ErrNotFound, entity, id)
}

// InvalidState returns an ErrInvalidState carrying a formatted message.
func InvalidState(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidState, fmt.Sprintf(format, args...))
}
