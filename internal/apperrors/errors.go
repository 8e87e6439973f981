// Package apperrors defines the error taxonomy shared by services and
// handlers. Integrity findings (broken chain, checksum mismatch) are not
// errors: verification returns them as structured results.
package apperrors

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation rejects malformed input before any side effect.
	ErrValidation = errors.New("validation error")

	// ErrConflict signals a duplicate exclusive run start. No state changed;
	// the caller may retry after the active run finishes.
	ErrConflict = errors.New("conflict")

	// ErrNotFound covers unknown pack/run/event ids.
	ErrNotFound = errors.New("not found")

	// ErrStorage wraps event-store or file-store failures. Handlers surface
	// it as a 5xx without internal detail.
	ErrStorage = errors.New("storage error")
)

func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrValidation}, args...)...)
}

func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrNotFound}, args...)...)
}

func Conflictf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrConflict}, args...)...)
}

// Storage wraps err as a storage failure, keeping the cause for logs.
func Storage(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStorage, op, err)
}
