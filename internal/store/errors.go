package store

import "errors"

var (
	// ErrNotFound reports an unknown identifier or an already-consumed
	// single-use record.
	ErrNotFound = errors.New("not found")

	// ErrConflict reports a lost concurrent-update race or an invalid status
	// regression. Callers should re-fetch current state before retrying the
	// higher-level operation.
	ErrConflict = errors.New("conflict")

	// ErrValidation reports bad input rejected synchronously.
	ErrValidation = errors.New("validation error")
)
