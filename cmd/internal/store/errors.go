package store

import "errors"

var (
	// ErrNotFound is returned when no record exists for a key.
	ErrNotFound = errors.New("record not found")

	// ErrFencingConflict is returned when a conditional write's expected
	// fencing stamp no longer matches the stored record. Retryable: the
	// caller must re-read before deciding to write again.
	ErrFencingConflict = errors.New("fencing conflict")
)
