// Package syncerr defines the error taxonomy shared by the sync engine.
package syncerr

import (
	"errors"
	"fmt"
)

var (
	// ErrStorageFull is returned when the local database cannot grow.
	ErrStorageFull = errors.New("local storage full")

	// ErrStorageCorrupt is returned when the local database is unreadable.
	// Callers are expected to degrade to network-only mode.
	ErrStorageCorrupt = errors.New("local storage corrupt")

	// ErrAuthenticationFailed covers both a missing cached session and a
	// credential mismatch. The two cases are told apart only in logs.
	ErrAuthenticationFailed = errors.New("authentication failed")
)

// ValidationError reports a missing or empty required field. It is surfaced
// immediately and never queued.
type ValidationError struct {
	Table string
	Field string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("table %s: required field %q is missing or empty", e.Table, e.Field)
}
