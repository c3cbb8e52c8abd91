package datastore

import "errors"

// Common datastore errors.
var (
	// ErrNotFound is returned when a record is not found.
	ErrNotFound = errors.New("record not found")
)
