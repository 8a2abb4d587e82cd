package db

import "errors"

var (
	// ErrNotFound is returned by repository lookups that match no row.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a unique constraint rejects an insert.
	ErrConflict = errors.New("record already exists")
)
