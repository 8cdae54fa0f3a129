package store

import "errors"

var (
	// ErrNotFound is returned when no row matches the class and address.
	ErrNotFound = errors.New("store: device not found")

	// ErrInvalidDevice is returned by UpsertDevice for rows that fail
	// validation.
	ErrInvalidDevice = errors.New("store: invalid device")
)
