package device

import "errors"

var (
	// ErrUnknownClass is returned for a class name outside AllClasses.
	ErrUnknownClass = errors.New("device: unknown class")

	// ErrUnknownVariant is returned when a controller model is not on the
	// class allow-list. It is a validation error and never retried.
	ErrUnknownVariant = errors.New("device: unknown controller variant")

	// ErrDeviceNotFound is returned when no device has the given address.
	ErrDeviceNotFound = errors.New("device: not found")
)
