package sensorqueue

import "errors"

var (
	// ErrClassConflict is returned when an address already bound to one
	// device class receives an event for another.
	ErrClassConflict = errors.New("sensorqueue: device class conflict")

	// ErrClosed is returned by Enqueue after Close.
	ErrClosed = errors.New("sensorqueue: closed")

	// ErrInvalidEvent is returned for events without an address or class.
	ErrInvalidEvent = errors.New("sensorqueue: invalid event")
)
