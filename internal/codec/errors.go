package codec

import "errors"

var (
	// ErrMalformedFrame is returned when a frame lacks its markers or
	// declares a length that does not match its size.
	ErrMalformedFrame = errors.New("codec: malformed frame")

	// ErrUnknownStatus is returned when a frame carries no recognised status.
	ErrUnknownStatus = errors.New("codec: unknown status")

	// ErrTextTooLong is returned when a display message exceeds the packet
	// length field.
	ErrTextTooLong = errors.New("codec: display text too long")
)
