package protocol

import "errors"

var (
	// ErrInvalidVersion is returned when a frame header's version byte does
	// not match Version.
	ErrInvalidVersion = errors.New("invalid frame version")

	// ErrFrameTooLarge is returned when a frame header declares a payload
	// length greater than MaxPayloadSize.
	ErrFrameTooLarge = errors.New("frame payload too large")

	// ErrShortFrame is returned when the stream closes or errors before a
	// full header or payload could be read. A stream that ends before the
	// first header byte yields io.EOF instead.
	ErrShortFrame = errors.New("short frame read")
)
