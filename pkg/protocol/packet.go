// Package protocol defines the wire framing used on top of an overlay
// stream once two peers have connected to each other's sub-key-derived
// identity.
//
// The overlay gives callers a reliable, ordered byte stream per
// connection. Two framings are built on top of it:
//
//   - Stream framing: for TCP-backed forwards, bytes are copied verbatim
//     in both directions once the stream opens. No frame header is
//     needed; see internal/bridge.
//
//   - Datagram framing: for UDP-backed forwards, a single overlay stream
//     carries a sequence of independent datagrams, each wrapped in a
//     small length-prefixed frame so that reads on either end recover
//     the message boundaries a raw byte stream would otherwise lose.
//
// Frame layout (header, 6 bytes, big-endian):
//
//	[version(1)] [flags(1)] [length(4)]
//
// followed by exactly length bytes of payload.
package protocol

import (
	"encoding/binary"
	"fmt"
)

const (
	// Version is the current frame format version.
	Version = 1

	// HeaderSize is the size of the frame header in bytes.
	HeaderSize = 1 + 1 + 4

	// MaxPayloadSize bounds a single frame's payload. Set above the
	// largest realistic UDP datagram (65507 bytes) with headroom, so a
	// corrupt or adversarial length field cannot force an unbounded
	// allocation.
	MaxPayloadSize = 1 << 20 // 1 MiB
)

// FlagNone marks an ordinary payload-carrying frame. No other flag bits
// are currently defined; Frame.Flags exists so a future frame kind can
// be added without changing the header layout.
const FlagNone byte = 0

// Frame is one length-prefixed unit on a datagram-framed overlay stream.
type Frame struct {
	Flags   byte
	Payload []byte
}

// Marshal serialises a Frame into a newly allocated byte slice.
func Marshal(f Frame) ([]byte, error) {
	if len(f.Payload) > MaxPayloadSize {
		return nil, fmt.Errorf("protocol: payload of %d bytes exceeds max %d", len(f.Payload), MaxPayloadSize)
	}
	buf := make([]byte, HeaderSize+len(f.Payload))
	buf[0] = Version
	buf[1] = f.Flags
	binary.BigEndian.PutUint32(buf[2:6], uint32(len(f.Payload)))
	copy(buf[HeaderSize:], f.Payload)
	return buf, nil
}

// ParseHeader decodes a HeaderSize-byte header, returning the flags and
// declared payload length.
func ParseHeader(header []byte) (flags byte, length uint32, err error) {
	if len(header) != HeaderSize {
		return 0, 0, fmt.Errorf("protocol: header is %d bytes, want %d", len(header), HeaderSize)
	}
	if header[0] != Version {
		return 0, 0, fmt.Errorf("%w: got %d, want %d", ErrInvalidVersion, header[0], Version)
	}
	length = binary.BigEndian.Uint32(header[2:6])
	if length > MaxPayloadSize {
		return 0, 0, fmt.Errorf("%w: declared length %d exceeds max %d", ErrFrameTooLarge, length, MaxPayloadSize)
	}
	return header[1], length, nil
}
