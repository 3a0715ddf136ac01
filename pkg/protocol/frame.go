package protocol

import (
	"fmt"
	"io"
)

// WriteFrame writes f to w as a single length-prefixed frame.
func WriteFrame(w io.Writer, f Frame) error {
	buf, err := Marshal(f)
	if err != nil {
		return err
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("protocol: writing frame: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from r.
func ReadFrame(r io.Reader) (Frame, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		if err == io.EOF {
			return Frame{}, io.EOF
		}
		return Frame{}, fmt.Errorf("%w: %v", ErrShortFrame, err)
	}

	flags, length, err := ParseHeader(header)
	if err != nil {
		return Frame{}, err
	}

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, fmt.Errorf("%w: %v", ErrShortFrame, err)
		}
	}

	return Frame{Flags: flags, Payload: payload}, nil
}
