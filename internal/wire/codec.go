package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrFrameTooLarge is returned when a frame's declared length exceeds the
// negotiated maximum.
var ErrFrameTooLarge = errors.New("wire: frame exceeds negotiated max frame size")

// WriteFrame encodes f onto w using the fixed 9-byte header followed by
// the payload. It is the binary analogue of the teacher's writeJSONLine
// helper: one frame, one write call sequence, no buffering beyond what
// the caller's io.Writer already does.
func WriteFrame(w io.Writer, f Frame) error {
	var hdr [HeaderSize]byte
	hdr[0] = byte(f.Type)
	binary.BigEndian.PutUint32(hdr[1:5], f.StreamID)
	binary.BigEndian.PutUint32(hdr[5:9], uint32(len(f.Payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("wire: write header: %w", err)
	}
	if len(f.Payload) == 0 {
		return nil
	}
	if _, err := w.Write(f.Payload); err != nil {
		return fmt.Errorf("wire: write payload: %w", err)
	}
	return nil
}

// ReadFrame decodes one frame from r. maxFrameSize bounds the accepted
// payload length; a frame whose declared length exceeds it returns
// ErrFrameTooLarge without consuming the payload bytes (the caller must
// treat the transport as unrecoverable at that point, per §4.1: "a length
// exceeding the negotiated maximum -> immediate goaway").
func ReadFrame(r io.Reader, maxFrameSize uint32) (Frame, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, err
	}
	length := binary.BigEndian.Uint32(hdr[5:9])
	if length > maxFrameSize || length > HardMaxFrameSize {
		return Frame{}, ErrFrameTooLarge
	}
	f := Frame{
		Type:     Type(hdr[0]),
		StreamID: binary.BigEndian.Uint32(hdr[1:5]),
	}
	if length == 0 {
		return f, nil
	}
	f.Payload = make([]byte, length)
	if _, err := io.ReadFull(r, f.Payload); err != nil {
		return Frame{}, fmt.Errorf("wire: read payload: %w", err)
	}
	return f, nil
}
