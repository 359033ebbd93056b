package tcp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// DefaultMaxFrameSize bounds a single frame.
const DefaultMaxFrameSize = 16 * 1024 * 1024

// ErrFrameTooLarge is returned for a frame longer than the allowed maximum.
var ErrFrameTooLarge = errors.New("frame too large")

// WriteFrame writes payload prefixed with its 4-byte little-endian length.
//
// Parameters:
//   - w: Destination
//   - payload: Frame body
//
// Returns:
//   - An error if the write fails
func WriteFrame(w io.Writer, payload []byte) error {
	buf := make([]byte, 4+len(payload))
	binary.LittleEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[4:], payload)

	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one length-prefixed frame. Zero-length frames are
// keep-alives and are skipped.
//
// Parameters:
//   - r: Source
//   - maxSize: Largest accepted frame body
//
// Returns:
//   - The frame body
//   - io.EOF on a clean close, ErrFrameTooLarge, or the read error
func ReadFrame(r io.Reader, maxSize uint32) ([]byte, error) {
	var header [4]byte
	for {
		if _, err := io.ReadFull(r, header[:]); err != nil {
			return nil, err
		}

		n := binary.LittleEndian.Uint32(header[:])
		if n == 0 {
			continue
		}
		if n > maxSize {
			return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
		}

		payload := make([]byte, n)
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, err
		}

		return payload, nil
	}
}
