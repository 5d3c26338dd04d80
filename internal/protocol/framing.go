package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single framed record. Command-channel traffic is
// small control messages; anything larger indicates a corrupt length prefix.
const MaxFrameSize = 1 * 1024 * 1024

// WriteFrame writes one length-prefixed record to a byte stream. The stream
// transport has no message boundaries of its own, so each payload is
// prefixed with its uint32-LE length.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("frame too large: %d", len(payload))
	}
	header := make([]byte, 4)
	binary.LittleEndian.PutUint32(header, uint32(len(payload)))
	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads one length-prefixed record from a byte stream.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	n, err := io.ReadFull(r, header)
	if err != nil {
		if n == 0 && err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("failed to read frame header: %w", err)
	}

	size := binary.LittleEndian.Uint32(header)
	if size == 0 {
		return nil, fmt.Errorf("invalid frame size: 0")
	}

	// Sanity check frame size
	if size > MaxFrameSize {
		return nil, fmt.Errorf("frame size too large: %d", size)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("failed to read frame payload: %w", err)
	}
	return payload, nil
}
