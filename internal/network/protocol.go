package network

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	// maxMessageSize is the maximum allowed frame size (64 MB). Catch-up
	// bundles and large SyncResults are compressed before framing.
	maxMessageSize = 64 << 20

	// lengthPrefixSize is the size of the length prefix in bytes.
	lengthPrefixSize = 4
)

// writeMessage writes a length-prefixed frame to the writer in one call so
// frames on a shared stream never interleave.
// Format: [4 bytes big-endian length] [payload]
func writeMessage(w io.Writer, data []byte) error {
	if len(data) > maxMessageSize {
		return fmt.Errorf("message too large: %d > %d", len(data), maxMessageSize)
	}

	frame := make([]byte, lengthPrefixSize+len(data))
	binary.BigEndian.PutUint32(frame[:lengthPrefixSize], uint32(len(data)))
	copy(frame[lengthPrefixSize:], data)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame:\n%w", err)
	}

	return nil
}

// readMessage reads a length-prefixed message from the reader.
func readMessage(r io.Reader) ([]byte, error) {
	// Read length prefix
	var lengthBuf [lengthPrefixSize]byte

	if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
		return nil, fmt.Errorf("read length:\n%w", err)
	}

	length := binary.BigEndian.Uint32(lengthBuf[:])

	if length > maxMessageSize {
		return nil, fmt.Errorf("message too large: %d > %d", length, maxMessageSize)
	}

	// Read payload
	data := make([]byte, length)

	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("read payload:\n%w", err)
	}

	return data, nil
}
