package wire

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

const (
	// compressThreshold is the encoded size above which frames are compressed.
	compressThreshold = 32 << 10

	// maxDecodedSize bounds a decompressed frame.
	maxDecodedSize = 64 << 20

	frameRaw  byte = 0x00
	frameZstd byte = 0x01
)

var (
	codecOnce sync.Once
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
	codecErr  error
)

// initCodec creates the shared zstd encoder and decoder. Both are safe for
// concurrent EncodeAll / DecodeAll calls.
func initCodec() {
	encoder, codecErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if codecErr != nil {
		return
	}

	decoder, codecErr = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecodedSize))
}

// EncodeFrame marshals msg and prefixes a one-byte frame kind.
// Large messages, typically SyncResult and BlockBundle, are zstd compressed.
func EncodeFrame(msg Message) ([]byte, error) {
	data, err := Marshal(msg)
	if err != nil {
		return nil, err
	}

	if len(data) < compressThreshold {
		return append([]byte{frameRaw}, data...), nil
	}

	codecOnce.Do(initCodec)
	if codecErr != nil {
		return nil, fmt.Errorf("init zstd:\n%w", codecErr)
	}

	out := make([]byte, 1, len(data)/2)
	out[0] = frameZstd

	return encoder.EncodeAll(data, out), nil
}

// DecodeFrame reverses EncodeFrame.
func DecodeFrame(frame []byte) (Message, error) {
	if len(frame) == 0 {
		return nil, fmt.Errorf("empty frame")
	}

	switch frame[0] {
	case frameRaw:
		return Unmarshal(frame[1:])

	case frameZstd:
		codecOnce.Do(initCodec)
		if codecErr != nil {
			return nil, fmt.Errorf("init zstd:\n%w", codecErr)
		}

		data, err := decoder.DecodeAll(frame[1:], nil)
		if err != nil {
			return nil, fmt.Errorf("decompress frame:\n%w", err)
		}

		return Unmarshal(data)

	default:
		return nil, fmt.Errorf("unknown frame kind 0x%02x", frame[0])
	}
}
