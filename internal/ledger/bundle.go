package ledger

import (
	"fmt"

	"github.com/klauspost/compress/zstd"

	"Chainlog/internal/envelope"
)

const (
	// MaxBundleBlocks bounds the blocks sent in one catch-up bundle.
	MaxBundleBlocks = 64

	// maxBundleSize bounds a decompressed bundle.
	maxBundleSize = 256 << 20
)

// BundleEntry is one block with its envelopes in block order.
type BundleEntry struct {
	Block     *Block   `cbor:"block"`
	Envelopes [][]byte `cbor:"envelopes"`
}

// Bundle collects up to MaxBundleBlocks blocks starting at from, with their
// envelopes, and returns them zstd compressed along with the block count.
func (s *Store) Bundle(from uint64) ([]byte, int, error) {
	blocks, err := s.ListSince(from, MaxBundleBlocks)
	if err != nil {
		return nil, 0, err
	}

	entries := make([]BundleEntry, len(blocks))

	for i, b := range blocks {
		envs := make([][]byte, len(b.EnvelopeHashes))

		for j, h := range b.EnvelopeHashes {
			raw, err := s.Envelope(h)
			if err != nil {
				return nil, 0, fmt.Errorf("read envelope %s:\n%w", h, err)
			}

			if raw == nil {
				return nil, 0, fmt.Errorf("block %d references missing envelope %s", b.Number, h)
			}

			envs[j] = raw
		}

		entries[i] = BundleEntry{Block: b, Envelopes: envs}
	}

	data, err := envelope.Marshal(entries)
	if err != nil {
		return nil, 0, fmt.Errorf("encode bundle:\n%w", err)
	}

	compressed, err := compressBundle(data)
	if err != nil {
		return nil, 0, err
	}

	return compressed, len(entries), nil
}

// DecodeBundle reverses Bundle.
func DecodeBundle(data []byte) ([]BundleEntry, error) {
	raw, err := decompressBundle(data)
	if err != nil {
		return nil, err
	}

	var entries []BundleEntry
	if err := envelope.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("decode bundle:\n%w", err)
	}

	for i, e := range entries {
		if e.Block == nil {
			return nil, fmt.Errorf("bundle entry %d has no block", i)
		}
	}

	return entries, nil
}

// compressBundle compresses bundle data using zstd.
func compressBundle(data []byte) ([]byte, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create encoder:\n%w", err)
	}
	defer encoder.Close()

	return encoder.EncodeAll(data, nil), nil
}

// decompressBundle decompresses zstd-compressed bundle data.
func decompressBundle(data []byte) ([]byte, error) {
	decoder, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxBundleSize))
	if err != nil {
		return nil, fmt.Errorf("create decoder:\n%w", err)
	}
	defer decoder.Close()

	out, err := decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress bundle:\n%w", err)
	}

	return out, nil
}
