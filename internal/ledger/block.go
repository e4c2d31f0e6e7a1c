// Package ledger persists the committed log: blocks, the envelopes they
// order, per-node chain tips, and on nodes the queue of envelopes still
// waiting to be synced. Everything a block commit touches is written in a
// single pebble batch.
package ledger

import (
	"bytes"
	"encoding/hex"
)

// BufferRoot is one node's signed buffer root included in a block.
type BufferRoot struct {
	NodeID    string `cbor:"node_id"`
	Root      []byte `cbor:"root"`
	Signature []byte `cbor:"signature"`
}

// Certificate aggregates the BLS commit acknowledgements of a block.
type Certificate struct {
	Signature  []byte `cbor:"signature"`  // Signature is the aggregated BLS signature over the block root
	Signers    []byte `cbor:"signers"`    // Signers is a bitmap over the sorted node directory
	Population uint32 `cbor:"population"` // Population is the directory size the bitmap was built against
}

// Block is one committed round.
type Block struct {
	Number         uint64       `cbor:"number"`
	RoundID        string       `cbor:"round_id"`
	Root           []byte       `cbor:"root"`
	PrevRoot       []byte       `cbor:"prev_root"`
	Signature      []byte       `cbor:"signature"`
	EnvelopeHashes []string     `cbor:"envelope_hashes"`
	BufferRoots    []BufferRoot `cbor:"buffer_roots"`
	Certificate    *Certificate `cbor:"certificate,omitempty"`
}

// RootHex returns the block root as hex.
func (b *Block) RootHex() string {
	return hex.EncodeToString(b.Root)
}

// Follows reports whether b directly extends prev. A nil prev means b must be block 1.
func (b *Block) Follows(prev *Block) bool {
	if prev == nil {
		return b.Number == 1 && len(b.PrevRoot) == 0
	}

	return b.Number == prev.Number+1 && bytes.Equal(b.PrevRoot, prev.Root)
}
