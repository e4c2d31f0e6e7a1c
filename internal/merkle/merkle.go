// Package merkle computes binary Merkle roots over ordered byte blobs.
//
// Leaves are blake3(blob) and parents are blake3(left || right). When a
// level has an odd number of nodes the last one is paired with itself.
// The root of an empty sequence is blake3 of the empty string.
package merkle

import (
	"bytes"

	"github.com/cockroachdb/errors"
	"github.com/zeebo/blake3"
)

// HashSize is the size of a root in bytes.
const HashSize = 32

// Hash is a Merkle root or node.
type Hash [HashSize]byte

// ErrMerkleMismatch is returned when a recomputed root differs from the claimed one.
var ErrMerkleMismatch = errors.New("merkle root mismatch")

// ComputeRoot returns the Merkle root of blobs in the given order.
func ComputeRoot(blobs [][]byte) Hash {
	if len(blobs) == 0 {
		return blake3.Sum256(nil)
	}

	level := make([]Hash, len(blobs))
	for i, b := range blobs {
		level[i] = blake3.Sum256(b)
	}

	for len(level) > 1 {
		level = nextLevel(level)
	}

	return level[0]
}

// VerifyRoot reports whether the root of blobs equals expected.
func VerifyRoot(blobs [][]byte, expected []byte) bool {
	if len(expected) != HashSize {
		return false
	}

	root := ComputeRoot(blobs)

	return bytes.Equal(root[:], expected)
}

// Check is VerifyRoot returning ErrMerkleMismatch on failure.
func Check(blobs [][]byte, expected []byte) error {
	if !VerifyRoot(blobs, expected) {
		return errors.Wrapf(ErrMerkleMismatch, "over %d blobs", len(blobs))
	}

	return nil
}

// nextLevel hashes adjacent pairs, duplicating a trailing odd node.
func nextLevel(level []Hash) []Hash {
	parents := make([]Hash, 0, (len(level)+1)/2)

	var buf [2 * HashSize]byte

	for i := 0; i < len(level); i += 2 {
		left := level[i]
		right := left
		if i+1 < len(level) {
			right = level[i+1]
		}

		copy(buf[:HashSize], left[:])
		copy(buf[HashSize:], right[:])
		parents = append(parents, blake3.Sum256(buf[:]))
	}

	return parents
}
