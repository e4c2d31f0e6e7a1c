package merkle

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/zeebo/blake3"
)

// blobs builds n distinct test blobs.
func blobs(n int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		out[i] = []byte{byte('a' + i), byte(i)}
	}

	return out
}

// TestComputeRoot_Empty tests that an empty input hashes the empty string.
func TestComputeRoot_Empty(t *testing.T) {
	if got, want := ComputeRoot(nil), Hash(blake3.Sum256(nil)); got != want {
		t.Errorf("empty root = %x, want %x", got, want)
	}
}

// TestComputeRoot_Single tests that a single blob's root is its leaf hash.
func TestComputeRoot_Single(t *testing.T) {
	b := []byte("only")

	if got, want := ComputeRoot([][]byte{b}), Hash(blake3.Sum256(b)); got != want {
		t.Errorf("single root = %x, want %x", got, want)
	}
}

// TestComputeRoot_OddDuplicatesLast tests odd-level duplication.
func TestComputeRoot_OddDuplicatesLast(t *testing.T) {
	in := blobs(3)

	l0, l1, l2 := blake3.Sum256(in[0]), blake3.Sum256(in[1]), blake3.Sum256(in[2])
	p0 := blake3.Sum256(append(l0[:], l1[:]...))
	p1 := blake3.Sum256(append(l2[:], l2[:]...))
	want := Hash(blake3.Sum256(append(p0[:], p1[:]...)))

	if got := ComputeRoot(in); got != want {
		t.Errorf("root = %x, want %x", got, want)
	}
}

// TestVerifyRoot tests acceptance of the right root and rejection of others.
func TestVerifyRoot(t *testing.T) {
	in := blobs(5)
	root := ComputeRoot(in)

	if !VerifyRoot(in, root[:]) {
		t.Error("root should verify")
	}

	if VerifyRoot(in, root[:31]) {
		t.Error("short root should not verify")
	}

	in[4] = []byte("changed")
	if VerifyRoot(in, root[:]) {
		t.Error("modified blob should not verify")
	}
}

// TestComputeRoot_PermutationSensitive tests that reordering changes the root.
func TestComputeRoot_PermutationSensitive(t *testing.T) {
	in := blobs(4)
	root := ComputeRoot(in)

	in[1], in[2] = in[2], in[1]
	if ComputeRoot(in) == root {
		t.Error("swapped blobs should change the root")
	}
}

// TestCheck_Mismatch tests the error form.
func TestCheck_Mismatch(t *testing.T) {
	err := Check(blobs(2), make([]byte, HashSize))
	if !errors.Is(err, ErrMerkleMismatch) {
		t.Errorf("err = %v, want ErrMerkleMismatch", err)
	}
}
