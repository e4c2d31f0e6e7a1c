// Package chain verifies per-node hash chains of envelopes.
//
// Every node numbers its envelopes 1, 2, 3, ... and links each one to the
// hash of its predecessor. A batch is accepted only if it continues the
// node's committed tip exactly; nothing is mutated here, callers persist
// the returned tip after their own commit succeeds.
package chain

import (
	"sync"

	"github.com/cockroachdb/errors"

	"Chainlog/internal/envelope"
)

// ErrChainViolation marks a sequence gap, a broken hash link or a foreign signer.
var ErrChainViolation = errors.New("envelope chain violation")

// Tip is the last committed position in a node's chain.
type Tip struct {
	Sequence uint64 `cbor:"seq"`  // Sequence is the last accepted sequence number
	Hash     string `cbor:"hash"` // Hash is the hex hash of the last accepted envelope
}

// TipSource looks up committed tips. ok is false for nodes with no envelopes yet.
type TipSource interface {
	Tip(nodeID string) (tip Tip, ok bool, err error)
}

// Verifier checks batches against a TipSource.
type Verifier struct {
	tips TipSource
}

// NewVerifier creates a verifier reading tips from tips.
func NewVerifier(tips TipSource) *Verifier {
	return &Verifier{tips: tips}
}

// Verify checks that batch continues nodeID's committed chain and returns
// the tip it would produce. An empty batch returns the current tip.
func (v *Verifier) Verify(nodeID string, batch []*envelope.Sealed) (Tip, error) {
	tip, _, err := v.tips.Tip(nodeID)
	if err != nil {
		return Tip{}, errors.Wrapf(err, "load tip of %s", nodeID)
	}

	return Continue(tip, nodeID, batch)
}

// Continue checks batch against an explicit starting tip. The zero Tip
// stands for a node with no envelopes.
func Continue(tip Tip, nodeID string, batch []*envelope.Sealed) (Tip, error) {
	expectedSeq := tip.Sequence + 1
	expectedPrev := tip.Hash

	for i, s := range batch {
		md := &s.Envelope.Metadata

		if md.Signer.NodeID != nodeID {
			return Tip{}, errors.Wrapf(ErrChainViolation,
				"envelope %d signed by %q, expected %q", i, md.Signer.NodeID, nodeID)
		}

		if md.NodeSequenceNumber != expectedSeq {
			return Tip{}, errors.Wrapf(ErrChainViolation,
				"node %s: sequence %d, expected %d", nodeID, md.NodeSequenceNumber, expectedSeq)
		}

		if md.PrevEnvelopeHash != expectedPrev {
			return Tip{}, errors.Wrapf(ErrChainViolation,
				"node %s: sequence %d does not link to %q", nodeID, expectedSeq, expectedPrev)
		}

		expectedSeq++
		expectedPrev = s.Hash
	}

	return Tip{Sequence: expectedSeq - 1, Hash: expectedPrev}, nil
}

// Overlay layers uncommitted tips over a base source. Verifying several
// consecutive blocks before applying any of them reads through it.
type Overlay struct {
	base TipSource

	mu   sync.RWMutex
	tips map[string]Tip
}

// NewOverlay creates an empty overlay over base. A nil base has no tips.
func NewOverlay(base TipSource) *Overlay {
	return &Overlay{base: base, tips: make(map[string]Tip)}
}

// Tip returns the overlaid tip if set, otherwise the base tip.
func (o *Overlay) Tip(nodeID string) (Tip, bool, error) {
	o.mu.RLock()
	tip, ok := o.tips[nodeID]
	o.mu.RUnlock()

	if ok {
		return tip, true, nil
	}

	if o.base == nil {
		return Tip{}, false, nil
	}

	return o.base.Tip(nodeID)
}

// Set records tip for nodeID in the overlay only.
func (o *Overlay) Set(nodeID string, tip Tip) {
	o.mu.Lock()
	o.tips[nodeID] = tip
	o.mu.Unlock()
}

// Tips returns a copy of the overlaid tips.
func (o *Overlay) Tips() map[string]Tip {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make(map[string]Tip, len(o.tips))
	for k, v := range o.tips {
		out[k] = v
	}

	return out
}
