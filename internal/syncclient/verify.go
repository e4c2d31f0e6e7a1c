package syncclient

import (
	"crypto/ed25519"
	"time"

	"github.com/cockroachdb/errors"

	"Chainlog/internal/chain"
	"Chainlog/internal/envelope"
	"Chainlog/internal/keys"
	"Chainlog/internal/ledger"
	"Chainlog/internal/merkle"
	"Chainlog/internal/wire"
)

// verifier re-checks a block the way the coordinator built it.
type verifier struct {
	keys          keys.Provider
	coordinatorID string
	skew          time.Duration
	now           func() time.Time
}

// verify checks block and its ordered envelopes against prev and the chain
// tips in tips: block signature, Merkle root and hash list, every buffer
// root signature, every signer's chain, then linkage to prev. On success
// the new tips are written to tips and also returned.
func (v *verifier) verify(block *ledger.Block, raws [][]byte, prev *ledger.Block, tips *chain.Overlay) (map[string]chain.Tip, error) {
	coord, ok := v.keys.Lookup(v.coordinatorID)
	if !ok {
		return nil, errors.Newf("coordinator %s missing from key directory", v.coordinatorID)
	}

	if !ed25519.Verify(coord.Signing, block.Root, block.Signature) {
		return nil, errors.Wrapf(envelope.ErrSignatureInvalid, "block %d signature", block.Number)
	}

	if err := merkle.Check(raws, block.Root); err != nil {
		return nil, errors.Wrapf(err, "block %d", block.Number)
	}

	if len(raws) != len(block.EnvelopeHashes) {
		return nil, errors.Wrapf(merkle.ErrMerkleMismatch, "block %d lists %d hashes for %d envelopes",
			block.Number, len(block.EnvelopeHashes), len(raws))
	}

	sealed := make([]*envelope.Sealed, len(raws))
	bySigner := make(map[string][]*envelope.Sealed)
	var signers []string

	now := v.now()

	for i, raw := range raws {
		s, err := envelope.Parse(raw)
		if err != nil {
			return nil, errors.Wrapf(err, "block %d envelope %d", block.Number, i)
		}

		if s.Hash != block.EnvelopeHashes[i] {
			return nil, errors.Wrapf(merkle.ErrMerkleMismatch, "block %d envelope %d hash", block.Number, i)
		}

		if err := envelope.Validate(s.Envelope, now, v.skew); err != nil {
			return nil, errors.Wrapf(err, "block %d envelope %d", block.Number, i)
		}

		if _, seen := bySigner[s.Signer()]; !seen {
			signers = append(signers, s.Signer())
		}
		bySigner[s.Signer()] = append(bySigner[s.Signer()], s)
		sealed[i] = s
	}

	if err := v.verifyBufferRoots(block, bySigner); err != nil {
		return nil, err
	}

	chains := chain.NewVerifier(tips)
	out := make(map[string]chain.Tip, len(signers))

	for _, signer := range signers {
		tip, err := chains.Verify(signer, bySigner[signer])
		if err != nil {
			return nil, errors.Wrapf(err, "block %d", block.Number)
		}
		out[signer] = tip
	}

	if !block.Follows(prev) {
		return nil, errors.Wrapf(ledger.ErrNotSequential, "block %d does not follow the local last block", block.Number)
	}

	for signer, tip := range out {
		tips.Set(signer, tip)
	}

	return out, nil
}

// verifyBufferRoots checks each buffer root signature and that it is the
// Merkle root of its signer's envelopes in block order.
func (v *verifier) verifyBufferRoots(block *ledger.Block, bySigner map[string][]*envelope.Sealed) error {
	covered := make(map[string]struct{}, len(block.BufferRoots))

	for _, br := range block.BufferRoots {
		pub, ok := v.keys.Lookup(br.NodeID)
		if !ok {
			return errors.Wrapf(envelope.ErrSignatureInvalid, "buffer root of unknown node %s", br.NodeID)
		}

		if !ed25519.Verify(pub.Signing, br.Root, br.Signature) {
			return errors.Wrapf(envelope.ErrSignatureInvalid, "buffer root of %s", br.NodeID)
		}

		own := bySigner[br.NodeID]
		blobs := make([][]byte, len(own))
		for i, s := range own {
			blobs[i] = s.Raw
		}

		if err := merkle.Check(blobs, br.Root); err != nil {
			return errors.Wrapf(err, "buffer root of %s", br.NodeID)
		}

		covered[br.NodeID] = struct{}{}
	}

	for signer := range bySigner {
		if _, ok := covered[signer]; !ok {
			return errors.Wrapf(envelope.ErrSignatureInvalid, "no buffer root for %s", signer)
		}
	}

	return nil
}

// verifyCertificate checks a commit certificate against the directory.
// Blocks without a certificate pass.
func (v *verifier) verifyCertificate(block *ledger.Block) error {
	cert := block.Certificate
	if cert == nil {
		return nil
	}

	nodes := v.keys.Nodes()
	if int(cert.Population) != len(nodes) {
		return errors.Newf("certificate of block %d built for %d nodes, directory has %d",
			block.Number, cert.Population, len(nodes))
	}

	var pubs [][]byte
	for _, idx := range keys.BitmapIndices(cert.Signers) {
		if idx >= len(nodes) {
			return errors.Newf("certificate of block %d names signer %d of %d", block.Number, idx, len(nodes))
		}

		pub, _ := v.keys.Lookup(nodes[idx])
		pubs = append(pubs, pub.BLS)
	}

	if !keys.VerifyAggregated(cert.Signature, block.Root, pubs) {
		return errors.Wrapf(envelope.ErrSignatureInvalid, "certificate of block %d", block.Number)
	}

	return nil
}

// blockFromResult converts a SyncResult into the block it describes.
func blockFromResult(res *wire.SyncResult) *ledger.Block {
	block := &ledger.Block{
		Number:         res.BlockNumber,
		RoundID:        res.RoundID,
		Root:           res.BlockRoot,
		PrevRoot:       res.PrevBlockRoot,
		Signature:      res.SignedBlockRoot,
		EnvelopeHashes: res.EnvelopeHashes,
	}

	for _, br := range res.PerNodeSignedBufferRoots {
		block.BufferRoots = append(block.BufferRoots, ledger.BufferRoot{
			NodeID:    br.NodeID,
			Root:      br.BufferRoot,
			Signature: br.Signature,
		})
	}

	return block
}
