package coordinator

import (
	"bytes"

	"github.com/cockroachdb/errors"

	"Chainlog/internal/keys"
	"Chainlog/internal/ledger"
	"Chainlog/internal/logger"
	"Chainlog/internal/wire"
)

// ReceiveCommitAck records nodeID's verdict on the pending block. Any
// reject aborts the block; the last accept commits it. An accept must carry
// a valid BLS signature over the block root, otherwise it counts as a reject.
func (c *Coordinator) ReceiveCommitAck(nodeID string, blockRoot []byte, accepted bool, blsSig []byte) error {
	c.mu.Lock()
	p := c.pending

	if p == nil {
		c.mu.Unlock()
		return errors.Wrap(ErrRoundState, "no pending commit")
	}

	if !bytes.Equal(blockRoot, p.block.Root) {
		c.mu.Unlock()
		return errors.Wrapf(ErrRoundState, "ack from %s names another block", nodeID)
	}

	if _, ok := p.ackSet[nodeID]; !ok {
		c.mu.Unlock()
		return errors.Wrapf(ErrRoundState, "node %s is not part of the ack set", nodeID)
	}

	if _, dup := p.signatures[nodeID]; dup {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	reason := "rejected by " + nodeID
	if accepted {
		if pub, ok := c.keys.Lookup(nodeID); !ok || !keys.VerifyBLS(blsSig, p.block.Root, pub.BLS) {
			accepted = false
			reason = "invalid commit signature from " + nodeID
		}
	}

	c.mu.Lock()

	if c.pending != p || p.committing {
		c.mu.Unlock()
		return nil
	}

	if !accepted {
		c.rejectLocked(p, reason)
		c.mu.Unlock()
		return nil
	}

	p.signatures[nodeID] = blsSig
	ready := len(p.signatures) == len(p.ackSet)
	if ready {
		p.committing = true
		p.timer.Stop()
	}
	c.mu.Unlock()

	logger.Debug("commit ack", "block", p.block.Number, "node", nodeID)

	if ready {
		c.commit(p)
	}

	return nil
}

// onCommitDeadline rejects p if its acknowledgements did not all arrive.
func (c *Coordinator) onCommitDeadline(p *pendingCommit) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending != p || p.committing {
		return
	}

	c.rejectLocked(p, "commit deadline exceeded")
}

// rejectLocked broadcasts the reject notice and then clears the pending block.
func (c *Coordinator) rejectLocked(p *pendingCommit, reason string) {
	notice := &wire.Ack{
		Message:     wire.AckCommit,
		Success:     false,
		BlockNumber: p.block.Number,
		BlockRoot:   p.block.Root,
	}

	for id := range c.sessions {
		c.sendLocked(id, notice)
	}

	if p.timer != nil {
		p.timer.Stop()
	}

	c.clearLocked(p, StateAborted)
	c.metrics.roundsAborted.Inc()

	p.round.log.Warn("block rejected", "block", p.block.Number, "reason", reason)
}

// clearLocked ends the round owning p.
func (c *Coordinator) clearLocked(p *pendingCommit, final State) {
	p.round.state = final

	if c.pending == p {
		c.pending = nil
	}

	if c.round == p.round {
		c.round = nil
	}
}

// commit aggregates the acknowledgements and writes the block, its
// envelopes and the new chain tips in one ledger batch.
func (c *Coordinator) commit(p *pendingCommit) {
	if len(p.signatures) > 0 {
		cert, err := c.certificate(p)
		if err != nil {
			c.failCommit(p, err)
			return
		}
		p.block.Certificate = cert
	}

	err := c.store.Commit(&ledger.Commit{
		Block:     p.block,
		Envelopes: p.envelopes,
		Tips:      p.tips,
	})
	if err != nil {
		c.failCommit(p, err)
		return
	}

	c.mu.Lock()
	notice := &wire.Ack{
		Message:     wire.AckCommit,
		Success:     true,
		BlockNumber: p.block.Number,
		BlockRoot:   p.block.Root,
	}

	for id := range c.sessions {
		c.sendLocked(id, notice)
	}

	c.clearLocked(p, StateCommitted)
	c.mu.Unlock()

	c.metrics.roundsCommitted.Inc()
	c.metrics.lastBlock.Set(float64(p.block.Number))

	p.round.log.Info("block committed",
		"block", p.block.Number,
		"envelopes", len(p.envelopes),
		"signers", len(p.signatures),
	)
}

// failCommit turns a failed ledger write into a reject.
func (c *Coordinator) failCommit(p *pendingCommit, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending != p {
		return
	}

	c.rejectLocked(p, err.Error())
}

// certificate aggregates the BLS acks into a certificate whose bitmap is
// indexed by the sorted key directory.
func (c *Coordinator) certificate(p *pendingCommit) (*ledger.Certificate, error) {
	nodes := c.keys.Nodes()

	var (
		indices []int
		sigs    [][]byte
	)

	for i, id := range nodes {
		if sig, ok := p.signatures[id]; ok {
			indices = append(indices, i)
			sigs = append(sigs, sig)
		}
	}

	if len(sigs) != len(p.signatures) {
		return nil, errors.New("commit signer missing from key directory")
	}

	agg, err := keys.AggregateSignatures(sigs)
	if err != nil {
		return nil, errors.Wrap(err, "aggregate commit signatures")
	}

	return &ledger.Certificate{
		Signature:  agg,
		Signers:    keys.SignerBitmap(indices, len(nodes)),
		Population: uint32(len(nodes)),
	}, nil
}
