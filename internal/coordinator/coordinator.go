// Package coordinator runs sync rounds: it collects every connected node's
// pending envelopes, verifies each buffer, merges them into one ordered and
// signed block, and commits that block once every node accepted it.
//
// The round lifecycle is Idle -> RoundOpen -> Finalizing -> PendingCommit
// -> Committed or Aborted -> Idle. A single mutex guards the active round,
// the session registry and the pending commit; signature checks, Merkle
// roots, sorting and ledger writes all run outside it.
package coordinator

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"Chainlog/internal/chain"
	"Chainlog/internal/envelope"
	"Chainlog/internal/keys"
	"Chainlog/internal/ledger"
	"Chainlog/internal/logger"
	"Chainlog/internal/merkle"
	"Chainlog/internal/wire"
)

const (
	defaultRoundDeadline  = 30 * time.Second
	defaultCommitDeadline = 30 * time.Second
	defaultClockSkew      = 5 * time.Second
)

// Config holds the coordinator's protocol tunables.
type Config struct {
	RoundDeadline  time.Duration         // RoundDeadline bounds buffer collection
	CommitDeadline time.Duration         // CommitDeadline bounds acknowledgement collection
	ClockSkew      time.Duration         // ClockSkew tolerates metadata timestamps slightly in the future
	Registerer     prometheus.Registerer // Registerer receives metrics; nil disables registration
}

// Coordinator is the server side of the sync protocol.
type Coordinator struct {
	cfg     Config
	keys    keys.Provider
	store   *ledger.Store
	chains  *chain.Verifier
	metrics *metrics
	now     func() time.Time

	mu       sync.Mutex
	sessions map[string]Conn // sessions maps node id to its registered session
	conns    map[Conn]string // conns maps a session back to its node id
	round    *round          // round is the active round, nil when idle
	pending  *pendingCommit  // pending is the block waiting for acknowledgements
}

// New creates a coordinator signing with provider's own keys and
// persisting to store.
func New(cfg Config, provider keys.Provider, store *ledger.Store) *Coordinator {
	if cfg.RoundDeadline <= 0 {
		cfg.RoundDeadline = defaultRoundDeadline
	}

	if cfg.CommitDeadline <= 0 {
		cfg.CommitDeadline = defaultCommitDeadline
	}

	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = defaultClockSkew
	}

	return &Coordinator{
		cfg:      cfg,
		keys:     provider,
		store:    store,
		chains:   chain.NewVerifier(store),
		metrics:  newMetrics(cfg.Registerer),
		now:      time.Now,
		sessions: make(map[string]Conn),
		conns:    make(map[Conn]string),
	}
}

// Status is a snapshot of the coordinator for monitoring.
type Status struct {
	State     string   `json:"state"`
	RoundID   string   `json:"round_id,omitempty"`
	Sessions  []string `json:"sessions"`
	LastBlock uint64   `json:"last_block"`
}

// Status returns the current lifecycle state and registered sessions.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	st := Status{State: StateIdle.String(), Sessions: c.sessionIDsLocked()}
	if c.round != nil {
		st.State = c.round.state.String()
		st.RoundID = c.round.id
	}
	c.mu.Unlock()

	if last, err := c.store.LastBlock(); err == nil && last != nil {
		st.LastBlock = last.Number
	}

	return st
}

// StartRound opens a round expecting every connected session and asks each
// of them for its buffer. While a round is active it returns that round's id.
func (c *Coordinator) StartRound(initiator string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.round != nil {
		c.round.log.Debug("joined active round", "initiator", initiator)
		return c.round.id, nil
	}

	if len(c.sessions) == 0 {
		return "", errors.Wrap(ErrRoundState, "no connected sessions")
	}

	nodes := c.sessionIDsLocked()
	r := newRound(uuid.NewString(), nodes, c.now())
	c.round = r

	for _, id := range nodes {
		c.sendLocked(id, &wire.RequestBuffer{RoundID: r.id})
	}

	r.timer = time.AfterFunc(c.cfg.RoundDeadline, func() { c.onRoundDeadline(r) })

	c.metrics.roundsStarted.Inc()
	r.log.Info("round started", "initiator", initiator, "expected", len(nodes))

	return r.id, nil
}

// SubmitBuffer verifies and stores nodeID's buffer for the open round. The
// returned future resolves when the round finalizes or aborts. A rejected
// buffer drops only nodeID from the round.
func (c *Coordinator) SubmitBuffer(ctx context.Context, nodeID string, envelopes [][]byte, bufferRoot, signedBufferRoot []byte) (*Future, error) {
	c.mu.Lock()
	r := c.round

	if r == nil || r.state != StateRoundOpen {
		c.mu.Unlock()
		return nil, errors.Wrap(ErrRoundState, "no open round")
	}

	if _, ok := r.expected[nodeID]; !ok {
		c.mu.Unlock()
		return nil, errors.Wrapf(ErrRoundState, "node %s is not expected in round %s", nodeID, r.id)
	}

	_, done := r.submitted[nodeID]
	_, busy := r.verifying[nodeID]
	if done || busy {
		c.mu.Unlock()
		return nil, errors.Wrapf(ErrRoundState, "node %s already submitted to round %s", nodeID, r.id)
	}

	r.verifying[nodeID] = struct{}{}
	c.mu.Unlock()

	sub, err := c.verifySubmission(nodeID, envelopes, bufferRoot, signedBufferRoot)
	if err == nil && ctx.Err() != nil {
		err = errors.Wrap(ErrRoundState, ctx.Err().Error())
	}

	c.mu.Lock()
	delete(r.verifying, nodeID)

	if c.round != r || r.state != StateRoundOpen {
		c.mu.Unlock()
		return nil, errors.Wrapf(ErrRoundState, "round %s closed during verification", r.id)
	}

	if err != nil {
		delete(r.expected, nodeID)
		c.metrics.reject(codeFor(err))
		next := c.evaluateLocked(r, errors.Wrap(ErrRoundState, "every submission was rejected"))
		c.mu.Unlock()

		r.log.Warn("buffer rejected", "node", nodeID, "error", err)
		next()

		return nil, err
	}

	r.submitted[nodeID] = sub
	fut := r.future
	next := c.evaluateLocked(r, nil)
	c.mu.Unlock()

	r.log.Info("buffer accepted", "node", nodeID, "envelopes", len(sub.envelopes))
	next()

	return fut, nil
}

// verifySubmission runs every buffer check in order: buffer root signature,
// Merkle root, envelope structure and signer, then chain continuity.
func (c *Coordinator) verifySubmission(nodeID string, envelopes [][]byte, bufferRoot, signedBufferRoot []byte) (*submission, error) {
	pub, ok := c.keys.Lookup(nodeID)
	if !ok {
		return nil, errors.Wrapf(ErrUnknownNode, "node %s", nodeID)
	}

	if !ed25519.Verify(pub.Signing, bufferRoot, signedBufferRoot) {
		return nil, errors.Wrapf(envelope.ErrSignatureInvalid, "buffer root of %s", nodeID)
	}

	if err := merkle.Check(envelopes, bufferRoot); err != nil {
		return nil, errors.Wrapf(err, "buffer of %s", nodeID)
	}

	now := c.now()
	sealed := make([]*envelope.Sealed, len(envelopes))
	var prevTime time.Time

	for i, raw := range envelopes {
		s, err := envelope.Parse(raw)
		if err != nil {
			return nil, errors.Wrapf(err, "envelope %d of %s", i, nodeID)
		}

		if err := envelope.Validate(s.Envelope, now, c.cfg.ClockSkew); err != nil {
			return nil, errors.Wrapf(err, "envelope %d of %s", i, nodeID)
		}

		if s.Signer() != nodeID {
			return nil, errors.Wrapf(chain.ErrChainViolation, "envelope %d signed by %q, uploaded by %q", i, s.Signer(), nodeID)
		}

		ts := envelope.MetadataTime(s.Envelope)
		if ts.Before(prevTime) {
			return nil, errors.Wrapf(envelope.ErrStructural, "envelope %d of %s goes back in time", i, nodeID)
		}
		prevTime = ts

		sealed[i] = s
	}

	tip, err := c.chains.Verify(nodeID, sealed)
	if err != nil {
		return nil, err
	}

	return &submission{
		nodeID:    nodeID,
		envelopes: sealed,
		root:      bytes.Clone(bufferRoot),
		signature: bytes.Clone(signedBufferRoot),
		tip:       tip,
	}, nil
}

// onRoundDeadline drops outstanding nodes that are not being verified.
// Nodes still in verification decide completion when they finish.
func (c *Coordinator) onRoundDeadline(r *round) {
	c.mu.Lock()

	if c.round != r || r.state != StateRoundOpen {
		c.mu.Unlock()
		return
	}

	outstanding := r.outstanding()
	if len(outstanding) == 0 {
		c.mu.Unlock()
		return
	}

	for _, n := range outstanding {
		if _, busy := r.verifying[n]; busy {
			continue
		}

		delete(r.expected, n)
		r.log.Warn("node missed round deadline", "node", n)
	}

	next := c.evaluateLocked(r, errors.Wrapf(ErrTimeout, "round %s", r.id))
	c.mu.Unlock()

	next()
}

// evaluateLocked decides what follows a change to r and returns the action
// to run once the lock is released. cause is used if the round must abort.
func (c *Coordinator) evaluateLocked(r *round, cause error) func() {
	if len(r.verifying) > 0 {
		return func() {}
	}

	if len(r.expected) == 0 {
		if cause == nil {
			cause = errors.Wrap(ErrRoundState, "no nodes left in round")
		}
		c.abortRoundLocked(r, cause)

		return func() {}
	}

	if !r.covered() {
		return func() {}
	}

	r.state = StateFinalizing
	r.timer.Stop()

	subs := make([]*submission, 0, len(r.submitted))
	for _, s := range r.submitted {
		subs = append(subs, s)
	}

	return func() { c.finalize(r, subs) }
}

// abortRoundLocked ends r without a block and fails its waiters.
func (c *Coordinator) abortRoundLocked(r *round, cause error) {
	r.state = StateAborted
	if r.timer != nil {
		r.timer.Stop()
	}

	if c.round == r {
		c.round = nil
	}

	c.metrics.roundsAborted.Inc()
	r.future.resolve(&Outcome{RoundID: r.id, Err: cause})

	r.log.Warn("round aborted", "error", cause)
}

// finalize merges the verified buffers into a signed block and broadcasts
// it for acknowledgement.
func (c *Coordinator) finalize(r *round, subs []*submission) {
	start := c.now()

	var all []*envelope.Sealed
	for _, s := range subs {
		all = append(all, s.envelopes...)
	}

	if len(all) == 0 {
		c.completeEmpty(r)
		return
	}

	sortEnvelopes(all)

	raws := make([][]byte, len(all))
	hashes := make([]string, len(all))
	for i, s := range all {
		raws[i] = s.Raw
		hashes[i] = s.Hash
	}

	block, err := c.buildBlock(r, raws, hashes, subs)
	if err != nil {
		c.mu.Lock()
		c.abortRoundLocked(r, err)
		c.mu.Unlock()
		return
	}

	tips := make(map[string]chain.Tip)
	for _, s := range subs {
		if len(s.envelopes) > 0 {
			tips[s.nodeID] = s.tip
		}
	}

	c.metrics.finalizeSeconds.Observe(c.now().Sub(start).Seconds())

	c.mu.Lock()

	p := &pendingCommit{
		round:      r,
		block:      block,
		envelopes:  raws,
		tips:       tips,
		result:     syncResultFor(r.id, block, raws),
		ackSet:     make(map[string]struct{}, len(c.sessions)),
		signatures: make(map[string][]byte, len(c.sessions)),
	}

	for id := range c.sessions {
		p.ackSet[id] = struct{}{}
	}

	r.state = StatePendingCommit
	c.pending = p

	for id := range c.sessions {
		c.sendLocked(id, p.result)
	}

	empty := len(p.ackSet) == 0
	if empty {
		p.committing = true
	} else {
		p.timer = time.AfterFunc(c.cfg.CommitDeadline, func() { c.onCommitDeadline(p) })
	}

	c.mu.Unlock()

	r.future.resolve(&Outcome{RoundID: r.id, Block: block})

	r.log.Info("block finalized",
		"block", block.Number,
		"envelopes", len(raws),
		"root", block.RootHex(),
		logger.Timed(start),
	)

	if empty {
		c.commit(p)
	}
}

// completeEmpty ends a round whose buffers held no envelopes.
func (c *Coordinator) completeEmpty(r *round) {
	c.mu.Lock()
	r.state = StateCommitted
	if c.round == r {
		c.round = nil
	}

	for id := range c.sessions {
		c.sendLocked(id, &wire.Ack{Message: wire.AckRoundEmpty, Success: true})
	}
	c.mu.Unlock()

	c.metrics.roundsEmpty.Inc()
	r.future.resolve(&Outcome{RoundID: r.id})

	r.log.Info("round empty")
}

// buildBlock numbers, roots and signs the merged envelopes.
func (c *Coordinator) buildBlock(r *round, raws [][]byte, hashes []string, subs []*submission) (*ledger.Block, error) {
	last, err := c.store.LastBlock()
	if err != nil {
		return nil, errors.Wrap(err, "load last block")
	}

	root := merkle.ComputeRoot(raws)

	block := &ledger.Block{
		Number:         1,
		RoundID:        r.id,
		Root:           root[:],
		Signature:      ed25519.Sign(c.keys.Self().Signing, root[:]),
		EnvelopeHashes: hashes,
	}

	if last != nil {
		block.Number = last.Number + 1
		block.PrevRoot = bytes.Clone(last.Root)
	}

	sort.Slice(subs, func(i, j int) bool { return subs[i].nodeID < subs[j].nodeID })

	for _, s := range subs {
		block.BufferRoots = append(block.BufferRoots, ledger.BufferRoot{
			NodeID:    s.nodeID,
			Root:      s.root,
			Signature: s.signature,
		})
	}

	return block, nil
}

// sortEnvelopes orders envelopes by metadata timestamp, then sequence
// number, then signer.
func sortEnvelopes(all []*envelope.Sealed) {
	sort.SliceStable(all, func(i, j int) bool {
		ti, tj := envelope.MetadataTime(all[i].Envelope), envelope.MetadataTime(all[j].Envelope)
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}

		if all[i].Sequence() != all[j].Sequence() {
			return all[i].Sequence() < all[j].Sequence()
		}

		return all[i].Signer() < all[j].Signer()
	})
}

// syncResultFor builds the SyncResult message of block.
func syncResultFor(roundID string, block *ledger.Block, raws [][]byte) *wire.SyncResult {
	roots := make([]wire.SignedBufferRoot, len(block.BufferRoots))
	for i, br := range block.BufferRoots {
		roots[i] = wire.SignedBufferRoot{NodeID: br.NodeID, BufferRoot: br.Root, Signature: br.Signature}
	}

	return &wire.SyncResult{
		RoundID:                  roundID,
		OrderedEnvelopes:         raws,
		EnvelopeHashes:           block.EnvelopeHashes,
		BlockNumber:              block.Number,
		BlockRoot:                block.Root,
		SignedBlockRoot:          block.Signature,
		PrevBlockRoot:            block.PrevRoot,
		PerNodeSignedBufferRoots: roots,
	}
}
