// Package syncclient is the node side of the sync protocol. It uploads the
// node's pending envelopes when the coordinator asks, re-verifies every
// block it receives, and applies a block only after the coordinator's
// commit notice.
package syncclient

import (
	"bytes"
	"crypto/ed25519"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"Chainlog/internal/chain"
	"Chainlog/internal/keys"
	"Chainlog/internal/ledger"
	"Chainlog/internal/logger"
	"Chainlog/internal/merkle"
	"Chainlog/internal/wire"
)

const (
	defaultMaxEnvelopesPerSync  = 64
	defaultRoundTimeout         = 30 * time.Second
	defaultPendingCheckInterval = 10 * time.Second
	defaultSyncThreshold        = 2
	defaultClockSkew            = 5 * time.Second
)

// ErrNotConnected is returned when no coordinator session is attached.
var ErrNotConnected = errors.New("not connected to coordinator")

// Config holds the driver settings.
type Config struct {
	NodeID               string        // NodeID is this node's directory id
	CoordinatorID        string        // CoordinatorID is the directory id whose key signs blocks
	Pseudonym            string        // Pseudonym is written into authored reports
	MaxEnvelopesPerSync  int           // MaxEnvelopesPerSync bounds one upload
	RoundTimeout         time.Duration // RoundTimeout bounds the wait for a result after uploading
	PendingCheckInterval time.Duration // PendingCheckInterval is how often pending envelopes trigger a sync
	SyncThreshold        int           // SyncThreshold is the pending count that triggers a sync on authoring
	ClockSkew            time.Duration // ClockSkew tolerates timestamps slightly in the future
}

// Sender delivers messages to the coordinator without blocking.
type Sender interface {
	Send(msg wire.Message) error
}

// Status is a snapshot of the driver for monitoring.
type Status struct {
	NodeID         string `json:"node_id"`
	Connected      bool   `json:"connected"`
	Round          string `json:"round,omitempty"`
	LastBlock      uint64 `json:"last_block"`
	Pending        int    `json:"pending"`
	AuthorSequence uint64 `json:"author_sequence"`
}

// syncRound is the round this node uploaded to.
type syncRound struct {
	id    string
	timer *time.Timer
}

// stagedBlock is a verified block waiting for the commit notice.
type stagedBlock struct {
	block     *ledger.Block
	envelopes [][]byte
	tips      map[string]chain.Tip
}

// Driver runs the node side of the sync protocol.
type Driver struct {
	cfg      Config
	keys     keys.Provider
	store    *ledger.Store
	vault    *Vault
	verifier *verifier
	now      func() time.Time

	mu     sync.Mutex
	sender Sender       // sender is the attached session, nil when disconnected
	round  *syncRound   // round is the round uploaded to, if any
	staged *stagedBlock // staged is the accepted block awaiting its notice

	applyMu  sync.Mutex // applyMu serializes block verification and application
	authorMu sync.Mutex // authorMu serializes report creation

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a driver for cfg.NodeID.
func New(cfg Config, provider keys.Provider, store *ledger.Store, vault *Vault) *Driver {
	if cfg.MaxEnvelopesPerSync <= 0 {
		cfg.MaxEnvelopesPerSync = defaultMaxEnvelopesPerSync
	}

	if cfg.RoundTimeout <= 0 {
		cfg.RoundTimeout = defaultRoundTimeout
	}

	if cfg.PendingCheckInterval <= 0 {
		cfg.PendingCheckInterval = defaultPendingCheckInterval
	}

	if cfg.SyncThreshold <= 0 {
		cfg.SyncThreshold = defaultSyncThreshold
	}

	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = defaultClockSkew
	}

	d := &Driver{
		cfg:   cfg,
		keys:  provider,
		store: store,
		vault: vault,
		now:   time.Now,
		stop:  make(chan struct{}),
	}

	d.verifier = &verifier{
		keys:          provider,
		coordinatorID: cfg.CoordinatorID,
		skew:          cfg.ClockSkew,
		now:           func() time.Time { return d.now() },
	}

	return d
}

// Attach binds the coordinator session, registers with Hello and asks for
// any blocks committed since the local last block.
func (d *Driver) Attach(s Sender) error {
	d.mu.Lock()
	d.sender = s
	d.mu.Unlock()

	if err := s.Send(&wire.Hello{NodeID: d.cfg.NodeID}); err != nil {
		return errors.Wrap(err, "send hello")
	}

	return d.requestBlocks()
}

// Detach forgets the session together with any round or staged block.
func (d *Driver) Detach() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.sender = nil
	d.clearRoundLocked()
	d.staged = nil
}

// Start runs the pending monitor until Stop.
func (d *Driver) Start() {
	d.wg.Add(1)
	go d.monitorPending()
}

// Stop ends the pending monitor.
func (d *Driver) Stop() {
	select {
	case <-d.stop:
	default:
		close(d.stop)
	}

	d.wg.Wait()

	d.mu.Lock()
	d.clearRoundLocked()
	d.mu.Unlock()
}

// TriggerSync asks the coordinator to start or join a round.
func (d *Driver) TriggerSync() error {
	return d.send(&wire.Hello{NodeID: d.cfg.NodeID, StartSync: true})
}

// Status returns the driver's current state.
func (d *Driver) Status() Status {
	d.mu.Lock()
	st := Status{NodeID: d.cfg.NodeID, Connected: d.sender != nil}
	if d.round != nil {
		st.Round = d.round.id
	}
	d.mu.Unlock()

	if last, err := d.store.LastBlock(); err == nil && last != nil {
		st.LastBlock = last.Number
	}

	if pending, err := d.store.Pending(0); err == nil {
		st.Pending = len(pending)
	}

	if tip, err := d.authorTip(); err == nil {
		st.AuthorSequence = tip.Sequence
	}

	return st
}

// HandleMessage processes one message from the coordinator.
func (d *Driver) HandleMessage(msg wire.Message) {
	switch m := msg.(type) {
	case *wire.RequestBuffer:
		if err := d.upload(m.RoundID); err != nil {
			logger.Warn("buffer upload failed", "round", m.RoundID, "error", err)
		}

	case *wire.SyncResult:
		d.handleSyncResult(m)

	case *wire.Ack:
		d.handleNotice(m)

	case *wire.BlockBundle:
		d.handleBundle(m)

	case *wire.ErrorMsg:
		logger.Warn("coordinator error", "code", m.Code, "message", m.Message)

		d.mu.Lock()
		d.clearRoundLocked()
		d.mu.Unlock()

	case *wire.Hello, *wire.BufferUpload, *wire.BlockRequest:
		logger.Debug("ignoring node-bound message")

	default:
		logger.Debug("unknown message")
	}
}

// upload sends the oldest pending envelopes for roundID. An empty buffer
// is uploaded as well so the round does not wait on this node.
func (d *Driver) upload(roundID string) error {
	hashes, err := d.store.Pending(d.cfg.MaxEnvelopesPerSync)
	if err != nil {
		return err
	}

	envs := make([][]byte, len(hashes))
	for i, h := range hashes {
		raw, err := d.vault.Get(h)
		if err != nil {
			return err
		}
		envs[i] = raw
	}

	tip, err := d.authorTip()
	if err != nil {
		return err
	}

	root := merkle.ComputeRoot(envs)
	sig := ed25519.Sign(d.keys.Self().Signing, root[:])

	d.mu.Lock()
	d.clearRoundLocked()

	r := &syncRound{id: roundID}
	r.timer = time.AfterFunc(d.cfg.RoundTimeout, func() { d.onRoundTimeout(r) })
	d.round = r
	d.mu.Unlock()

	logger.Info("uploading buffer", "round", roundID, "envelopes", len(envs))

	return d.send(&wire.BufferUpload{
		NodeID:            d.cfg.NodeID,
		Envelopes:         envs,
		BufferRoot:        root[:],
		SignedBufferRoot:  sig,
		LastKnownSequence: tip.Sequence,
		LastKnownHash:     tip.Hash,
	})
}

// onRoundTimeout forgets r if nothing ended it in time. Pending envelopes
// stay queued for the next round.
func (d *Driver) onRoundTimeout(r *syncRound) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.round != r {
		return
	}

	logger.Warn("sync round timed out", "round", r.id)

	d.round = nil
	d.staged = nil
}

// handleSyncResult verifies a finalized block and answers with an ack.
// A verified block is staged until the commit notice.
func (d *Driver) handleSyncResult(res *wire.SyncResult) {
	d.applyMu.Lock()
	defer d.applyMu.Unlock()

	block := blockFromResult(res)

	staged, err := d.verifyNext(block, res.OrderedEnvelopes)
	if err != nil {
		logger.Warn("block rejected", "block", block.Number, "round", res.RoundID, "error", err)

		d.mu.Lock()
		d.staged = nil
		d.mu.Unlock()

		d.send(&wire.Ack{Message: wire.AckBlock, BlockNumber: block.Number, BlockRoot: block.Root})
		return
	}

	d.mu.Lock()
	d.staged = staged
	d.mu.Unlock()

	logger.Debug("block verified", "block", block.Number, "envelopes", len(res.OrderedEnvelopes))

	d.send(&wire.Ack{
		Message:     wire.AckBlock,
		Success:     true,
		BlockNumber: block.Number,
		BlockRoot:   block.Root,
		Signature:   d.keys.Self().BLS.Sign(block.Root),
	})
}

// verifyNext verifies block as the successor of the local last block.
func (d *Driver) verifyNext(block *ledger.Block, raws [][]byte) (*stagedBlock, error) {
	prev, err := d.store.LastBlock()
	if err != nil {
		return nil, err
	}

	tips, err := d.verifier.verify(block, raws, prev, chain.NewOverlay(d.store))
	if err != nil {
		return nil, err
	}

	return &stagedBlock{block: block, envelopes: raws, tips: tips}, nil
}

// handleNotice applies or discards the staged block, or ends an empty round.
func (d *Driver) handleNotice(a *wire.Ack) {
	switch a.Message {
	case wire.AckRoundEmpty:
		d.mu.Lock()
		d.clearRoundLocked()
		d.mu.Unlock()
		return

	case wire.AckCommit:
		// handled below
	default:
		return
	}

	d.applyMu.Lock()
	defer d.applyMu.Unlock()

	d.mu.Lock()
	staged := d.staged
	matches := staged != nil && bytes.Equal(staged.block.Root, a.BlockRoot)
	d.staged = nil
	d.clearRoundLocked()
	d.mu.Unlock()

	if !a.Success {
		logger.Warn("block rejected by coordinator", "block", a.BlockNumber)
		return
	}

	if !matches {
		// Committed without us; fetch it.
		if err := d.requestBlocks(); err != nil {
			logger.Debug("request missing blocks", "error", err)
		}
		return
	}

	if err := d.apply(staged); err != nil {
		logger.Error("apply committed block", "block", staged.block.Number, "error", err)
		return
	}

	logger.Info("block applied", "block", staged.block.Number, "envelopes", len(staged.envelopes))
}

// handleBundle verifies and applies catch-up blocks in order, stopping at
// the first one that fails.
func (d *Driver) handleBundle(b *wire.BlockBundle) {
	entries, err := ledger.DecodeBundle(b.Data)
	if err != nil {
		logger.Warn("invalid block bundle", "error", err)
		return
	}

	d.applyMu.Lock()
	defer d.applyMu.Unlock()

	applied := 0

	for _, e := range entries {
		last, err := d.store.LastBlock()
		if err != nil {
			logger.Error("read last block", "error", err)
			return
		}

		if last != nil && e.Block.Number <= last.Number {
			continue
		}

		if err := d.verifier.verifyCertificate(e.Block); err != nil {
			logger.Warn("catch-up block rejected", "block", e.Block.Number, "error", err)
			return
		}

		staged, err := d.verifyNext(e.Block, e.Envelopes)
		if err != nil {
			logger.Warn("catch-up block rejected", "block", e.Block.Number, "error", err)
			return
		}

		if err := d.apply(staged); err != nil {
			logger.Error("apply catch-up block", "block", e.Block.Number, "error", err)
			return
		}

		applied++
	}

	if applied > 0 {
		logger.Info("caught up", "from", b.FromNumber, "blocks", applied)
	}

	if len(entries) >= ledger.MaxBundleBlocks {
		if err := d.requestBlocks(); err != nil {
			logger.Debug("request more blocks", "error", err)
		}
	}
}

// apply stores the block's envelopes and commits block, tips and the
// removal of synced pending entries in one ledger batch.
func (d *Driver) apply(s *stagedBlock) error {
	for _, raw := range s.envelopes {
		if _, err := d.vault.Put(raw); err != nil {
			return err
		}
	}

	return d.store.Commit(&ledger.Commit{
		Block:  s.block,
		Tips:   s.tips,
		Synced: s.block.EnvelopeHashes,
	})
}

// requestBlocks asks for every block after the local last block.
func (d *Driver) requestBlocks() error {
	var from uint64 = 1

	last, err := d.store.LastBlock()
	if err != nil {
		return err
	}

	if last != nil {
		from = last.Number + 1
	}

	return d.send(&wire.BlockRequest{FromNumber: from})
}

// monitorPending triggers a sync while envelopes wait and no round is running.
func (d *Driver) monitorPending() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.PendingCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
		}

		d.mu.Lock()
		busy := d.round != nil || d.sender == nil
		d.mu.Unlock()

		if busy {
			continue
		}

		pending, err := d.store.Pending(1)
		if err != nil || len(pending) == 0 {
			continue
		}

		if err := d.TriggerSync(); err != nil {
			logger.Debug("pending sync trigger failed", "error", err)
		}
	}
}

// send delivers msg on the attached session.
func (d *Driver) send(msg wire.Message) error {
	d.mu.Lock()
	s := d.sender
	d.mu.Unlock()

	if s == nil {
		return ErrNotConnected
	}

	return s.Send(msg)
}

// clearRoundLocked forgets the current round.
func (d *Driver) clearRoundLocked() {
	if d.round == nil {
		return
	}

	d.round.timer.Stop()
	d.round = nil
}
