package syncclient

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"Chainlog/internal/envelope"
	"Chainlog/internal/ledger"
	"Chainlog/internal/logger"
)

// CreateReport seals content into the node's next envelope, stores it and
// queues it for the next sync. It returns the envelope hash.
func (d *Driver) CreateReport(content map[string]string) (string, error) {
	if len(content) == 0 {
		return "", errors.New("report content is empty")
	}

	d.authorMu.Lock()
	defer d.authorMu.Unlock()

	tip, err := d.authorTip()
	if err != nil {
		return "", err
	}

	// Metadata timestamps never go backwards within a node's chain.
	now := d.now().UTC()
	if last, err := time.Parse(envelope.TimeLayout, tip.Timestamp); err == nil && last.After(now) {
		now = last
	}
	stamp := now.Format(envelope.TimeLayout)

	reportID := uuid.NewString()

	report := &envelope.Report{
		ReportID:          reportID,
		CreationTimestamp: stamp,
		Pseudonym:         d.cfg.Pseudonym,
		Content:           content,
		Version:           envelope.ReportVersion,
		Status:            envelope.StatusPendingValidation,
	}

	meta := &envelope.Metadata{
		ReportID:                reportID,
		MetadataTimestamp:       stamp,
		ReportCreationTimestamp: stamp,
		NodeSequenceNumber:      tip.Sequence + 1,
		PrevEnvelopeHash:        tip.Hash,
		Signer:                  envelope.Signer{NodeID: d.cfg.NodeID},
	}

	env, err := envelope.Seal(report, meta, d.recipients(), d.keys.Self().Signing)
	if err != nil {
		return "", errors.Wrap(err, "seal report")
	}

	sealed, err := envelope.NewSealed(env)
	if err != nil {
		return "", err
	}

	if _, err := d.vault.Put(sealed.Raw); err != nil {
		return "", err
	}

	next := ledger.AuthorTip{Sequence: meta.NodeSequenceNumber, Hash: sealed.Hash, Timestamp: stamp}
	if err := d.store.Enqueue(sealed.Hash, next); err != nil {
		return "", err
	}

	logger.Info("report created", "hash", sealed.Hash, "seq", next.Sequence)

	pending, err := d.store.Pending(0)
	if err == nil && len(pending) >= d.cfg.SyncThreshold {
		if err := d.TriggerSync(); err != nil {
			logger.Debug("sync trigger skipped", "error", err)
		}
	}

	return sealed.Hash, nil
}

// Report opens the envelope stored under hash with the node's keys.
func (d *Driver) Report(hash string) (*envelope.Report, error) {
	raw, err := d.vault.Get(hash)
	if err != nil {
		return nil, err
	}

	s, err := envelope.Parse(raw)
	if err != nil {
		return nil, err
	}

	sender, ok := d.keys.Lookup(s.Signer())
	if !ok {
		return nil, errors.Newf("unknown signer %s", s.Signer())
	}

	self := d.keys.Self()

	return envelope.Open(s.Envelope, &self.BoxPriv, self.NodeID, sender.Signing)
}

// recipients returns the box keys of every directory node except the coordinator.
func (d *Driver) recipients() map[string]*[32]byte {
	out := make(map[string]*[32]byte)

	for _, id := range d.keys.Nodes() {
		if id == d.cfg.CoordinatorID {
			continue
		}

		pub, ok := d.keys.Lookup(id)
		if !ok {
			continue
		}

		box := pub.Box
		out[id] = &box
	}

	return out
}

// authorTip returns the local chain head: the last authored envelope, or
// the committed tip when nothing was authored since the ledger was created.
func (d *Driver) authorTip() (ledger.AuthorTip, error) {
	tip, err := d.store.AuthorTip()
	if err != nil {
		return ledger.AuthorTip{}, err
	}

	if tip.Sequence > 0 {
		return tip, nil
	}

	committed, ok, err := d.store.Tip(d.cfg.NodeID)
	if err != nil {
		return ledger.AuthorTip{}, err
	}

	if ok {
		tip.Sequence = committed.Sequence
		tip.Hash = committed.Hash
	}

	return tip, nil
}
