package syncclient

import (
	"crypto/ed25519"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"Chainlog/internal/coordinator"
	"Chainlog/internal/envelope"
	"Chainlog/internal/keys"
	"Chainlog/internal/ledger"
	"Chainlog/internal/logger"
	"Chainlog/internal/wire"
)

// link connects one driver to the coordinator through encoded frames, the
// way a network session would.
type link struct {
	key     ed25519.PublicKey
	coord   *coordinator.Coordinator
	driver  *Driver
	toCoord chan []byte
	toNode  chan []byte
	done    chan struct{}
	conn    *coordSide
}

// coordSide is the coordinator's end of a link.
type coordSide struct{ l *link }

func (c *coordSide) RemoteKey() ed25519.PublicKey { return c.l.key }
func (c *coordSide) Send(msg wire.Message) error  { return c.l.push(c.l.toNode, msg) }

// nodeSide is the driver's end of a link.
type nodeSide struct{ l *link }

func (n *nodeSide) Send(msg wire.Message) error { return n.l.push(n.l.toCoord, msg) }

func (l *link) push(ch chan []byte, msg wire.Message) error {
	frame, err := wire.EncodeFrame(msg)
	if err != nil {
		return err
	}

	select {
	case ch <- frame:
		return nil
	case <-l.done:
		return errors.New("link closed")
	default:
		return errors.New("queue full")
	}
}

// pump delivers frames from ch to handle until the link closes.
func (l *link) pump(ch chan []byte, handle func(wire.Message)) {
	for {
		select {
		case frame := <-ch:
			msg, err := wire.DecodeFrame(frame)
			if err != nil {
				logger.Error("decode frame", "error", err)
				continue
			}
			handle(msg)
		case <-l.done:
			return
		}
	}
}

// close tears the link down on both ends.
func (l *link) close() {
	select {
	case <-l.done:
		return
	default:
	}

	close(l.done)
	l.coord.Disconnected(l.conn)
	l.driver.Detach()
}

// member is one node of a test cluster.
type member struct {
	id     *identity
	driver *Driver
	store  *ledger.Store
	link   *link
}

// cluster is a coordinator and its nodes sharing one key directory.
type cluster struct {
	coordID    *identity
	coord      *coordinator.Coordinator
	coordStore *ledger.Store
	members    map[string]*member
	all        []*identity
}

// newCluster creates a coordinator and drivers for ids. Nodes are not connected yet.
func newCluster(t *testing.T, ids ...string) *cluster {
	t.Helper()

	c := &cluster{coordID: newIdentity(t, "coordinator"), members: make(map[string]*member)}
	c.all = append(c.all, c.coordID)

	for _, id := range ids {
		c.all = append(c.all, newIdentity(t, id))
	}

	c.coordStore = openTestStore(t)
	c.coord = coordinator.New(
		coordinator.Config{RoundDeadline: 2 * time.Second, CommitDeadline: 2 * time.Second, Registerer: prometheus.NewRegistry()},
		directoryFor(c.coordID, c.all...),
		c.coordStore,
	)

	for _, ident := range c.all[1:] {
		store := openTestStore(t)
		d := New(Config{
			NodeID:        ident.id,
			CoordinatorID: "coordinator",
			SyncThreshold: 1000,
		}, directoryFor(ident, c.all...), store, openTestVault(t))

		c.members[ident.id] = &member{id: ident, driver: d, store: store}
	}

	return c
}

// connect links a node to the coordinator.
func (c *cluster) connect(t *testing.T, id string) {
	t.Helper()

	m := c.members[id]
	l := &link{
		key:     m.id.keys.Signing.Public().(ed25519.PublicKey),
		coord:   c.coord,
		driver:  m.driver,
		toCoord: make(chan []byte, 1024),
		toNode:  make(chan []byte, 1024),
		done:    make(chan struct{}),
	}
	l.conn = &coordSide{l: l}
	m.link = l

	go l.pump(l.toCoord, func(msg wire.Message) { c.coord.HandleMessage(l.conn, msg) })
	go l.pump(l.toNode, m.driver.HandleMessage)

	t.Cleanup(l.close)

	if err := m.driver.Attach(&nodeSide{l: l}); err != nil {
		t.Fatalf("attach %s: %v", id, err)
	}

	eventually(t, id+" registered", func() bool {
		for _, s := range c.coord.Status().Sessions {
			if s == id {
				return true
			}
		}
		return false
	})
}

// lastBlock returns a member's last block number.
func (c *cluster) lastBlock(id string) uint64 {
	last, err := c.members[id].store.LastBlock()
	if err != nil || last == nil {
		return 0
	}

	return last.Number
}

// waitBlock waits until every named member applied block n.
func (c *cluster) waitBlock(t *testing.T, n uint64, ids ...string) {
	t.Helper()

	for _, id := range ids {
		eventually(t, id+" applying block", func() bool { return c.lastBlock(id) >= n })
	}
}

// TestCluster_EndToEnd tests reports authored on two nodes reaching every node.
func TestCluster_EndToEnd(t *testing.T) {
	c := newCluster(t, "alice", "bob", "carol")
	for _, id := range []string{"alice", "bob", "carol"} {
		c.connect(t, id)
	}

	alice, bob, carol := c.members["alice"], c.members["bob"], c.members["carol"]

	a1, err := alice.driver.CreateReport(map[string]string{"summary": "door forced"})
	if err != nil {
		t.Fatalf("create report: %v", err)
	}

	b1, err := bob.driver.CreateReport(map[string]string{"summary": "badge lost"})
	if err != nil {
		t.Fatalf("create report: %v", err)
	}

	a2, err := alice.driver.CreateReport(map[string]string{"summary": "window open"})
	if err != nil {
		t.Fatalf("create report: %v", err)
	}

	if err := alice.driver.TriggerSync(); err != nil {
		t.Fatalf("trigger sync: %v", err)
	}

	c.waitBlock(t, 1, "alice", "bob", "carol")

	for _, m := range []*member{alice, bob, carol} {
		last, _ := m.store.LastBlock()
		if len(last.EnvelopeHashes) != 3 {
			t.Fatalf("%s block has %d envelopes", m.id.id, len(last.EnvelopeHashes))
		}

		tip, _, _ := m.store.Tip("alice")
		if tip.Sequence != 2 || tip.Hash != a2 {
			t.Errorf("%s sees alice tip %+v", m.id.id, tip)
		}

		if st := m.driver.Status(); st.Pending != 0 {
			t.Errorf("%s still has %d pending", m.id.id, st.Pending)
		}
	}

	// carol holds every envelope and can open what was sealed for her.
	for _, h := range []string{a1, b1, a2} {
		if !carol.driver.vault.Has(h) {
			t.Errorf("carol is missing envelope %s", h)
		}
	}

	report, err := carol.driver.Report(b1)
	if err != nil || report.Content["summary"] != "badge lost" {
		t.Errorf("carol opened %+v, %v", report, err)
	}

	coordLast, err := c.coordStore.LastBlock()
	if err != nil || coordLast == nil || coordLast.Certificate == nil {
		t.Fatalf("coordinator block = %+v, %v", coordLast, err)
	}

	if got := len(keys.BitmapIndices(coordLast.Certificate.Signers)); got != 3 {
		t.Errorf("certificate has %d signers, want 3", got)
	}

	if err := carol.driver.verifier.verifyCertificate(coordLast); err != nil {
		t.Errorf("certificate rejected by a node: %v", err)
	}

	stored, err := c.coordStore.Envelope(a1)
	if err != nil || envelope.Hash(stored) != a1 {
		t.Errorf("coordinator did not store envelope: %v", err)
	}
}

// TestCluster_SecondBlock tests chaining across two synced blocks.
func TestCluster_SecondBlock(t *testing.T) {
	c := newCluster(t, "alice", "bob")
	c.connect(t, "alice")
	c.connect(t, "bob")

	alice := c.members["alice"]

	for i := uint64(1); i <= 2; i++ {
		if _, err := alice.driver.CreateReport(map[string]string{"summary": "x"}); err != nil {
			t.Fatalf("create report: %v", err)
		}

		if err := c.members["bob"].driver.TriggerSync(); err != nil {
			t.Fatalf("trigger sync: %v", err)
		}

		c.waitBlock(t, i, "alice", "bob")
	}

	b1, _ := c.members["bob"].store.Block(1)
	b2, _ := c.members["bob"].store.Block(2)

	if !b2.Follows(b1) {
		t.Error("block 2 does not follow block 1")
	}
}

// TestCluster_CatchUp tests a node that was offline for two blocks.
func TestCluster_CatchUp(t *testing.T) {
	c := newCluster(t, "alice", "dave")
	c.connect(t, "alice")

	alice := c.members["alice"]

	for i := uint64(1); i <= 2; i++ {
		if _, err := alice.driver.CreateReport(map[string]string{"summary": "x"}); err != nil {
			t.Fatalf("create report: %v", err)
		}

		if err := alice.driver.TriggerSync(); err != nil {
			t.Fatalf("trigger sync: %v", err)
		}

		c.waitBlock(t, i, "alice")
	}

	c.connect(t, "dave")
	c.waitBlock(t, 2, "dave")

	tip, ok, _ := c.members["dave"].store.Tip("alice")
	if !ok || tip.Sequence != 2 {
		t.Errorf("dave sees alice tip %+v", tip)
	}

	// dave now takes part in the next round.
	if _, err := c.members["dave"].driver.CreateReport(map[string]string{"summary": "late"}); err != nil {
		t.Fatalf("create report: %v", err)
	}

	if err := c.members["dave"].driver.TriggerSync(); err != nil {
		t.Fatalf("trigger sync: %v", err)
	}

	c.waitBlock(t, 3, "alice", "dave")
}
