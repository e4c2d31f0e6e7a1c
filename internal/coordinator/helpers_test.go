package coordinator

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"Chainlog/internal/envelope"
	"Chainlog/internal/keys"
	"Chainlog/internal/ledger"
	"Chainlog/internal/merkle"
	"Chainlog/internal/wire"
)

// fakeConn is an in-memory session that records what the coordinator sends.
type fakeConn struct {
	key ed25519.PublicKey
	out chan wire.Message
}

func newFakeConn(key ed25519.PublicKey) *fakeConn {
	return &fakeConn{key: key, out: make(chan wire.Message, 1024)}
}

func (f *fakeConn) RemoteKey() ed25519.PublicKey {
	return f.key
}

func (f *fakeConn) Send(msg wire.Message) error {
	select {
	case f.out <- msg:
		return nil
	default:
		return errors.New("queue full")
	}
}

// expectMsg returns the next message of type T, skipping others.
func expectMsg[T wire.Message](t *testing.T, f *fakeConn) T {
	t.Helper()

	deadline := time.After(5 * time.Second)

	for {
		select {
		case m := <-f.out:
			if v, ok := m.(T); ok {
				return v
			}
		case <-deadline:
			var zero T
			t.Fatalf("timeout waiting for %T", zero)
			return zero
		}
	}
}

// expectAck returns the next ack of the given kind, skipping everything else.
func expectAck(t *testing.T, f *fakeConn, kind string) *wire.Ack {
	t.Helper()

	for {
		a := expectMsg[*wire.Ack](t, f)
		if a.Message == kind {
			return a
		}
	}
}

// expectNone fails if a message of type T arrives within d.
func expectNone[T wire.Message](t *testing.T, f *fakeConn, d time.Duration) {
	t.Helper()

	deadline := time.After(d)

	for {
		select {
		case m := <-f.out:
			if _, ok := m.(T); ok {
				t.Fatalf("unexpected %T", m)
			}
		case <-deadline:
			return
		}
	}
}

// testNode is a node identity with its own envelope chain.
type testNode struct {
	id   string
	keys *keys.NodeKeys
	conn *fakeConn
	seq  uint64
	prev string
}

func newTestNode(t *testing.T, id string) *testNode {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	k, err := keys.Derive(id, priv)
	if err != nil {
		t.Fatalf("derive keys: %v", err)
	}

	return &testNode{id: id, keys: k, conn: newFakeConn(k.Signing.Public().(ed25519.PublicKey))}
}

// author seals the node's next envelope with metadata timestamp ts.
func (n *testNode) author(t *testing.T, ts time.Time) []byte {
	t.Helper()

	n.seq++
	stamp := ts.UTC().Format(envelope.TimeLayout)
	id := uuid.NewString()

	report := &envelope.Report{
		ReportID:          id,
		CreationTimestamp: stamp,
		Pseudonym:         "reporter-" + n.id,
		Content:           map[string]string{"summary": "incident"},
		Version:           envelope.ReportVersion,
		Status:            envelope.StatusPendingValidation,
	}

	meta := &envelope.Metadata{
		ReportID:                id,
		MetadataTimestamp:       stamp,
		ReportCreationTimestamp: stamp,
		NodeSequenceNumber:      n.seq,
		PrevEnvelopeHash:        n.prev,
		Signer:                  envelope.Signer{NodeID: n.id},
	}

	env, err := envelope.Seal(report, meta, map[string]*[32]byte{n.id: &n.keys.BoxPub}, n.keys.Signing)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	s, err := envelope.NewSealed(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	n.prev = s.Hash

	return s.Raw
}

// signRoot returns the buffer root of envs and the node's signature over it.
func (n *testNode) signRoot(envs [][]byte) ([]byte, []byte) {
	root := merkle.ComputeRoot(envs)
	return root[:], ed25519.Sign(n.keys.Signing, root[:])
}

// fixture is a coordinator with registered test nodes.
type fixture struct {
	coord *Coordinator
	self  *keys.NodeKeys
	store *ledger.Store
	nodes []*testNode
}

// newFixture creates a coordinator knowing ids and registers a session for each.
func newFixture(t *testing.T, cfg Config, ids ...string) *fixture {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	self, err := keys.Derive("coordinator", priv)
	if err != nil {
		t.Fatalf("derive coordinator keys: %v", err)
	}

	f := &fixture{self: self}

	var pubs []keys.PublicKeys
	for _, id := range ids {
		n := newTestNode(t, id)
		f.nodes = append(f.nodes, n)
		pubs = append(pubs, n.keys.Public())
	}

	f.store, err = ledger.Open(filepath.Join(t.TempDir(), "db"))
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { f.store.Close() })

	if cfg.Registerer == nil {
		cfg.Registerer = prometheus.NewRegistry()
	}

	f.coord = New(cfg, keys.NewDirectory(self, pubs...), f.store)

	for _, n := range f.nodes {
		if err := f.coord.Register(n.conn, n.id); err != nil {
			t.Fatalf("register %s: %v", n.id, err)
		}
	}

	return f
}

// start opens a round and drains the RequestBuffer of every node.
func (f *fixture) start(t *testing.T) string {
	t.Helper()

	id, err := f.coord.StartRound(f.nodes[0].id)
	if err != nil {
		t.Fatalf("start round: %v", err)
	}

	for _, n := range f.nodes {
		req := expectMsg[*wire.RequestBuffer](t, n.conn)
		if req.RoundID != id {
			t.Fatalf("%s got request for round %s, want %s", n.id, req.RoundID, id)
		}
	}

	return id
}

// submit uploads envs for n and fails the test on error.
func (f *fixture) submit(t *testing.T, n *testNode, envs [][]byte) *Future {
	t.Helper()

	root, sig := n.signRoot(envs)

	fut, err := f.coord.SubmitBuffer(t.Context(), n.id, envs, root, sig)
	if err != nil {
		t.Fatalf("submit %s: %v", n.id, err)
	}

	return fut
}

// ack sends n's verdict on res.
func (f *fixture) ack(t *testing.T, n *testNode, res *wire.SyncResult, accept bool) {
	t.Helper()

	if err := f.coord.ReceiveCommitAck(n.id, res.BlockRoot, accept, n.keys.BLS.Sign(res.BlockRoot)); err != nil {
		t.Fatalf("ack from %s: %v", n.id, err)
	}
}

// metricValue reads a counter or gauge.
func metricValue(t *testing.T, c prometheus.Collector) float64 {
	t.Helper()

	ch := make(chan prometheus.Metric, 1)
	c.Collect(ch)

	var m dto.Metric
	if err := (<-ch).Write(&m); err != nil {
		t.Fatalf("read metric: %v", err)
	}

	if m.Counter != nil {
		return m.Counter.GetValue()
	}

	return m.Gauge.GetValue()
}
