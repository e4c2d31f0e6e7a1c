package coordinator

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"Chainlog/internal/ledger"
	"Chainlog/internal/wire"
)

// TestHello_StartsRound tests registration through Hello and round start on startSync.
func TestHello_StartsRound(t *testing.T) {
	f := newFixture(t, Config{}, "alice")
	alice := f.nodes[0]

	conn := newFakeConn(alice.conn.key)
	f.coord.HandleMessage(conn, &wire.Hello{NodeID: "alice", StartSync: true})

	req := expectMsg[*wire.RequestBuffer](t, conn)
	if req.RoundID == "" {
		t.Error("empty round id")
	}

	// The old session was replaced.
	expectNone[*wire.RequestBuffer](t, alice.conn, 20*time.Millisecond)
}

// TestHello_KeyMismatch tests that a session cannot claim another node's id.
func TestHello_KeyMismatch(t *testing.T) {
	f := newFixture(t, Config{}, "alice")

	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	conn := newFakeConn(pub)
	f.coord.HandleMessage(conn, &wire.Hello{NodeID: "alice"})

	msg := expectMsg[*wire.ErrorMsg](t, conn)
	if msg.Code != wire.CodeNodeIDMismatch {
		t.Errorf("code = %s, want %s", msg.Code, wire.CodeNodeIDMismatch)
	}

	f.coord.HandleMessage(conn, &wire.Hello{NodeID: "nobody"})

	if msg := expectMsg[*wire.ErrorMsg](t, conn); msg.Code != wire.CodeNodeIDMismatch {
		t.Errorf("unknown node code = %s", msg.Code)
	}
}

// TestBufferUpload_NodeIDMismatch tests that uploads must name the session's node.
func TestBufferUpload_NodeIDMismatch(t *testing.T) {
	f := newFixture(t, Config{}, "alice", "bob")
	alice := f.nodes[0]

	f.start(t)

	envs := [][]byte{alice.author(t, time.Now().Add(-time.Minute))}
	root, sig := alice.signRoot(envs)

	f.coord.HandleMessage(alice.conn, &wire.BufferUpload{
		NodeID:           "bob",
		Envelopes:        envs,
		BufferRoot:       root,
		SignedBufferRoot: sig,
	})

	if msg := expectMsg[*wire.ErrorMsg](t, alice.conn); msg.Code != wire.CodeNodeIDMismatch {
		t.Errorf("code = %s, want %s", msg.Code, wire.CodeNodeIDMismatch)
	}
}

// TestBufferUpload_RejectedThenRetried tests an upload rejected in one round
// and accepted unchanged in the next.
func TestBufferUpload_RejectedThenRetried(t *testing.T) {
	f := newFixture(t, Config{RoundDeadline: 50 * time.Millisecond}, "alice", "bob")
	alice, bob := f.nodes[0], f.nodes[1]

	f.start(t)

	// alice's upload is rejected, bob stays silent: the deadline empties the round.
	envs := [][]byte{alice.author(t, time.Now().Add(-time.Minute))}
	root, _ := alice.signRoot(envs)

	f.coord.HandleMessage(alice.conn, &wire.BufferUpload{
		NodeID:           "alice",
		Envelopes:        envs,
		BufferRoot:       root,
		SignedBufferRoot: make([]byte, ed25519.SignatureSize),
	})

	if msg := expectMsg[*wire.ErrorMsg](t, alice.conn); msg.Code != wire.CodeInvalidSignature {
		t.Fatalf("code = %s, want %s", msg.Code, wire.CodeInvalidSignature)
	}

	deadline := time.Now().Add(5 * time.Second)
	for f.coord.Status().State != StateIdle.String() {
		if time.Now().After(deadline) {
			t.Fatal("round did not abort")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// bob stays silent again; the deadline finalizes with alice alone.
	f.start(t)

	root, sig := alice.signRoot(envs)
	f.coord.HandleMessage(alice.conn, &wire.BufferUpload{NodeID: "alice", Envelopes: envs, BufferRoot: root, SignedBufferRoot: sig})

	if msg := expectMsg[*wire.SyncResult](t, bob.conn); msg.BlockNumber != 1 {
		t.Fatalf("block number = %d", msg.BlockNumber)
	}
}

// TestAck_ForwardsVerdict tests that block acks reach the commit path.
func TestAck_ForwardsVerdict(t *testing.T) {
	f := newFixture(t, Config{}, "alice")
	alice := f.nodes[0]

	f.start(t)
	f.submit(t, alice, [][]byte{alice.author(t, time.Now().Add(-time.Minute))})

	res := expectMsg[*wire.SyncResult](t, alice.conn)

	f.coord.HandleMessage(alice.conn, &wire.Ack{
		Message:     wire.AckBlock,
		Success:     true,
		BlockNumber: res.BlockNumber,
		BlockRoot:   res.BlockRoot,
		Signature:   alice.keys.BLS.Sign(res.BlockRoot),
	})

	if notice := expectAck(t, alice.conn, wire.AckCommit); !notice.Success {
		t.Fatal("block not committed")
	}
}

// TestBlockRequest_ReturnsBundle tests catch-up from committed blocks.
func TestBlockRequest_ReturnsBundle(t *testing.T) {
	f := newFixture(t, Config{}, "alice")
	alice := f.nodes[0]

	f.start(t)
	envs := [][]byte{alice.author(t, time.Now().Add(-time.Minute))}
	f.submit(t, alice, envs)

	res := expectMsg[*wire.SyncResult](t, alice.conn)
	f.ack(t, alice, res, true)
	expectAck(t, alice.conn, wire.AckCommit)

	f.coord.HandleMessage(alice.conn, &wire.BlockRequest{FromNumber: 1})

	bundle := expectMsg[*wire.BlockBundle](t, alice.conn)

	entries, err := ledger.DecodeBundle(bundle.Data)
	if err != nil {
		t.Fatalf("decode bundle: %v", err)
	}

	if len(entries) != 1 || entries[0].Block.Number != 1 || len(entries[0].Envelopes) != 1 {
		t.Fatalf("entries = %+v", entries)
	}

	f.coord.HandleMessage(alice.conn, &wire.BlockRequest{FromNumber: 2})

	bundle = expectMsg[*wire.BlockBundle](t, alice.conn)
	if entries, err := ledger.DecodeBundle(bundle.Data); err != nil || len(entries) != 0 {
		t.Errorf("bundle past the tip = %d entries, %v", len(entries), err)
	}
}

// TestRegister_ReconnectResendsRequest tests that a node reconnecting mid-round is asked again.
func TestRegister_ReconnectResendsRequest(t *testing.T) {
	f := newFixture(t, Config{}, "alice", "bob")
	alice := f.nodes[0]

	id := f.start(t)

	f.coord.Disconnected(alice.conn)

	conn := newFakeConn(alice.conn.key)
	f.coord.HandleMessage(conn, &wire.Hello{NodeID: "alice"})

	if req := expectMsg[*wire.RequestBuffer](t, conn); req.RoundID != id {
		t.Errorf("round = %s, want %s", req.RoundID, id)
	}
}

// TestRegister_ReconnectDuringCommitResendsResult tests that a node that
// reconnects before acknowledging receives the pending block again.
func TestRegister_ReconnectDuringCommitResendsResult(t *testing.T) {
	f := newFixture(t, Config{}, "alice", "bob")
	alice, bob := f.nodes[0], f.nodes[1]
	base := time.Now().Add(-time.Hour)

	f.start(t)
	f.submit(t, alice, [][]byte{alice.author(t, base)})
	f.submit(t, bob, [][]byte{bob.author(t, base)})

	res := expectMsg[*wire.SyncResult](t, alice.conn)
	expectMsg[*wire.SyncResult](t, bob.conn)

	f.ack(t, bob, res, true)

	f.coord.Disconnected(alice.conn)
	aliceConn := newFakeConn(alice.conn.key)
	f.coord.HandleMessage(aliceConn, &wire.Hello{NodeID: "alice"})

	again := expectMsg[*wire.SyncResult](t, aliceConn)
	if !bytes.Equal(again.BlockRoot, res.BlockRoot) {
		t.Fatal("resent result carries a different block")
	}

	// Bob already acknowledged, so his reconnect sends nothing.
	f.coord.Disconnected(bob.conn)
	bobConn := newFakeConn(bob.conn.key)
	f.coord.HandleMessage(bobConn, &wire.Hello{NodeID: "bob"})
	expectNone[*wire.SyncResult](t, bobConn, 20*time.Millisecond)

	f.ack(t, alice, again, true)

	if last, _ := f.store.LastBlock(); last == nil || last.Number != 1 {
		t.Fatalf("block not committed: %+v", last)
	}
}
