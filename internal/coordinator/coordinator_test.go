package coordinator

import (
	"bytes"
	"crypto/ed25519"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"

	"Chainlog/internal/chain"
	"Chainlog/internal/envelope"
	"Chainlog/internal/keys"
	"Chainlog/internal/merkle"
	"Chainlog/internal/wire"
)

// TestStartRound_NoSessions tests that a round needs at least one session.
func TestStartRound_NoSessions(t *testing.T) {
	f := newFixture(t, Config{})

	if _, err := f.coord.StartRound("alice"); !errors.Is(err, ErrRoundState) {
		t.Fatalf("expected ErrRoundState, got %v", err)
	}
}

// TestStartRound_Idempotent tests that starting during an active round joins it.
func TestStartRound_Idempotent(t *testing.T) {
	f := newFixture(t, Config{}, "alice", "bob")

	first := f.start(t)

	second, err := f.coord.StartRound("bob")
	if err != nil {
		t.Fatalf("join round: %v", err)
	}

	if first != second {
		t.Errorf("second start returned %s, want %s", second, first)
	}

	for _, n := range f.nodes {
		expectNone[*wire.RequestBuffer](t, n.conn, 50*time.Millisecond)
	}

	if st := f.coord.Status(); st.State != StateRoundOpen.String() || st.RoundID != first {
		t.Errorf("status = %+v", st)
	}
}

// TestRound_BlockOne walks two nodes through the first block end to end.
func TestRound_BlockOne(t *testing.T) {
	f := newFixture(t, Config{}, "alice", "bob")
	alice, bob := f.nodes[0], f.nodes[1]

	base := time.Now().Add(-time.Hour)
	a1 := alice.author(t, base)
	b1 := bob.author(t, base.Add(time.Second))
	a2 := alice.author(t, base.Add(2*time.Second))

	roundID := f.start(t)

	futA := f.submit(t, alice, [][]byte{a1, a2})
	futB := f.submit(t, bob, [][]byte{b1})

	res := expectMsg[*wire.SyncResult](t, alice.conn)
	expectMsg[*wire.SyncResult](t, bob.conn)

	if res.RoundID != roundID || res.BlockNumber != 1 || len(res.PrevBlockRoot) != 0 {
		t.Fatalf("unexpected header: round=%s number=%d prev=%x", res.RoundID, res.BlockNumber, res.PrevBlockRoot)
	}

	wantOrder := [][]byte{a1, b1, a2}
	for i, raw := range wantOrder {
		if !bytes.Equal(res.OrderedEnvelopes[i], raw) {
			t.Fatalf("envelope %d out of order", i)
		}

		if res.EnvelopeHashes[i] != envelope.Hash(raw) {
			t.Fatalf("hash %d mismatch", i)
		}
	}

	if !merkle.VerifyRoot(wantOrder, res.BlockRoot) {
		t.Error("block root is not the Merkle root of the ordered envelopes")
	}

	if !ed25519.Verify(f.self.Signing.Public().(ed25519.PublicKey), res.BlockRoot, res.SignedBlockRoot) {
		t.Error("block signature does not verify")
	}

	if len(res.PerNodeSignedBufferRoots) != 2 || res.PerNodeSignedBufferRoots[0].NodeID != "alice" {
		t.Errorf("buffer roots = %+v", res.PerNodeSignedBufferRoots)
	}

	for _, fut := range []*Future{futA, futB} {
		out, err := fut.Wait(t.Context())
		if err != nil || out.Err != nil || out.Block == nil || out.Block.Number != 1 {
			t.Fatalf("future outcome = %+v, %v", out, err)
		}
	}

	if last, _ := f.store.LastBlock(); last != nil {
		t.Fatal("block persisted before acknowledgements")
	}

	f.ack(t, alice, res, true)
	f.ack(t, bob, res, true)

	for _, n := range f.nodes {
		notice := expectAck(t, n.conn, wire.AckCommit)
		if !notice.Success || notice.BlockNumber != 1 || !bytes.Equal(notice.BlockRoot, res.BlockRoot) {
			t.Errorf("%s commit notice = %+v", n.id, notice)
		}
	}

	last, err := f.store.LastBlock()
	if err != nil || last == nil || last.Number != 1 {
		t.Fatalf("last block = %+v, %v", last, err)
	}

	if last.Certificate == nil {
		t.Fatal("committed block has no certificate")
	}

	nodes := f.coord.keys.Nodes()
	var pubs [][]byte
	for _, idx := range keys.BitmapIndices(last.Certificate.Signers) {
		pk, _ := f.coord.keys.Lookup(nodes[idx])
		pubs = append(pubs, pk.BLS)
	}

	if len(pubs) != 2 || !keys.VerifyAggregated(last.Certificate.Signature, last.Root, pubs) {
		t.Error("certificate does not verify for both signers")
	}

	tip, ok, err := f.store.Tip("alice")
	if err != nil || !ok || tip != (chain.Tip{Sequence: 2, Hash: envelope.Hash(a2)}) {
		t.Errorf("alice tip = %+v, %v, %v", tip, ok, err)
	}

	tip, ok, _ = f.store.Tip("bob")
	if !ok || tip != (chain.Tip{Sequence: 1, Hash: envelope.Hash(b1)}) {
		t.Errorf("bob tip = %+v", tip)
	}

	for _, raw := range wantOrder {
		stored, err := f.store.Envelope(envelope.Hash(raw))
		if err != nil || !bytes.Equal(stored, raw) {
			t.Errorf("envelope not stored: %v", err)
		}
	}

	if st := f.coord.Status(); st.State != StateIdle.String() || st.LastBlock != 1 {
		t.Errorf("status after commit = %+v", st)
	}

	if v := metricValue(t, f.coord.metrics.roundsCommitted); v != 1 {
		t.Errorf("rounds committed = %v", v)
	}
}

// TestRound_AnyInterleaving tests that every submission order finalizes
// exactly once into the same envelope order.
func TestRound_AnyInterleaving(t *testing.T) {
	perms := [][]int{{0, 1, 2}, {0, 2, 1}, {1, 0, 2}, {1, 2, 0}, {2, 0, 1}, {2, 1, 0}}
	base := time.Now().Add(-time.Hour)

	var reference []string

	for _, perm := range perms {
		f := newFixture(t, Config{}, "alice", "bob", "carol")

		buffers := make([][][]byte, 3)
		for i, n := range f.nodes {
			// Equal timestamps across nodes so the tie-breakers decide.
			buffers[i] = [][]byte{n.author(t, base), n.author(t, base.Add(time.Duration(i)*time.Second))}
		}

		f.start(t)

		for _, idx := range perm {
			f.submit(t, f.nodes[idx], buffers[idx])
		}

		// Every session gets exactly one copy of the same result.
		var res *wire.SyncResult
		for _, n := range f.nodes {
			got := expectMsg[*wire.SyncResult](t, n.conn)
			if res == nil {
				res = got
			} else if !bytes.Equal(got.BlockRoot, res.BlockRoot) {
				t.Fatalf("perm %v: %s got a different block root", perm, n.id)
			}
		}
		for _, n := range f.nodes {
			expectNone[*wire.SyncResult](t, n.conn, 20*time.Millisecond)
		}

		order := make([]string, len(res.OrderedEnvelopes))
		for i, raw := range res.OrderedEnvelopes {
			s, err := envelope.Parse(raw)
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			order[i] = fmt.Sprintf("%s/%d", s.Signer(), s.Sequence())
		}

		if reference == nil {
			reference = order
			continue
		}

		if fmt.Sprint(order) != fmt.Sprint(reference) {
			t.Fatalf("perm %v ordered %v, want %v", perm, order, reference)
		}
	}

	want := "[alice/1 bob/1 carol/1 alice/2 bob/2 carol/2]"
	if fmt.Sprint(reference) != want {
		t.Errorf("order = %v, want %s", reference, want)
	}
}

// TestRound_ConcurrentSubmissions tests concurrent uploads finalize once.
func TestRound_ConcurrentSubmissions(t *testing.T) {
	f := newFixture(t, Config{}, "alice", "bob", "carol", "dave")
	base := time.Now().Add(-time.Hour)

	f.start(t)

	var wg sync.WaitGroup
	for _, n := range f.nodes {
		envs := [][]byte{n.author(t, base)}
		root, sig := n.signRoot(envs)

		wg.Add(1)
		go func(n *testNode) {
			defer wg.Done()

			if _, err := f.coord.SubmitBuffer(t.Context(), n.id, envs, root, sig); err != nil {
				t.Errorf("submit %s: %v", n.id, err)
			}
		}(n)
	}
	wg.Wait()

	for _, n := range f.nodes {
		res := expectMsg[*wire.SyncResult](t, n.conn)
		if len(res.OrderedEnvelopes) != 4 {
			t.Errorf("%s got %d envelopes", n.id, len(res.OrderedEnvelopes))
		}
		expectNone[*wire.SyncResult](t, n.conn, 20*time.Millisecond)
	}
}

// TestRoundDeadline_ExcludesSilentNode tests that 2 of 3 nodes still produce a block.
func TestRoundDeadline_ExcludesSilentNode(t *testing.T) {
	f := newFixture(t, Config{RoundDeadline: 100 * time.Millisecond}, "alice", "bob", "carol")
	base := time.Now().Add(-time.Hour)

	f.start(t)

	f.submit(t, f.nodes[0], [][]byte{f.nodes[0].author(t, base)})
	f.submit(t, f.nodes[1], [][]byte{f.nodes[1].author(t, base)})

	res := expectMsg[*wire.SyncResult](t, f.nodes[2].conn)

	if len(res.PerNodeSignedBufferRoots) != 2 {
		t.Fatalf("block has %d buffer roots, want 2", len(res.PerNodeSignedBufferRoots))
	}

	for _, br := range res.PerNodeSignedBufferRoots {
		if br.NodeID == "carol" {
			t.Error("silent node included in block")
		}
	}

	// Late buffers are refused once the round left collection.
	carol := f.nodes[2]
	envs := [][]byte{carol.author(t, base)}
	root, sig := carol.signRoot(envs)

	if _, err := f.coord.SubmitBuffer(t.Context(), carol.id, envs, root, sig); !errors.Is(err, ErrRoundState) {
		t.Errorf("late submission: expected ErrRoundState, got %v", err)
	}

	// The silent node is still connected, so it is part of the ack set.
	for _, n := range f.nodes {
		f.ack(t, n, res, true)
	}

	if last, _ := f.store.LastBlock(); last == nil || last.Number != 1 {
		t.Fatalf("block not committed: %+v", last)
	}

	if _, ok, _ := f.store.Tip("carol"); ok {
		t.Error("silent node's tip advanced")
	}

	if tip, ok, _ := f.store.Tip("alice"); !ok || tip.Sequence != 1 {
		t.Errorf("alice tip = %+v, %v", tip, ok)
	}
}

// TestRoundDeadline_AllSilentAborts tests that a round without buffers aborts.
func TestRoundDeadline_AllSilentAborts(t *testing.T) {
	f := newFixture(t, Config{RoundDeadline: 50 * time.Millisecond}, "alice")

	f.start(t)

	deadline := time.Now().Add(5 * time.Second)
	for f.coord.Status().State != StateIdle.String() {
		if time.Now().After(deadline) {
			t.Fatal("round did not abort")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if v := metricValue(t, f.coord.metrics.roundsAborted); v != 1 {
		t.Errorf("rounds aborted = %v", v)
	}

	if last, _ := f.store.LastBlock(); last != nil {
		t.Error("aborted round wrote a block")
	}
}

// TestSubmitBuffer_Rejections tests that each failed check rejects only the
// offending node with the matching error.
func TestSubmitBuffer_Rejections(t *testing.T) {
	base := time.Now().Add(-time.Hour)

	tests := []struct {
		name string
		make func(t *testing.T, n *testNode) (envs [][]byte, root, sig []byte)
		want error
		code wire.ErrorCode
	}{
		{
			name: "bad signature",
			make: func(t *testing.T, n *testNode) ([][]byte, []byte, []byte) {
				envs := [][]byte{n.author(t, base)}
				root, sig := n.signRoot(envs)
				sig[0] ^= 0xff
				return envs, root, sig
			},
			want: envelope.ErrSignatureInvalid,
			code: wire.CodeInvalidSignature,
		},
		{
			name: "bad merkle root",
			make: func(t *testing.T, n *testNode) ([][]byte, []byte, []byte) {
				envs := [][]byte{n.author(t, base), n.author(t, base)}
				root, sig := n.signRoot([][]byte{envs[1], envs[0]})
				return envs, root, sig
			},
			want: merkle.ErrMerkleMismatch,
			code: wire.CodeInvalidMerkleRoot,
		},
		{
			name: "sequence gap",
			make: func(t *testing.T, n *testNode) ([][]byte, []byte, []byte) {
				n.author(t, base)
				envs := [][]byte{n.author(t, base)}
				root, sig := n.signRoot(envs)
				return envs, root, sig
			},
			want: chain.ErrChainViolation,
			code: wire.CodeInvalidChain,
		},
		{
			name: "future timestamp",
			make: func(t *testing.T, n *testNode) ([][]byte, []byte, []byte) {
				envs := [][]byte{n.author(t, time.Now().Add(time.Hour))}
				root, sig := n.signRoot(envs)
				return envs, root, sig
			},
			want: envelope.ErrStructural,
			code: wire.CodeVerificationError,
		},
		{
			name: "garbage envelope",
			make: func(t *testing.T, n *testNode) ([][]byte, []byte, []byte) {
				envs := [][]byte{[]byte("not an envelope")}
				root, sig := n.signRoot(envs)
				return envs, root, sig
			},
			want: envelope.ErrStructural,
			code: wire.CodeVerificationError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{}, "alice", "mallory")
			alice, mallory := f.nodes[0], f.nodes[1]

			f.start(t)

			envs, root, sig := tt.make(t, mallory)

			_, err := f.coord.SubmitBuffer(t.Context(), mallory.id, envs, root, sig)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}

			if code := codeFor(err); code != tt.code {
				t.Errorf("code = %s, want %s", code, tt.code)
			}

			// The honest node alone completes the round.
			f.submit(t, alice, [][]byte{alice.author(t, base)})

			res := expectMsg[*wire.SyncResult](t, alice.conn)
			if len(res.PerNodeSignedBufferRoots) != 1 || res.PerNodeSignedBufferRoots[0].NodeID != "alice" {
				t.Errorf("buffer roots = %+v", res.PerNodeSignedBufferRoots)
			}
		})
	}
}

// TestSubmitBuffer_Duplicate tests that a node submits at most once per round.
func TestSubmitBuffer_Duplicate(t *testing.T) {
	f := newFixture(t, Config{}, "alice", "bob")
	alice := f.nodes[0]

	f.start(t)

	envs := [][]byte{alice.author(t, time.Now().Add(-time.Minute))}
	f.submit(t, alice, envs)

	root, sig := alice.signRoot(envs)
	if _, err := f.coord.SubmitBuffer(t.Context(), alice.id, envs, root, sig); !errors.Is(err, ErrRoundState) {
		t.Errorf("expected ErrRoundState, got %v", err)
	}
}

// TestSubmitBuffer_AllRejectedAborts tests that rejecting the last node aborts.
func TestSubmitBuffer_AllRejectedAborts(t *testing.T) {
	f := newFixture(t, Config{}, "alice")
	alice := f.nodes[0]

	f.start(t)

	envs := [][]byte{alice.author(t, time.Now().Add(-time.Minute))}
	root, _ := alice.signRoot(envs)

	if _, err := f.coord.SubmitBuffer(t.Context(), alice.id, envs, root, []byte("bad")); err == nil {
		t.Fatal("expected rejection")
	}

	if st := f.coord.Status(); st.State != StateIdle.String() {
		t.Errorf("state = %s, want idle", st.State)
	}
}

// TestCommit_RejectLeavesLedgerUntouched tests that one reject discards the
// block and that the same envelopes commit in a later round.
func TestCommit_RejectLeavesLedgerUntouched(t *testing.T) {
	f := newFixture(t, Config{}, "alice", "bob")
	alice, bob := f.nodes[0], f.nodes[1]
	base := time.Now().Add(-time.Hour)

	envsA := [][]byte{alice.author(t, base)}
	envsB := [][]byte{bob.author(t, base)}

	f.start(t)
	f.submit(t, alice, envsA)
	f.submit(t, bob, envsB)

	res := expectMsg[*wire.SyncResult](t, alice.conn)

	f.ack(t, alice, res, true)
	f.ack(t, bob, res, false)

	for _, n := range f.nodes {
		notice := expectAck(t, n.conn, wire.AckCommit)
		if notice.Success {
			t.Errorf("%s received a commit notice for a rejected block", n.id)
		}
	}

	if last, _ := f.store.LastBlock(); last != nil {
		t.Fatal("rejected block was persisted")
	}

	if _, ok, _ := f.store.Tip("alice"); ok {
		t.Error("tip advanced for rejected block")
	}

	if raw, _ := f.store.Envelope(envelope.Hash(envsA[0])); raw != nil {
		t.Error("envelope stored for rejected block")
	}

	// Late acks for the discarded block are refused.
	if err := f.coord.ReceiveCommitAck(alice.id, res.BlockRoot, true, nil); !errors.Is(err, ErrRoundState) {
		t.Errorf("late ack: expected ErrRoundState, got %v", err)
	}

	f.start(t)
	f.submit(t, alice, envsA)
	f.submit(t, bob, envsB)

	res = expectMsg[*wire.SyncResult](t, bob.conn)
	if res.BlockNumber != 1 {
		t.Errorf("retry block number = %d, want 1", res.BlockNumber)
	}

	f.ack(t, alice, res, true)
	f.ack(t, bob, res, true)

	if last, _ := f.store.LastBlock(); last == nil || last.Number != 1 {
		t.Fatalf("retry not committed: %+v", last)
	}
}

// TestCommit_InvalidSignatureRejects tests that an accept without a valid BLS signature rejects.
func TestCommit_InvalidSignatureRejects(t *testing.T) {
	f := newFixture(t, Config{}, "alice", "bob")
	alice, bob := f.nodes[0], f.nodes[1]

	f.start(t)
	f.submit(t, alice, [][]byte{alice.author(t, time.Now().Add(-time.Minute))})
	f.submit(t, bob, nil)

	res := expectMsg[*wire.SyncResult](t, alice.conn)

	f.ack(t, alice, res, true)

	// bob signs with alice's BLS key.
	if err := f.coord.ReceiveCommitAck(bob.id, res.BlockRoot, true, alice.keys.BLS.Sign(res.BlockRoot)); err != nil {
		t.Fatalf("ack: %v", err)
	}

	if notice := expectAck(t, alice.conn, wire.AckCommit); notice.Success {
		t.Error("forged signature committed the block")
	}
}

// TestCommit_DuplicateAckCountsOnce tests that repeated acks do not complete the set.
func TestCommit_DuplicateAckCountsOnce(t *testing.T) {
	f := newFixture(t, Config{}, "alice", "bob")
	alice := f.nodes[0]

	f.start(t)
	f.submit(t, alice, [][]byte{alice.author(t, time.Now().Add(-time.Minute))})
	f.submit(t, f.nodes[1], nil)

	res := expectMsg[*wire.SyncResult](t, alice.conn)

	f.ack(t, alice, res, true)
	f.ack(t, alice, res, true)

	if last, _ := f.store.LastBlock(); last != nil {
		t.Error("block committed with one of two acks")
	}

	if st := f.coord.Status(); st.State != StatePendingCommit.String() {
		t.Errorf("state = %s, want pending_commit", st.State)
	}
}

// TestCommitDeadline_RejectsMissingAcks tests that silent acknowledgers abort the block.
func TestCommitDeadline_RejectsMissingAcks(t *testing.T) {
	f := newFixture(t, Config{CommitDeadline: 50 * time.Millisecond}, "alice", "bob")
	alice := f.nodes[0]

	f.start(t)
	f.submit(t, alice, [][]byte{alice.author(t, time.Now().Add(-time.Minute))})
	f.submit(t, f.nodes[1], nil)

	res := expectMsg[*wire.SyncResult](t, alice.conn)
	f.ack(t, alice, res, true)

	if notice := expectAck(t, alice.conn, wire.AckCommit); notice.Success {
		t.Fatal("expected reject notice")
	}

	if last, _ := f.store.LastBlock(); last != nil {
		t.Error("block committed without every ack")
	}
}

// TestRound_EmptyBuffers tests that a round without envelopes produces no block.
func TestRound_EmptyBuffers(t *testing.T) {
	f := newFixture(t, Config{}, "alice", "bob")

	f.start(t)

	var futures []*Future
	for _, n := range f.nodes {
		futures = append(futures, f.submit(t, n, nil))
	}

	for _, n := range f.nodes {
		expectAck(t, n.conn, wire.AckRoundEmpty)
	}

	for _, fut := range futures {
		out, err := fut.Wait(t.Context())
		if err != nil || out.Err != nil || out.Block != nil {
			t.Errorf("outcome = %+v, %v", out, err)
		}
	}

	if last, _ := f.store.LastBlock(); last != nil {
		t.Error("empty round wrote a block")
	}

	if st := f.coord.Status(); st.State != StateIdle.String() {
		t.Errorf("state = %s, want idle", st.State)
	}
}

// TestRound_SecondBlockLinks tests numbering and linkage across rounds.
func TestRound_SecondBlockLinks(t *testing.T) {
	f := newFixture(t, Config{}, "alice")
	alice := f.nodes[0]
	base := time.Now().Add(-time.Hour)

	var roots [][]byte

	for i := 0; i < 2; i++ {
		f.start(t)
		f.submit(t, alice, [][]byte{alice.author(t, base.Add(time.Duration(i)*time.Second))})

		res := expectMsg[*wire.SyncResult](t, alice.conn)
		if res.BlockNumber != uint64(i+1) {
			t.Fatalf("block number = %d, want %d", res.BlockNumber, i+1)
		}

		if i > 0 && !bytes.Equal(res.PrevBlockRoot, roots[i-1]) {
			t.Fatal("block 2 does not link to block 1")
		}

		roots = append(roots, res.BlockRoot)
		f.ack(t, alice, res, true)
		expectAck(t, alice.conn, wire.AckCommit)
	}

	tip, _, _ := f.store.Tip("alice")
	if tip.Sequence != 2 {
		t.Errorf("tip sequence = %d, want 2", tip.Sequence)
	}
}

// TestRound_NoAckSetCommitsImmediately tests a block finalized after every session left.
func TestRound_NoAckSetCommitsImmediately(t *testing.T) {
	f := newFixture(t, Config{RoundDeadline: time.Hour}, "alice")
	alice := f.nodes[0]

	f.start(t)
	f.coord.Disconnected(alice.conn)

	f.submit(t, alice, [][]byte{alice.author(t, time.Now().Add(-time.Minute))})

	last, err := f.store.LastBlock()
	if err != nil || last == nil || last.Number != 1 || last.Certificate != nil {
		t.Fatalf("last block = %+v, %v", last, err)
	}
}
