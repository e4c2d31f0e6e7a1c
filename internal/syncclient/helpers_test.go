package syncclient

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"Chainlog/internal/envelope"
	"Chainlog/internal/keys"
	"Chainlog/internal/ledger"
	"Chainlog/internal/merkle"
	"Chainlog/internal/wire"
)

// recorder is a Sender that keeps every message.
type recorder struct {
	out chan wire.Message
}

func newRecorder() *recorder {
	return &recorder{out: make(chan wire.Message, 1024)}
}

func (r *recorder) Send(msg wire.Message) error {
	select {
	case r.out <- msg:
		return nil
	default:
		return errors.New("queue full")
	}
}

// expectMsg returns the next message of type T, skipping others.
func expectMsg[T wire.Message](t *testing.T, r *recorder) T {
	t.Helper()

	deadline := time.After(5 * time.Second)

	for {
		select {
		case m := <-r.out:
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

// eventually polls cond until it holds or fails the test after 5 seconds.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// identity is one directory member.
type identity struct {
	id   string
	keys *keys.NodeKeys
	seq  uint64
	prev string
}

func newIdentity(t *testing.T, id string) *identity {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	k, err := keys.Derive(id, priv)
	if err != nil {
		t.Fatalf("derive keys: %v", err)
	}

	return &identity{id: id, keys: k}
}

// author seals the identity's next envelope for recipients.
func (n *identity) author(t *testing.T, ts time.Time, recipients ...*identity) []byte {
	t.Helper()

	n.seq++
	stamp := ts.UTC().Format(envelope.TimeLayout)
	id := uuid.NewString()

	to := make(map[string]*[32]byte)
	for _, r := range append(recipients, n) {
		to[r.id] = &r.keys.BoxPub
	}

	env, err := envelope.Seal(
		&envelope.Report{
			ReportID:          id,
			CreationTimestamp: stamp,
			Content:           map[string]string{"summary": "incident"},
			Version:           envelope.ReportVersion,
			Status:            envelope.StatusPendingValidation,
		},
		&envelope.Metadata{
			ReportID:                id,
			MetadataTimestamp:       stamp,
			ReportCreationTimestamp: stamp,
			NodeSequenceNumber:      n.seq,
			PrevEnvelopeHash:        n.prev,
			Signer:                  envelope.Signer{NodeID: n.id},
		},
		to,
		n.keys.Signing,
	)
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

// directoryFor builds self's view of the given members.
func directoryFor(self *identity, members ...*identity) *keys.Directory {
	pubs := make([]keys.PublicKeys, len(members))
	for i, m := range members {
		pubs[i] = m.keys.Public()
	}

	return keys.NewDirectory(self.keys, pubs...)
}

// openTestStore opens a ledger in a temp directory.
func openTestStore(t *testing.T) *ledger.Store {
	t.Helper()

	s, err := ledger.Open(filepath.Join(t.TempDir(), "db"))
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}

	t.Cleanup(func() { s.Close() })

	return s
}

// openTestVault opens a vault in a temp directory.
func openTestVault(t *testing.T) *Vault {
	t.Helper()

	v, err := OpenVault(filepath.Join(t.TempDir(), "vault"))
	if err != nil {
		t.Fatalf("open vault: %v", err)
	}

	return v
}

// signedResult builds the SyncResult a coordinator would send for the
// ordered envelopes of a single author.
func signedResult(coord, author *identity, number uint64, prevRoot []byte, envs [][]byte) *wire.SyncResult {
	root := merkle.ComputeRoot(envs)

	hashes := make([]string, len(envs))
	for i, e := range envs {
		hashes[i] = envelope.Hash(e)
	}

	return &wire.SyncResult{
		RoundID:          uuid.NewString(),
		OrderedEnvelopes: envs,
		EnvelopeHashes:   hashes,
		BlockNumber:      number,
		BlockRoot:        root[:],
		SignedBlockRoot:  ed25519.Sign(coord.keys.Signing, root[:]),
		PrevBlockRoot:    prevRoot,
		PerNodeSignedBufferRoots: []wire.SignedBufferRoot{{
			NodeID:     author.id,
			BufferRoot: root[:],
			Signature:  ed25519.Sign(author.keys.Signing, root[:]),
		}},
	}
}
