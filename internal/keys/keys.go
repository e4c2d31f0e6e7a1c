// Package keys holds node identities: the Ed25519 signing key, the X25519
// key used to receive report content keys, and the BLS key used for commit
// certificates. Only the Ed25519 seed is stored; the other keys derive from it.
package keys

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/curve25519"
)

// NodeKeys is the private key material of the local node.
type NodeKeys struct {
	NodeID  string             // NodeID is the node's stable identifier
	Signing ed25519.PrivateKey // Signing signs envelopes, buffer roots and blocks
	BoxPriv [32]byte           // BoxPriv opens wrapped content keys
	BoxPub  [32]byte           // BoxPub is published for senders
	BLS     *BLSKey            // BLS signs commit acknowledgements
}

// PublicKeys is what other participants know about a node.
type PublicKeys struct {
	NodeID  string
	Signing ed25519.PublicKey
	Box     [32]byte
	BLS     []byte
}

// Provider resolves node public keys and exposes the local private keys.
type Provider interface {
	Self() *NodeKeys
	Lookup(nodeID string) (PublicKeys, bool)
	Nodes() []string
}

// Derive builds every key of nodeID from its Ed25519 private key.
func Derive(nodeID string, signing ed25519.PrivateKey) (*NodeKeys, error) {
	if nodeID == "" {
		return nil, fmt.Errorf("node id is required")
	}

	if len(signing) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid signing key size: got %d, want %d", len(signing), ed25519.PrivateKeySize)
	}

	seed := signing.Seed()

	h := blake3.New()
	h.Write([]byte("chainlog-box-keygen"))
	h.Write(seed)

	var boxPriv [32]byte
	h.Sum(boxPriv[:0])

	pub, err := curve25519.X25519(boxPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive box key:\n%w", err)
	}

	blsKey, err := deriveBLS(seed)
	if err != nil {
		return nil, fmt.Errorf("derive bls key:\n%w", err)
	}

	k := &NodeKeys{
		NodeID:  nodeID,
		Signing: signing,
		BoxPriv: boxPriv,
		BLS:     blsKey,
	}
	copy(k.BoxPub[:], pub)

	return k, nil
}

// Public returns the shareable half of k.
func (k *NodeKeys) Public() PublicKeys {
	return PublicKeys{
		NodeID:  k.NodeID,
		Signing: k.Signing.Public().(ed25519.PublicKey),
		Box:     k.BoxPub,
		BLS:     k.BLS.PublicKeyBytes(),
	}
}

// directoryEntry is the JSON form of PublicKeys.
type directoryEntry struct {
	NodeID  string `json:"node_id"`
	Signing string `json:"signing_key"`
	Box     string `json:"box_key"`
	BLS     string `json:"bls_key"`
}

// MarshalJSON encodes keys as hex strings.
func (p PublicKeys) MarshalJSON() ([]byte, error) {
	return json.Marshal(directoryEntry{
		NodeID:  p.NodeID,
		Signing: hex.EncodeToString(p.Signing),
		Box:     hex.EncodeToString(p.Box[:]),
		BLS:     hex.EncodeToString(p.BLS),
	})
}

// UnmarshalJSON decodes and checks the sizes of hex keys.
func (p *PublicKeys) UnmarshalJSON(data []byte) error {
	var e directoryEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return err
	}

	if e.NodeID == "" {
		return fmt.Errorf("missing node_id")
	}

	signing, err := hex.DecodeString(e.Signing)
	if err != nil || len(signing) != ed25519.PublicKeySize {
		return fmt.Errorf("node %s: invalid signing_key", e.NodeID)
	}

	box, err := hex.DecodeString(e.Box)
	if err != nil || len(box) != 32 {
		return fmt.Errorf("node %s: invalid box_key", e.NodeID)
	}

	bls, err := hex.DecodeString(e.BLS)
	if err != nil || len(bls) != BLSPublicKeySize {
		return fmt.Errorf("node %s: invalid bls_key", e.NodeID)
	}

	p.NodeID = e.NodeID
	p.Signing = ed25519.PublicKey(signing)
	copy(p.Box[:], box)
	p.BLS = bls

	return nil
}

// Directory is an in-memory Provider.
type Directory struct {
	self *NodeKeys

	mu    sync.RWMutex
	nodes map[string]PublicKeys
}

// NewDirectory creates a directory for self that also knows peers.
// Self is always included.
func NewDirectory(self *NodeKeys, peers ...PublicKeys) *Directory {
	d := &Directory{self: self, nodes: make(map[string]PublicKeys)}

	for _, p := range peers {
		d.nodes[p.NodeID] = p
	}

	if self != nil {
		d.nodes[self.NodeID] = self.Public()
	}

	return d
}

// LoadDirectory reads a JSON array of public keys from path.
func LoadDirectory(path string, self *NodeKeys) (*Directory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read directory:\n%w", err)
	}

	var entries []PublicKeys
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse directory %s:\n%w", path, err)
	}

	if self != nil {
		for _, e := range entries {
			if e.NodeID == self.NodeID && !bytes.Equal(e.Signing, self.Signing.Public().(ed25519.PublicKey)) {
				return nil, fmt.Errorf("directory key for %s does not match the local key", self.NodeID)
			}
		}
	}

	return NewDirectory(self, entries...), nil
}

// Self returns the local private keys.
func (d *Directory) Self() *NodeKeys {
	return d.self
}

// Lookup returns the public keys of nodeID.
func (d *Directory) Lookup(nodeID string) (PublicKeys, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	p, ok := d.nodes[nodeID]

	return p, ok
}

// LookupSigning returns the node id registered for an Ed25519 public key.
func (d *Directory) LookupSigning(pub ed25519.PublicKey) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for id, p := range d.nodes {
		if bytes.Equal(p.Signing, pub) {
			return id, true
		}
	}

	return "", false
}

// Add registers or replaces a node's public keys.
func (d *Directory) Add(p PublicKeys) {
	d.mu.Lock()
	d.nodes[p.NodeID] = p
	d.mu.Unlock()
}

// Nodes returns every known node id in sorted order.
func (d *Directory) Nodes() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	ids := make([]string, 0, len(d.nodes))
	for id := range d.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	return ids
}
