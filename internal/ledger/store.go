package ledger

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/cockroachdb/errors"

	"Chainlog/internal/chain"
	"Chainlog/internal/envelope"
	"Chainlog/internal/storage"
)

// Key prefixes.
var (
	prefixBlock    = []byte("b:")
	prefixEnvelope = []byte("e:")
	prefixTip      = []byte("t:")
	prefixPending  = []byte("p:")

	keyLastBlock  = []byte("m:last")
	keyAuthorTip  = []byte("m:author")
	keyPendingSeq = []byte("m:pseq")
)

// ErrNotSequential is returned when a commit does not extend the last block.
var ErrNotSequential = errors.New("block does not extend the ledger")

// AuthorTip is the local node's own chain position including unsynced envelopes.
type AuthorTip struct {
	Sequence  uint64 `cbor:"seq"`
	Hash      string `cbor:"hash"`
	Timestamp string `cbor:"ts"`
}

// Commit is everything a block commit writes.
type Commit struct {
	Block     *Block               // Block is the block being committed
	Envelopes [][]byte             // Envelopes are stored under their hash; nil when kept elsewhere
	Tips      map[string]chain.Tip // Tips are the new per-node chain tips
	Synced    []string             // Synced are envelope hashes to drop from the pending queue
}

// Store is the ledger on top of the pebble key-value store.
type Store struct {
	db *storage.Storage

	mu sync.Mutex // mu serializes writers that read before writing
}

// Open opens or creates a ledger at path.
func Open(path string) (*Store, error) {
	db, err := storage.New(path)
	if err != nil {
		return nil, fmt.Errorf("open storage:\n%w", err)
	}

	return New(db), nil
}

// New wraps an existing storage.
func New(db *storage.Storage) *Store {
	return &Store{db: db}
}

// Close closes the underlying storage.
func (s *Store) Close() error {
	return s.db.Close()
}

// LastBlock returns the most recent committed block, or nil if there is none.
func (s *Store) LastBlock() (*Block, error) {
	raw, err := s.db.Get(keyLastBlock)
	if err != nil {
		return nil, fmt.Errorf("read last block pointer:\n%w", err)
	}

	if raw == nil {
		return nil, nil
	}

	if len(raw) != 8 {
		return nil, fmt.Errorf("corrupt last block pointer")
	}

	return s.Block(binary.BigEndian.Uint64(raw))
}

// Block returns block n, or nil if it does not exist.
func (s *Store) Block(n uint64) (*Block, error) {
	raw, err := s.db.Get(blockKey(n))
	if err != nil {
		return nil, fmt.Errorf("read block %d:\n%w", n, err)
	}

	if raw == nil {
		return nil, nil
	}

	var b Block
	if err := envelope.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("decode block %d:\n%w", n, err)
	}

	return &b, nil
}

// ListSince returns up to limit consecutive blocks starting at from.
func (s *Store) ListSince(from uint64, limit int) ([]*Block, error) {
	if from == 0 {
		from = 1
	}

	var blocks []*Block

	for n := from; limit <= 0 || len(blocks) < limit; n++ {
		b, err := s.Block(n)
		if err != nil {
			return nil, err
		}

		if b == nil {
			break
		}

		blocks = append(blocks, b)
	}

	return blocks, nil
}

// Envelope returns the stored envelope bytes for hash, or nil.
func (s *Store) Envelope(hash string) ([]byte, error) {
	return s.db.Get(envelopeKey(hash))
}

// Tip returns the committed chain tip of nodeID. It implements chain.TipSource.
func (s *Store) Tip(nodeID string) (chain.Tip, bool, error) {
	raw, err := s.db.Get(tipKey(nodeID))
	if err != nil {
		return chain.Tip{}, false, fmt.Errorf("read tip:\n%w", err)
	}

	if raw == nil {
		return chain.Tip{}, false, nil
	}

	var tip chain.Tip
	if err := envelope.Unmarshal(raw, &tip); err != nil {
		return chain.Tip{}, false, fmt.Errorf("decode tip of %s:\n%w", nodeID, err)
	}

	return tip, true, nil
}

// Tips returns every committed tip.
func (s *Store) Tips() (map[string]chain.Tip, error) {
	tips := make(map[string]chain.Tip)

	err := s.db.IteratePrefix(prefixTip, func(key, value []byte) error {
		var tip chain.Tip
		if err := envelope.Unmarshal(value, &tip); err != nil {
			return err
		}

		tips[string(key[len(prefixTip):])] = tip

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("iterate tips:\n%w", err)
	}

	return tips, nil
}

// Commit atomically persists c. The block must extend the current last block.
func (s *Store) Commit(c *Commit) error {
	if c == nil || c.Block == nil {
		return fmt.Errorf("nothing to commit")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	last, err := s.LastBlock()
	if err != nil {
		return err
	}

	if !c.Block.Follows(last) {
		return errors.Wrapf(ErrNotSequential, "block %d", c.Block.Number)
	}

	var batch storage.Batch

	for _, raw := range c.Envelopes {
		key := envelopeKey(envelope.Hash(raw))

		// Content-addressed: an existing key already holds these bytes.
		stored, err := s.db.Has(key)
		if err != nil {
			return fmt.Errorf("check envelope:\n%w", err)
		}

		if !stored {
			batch.Set(key, raw)
		}
	}

	for node, tip := range c.Tips {
		data, err := envelope.Marshal(&tip)
		if err != nil {
			return fmt.Errorf("encode tip of %s:\n%w", node, err)
		}
		batch.Set(tipKey(node), data)
	}

	if err := s.stageSyncedLocked(&batch, c.Synced); err != nil {
		return err
	}

	blockData, err := envelope.Marshal(c.Block)
	if err != nil {
		return fmt.Errorf("encode block:\n%w", err)
	}

	batch.Set(blockKey(c.Block.Number), blockData)
	batch.Set(keyLastBlock, uint64Bytes(c.Block.Number))

	if err := s.db.Apply(&batch, true); err != nil {
		return fmt.Errorf("apply commit batch:\n%w", err)
	}

	return nil
}

// Enqueue records a newly authored envelope hash as pending and advances
// the author tip in one batch.
func (s *Store) Enqueue(hash string, tip AuthorTip) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq, err := s.nextPendingSeqLocked()
	if err != nil {
		return err
	}

	tipData, err := envelope.Marshal(&tip)
	if err != nil {
		return fmt.Errorf("encode author tip:\n%w", err)
	}

	var batch storage.Batch
	batch.Set(pendingKey(seq), []byte(hash))
	batch.Set(keyPendingSeq, uint64Bytes(seq))
	batch.Set(keyAuthorTip, tipData)

	if err := s.db.Apply(&batch, true); err != nil {
		return fmt.Errorf("apply enqueue batch:\n%w", err)
	}

	return nil
}

// Pending returns up to limit pending envelope hashes in FIFO order.
// A limit of zero or less returns all of them.
func (s *Store) Pending(limit int) ([]string, error) {
	var hashes []string

	errStop := errors.New("stop")

	err := s.db.IteratePrefix(prefixPending, func(_, value []byte) error {
		if limit > 0 && len(hashes) >= limit {
			return errStop
		}

		hashes = append(hashes, string(value))

		return nil
	})
	if err != nil && !errors.Is(err, errStop) {
		return nil, fmt.Errorf("iterate pending:\n%w", err)
	}

	return hashes, nil
}

// AuthorTip returns the local author tip; the zero value if nothing was authored.
func (s *Store) AuthorTip() (AuthorTip, error) {
	raw, err := s.db.Get(keyAuthorTip)
	if err != nil {
		return AuthorTip{}, fmt.Errorf("read author tip:\n%w", err)
	}

	var tip AuthorTip
	if raw == nil {
		return tip, nil
	}

	if err := envelope.Unmarshal(raw, &tip); err != nil {
		return AuthorTip{}, fmt.Errorf("decode author tip:\n%w", err)
	}

	return tip, nil
}

// stageSyncedLocked queues deletion of pending entries whose hash is in synced.
func (s *Store) stageSyncedLocked(batch *storage.Batch, synced []string) error {
	if len(synced) == 0 {
		return nil
	}

	done := make(map[string]struct{}, len(synced))
	for _, h := range synced {
		done[h] = struct{}{}
	}

	return s.db.IteratePrefix(prefixPending, func(key, value []byte) error {
		if _, ok := done[string(value)]; ok {
			batch.Delete(bytes.Clone(key))
		}

		return nil
	})
}

// nextPendingSeqLocked returns the next pending queue position.
func (s *Store) nextPendingSeqLocked() (uint64, error) {
	raw, err := s.db.Get(keyPendingSeq)
	if err != nil {
		return 0, fmt.Errorf("read pending counter:\n%w", err)
	}

	if raw == nil {
		return 1, nil
	}

	return binary.BigEndian.Uint64(raw) + 1, nil
}

// blockKey returns the key of block n. Big-endian keeps blocks ordered.
func blockKey(n uint64) []byte {
	return append(bytes.Clone(prefixBlock), uint64Bytes(n)...)
}

// envelopeKey returns the key of an envelope hash.
func envelopeKey(hash string) []byte {
	return append(bytes.Clone(prefixEnvelope), hash...)
}

// tipKey returns the key of a node's tip.
func tipKey(nodeID string) []byte {
	return append(bytes.Clone(prefixTip), nodeID...)
}

// pendingKey returns the key of pending queue position seq.
func pendingKey(seq uint64) []byte {
	return append(bytes.Clone(prefixPending), uint64Bytes(seq)...)
}

// uint64Bytes encodes n big-endian.
func uint64Bytes(n uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], n)

	return b[:]
}
