package ledger

import (
	"bytes"
	"fmt"

	"github.com/cockroachdb/errors"
)

// ErrDiverged is returned by Compare when two ledgers disagree.
var ErrDiverged = errors.New("ledgers diverged")

const compareBatch = 256

// Compare checks that a and b agree on every block they both hold. A store
// that is merely behind the other compares equal; when both end at the same
// block their tips must also match. It returns the number of shared blocks.
func Compare(a, b *Store) (uint64, error) {
	var shared uint64

	for from := uint64(1); ; from += compareBatch {
		left, err := a.ListSince(from, compareBatch)
		if err != nil {
			return shared, fmt.Errorf("list first ledger:\n%w", err)
		}

		right, err := b.ListSince(from, compareBatch)
		if err != nil {
			return shared, fmt.Errorf("list second ledger:\n%w", err)
		}

		n := min(len(left), len(right))
		for i := 0; i < n; i++ {
			if !bytes.Equal(left[i].Root, right[i].Root) {
				return shared, errors.Wrapf(ErrDiverged, "block %d: root %s != %s",
					left[i].Number, left[i].RootHex(), right[i].RootHex())
			}
			shared++
		}

		if len(left) != len(right) {
			return shared, nil
		}

		if n < compareBatch {
			break
		}
	}

	return shared, compareTips(a, b)
}

// compareTips checks that both stores hold identical chain tips.
func compareTips(a, b *Store) error {
	left, err := a.Tips()
	if err != nil {
		return err
	}

	right, err := b.Tips()
	if err != nil {
		return err
	}

	for id, tip := range left {
		other, ok := right[id]
		if !ok || other != tip {
			return errors.Wrapf(ErrDiverged, "tip of %s: %+v != %+v", id, tip, other)
		}
	}

	for id, tip := range right {
		if _, ok := left[id]; !ok {
			return errors.Wrapf(ErrDiverged, "tip of %s only in second ledger: %+v", id, tip)
		}
	}

	return nil
}
