package syncclient

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"

	"Chainlog/internal/envelope"
)

// ErrTampered is returned when a stored envelope no longer matches its hash.
var ErrTampered = errors.New("stored envelope does not match its hash")

// Vault stores envelopes as files named by their hash.
type Vault struct {
	dir string
}

// OpenVault opens or creates a vault in dir.
func OpenVault(dir string) (*Vault, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create vault dir:\n%w", err)
	}

	return &Vault{dir: dir}, nil
}

// Put stores raw under its hash. Storing the same envelope twice is a
// no-op; an existing file with different content is reported as tampered.
func (v *Vault) Put(raw []byte) (string, error) {
	hash := envelope.Hash(raw)
	path := v.path(hash)

	existing, err := os.ReadFile(path)
	if err == nil {
		if envelope.Hash(existing) != hash {
			return "", errors.Wrapf(ErrTampered, "envelope %s", hash)
		}

		return hash, nil
	}

	if !os.IsNotExist(err) {
		return "", fmt.Errorf("read envelope %s:\n%w", hash, err)
	}

	tmp, err := os.CreateTemp(v.dir, ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("create temp file:\n%w", err)
	}

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write envelope %s:\n%w", hash, err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("sync envelope %s:\n%w", hash, err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("close envelope %s:\n%w", hash, err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("rename envelope %s:\n%w", hash, err)
	}

	return hash, nil
}

// Get returns the envelope stored under hash after checking its content.
func (v *Vault) Get(hash string) ([]byte, error) {
	raw, err := os.ReadFile(v.path(hash))
	if err != nil {
		return nil, fmt.Errorf("read envelope %s:\n%w", hash, err)
	}

	if envelope.Hash(raw) != hash {
		return nil, errors.Wrapf(ErrTampered, "envelope %s", hash)
	}

	return raw, nil
}

// Has reports whether an envelope file exists for hash.
func (v *Vault) Has(hash string) bool {
	_, err := os.Stat(v.path(hash))
	return err == nil
}

// path returns the file of hash. Hashes are hex so they are safe file names.
func (v *Vault) path(hash string) string {
	return filepath.Join(v.dir, filepath.Base(hash)+".env")
}
