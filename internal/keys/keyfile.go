package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"os"
)

// LoadOrGenerate loads the Ed25519 private key at path, creating and saving
// a new one when the file does not exist. An empty path yields an
// ephemeral key.
func LoadOrGenerate(path string) (ed25519.PrivateKey, error) {
	if path == "" {
		return generateKey()
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return generateAndSaveKey(path)
	}

	if err != nil {
		return nil, fmt.Errorf("read key file:\n%w", err)
	}

	if len(data) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid key size: got %d, want %d", len(data), ed25519.PrivateKeySize)
	}

	return ed25519.PrivateKey(data), nil
}

// generateKey creates a new Ed25519 private key.
func generateKey() (ed25519.PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key:\n%w", err)
	}

	return priv, nil
}

// generateAndSaveKey creates a new key and saves it to path.
func generateAndSaveKey(path string) (ed25519.PrivateKey, error) {
	priv, err := generateKey()
	if err != nil {
		return nil, err
	}

	if err := os.WriteFile(path, priv, 0600); err != nil {
		return nil, fmt.Errorf("save key to %s:\n%w", path, err)
	}

	return priv, nil
}
