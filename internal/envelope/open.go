package envelope

import (
	"crypto/ed25519"

	"github.com/cockroachdb/errors"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

// Open unwraps the content key for recipientNodeID, decrypts and
// authenticates the payload against the metadata, and verifies the
// signature with sender. It never returns a partially trusted report.
func Open(env *Envelope, recipientPriv *[32]byte, recipientNodeID string, sender ed25519.PublicKey) (*Report, error) {
	if env == nil || recipientPriv == nil {
		return nil, errors.Wrap(ErrStructural, "nil envelope or key")
	}

	if len(env.ReportEnc.Nonce) != nonceSize || len(env.ReportEnc.Tag) != tagSize {
		return nil, errors.Wrap(ErrStructural, "bad nonce or tag length")
	}

	if len(sender) != ed25519.PublicKeySize {
		return nil, errors.Wrap(ErrSignatureInvalid, "bad sender key length")
	}

	wrapped := findWrappedKey(env, recipientNodeID)
	if wrapped == nil {
		return nil, errors.Wrapf(ErrNoRecipientKey, "node %s", recipientNodeID)
	}

	contentKey, err := unwrapKey(wrapped, recipientPriv)
	if err != nil {
		return nil, err
	}

	aad, err := env.Metadata.Canonical()
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "encode metadata"), ErrStructural)
	}

	aead, err := newAEAD(contentKey)
	if err != nil {
		return nil, err
	}

	sealed := make([]byte, 0, len(env.ReportEnc.Ciphertext)+tagSize)
	sealed = append(sealed, env.ReportEnc.Ciphertext...)
	sealed = append(sealed, env.ReportEnc.Tag...)

	plaintext, err := aead.Open(nil, env.ReportEnc.Nonce, sealed, aad)
	if err != nil {
		return nil, errors.Wrap(ErrAuthenticationFailure, "payload tag mismatch")
	}

	var inner innerPayload
	if err := decMode.Unmarshal(plaintext, &inner); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "decode payload"), ErrStructural)
	}

	reportBytes, err := inner.Report.Canonical()
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "encode report"), ErrStructural)
	}

	if !ed25519.Verify(sender, signedMessage(reportBytes, aad), inner.Signature) {
		return nil, errors.Wrapf(ErrSignatureInvalid, "report %s", env.Metadata.ReportID)
	}

	if inner.Report.ReportID != env.Metadata.ReportID {
		return nil, errors.Wrap(ErrStructural, "metadata does not describe report")
	}

	return &inner.Report, nil
}

// findWrappedKey returns the key wrapped for node, or nil.
func findWrappedKey(env *Envelope, node string) []byte {
	for _, k := range env.KeyEnc.Keys {
		if k.Node == node {
			return k.EncryptedKey
		}
	}

	return nil
}

// unwrapKey opens an anonymous sealed box with the recipient's X25519 key.
func unwrapKey(wrapped []byte, priv *[32]byte) ([]byte, error) {
	pubBytes, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, errors.Wrap(err, "derive recipient public key")
	}

	var pub [32]byte
	copy(pub[:], pubBytes)

	key, ok := box.OpenAnonymous(nil, wrapped, &pub, priv)
	if !ok {
		return nil, errors.Wrap(ErrAuthenticationFailure, "content key unwrap failed")
	}

	if len(key) != contentKeySize {
		return nil, errors.Wrap(ErrStructural, "bad content key length")
	}

	return key, nil
}
