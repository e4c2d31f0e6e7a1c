package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"sort"

	"github.com/cockroachdb/errors"
	"golang.org/x/crypto/nacl/box"
)

// Seal signs report together with meta, encrypts the signed payload under a
// fresh content key bound to meta, and wraps that key for every recipient.
// Output is randomized: sealing the same input twice yields different bytes.
func Seal(report *Report, meta *Metadata, recipients map[string]*[32]byte, signer ed25519.PrivateKey) (*Envelope, error) {
	if report == nil || meta == nil {
		return nil, errors.New("report and metadata are required")
	}

	if len(recipients) == 0 {
		return nil, errors.New("at least one recipient is required")
	}

	if len(signer) != ed25519.PrivateKeySize {
		return nil, errors.Newf("invalid signer key size %d", len(signer))
	}

	md := *meta
	md.Signer.Alg = SignerAlg

	reportBytes, err := report.Canonical()
	if err != nil {
		return nil, errors.Wrap(err, "encode report")
	}

	aad, err := md.Canonical()
	if err != nil {
		return nil, errors.Wrap(err, "encode metadata")
	}

	signature := ed25519.Sign(signer, signedMessage(reportBytes, aad))

	plaintext, err := encMode.Marshal(&innerPayload{Report: *report, Signature: signature})
	if err != nil {
		return nil, errors.Wrap(err, "encode payload")
	}

	contentKey := make([]byte, contentKeySize)
	if _, err := rand.Read(contentKey); err != nil {
		return nil, errors.Wrap(err, "generate content key")
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, errors.Wrap(err, "generate nonce")
	}

	aead, err := newAEAD(contentKey)
	if err != nil {
		return nil, err
	}

	sealed := aead.Seal(nil, nonce, plaintext, aad)
	split := len(sealed) - tagSize

	keys, err := wrapKey(contentKey, recipients)
	if err != nil {
		return nil, err
	}

	return &Envelope{
		Metadata: md,
		KeyEnc: KeySection{
			Alg:  KeyWrapAlg,
			Keys: keys,
		},
		ReportEnc: PayloadSection{
			Alg:        PayloadAlg,
			Nonce:      nonce,
			Ciphertext: sealed[:split],
			Tag:        sealed[split:],
		},
	}, nil
}

// wrapKey seals contentKey to each recipient in node id order.
func wrapKey(contentKey []byte, recipients map[string]*[32]byte) ([]WrappedKey, error) {
	nodes := make([]string, 0, len(recipients))
	for id := range recipients {
		nodes = append(nodes, id)
	}
	sort.Strings(nodes)

	keys := make([]WrappedKey, 0, len(nodes))

	for _, id := range nodes {
		pub := recipients[id]
		if pub == nil {
			return nil, errors.Newf("recipient %s has no encryption key", id)
		}

		wrapped, err := box.SealAnonymous(nil, contentKey, pub, rand.Reader)
		if err != nil {
			return nil, errors.Wrapf(err, "wrap key for %s", id)
		}

		keys = append(keys, WrappedKey{Node: id, EncryptedKey: wrapped})
	}

	return keys, nil
}

// signedMessage is the byte string covered by the signer's signature.
func signedMessage(report, metadata []byte) []byte {
	msg := make([]byte, 0, len(report)+len(metadata))
	msg = append(msg, report...)

	return append(msg, metadata...)
}

// newAEAD builds AES-256-GCM over key.
func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "init aes")
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "init gcm")
	}

	return aead, nil
}
