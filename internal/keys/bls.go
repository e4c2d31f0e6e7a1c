package keys

import (
	"crypto/rand"
	"fmt"

	blst "github.com/supranational/blst/bindings/go"
	"github.com/zeebo/blake3"
)

const (
	// BLSPublicKeySize is the size of a compressed BLS public key in bytes.
	BLSPublicKeySize = 48

	// BLSSignatureSize is the size of a compressed BLS signature in bytes.
	BLSSignatureSize = 96
)

// blsDST is the domain separation tag for commit acknowledgements.
var blsDST = []byte("BLS_SIG_BLS12381G2_XMD:SHA-256_SSWU_RO_NUL_")

// BLSKey signs commit acknowledgements so they can be aggregated into
// one certificate per block.
type BLSKey struct {
	secret *blst.SecretKey // secret is the private scalar
	public *blst.P1Affine  // public is the G1 public key
}

// deriveBLS derives the BLS key bound to an Ed25519 seed via
// BLAKE3("chainlog-bls-keygen" || seed).
func deriveBLS(seed []byte) (*BLSKey, error) {
	h := blake3.New()
	h.Write([]byte("chainlog-bls-keygen"))
	h.Write(seed)

	var derived [32]byte
	h.Sum(derived[:0])

	return NewBLSKeyFromSeed(derived[:])
}

// NewBLSKey creates a BLS key from a random seed.
func NewBLSKey() (*BLSKey, error) {
	var ikm [32]byte
	if _, err := rand.Read(ikm[:]); err != nil {
		return nil, fmt.Errorf("generate random seed:\n%w", err)
	}

	return NewBLSKeyFromSeed(ikm[:])
}

// NewBLSKeyFromSeed creates a BLS key from a seed of at least 32 bytes.
func NewBLSKeyFromSeed(seed []byte) (*BLSKey, error) {
	if len(seed) < 32 {
		return nil, fmt.Errorf("seed must be at least 32 bytes")
	}

	secret := blst.KeyGen(seed)
	if secret == nil {
		return nil, fmt.Errorf("failed to generate BLS key")
	}

	return &BLSKey{
		secret: secret,
		public: new(blst.P1Affine).From(secret),
	}, nil
}

// Sign returns the compressed signature over message.
func (k *BLSKey) Sign(message []byte) []byte {
	return new(blst.P2Affine).Sign(k.secret, message, blsDST).Compress()
}

// PublicKeyBytes returns the compressed public key.
func (k *BLSKey) PublicKeyBytes() []byte {
	return k.public.Compress()
}

// VerifyBLS checks one signature against message and publicKey.
func VerifyBLS(signature, message, publicKey []byte) bool {
	if len(signature) != BLSSignatureSize || len(publicKey) != BLSPublicKeySize {
		return false
	}

	sig := new(blst.P2Affine).Uncompress(signature)
	if sig == nil {
		return false
	}

	pk := new(blst.P1Affine).Uncompress(publicKey)
	if pk == nil {
		return false
	}

	return sig.Verify(true, pk, true, message, blsDST)
}

// AggregateSignatures combines signatures over the same message.
func AggregateSignatures(signatures [][]byte) ([]byte, error) {
	if len(signatures) == 0 {
		return nil, fmt.Errorf("no signatures to aggregate")
	}

	sigs := make([]*blst.P2Affine, len(signatures))

	for i, raw := range signatures {
		if len(raw) != BLSSignatureSize {
			return nil, fmt.Errorf("invalid signature size at index %d", i)
		}

		sig := new(blst.P2Affine).Uncompress(raw)
		if sig == nil {
			return nil, fmt.Errorf("invalid signature at index %d", i)
		}

		sigs[i] = sig
	}

	agg := new(blst.P2Aggregate)
	if !agg.Aggregate(sigs, true) {
		return nil, fmt.Errorf("signature aggregation failed")
	}

	return agg.ToAffine().Compress(), nil
}

// VerifyAggregated checks an aggregate signature over message by every key in publicKeys.
func VerifyAggregated(signature, message []byte, publicKeys [][]byte) bool {
	if len(signature) != BLSSignatureSize || len(publicKeys) == 0 {
		return false
	}

	sig := new(blst.P2Affine).Uncompress(signature)
	if sig == nil {
		return false
	}

	pks := make([]*blst.P1Affine, len(publicKeys))

	for i, raw := range publicKeys {
		if len(raw) != BLSPublicKeySize {
			return false
		}

		pk := new(blst.P1Affine).Uncompress(raw)
		if pk == nil {
			return false
		}

		pks[i] = pk
	}

	aggPk := new(blst.P1Aggregate)
	if !aggPk.Aggregate(pks, true) {
		return false
	}

	return sig.Verify(true, aggPk.ToAffine(), true, message, blsDST)
}

// SignerBitmap marks which positions of a sorted node list signed.
func SignerBitmap(indices []int, total int) []byte {
	bitmap := make([]byte, (total+7)/8)

	for _, idx := range indices {
		if idx >= 0 && idx < total {
			bitmap[idx/8] |= 1 << (idx % 8)
		}
	}

	return bitmap
}

// BitmapIndices returns the set positions of bitmap in increasing order.
func BitmapIndices(bitmap []byte) []int {
	var indices []int

	for byteIdx, b := range bitmap {
		for bit := 0; bit < 8; bit++ {
			if b&(1<<bit) != 0 {
				indices = append(indices, byteIdx*8+bit)
			}
		}
	}

	return indices
}
