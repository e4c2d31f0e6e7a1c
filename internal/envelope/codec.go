package envelope

import (
	"bytes"
	"encoding/hex"

	"github.com/cockroachdb/errors"
	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}

	decMode, err = cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		IndefLength:       cbor.IndefLengthForbidden,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// Marshal encodes v in deterministic CBOR.
// Other packages use it for their own canonical records.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes strict CBOR into v. Duplicate keys, unknown fields and
// indefinite lengths are rejected.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Canonical returns the canonical bytes of the report.
func (r *Report) Canonical() ([]byte, error) {
	return encMode.Marshal(r)
}

// Canonical returns the canonical bytes of the metadata.
func (m *Metadata) Canonical() ([]byte, error) {
	return encMode.Marshal(m)
}

// Encode returns the canonical bytes of env.
func Encode(env *Envelope) ([]byte, error) {
	data, err := encMode.Marshal(env)
	if err != nil {
		return nil, errors.Wrap(err, "encode envelope")
	}

	return data, nil
}

// Decode parses canonical envelope bytes. Any encoding that does not
// re-encode to the same bytes is rejected, so equal hashes imply equal
// envelopes.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := decMode.Unmarshal(data, &env); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "decode envelope"), ErrStructural)
	}

	again, err := encMode.Marshal(&env)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "re-encode envelope"), ErrStructural)
	}

	if !bytes.Equal(again, data) {
		return nil, errors.Wrap(ErrStructural, "non-canonical encoding")
	}

	return &env, nil
}

// Hash returns hex(blake3(data)).
func Hash(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Parse decodes raw envelope bytes and computes their hash.
func Parse(raw []byte) (*Sealed, error) {
	env, err := Decode(raw)
	if err != nil {
		return nil, err
	}

	return &Sealed{Envelope: env, Raw: raw, Hash: Hash(raw)}, nil
}

// NewSealed encodes env and computes its hash.
func NewSealed(env *Envelope) (*Sealed, error) {
	raw, err := Encode(env)
	if err != nil {
		return nil, err
	}

	return &Sealed{Envelope: env, Raw: raw, Hash: Hash(raw)}, nil
}
