// Package envelope seals incident reports into signed, confidential,
// content-addressed envelopes and opens them again.
//
// An envelope carries its metadata in the clear, the report content key
// wrapped once per recipient, and the AEAD-sealed report together with the
// signer's Ed25519 signature over report and metadata. The metadata doubles
// as the AEAD associated data so it cannot be swapped between envelopes.
package envelope

import (
	"time"
)

const (
	// SignerAlg identifies Ed25519 signatures over canonical(report) || canonical(metadata).
	SignerAlg = "Ed25519"

	// PayloadAlg identifies the AEAD protecting the inner payload.
	PayloadAlg = "AES-256-GCM"

	// KeyWrapAlg identifies anonymous X25519 sealed-box wrapping of the content key.
	KeyWrapAlg = "X25519-SEALEDBOX"

	// ReportVersion is the only report format version produced.
	ReportVersion = 1

	// StatusPendingValidation is the status of a freshly created report.
	StatusPendingValidation = "pending_validation"

	// TimeLayout is the RFC 3339 layout of every timestamp field.
	TimeLayout = time.RFC3339Nano

	contentKeySize = 32
	nonceSize      = 12
	tagSize        = 16
)

// Report is the plaintext incident report. It is never stored unencrypted.
type Report struct {
	ReportID          string            `cbor:"report_id"`
	CreationTimestamp string            `cbor:"report_creation_timestamp"`
	Pseudonym         string            `cbor:"reporter_pseudonym"`
	Content           map[string]string `cbor:"content"`
	Version           int               `cbor:"version"`
	Status            string            `cbor:"status"`
}

// Signer names the node that produced an envelope.
type Signer struct {
	NodeID string `cbor:"node_id"`
	Alg    string `cbor:"alg"`
}

// Metadata is the cleartext header of an envelope. It places the envelope
// in its signer's hash chain.
type Metadata struct {
	ReportID                string `cbor:"report_id"`
	MetadataTimestamp       string `cbor:"metadata_timestamp"`
	ReportCreationTimestamp string `cbor:"report_creation_timestamp"`
	NodeSequenceNumber      uint64 `cbor:"node_sequence_number"`
	PrevEnvelopeHash        string `cbor:"prev_envelope_hash"`
	Signer                  Signer `cbor:"signer"`
}

// WrappedKey is the content key sealed to one recipient.
type WrappedKey struct {
	Node         string `cbor:"node"`
	EncryptedKey []byte `cbor:"encrypted_key"`
}

// KeySection lists the wrapped content keys.
type KeySection struct {
	Alg  string       `cbor:"encryption_algorithm"`
	Keys []WrappedKey `cbor:"keys"`
}

// PayloadSection holds the AEAD output with the tag split from the ciphertext.
type PayloadSection struct {
	Alg        string `cbor:"encryption_algorithm"`
	Nonce      []byte `cbor:"nonce"`
	Ciphertext []byte `cbor:"ciphertext"`
	Tag        []byte `cbor:"tag"`
}

// Envelope is the unit that is stored, synced and ordered into blocks.
type Envelope struct {
	Metadata  Metadata       `cbor:"metadata"`
	KeyEnc    KeySection     `cbor:"key_encrypted"`
	ReportEnc PayloadSection `cbor:"report_encrypted"`
}

// innerPayload is the AEAD plaintext.
type innerPayload struct {
	Report    Report `cbor:"report"`
	Signature []byte `cbor:"signature"`
}

// Sealed pairs a decoded envelope with its canonical bytes and hex hash.
type Sealed struct {
	Envelope *Envelope // Envelope is the decoded form
	Raw      []byte    // Raw is the canonical encoding
	Hash     string    // Hash is hex(blake3(Raw))
}

// Signer returns the signing node id.
func (s *Sealed) Signer() string {
	return s.Envelope.Metadata.Signer.NodeID
}

// Sequence returns the node sequence number.
func (s *Sealed) Sequence() uint64 {
	return s.Envelope.Metadata.NodeSequenceNumber
}
