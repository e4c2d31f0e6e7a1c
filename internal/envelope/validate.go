package envelope

import (
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// ValidateStructure checks env without decrypting it and returns every
// problem found. The metadata timestamp is compared to the current time.
func ValidateStructure(env *Envelope) (bool, []string) {
	reasons := ValidateStructureAt(env, time.Now(), 0)
	return len(reasons) == 0, reasons
}

// Validate is ValidateStructureAt returning ErrStructural with the joined reasons.
func Validate(env *Envelope, now time.Time, skew time.Duration) error {
	reasons := ValidateStructureAt(env, now, skew)
	if len(reasons) == 0 {
		return nil
	}

	return errors.Wrap(ErrStructural, strings.Join(reasons, "; "))
}

// ValidateStructureAt checks env against now, tolerating metadata
// timestamps up to skew in the future.
func ValidateStructureAt(env *Envelope, now time.Time, skew time.Duration) []string {
	if env == nil {
		return []string{"envelope is nil"}
	}

	var reasons []string
	fail := func(format string, args ...any) {
		reasons = append(reasons, fmt.Sprintf(format, args...))
	}

	md := &env.Metadata

	if md.ReportID == "" {
		fail("missing report_id")
	}

	if md.Signer.NodeID == "" {
		fail("missing signer.node_id")
	}

	if md.Signer.Alg != SignerAlg {
		fail("unsupported signer.alg %q", md.Signer.Alg)
	}

	if md.NodeSequenceNumber < 1 {
		fail("node_sequence_number must be >= 1")
	}

	if md.NodeSequenceNumber == 1 && md.PrevEnvelopeHash != "" {
		fail("prev_envelope_hash must be empty for the first envelope")
	}

	if md.NodeSequenceNumber > 1 && md.PrevEnvelopeHash == "" {
		fail("missing prev_envelope_hash")
	}

	if md.ReportCreationTimestamp == "" {
		fail("missing report_creation_timestamp")
	} else if _, err := time.Parse(TimeLayout, md.ReportCreationTimestamp); err != nil {
		fail("invalid report_creation_timestamp %q", md.ReportCreationTimestamp)
	}

	if md.MetadataTimestamp == "" {
		fail("missing metadata_timestamp")
	} else if ts, err := time.Parse(TimeLayout, md.MetadataTimestamp); err != nil {
		fail("invalid metadata_timestamp %q", md.MetadataTimestamp)
	} else if ts.After(now.Add(skew)) {
		fail("metadata_timestamp %s is in the future", md.MetadataTimestamp)
	}

	if env.KeyEnc.Alg != KeyWrapAlg {
		fail("unsupported key_encrypted.encryption_algorithm %q", env.KeyEnc.Alg)
	}

	if len(env.KeyEnc.Keys) == 0 {
		fail("key_encrypted.keys is empty")
	}

	for i, k := range env.KeyEnc.Keys {
		if k.Node == "" || len(k.EncryptedKey) == 0 {
			fail("key_encrypted.keys[%d] is incomplete", i)
		}
	}

	if env.ReportEnc.Alg != PayloadAlg {
		fail("unsupported report_encrypted.encryption_algorithm %q", env.ReportEnc.Alg)
	}

	if len(env.ReportEnc.Nonce) != nonceSize {
		fail("report_encrypted.nonce must be %d bytes", nonceSize)
	}

	if len(env.ReportEnc.Ciphertext) == 0 {
		fail("report_encrypted.ciphertext is empty")
	}

	if len(env.ReportEnc.Tag) != tagSize {
		fail("report_encrypted.tag must be %d bytes", tagSize)
	}

	return reasons
}

// MetadataTime parses the metadata timestamp. Callers must have validated env.
func MetadataTime(env *Envelope) time.Time {
	ts, _ := time.Parse(TimeLayout, env.Metadata.MetadataTimestamp)
	return ts
}
