package envelope

import "github.com/cockroachdb/errors"

var (
	// ErrStructural marks malformed, non-canonical or incomplete envelopes.
	ErrStructural = errors.New("malformed envelope")

	// ErrAuthenticationFailure marks a failed key unwrap or AEAD tag check.
	ErrAuthenticationFailure = errors.New("envelope authentication failed")

	// ErrSignatureInvalid marks a bad Ed25519 signature.
	ErrSignatureInvalid = errors.New("invalid signature")

	// ErrNoRecipientKey is returned by Open when no key is wrapped for the caller.
	ErrNoRecipientKey = errors.New("no wrapped key for recipient")
)
