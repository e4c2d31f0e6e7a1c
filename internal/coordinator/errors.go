package coordinator

import (
	"github.com/cockroachdb/errors"

	"Chainlog/internal/chain"
	"Chainlog/internal/envelope"
	"Chainlog/internal/merkle"
	"Chainlog/internal/wire"
)

var (
	// ErrRoundState is returned when an operation does not fit the current round state.
	ErrRoundState = errors.New("invalid round state")

	// ErrTimeout marks a round or commit that ran out of time.
	ErrTimeout = errors.New("round deadline exceeded")

	// ErrNodeIDMismatch is returned when a message names a node other than its session's.
	ErrNodeIDMismatch = errors.New("node id does not match session")

	// ErrUnknownNode is returned for node ids missing from the key directory.
	ErrUnknownNode = errors.New("unknown node")
)

// codeFor maps a submission failure to the error code reported to the node.
func codeFor(err error) wire.ErrorCode {
	switch {
	case errors.Is(err, ErrNodeIDMismatch), errors.Is(err, ErrUnknownNode):
		return wire.CodeNodeIDMismatch
	case errors.Is(err, envelope.ErrSignatureInvalid):
		return wire.CodeInvalidSignature
	case errors.Is(err, merkle.ErrMerkleMismatch):
		return wire.CodeInvalidMerkleRoot
	case errors.Is(err, chain.ErrChainViolation):
		return wire.CodeInvalidChain
	case errors.Is(err, ErrRoundState):
		return wire.CodeSubmitFailed
	default:
		return wire.CodeVerificationError
	}
}
