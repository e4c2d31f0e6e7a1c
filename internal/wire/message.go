// Package wire defines the sync protocol messages and their FlatBuffers
// encoding. Every message travels inside a types.Message union; Marshal and
// Unmarshal convert between that union and plain Go structs.
package wire

// Message is one of the protocol messages below.
type Message interface {
	isMessage()
}

// ErrorCode classifies an ErrorMsg.
type ErrorCode string

const (
	CodeNodeIDMismatch    ErrorCode = "NODE_ID_MISMATCH"
	CodeInvalidSignature  ErrorCode = "INVALID_SIGNATURE"
	CodeInvalidMerkleRoot ErrorCode = "INVALID_MERKLE_ROOT"
	CodeInvalidChain      ErrorCode = "INVALID_ENVELOPE_CHAIN"
	CodeVerificationError ErrorCode = "VERIFICATION_ERROR"
	CodeSyncFailed        ErrorCode = "SYNC_FAILED"
	CodeSubmitFailed      ErrorCode = "SUBMIT_FAILED"
)

// Ack kinds carried in Ack.Message.
const (
	// AckBlock is a node's verdict on a SyncResult.
	AckBlock = "block"

	// AckCommit is the coordinator's commit or reject notice for a pending block.
	AckCommit = "commit"

	// AckRoundEmpty tells nodes a round completed without envelopes.
	AckRoundEmpty = "round-empty"
)

// Hello registers a session and optionally starts or joins a round.
type Hello struct {
	NodeID    string
	StartSync bool
}

// RequestBuffer asks a node to upload its pending envelopes for a round.
type RequestBuffer struct {
	RoundID string
}

// BufferUpload carries a node's pending envelopes and its signed buffer root.
type BufferUpload struct {
	NodeID            string
	Envelopes         [][]byte
	BufferRoot        []byte
	SignedBufferRoot  []byte
	LastKnownSequence uint64
	LastKnownHash     string
}

// SignedBufferRoot is one node's buffer root and signature inside a SyncResult.
type SignedBufferRoot struct {
	NodeID     string
	BufferRoot []byte
	Signature  []byte
}

// SyncResult is a finalized block broadcast for verification.
type SyncResult struct {
	RoundID                  string
	OrderedEnvelopes         [][]byte
	EnvelopeHashes           []string
	BlockNumber              uint64
	BlockRoot                []byte
	SignedBlockRoot          []byte
	PrevBlockRoot            []byte
	PerNodeSignedBufferRoots []SignedBufferRoot
}

// Ack is sent by nodes to accept or reject a block and by the coordinator
// to announce commit, reject or an empty round.
type Ack struct {
	Message     string
	Success     bool
	BlockNumber uint64
	BlockRoot   []byte
	Signature   []byte
}

// ErrorMsg reports a failure to the peer.
type ErrorMsg struct {
	Code    ErrorCode
	Message string
}

// BlockRequest asks for committed blocks starting at FromNumber.
type BlockRequest struct {
	FromNumber uint64
}

// BlockBundle answers a BlockRequest with a compressed bundle of blocks.
type BlockBundle struct {
	FromNumber uint64
	Data       []byte
}

func (*Hello) isMessage()         {}
func (*RequestBuffer) isMessage() {}
func (*BufferUpload) isMessage()  {}
func (*SyncResult) isMessage()    {}
func (*Ack) isMessage()           {}
func (*ErrorMsg) isMessage()      {}
func (*BlockRequest) isMessage()  {}
func (*BlockBundle) isMessage()   {}
