package wire

import (
	"fmt"

	flatbuffers "github.com/google/flatbuffers/go"

	"Chainlog/internal/types"
)

// minMessageSize is the smallest buffer that can hold a root offset and a vtable.
const minMessageSize = 8

// Unmarshal decodes a types.Message. Malformed input from a peer returns an
// error instead of panicking.
func Unmarshal(data []byte) (msg Message, err error) {
	if len(data) < minMessageSize {
		return nil, fmt.Errorf("message too short: %d bytes", len(data))
	}

	defer func() {
		if r := recover(); r != nil {
			msg, err = nil, fmt.Errorf("malformed message: %v", r)
		}
	}()

	root := types.GetRootAsMessage(data, 0)

	var tab flatbuffers.Table
	if !root.Payload(&tab) {
		return nil, fmt.Errorf("message has no payload")
	}

	switch kind := root.PayloadType(); kind {
	case types.PayloadHello:
		var t types.Hello
		t.Init(tab.Bytes, tab.Pos)
		return &Hello{NodeID: string(t.NodeId()), StartSync: t.StartSync()}, nil

	case types.PayloadRequestBuffer:
		var t types.RequestBuffer
		t.Init(tab.Bytes, tab.Pos)
		return &RequestBuffer{RoundID: string(t.RoundId())}, nil

	case types.PayloadBufferUpload:
		var t types.BufferUpload
		t.Init(tab.Bytes, tab.Pos)
		return readBufferUpload(&t), nil

	case types.PayloadSyncResult:
		var t types.SyncResult
		t.Init(tab.Bytes, tab.Pos)
		return readSyncResult(&t), nil

	case types.PayloadAck:
		var t types.Ack
		t.Init(tab.Bytes, tab.Pos)
		return &Ack{
			Message:     string(t.Message()),
			Success:     t.Success(),
			BlockNumber: t.BlockNumber(),
			BlockRoot:   clone(t.BlockRootBytes()),
			Signature:   clone(t.SignatureBytes()),
		}, nil

	case types.PayloadError:
		var t types.Error
		t.Init(tab.Bytes, tab.Pos)
		return &ErrorMsg{Code: ErrorCode(t.Code()), Message: string(t.Message())}, nil

	case types.PayloadBlockRequest:
		var t types.BlockRequest
		t.Init(tab.Bytes, tab.Pos)
		return &BlockRequest{FromNumber: t.FromNumber()}, nil

	case types.PayloadBlockBundle:
		var t types.BlockBundle
		t.Init(tab.Bytes, tab.Pos)
		return &BlockBundle{FromNumber: t.FromNumber(), Data: clone(t.DataBytes())}, nil

	default:
		return nil, fmt.Errorf("unknown payload type %s", kind)
	}
}

// readBufferUpload copies a BufferUpload table into a struct.
func readBufferUpload(t *types.BufferUpload) *BufferUpload {
	m := &BufferUpload{
		NodeID:            string(t.NodeId()),
		Envelopes:         make([][]byte, t.EnvelopesLength()),
		BufferRoot:        clone(t.BufferRootBytes()),
		SignedBufferRoot:  clone(t.SignedBufferRootBytes()),
		LastKnownSequence: t.LastKnownSequence(),
		LastKnownHash:     string(t.LastKnownHash()),
	}

	var blob types.Blob
	for i := range m.Envelopes {
		if t.Envelopes(&blob, i) {
			m.Envelopes[i] = clone(blob.DataBytes())
		}
	}

	return m
}

// readSyncResult copies a SyncResult table into a struct.
func readSyncResult(t *types.SyncResult) *SyncResult {
	m := &SyncResult{
		RoundID:                  string(t.RoundId()),
		OrderedEnvelopes:         make([][]byte, t.OrderedEnvelopesLength()),
		EnvelopeHashes:           make([]string, t.EnvelopeHashesLength()),
		BlockNumber:              t.BlockNumber(),
		BlockRoot:                clone(t.BlockRootBytes()),
		SignedBlockRoot:          clone(t.SignedBlockRootBytes()),
		PrevBlockRoot:            clone(t.PrevBlockRootBytes()),
		PerNodeSignedBufferRoots: make([]SignedBufferRoot, t.PerNodeSignedBufferRootsLength()),
	}

	var blob types.Blob
	for i := range m.OrderedEnvelopes {
		if t.OrderedEnvelopes(&blob, i) {
			m.OrderedEnvelopes[i] = clone(blob.DataBytes())
		}
	}

	for i := range m.EnvelopeHashes {
		m.EnvelopeHashes[i] = string(t.EnvelopeHashes(i))
	}

	var root types.SignedBufferRoot
	for i := range m.PerNodeSignedBufferRoots {
		if t.PerNodeSignedBufferRoots(&root, i) {
			m.PerNodeSignedBufferRoots[i] = SignedBufferRoot{
				NodeID:     string(root.NodeId()),
				BufferRoot: clone(root.BufferRootBytes()),
				Signature:  clone(root.SignatureBytes()),
			}
		}
	}

	return m
}

// clone copies b out of the message buffer. nil stays nil.
func clone(b []byte) []byte {
	if b == nil {
		return nil
	}

	out := make([]byte, len(b))
	copy(out, b)

	return out
}
