package wire

import (
	"fmt"

	flatbuffers "github.com/google/flatbuffers/go"

	"Chainlog/internal/types"
)

// Marshal encodes msg as a FlatBuffers types.Message.
func Marshal(msg Message) ([]byte, error) {
	builder := flatbuffers.NewBuilder(256)

	var (
		kind    types.Payload
		payload flatbuffers.UOffsetT
	)

	switch m := msg.(type) {
	case *Hello:
		kind, payload = types.PayloadHello, buildHello(builder, m)
	case *RequestBuffer:
		kind, payload = types.PayloadRequestBuffer, buildRequestBuffer(builder, m)
	case *BufferUpload:
		kind, payload = types.PayloadBufferUpload, buildBufferUpload(builder, m)
	case *SyncResult:
		kind, payload = types.PayloadSyncResult, buildSyncResult(builder, m)
	case *Ack:
		kind, payload = types.PayloadAck, buildAck(builder, m)
	case *ErrorMsg:
		kind, payload = types.PayloadError, buildError(builder, m)
	case *BlockRequest:
		kind, payload = types.PayloadBlockRequest, buildBlockRequest(builder, m)
	case *BlockBundle:
		kind, payload = types.PayloadBlockBundle, buildBlockBundle(builder, m)
	default:
		return nil, fmt.Errorf("unsupported message type %T", msg)
	}

	types.MessageStart(builder)
	types.MessageAddPayloadType(builder, kind)
	types.MessageAddPayload(builder, payload)
	types.FinishMessageBuffer(builder, types.MessageEnd(builder))

	return builder.FinishedBytes(), nil
}

// buildHello writes a Hello table.
func buildHello(b *flatbuffers.Builder, m *Hello) flatbuffers.UOffsetT {
	nodeID := b.CreateString(m.NodeID)

	types.HelloStart(b)
	types.HelloAddNodeId(b, nodeID)
	types.HelloAddStartSync(b, m.StartSync)

	return types.HelloEnd(b)
}

// buildRequestBuffer writes a RequestBuffer table.
func buildRequestBuffer(b *flatbuffers.Builder, m *RequestBuffer) flatbuffers.UOffsetT {
	roundID := b.CreateString(m.RoundID)

	types.RequestBufferStart(b)
	types.RequestBufferAddRoundId(b, roundID)

	return types.RequestBufferEnd(b)
}

// buildBufferUpload writes a BufferUpload table.
func buildBufferUpload(b *flatbuffers.Builder, m *BufferUpload) flatbuffers.UOffsetT {
	nodeID := b.CreateString(m.NodeID)
	envelopes := buildBlobVector(b, m.Envelopes, types.BufferUploadStartEnvelopesVector)
	root := b.CreateByteVector(m.BufferRoot)
	signed := b.CreateByteVector(m.SignedBufferRoot)
	lastHash := b.CreateString(m.LastKnownHash)

	types.BufferUploadStart(b)
	types.BufferUploadAddNodeId(b, nodeID)
	types.BufferUploadAddEnvelopes(b, envelopes)
	types.BufferUploadAddBufferRoot(b, root)
	types.BufferUploadAddSignedBufferRoot(b, signed)
	types.BufferUploadAddLastKnownSequence(b, m.LastKnownSequence)
	types.BufferUploadAddLastKnownHash(b, lastHash)

	return types.BufferUploadEnd(b)
}

// buildSyncResult writes a SyncResult table.
func buildSyncResult(b *flatbuffers.Builder, m *SyncResult) flatbuffers.UOffsetT {
	roundID := b.CreateString(m.RoundID)
	envelopes := buildBlobVector(b, m.OrderedEnvelopes, types.SyncResultStartOrderedEnvelopesVector)

	hashOffsets := make([]flatbuffers.UOffsetT, len(m.EnvelopeHashes))
	for i, h := range m.EnvelopeHashes {
		hashOffsets[i] = b.CreateString(h)
	}
	hashes := buildOffsetVector(b, hashOffsets, types.SyncResultStartEnvelopeHashesVector)

	rootOffsets := make([]flatbuffers.UOffsetT, len(m.PerNodeSignedBufferRoots))
	for i, r := range m.PerNodeSignedBufferRoots {
		nodeID := b.CreateString(r.NodeID)
		root := b.CreateByteVector(r.BufferRoot)
		sig := b.CreateByteVector(r.Signature)

		types.SignedBufferRootStart(b)
		types.SignedBufferRootAddNodeId(b, nodeID)
		types.SignedBufferRootAddBufferRoot(b, root)
		types.SignedBufferRootAddSignature(b, sig)
		rootOffsets[i] = types.SignedBufferRootEnd(b)
	}
	roots := buildOffsetVector(b, rootOffsets, types.SyncResultStartPerNodeSignedBufferRootsVector)

	blockRoot := b.CreateByteVector(m.BlockRoot)
	signed := b.CreateByteVector(m.SignedBlockRoot)

	var prev flatbuffers.UOffsetT
	if m.PrevBlockRoot != nil {
		prev = b.CreateByteVector(m.PrevBlockRoot)
	}

	types.SyncResultStart(b)
	types.SyncResultAddRoundId(b, roundID)
	types.SyncResultAddOrderedEnvelopes(b, envelopes)
	types.SyncResultAddEnvelopeHashes(b, hashes)
	types.SyncResultAddBlockNumber(b, m.BlockNumber)
	types.SyncResultAddBlockRoot(b, blockRoot)
	types.SyncResultAddSignedBlockRoot(b, signed)
	if m.PrevBlockRoot != nil {
		types.SyncResultAddPrevBlockRoot(b, prev)
	}
	types.SyncResultAddPerNodeSignedBufferRoots(b, roots)

	return types.SyncResultEnd(b)
}

// buildAck writes an Ack table.
func buildAck(b *flatbuffers.Builder, m *Ack) flatbuffers.UOffsetT {
	message := b.CreateString(m.Message)
	root := b.CreateByteVector(m.BlockRoot)
	sig := b.CreateByteVector(m.Signature)

	types.AckStart(b)
	types.AckAddMessage(b, message)
	types.AckAddSuccess(b, m.Success)
	types.AckAddBlockNumber(b, m.BlockNumber)
	types.AckAddBlockRoot(b, root)
	types.AckAddSignature(b, sig)

	return types.AckEnd(b)
}

// buildError writes an Error table.
func buildError(b *flatbuffers.Builder, m *ErrorMsg) flatbuffers.UOffsetT {
	code := b.CreateString(string(m.Code))
	message := b.CreateString(m.Message)

	types.ErrorStart(b)
	types.ErrorAddCode(b, code)
	types.ErrorAddMessage(b, message)

	return types.ErrorEnd(b)
}

// buildBlockRequest writes a BlockRequest table.
func buildBlockRequest(b *flatbuffers.Builder, m *BlockRequest) flatbuffers.UOffsetT {
	types.BlockRequestStart(b)
	types.BlockRequestAddFromNumber(b, m.FromNumber)

	return types.BlockRequestEnd(b)
}

// buildBlockBundle writes a BlockBundle table.
func buildBlockBundle(b *flatbuffers.Builder, m *BlockBundle) flatbuffers.UOffsetT {
	data := b.CreateByteVector(m.Data)

	types.BlockBundleStart(b)
	types.BlockBundleAddFromNumber(b, m.FromNumber)
	types.BlockBundleAddData(b, data)

	return types.BlockBundleEnd(b)
}

// buildBlobVector writes each blob as a Blob table and returns the vector of them.
func buildBlobVector(b *flatbuffers.Builder, blobs [][]byte, start func(*flatbuffers.Builder, int) flatbuffers.UOffsetT) flatbuffers.UOffsetT {
	offsets := make([]flatbuffers.UOffsetT, len(blobs))

	for i, blob := range blobs {
		data := b.CreateByteVector(blob)

		types.BlobStart(b)
		types.BlobAddData(b, data)
		offsets[i] = types.BlobEnd(b)
	}

	return buildOffsetVector(b, offsets, start)
}

// buildOffsetVector writes a vector of previously built offsets.
func buildOffsetVector(b *flatbuffers.Builder, offsets []flatbuffers.UOffsetT, start func(*flatbuffers.Builder, int) flatbuffers.UOffsetT) flatbuffers.UOffsetT {
	start(b, len(offsets))

	for i := len(offsets) - 1; i >= 0; i-- {
		b.PrependUOffsetT(offsets[i])
	}

	return b.EndVector(len(offsets))
}
