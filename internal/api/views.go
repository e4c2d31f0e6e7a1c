package api

import (
	"encoding/hex"

	"Chainlog/internal/envelope"
	"Chainlog/internal/keys"
	"Chainlog/internal/ledger"
)

// blockView is the JSON form of a block.
type blockView struct {
	Number      uint64           `json:"number"`
	RoundID     string           `json:"round_id"`
	Root        string           `json:"root"`
	PrevRoot    string           `json:"prev_root,omitempty"`
	Signature   string           `json:"signature"`
	Envelopes   []string         `json:"envelopes"`
	BufferRoots []bufferRootView `json:"buffer_roots"`
	Signers     int              `json:"certificate_signers,omitempty"`
}

// bufferRootView is the JSON form of a node's buffer root.
type bufferRootView struct {
	NodeID string `json:"node_id"`
	Root   string `json:"root"`
}

func newBlockView(b *ledger.Block) blockView {
	v := blockView{
		Number:    b.Number,
		RoundID:   b.RoundID,
		Root:      hex.EncodeToString(b.Root),
		PrevRoot:  hex.EncodeToString(b.PrevRoot),
		Signature: hex.EncodeToString(b.Signature),
		Envelopes: b.EnvelopeHashes,
	}

	if v.Envelopes == nil {
		v.Envelopes = []string{}
	}

	for _, br := range b.BufferRoots {
		v.BufferRoots = append(v.BufferRoots, bufferRootView{NodeID: br.NodeID, Root: hex.EncodeToString(br.Root)})
	}

	if b.Certificate != nil {
		v.Signers = len(keys.BitmapIndices(b.Certificate.Signers))
	}

	return v
}

// reportView is the JSON form of an opened report.
type reportView struct {
	ReportID  string            `json:"report_id"`
	CreatedAt string            `json:"creation_timestamp"`
	Pseudonym string            `json:"pseudonym"`
	Content   map[string]string `json:"content"`
	Version   int               `json:"version"`
	Status    string            `json:"status"`
}

func newReportView(r *envelope.Report) reportView {
	return reportView{
		ReportID:  r.ReportID,
		CreatedAt: r.CreationTimestamp,
		Pseudonym: r.Pseudonym,
		Content:   r.Content,
		Version:   r.Version,
		Status:    r.Status,
	}
}
