package coordinator

import (
	"context"
	"time"

	"Chainlog/internal/logger"
	"Chainlog/internal/wire"
)

// HandleMessage dispatches one message received on conn.
func (c *Coordinator) HandleMessage(conn Conn, msg wire.Message) {
	switch m := msg.(type) {
	case *wire.Hello:
		c.handleHello(conn, m)

	case *wire.BufferUpload:
		c.handleBufferUpload(conn, m)

	case *wire.Ack:
		c.handleAck(conn, m)

	case *wire.BlockRequest:
		c.handleBlockRequest(conn, m)

	case *wire.ErrorMsg:
		logger.Warn("node reported error", "node", c.nodeOf(conn), "code", m.Code, "message", m.Message)

	case *wire.RequestBuffer, *wire.SyncResult, *wire.BlockBundle:
		logger.Debug("ignoring coordinator-bound message", "node", c.nodeOf(conn), "type", typeName(msg))

	default:
		logger.Debug("unknown message", "type", typeName(msg))
	}
}

// handleHello registers the session and optionally starts or joins a round.
func (c *Coordinator) handleHello(conn Conn, m *wire.Hello) {
	if err := c.Register(conn, m.NodeID); err != nil {
		logger.Warn("hello rejected", "node", m.NodeID, "error", err)
		sendError(conn, codeFor(err), err)
		return
	}

	if !m.StartSync {
		return
	}

	if _, err := c.StartRound(m.NodeID); err != nil {
		sendError(conn, wire.CodeSyncFailed, err)
	}
}

// handleBufferUpload submits the buffer and reports the round outcome back
// to the node if the round fails.
func (c *Coordinator) handleBufferUpload(conn Conn, m *wire.BufferUpload) {
	nodeID := c.nodeOf(conn)

	if nodeID == "" || m.NodeID != nodeID {
		err := ErrNodeIDMismatch
		c.metrics.reject(codeFor(err))
		sendError(conn, wire.CodeNodeIDMismatch, err)
		return
	}

	logger.Debug("buffer upload",
		"node", nodeID,
		"envelopes", len(m.Envelopes),
		"last_seq", m.LastKnownSequence,
	)

	fut, err := c.SubmitBuffer(context.Background(), nodeID, m.Envelopes, m.BufferRoot, m.SignedBufferRoot)
	if err != nil {
		sendError(conn, codeFor(err), err)
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RoundDeadline+c.cfg.CommitDeadline+time.Minute)
		defer cancel()

		out, err := fut.Wait(ctx)
		if err != nil {
			sendError(conn, wire.CodeSyncFailed, err)
			return
		}

		if out.Err != nil {
			sendError(conn, wire.CodeSyncFailed, out.Err)
		}
	}()
}

// handleAck forwards a node's verdict on the pending block.
func (c *Coordinator) handleAck(conn Conn, m *wire.Ack) {
	nodeID := c.nodeOf(conn)
	if nodeID == "" {
		sendError(conn, wire.CodeNodeIDMismatch, ErrNodeIDMismatch)
		return
	}

	if m.Message != wire.AckBlock {
		logger.Debug("ignoring ack", "node", nodeID, "kind", m.Message)
		return
	}

	if err := c.ReceiveCommitAck(nodeID, m.BlockRoot, m.Success, m.Signature); err != nil {
		logger.Debug("commit ack ignored", "node", nodeID, "block", m.BlockNumber, "error", err)
	}
}

// handleBlockRequest answers with a bundle of committed blocks.
func (c *Coordinator) handleBlockRequest(conn Conn, m *wire.BlockRequest) {
	data, n, err := c.store.Bundle(m.FromNumber)
	if err != nil {
		logger.Error("build block bundle", "from", m.FromNumber, "error", err)
		sendError(conn, wire.CodeSyncFailed, err)
		return
	}

	if err := conn.Send(&wire.BlockBundle{FromNumber: m.FromNumber, Data: data}); err != nil {
		logger.Debug("send block bundle", "error", err)
		return
	}

	logger.Debug("block bundle sent", "node", c.nodeOf(conn), "from", m.FromNumber, "blocks", n)
}

// sendError reports err to the peer on conn.
func sendError(conn Conn, code wire.ErrorCode, err error) {
	if sendErr := conn.Send(&wire.ErrorMsg{Code: code, Message: err.Error()}); sendErr != nil {
		logger.Debug("send error message", "code", code, "error", sendErr)
	}
}

// typeName names a message for logs.
func typeName(msg wire.Message) string {
	switch msg.(type) {
	case *wire.Hello:
		return "hello"
	case *wire.RequestBuffer:
		return "request_buffer"
	case *wire.BufferUpload:
		return "buffer_upload"
	case *wire.SyncResult:
		return "sync_result"
	case *wire.Ack:
		return "ack"
	case *wire.ErrorMsg:
		return "error"
	case *wire.BlockRequest:
		return "block_request"
	case *wire.BlockBundle:
		return "block_bundle"
	default:
		return "unknown"
	}
}
