package coordinator

import (
	"bytes"
	"crypto/ed25519"
	"sort"

	"github.com/cockroachdb/errors"

	"Chainlog/internal/logger"
	"Chainlog/internal/wire"
)

// Conn is one node's duplex session. Send must not block: messages are
// queued and delivered in the order they were sent.
type Conn interface {
	RemoteKey() ed25519.PublicKey
	Send(msg wire.Message) error
}

// Register binds conn to nodeID after checking that the session key is the
// node's directory signing key. A newer session replaces an older one.
func (c *Coordinator) Register(conn Conn, nodeID string) error {
	pub, ok := c.keys.Lookup(nodeID)
	if !ok {
		return errors.Wrapf(ErrUnknownNode, "node %s", nodeID)
	}

	if !bytes.Equal(pub.Signing, conn.RemoteKey()) {
		return errors.Wrapf(ErrNodeIDMismatch, "session key is not the key of %s", nodeID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.sessions[nodeID]; ok && old != conn {
		delete(c.conns, old)
	}

	if prev, ok := c.conns[conn]; ok && prev != nodeID {
		delete(c.sessions, prev)
	}

	c.sessions[nodeID] = conn
	c.conns[conn] = nodeID
	c.metrics.sessions.Set(float64(len(c.sessions)))

	// A node that reconnects during collection is asked again.
	if r := c.round; r != nil && r.state == StateRoundOpen {
		_, expected := r.expected[nodeID]
		_, done := r.submitted[nodeID]
		_, busy := r.verifying[nodeID]

		if expected && !done && !busy {
			c.sendLocked(nodeID, &wire.RequestBuffer{RoundID: r.id})
		}
	}

	// A node that reconnects before acknowledging gets the pending block again.
	if p := c.pending; p != nil && !p.committing {
		_, inSet := p.ackSet[nodeID]
		_, acked := p.signatures[nodeID]

		if inSet && !acked {
			c.sendLocked(nodeID, p.result)
		}
	}

	logger.Info("session registered", "node", nodeID, "sessions", len(c.sessions))

	return nil
}

// Disconnected unregisters conn. Rounds and pending commits are left alone.
func (c *Coordinator) Disconnected(conn Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()

	nodeID, ok := c.conns[conn]
	if !ok {
		return
	}

	delete(c.conns, conn)
	if c.sessions[nodeID] == conn {
		delete(c.sessions, nodeID)
	}

	c.metrics.sessions.Set(float64(len(c.sessions)))
	logger.Info("session closed", "node", nodeID, "sessions", len(c.sessions))
}

// nodeOf returns the node registered on conn, or "".
func (c *Coordinator) nodeOf(conn Conn) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.conns[conn]
}

// sendLocked queues msg on nodeID's session.
func (c *Coordinator) sendLocked(nodeID string, msg wire.Message) {
	conn, ok := c.sessions[nodeID]
	if !ok {
		return
	}

	if err := conn.Send(msg); err != nil {
		logger.Debug("session send failed", "node", nodeID, "error", err)
	}
}

// sessionIDsLocked returns the registered node ids, sorted.
func (c *Coordinator) sessionIDsLocked() []string {
	ids := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	return ids
}
