package network

import (
	"crypto/ed25519"
	"fmt"

	"Chainlog/internal/logger"
	"Chainlog/internal/wire"
)

// Session is a Peer speaking protocol messages instead of raw frames.
type Session struct {
	peer *Peer
}

// RemoteKey returns the authenticated key of the remote node.
func (s *Session) RemoteKey() ed25519.PublicKey {
	return s.peer.publicKey
}

// Address returns the remote address.
func (s *Session) Address() string {
	return s.peer.address
}

// Peer returns the underlying connection.
func (s *Session) Peer() *Peer {
	return s.peer
}

// Send encodes msg as a frame and queues it on the session's stream.
func (s *Session) Send(msg wire.Message) error {
	frame, err := wire.EncodeFrame(msg)
	if err != nil {
		return fmt.Errorf("encode frame:\n%w", err)
	}

	return s.peer.Send(frame)
}

// Session returns the message-level view of p. It is the same value for
// the whole lifetime of the connection.
func (p *Peer) Session() *Session {
	return p.session
}

// OnSessionMessage decodes every incoming frame and hands it to fn.
// Frames that fail to decode are logged and dropped.
func (n *Node) OnSessionMessage(fn func(s *Session, msg wire.Message)) {
	n.OnMessage(func(p *Peer, data []byte) {
		msg, err := wire.DecodeFrame(data)
		if err != nil {
			logger.Warn("dropping undecodable frame", "peer", p.address, "error", err)
			return
		}

		fn(p.session, msg)
	})
}
