package network

import (
	"crypto/ed25519"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/quic-go/quic-go"

	"Chainlog/internal/logger"
)

// Peer is one session: a QUIC connection and its single ordered stream.
type Peer struct {
	publicKey ed25519.PublicKey // publicKey is the remote node's ed25519 public key
	address   string            // address is the remote address
	conn      *quic.Conn        // conn is the underlying QUIC connection
	stream    *quic.Stream      // stream carries every frame of the session
	node      *Node             // node is the parent node
	dialed    bool              // dialed is true when this side opened the connection
	out       chan []byte       // out queues frames for the write loop
	done      chan struct{}     // done is closed when the peer shuts down
	closeOnce sync.Once         // closeOnce guards done
	closed    atomic.Bool       // closed indicates if the peer is closed
	session   *Session          // session wraps the peer for typed messages
}

// PublicKey returns the remote node's ed25519 public key.
func (p *Peer) PublicKey() ed25519.PublicKey {
	return p.publicKey
}

// Address returns the remote address.
func (p *Peer) Address() string {
	return p.address
}

// Send queues data for delivery. It never blocks on the network: frames
// are written by the peer's write loop in the order Send was called.
func (p *Peer) Send(data []byte) error {
	if p.closed.Load() {
		return fmt.Errorf("peer is closed")
	}

	if len(data) > maxMessageSize {
		return fmt.Errorf("message too large: %d > %d", len(data), maxMessageSize)
	}

	select {
	case p.out <- data:
		return nil
	case <-p.done:
		return fmt.Errorf("peer is closed")
	default:
		return fmt.Errorf("send queue full for %s", p.address)
	}
}

// Close closes the peer connection.
func (p *Peer) Close() error {
	if p.closed.Swap(true) {
		return nil // Already closed
	}

	p.closeOnce.Do(func() { close(p.done) })

	return p.conn.CloseWithError(0, "closed")
}

// writeLoop drains the send queue onto the stream.
func (p *Peer) writeLoop() {
	for {
		select {
		case data := <-p.out:
			if err := writeMessage(p.stream, data); err != nil {
				logger.Debug("stream write error", "peer", p.address, "error", err)
				p.Close()
				return
			}
		case <-p.done:
			return
		}
	}
}

// receiveLoop reads frames until the stream fails and hands each one to the node.
func (p *Peer) receiveLoop() {
	for {
		data, err := readMessage(p.stream)
		if err != nil {
			logger.Debug("receiveLoop ended", "peer", p.address, "error", err)
			break
		}

		p.node.callOnMessage(p, data)
	}

	p.handleDisconnect()
}

// handleDisconnect handles peer disconnection.
func (p *Peer) handleDisconnect() {
	p.closed.Store(true)
	p.closeOnce.Do(func() { close(p.done) })
	p.conn.CloseWithError(0, "session ended")

	p.node.handlePeerDisconnect(p)
}
