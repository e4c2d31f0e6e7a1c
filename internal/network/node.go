// Package network carries sync sessions over QUIC. Every connection is
// authenticated by the peer's Ed25519 key through a self-signed TLS
// certificate and carries exactly one bidirectional stream, so messages in
// each direction arrive in the order they were sent.
package network

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"Chainlog/internal/logger"
)

const (
	// defaultReconnectDelay is the default delay between reconnection attempts.
	defaultReconnectDelay = 2 * time.Second

	// maxReconnectDelay is the maximum delay between reconnection attempts.
	maxReconnectDelay = 60 * time.Second

	// streamAcceptTimeout bounds how long an accepted connection may wait for its session stream.
	streamAcceptTimeout = 10 * time.Second

	// defaultSendQueue is the number of frames a peer may have waiting to be written.
	defaultSendQueue = 256

	// alpnProtocol is the ALPN protocol identifier.
	alpnProtocol = "chainlog-sync/1"
)

// Config holds the configuration for a Node.
type Config struct {
	PrivateKey     ed25519.PrivateKey           // PrivateKey is the node's ed25519 private key
	ListenAddr     string                       // ListenAddr is the address to listen on; empty for dial-only nodes
	ReconnectDelay time.Duration                // ReconnectDelay is the initial delay between reconnection attempts
	SendQueue      int                          // SendQueue is the per-peer outbound queue length
	Authorize      func(ed25519.PublicKey) bool // Authorize admits remote keys during the handshake; nil admits all
}

// Node accepts and initiates session connections.
type Node struct {
	privateKey ed25519.PrivateKey // privateKey is the node's ed25519 private key
	publicKey  ed25519.PublicKey  // publicKey is the node's ed25519 public key
	listenAddr string             // listenAddr is the address to listen on
	tlsConfig  *tls.Config        // tlsConfig is the TLS configuration
	quicConfig *quic.Config       // quicConfig is the QUIC configuration
	sendQueue  int                // sendQueue is the per-peer outbound queue length

	listener *quic.Listener // listener is the QUIC listener

	peers   map[string]*Peer // peers maps public key hex to peer
	peersMu sync.RWMutex     // peersMu protects peers map

	dialAddrs   map[string]string // dialAddrs maps public key hex to address for peers we dialed
	dialAddrsMu sync.RWMutex      // dialAddrsMu protects dialAddrs map

	reconnectDelay time.Duration // reconnectDelay is the initial reconnection delay

	onConnect    func(*Peer)         // onConnect is called when a session is established
	onMessage    func(*Peer, []byte) // onMessage is called for every received frame, in order
	onDisconnect func(*Peer)         // onDisconnect is called when a session ends
	handlersMu   sync.RWMutex        // handlersMu protects event handlers

	ctx    context.Context    // ctx is the node's context
	cancel context.CancelFunc // cancel cancels the node's context
	wg     sync.WaitGroup     // wg waits for goroutines to finish
}

// NewNode creates a new network node.
func NewNode(cfg Config) (*Node, error) {
	if cfg.PrivateKey == nil {
		return nil, fmt.Errorf("private key is required")
	}

	reconnectDelay := cfg.ReconnectDelay
	if reconnectDelay == 0 {
		reconnectDelay = defaultReconnectDelay
	}

	sendQueue := cfg.SendQueue
	if sendQueue <= 0 {
		sendQueue = defaultSendQueue
	}

	cert, err := generateCertificate(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("generate certificate:\n%w", err)
	}

	tlsConfig := &tls.Config{
		Certificates:          []tls.Certificate{cert},
		ClientAuth:            tls.RequireAnyClientCert,
		InsecureSkipVerify:    true, // Identity is the pinned ed25519 key, checked below
		VerifyPeerCertificate: verifyPeerKey(cfg.Authorize),
		NextProtos:            []string{alpnProtocol},
	}

	quicConfig := &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 10 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Node{
		privateKey:     cfg.PrivateKey,
		publicKey:      cfg.PrivateKey.Public().(ed25519.PublicKey),
		listenAddr:     cfg.ListenAddr,
		tlsConfig:      tlsConfig,
		quicConfig:     quicConfig,
		sendQueue:      sendQueue,
		peers:          make(map[string]*Peer),
		dialAddrs:      make(map[string]string),
		reconnectDelay: reconnectDelay,
		ctx:            ctx,
		cancel:         cancel,
	}, nil
}

// PublicKey returns the node's public key.
func (n *Node) PublicKey() ed25519.PublicKey {
	return n.publicKey
}

// Addr returns the listener's address. Returns empty string if not started.
func (n *Node) Addr() string {
	if n.listener == nil {
		return ""
	}

	return n.listener.Addr().String()
}

// Start starts accepting connections on the configured listen address.
func (n *Node) Start() error {
	if n.listenAddr == "" {
		return fmt.Errorf("listen address is required")
	}

	listener, err := quic.ListenAddr(n.listenAddr, n.tlsConfig, n.quicConfig)
	if err != nil {
		return fmt.Errorf("listen:\n%w", err)
	}

	n.listener = listener

	n.wg.Add(1)
	go n.acceptLoop()

	return nil
}

// Connect dials addr and opens the session stream. The onConnect handler is
// not called for this first connection; it is called after reconnects.
func (n *Node) Connect(addr string) (*Peer, error) {
	conn, err := quic.DialAddr(n.ctx, addr, n.tlsConfig, n.quicConfig)
	if err != nil {
		return nil, fmt.Errorf("dial:\n%w", err)
	}

	stream, err := conn.OpenStreamSync(n.ctx)
	if err != nil {
		conn.CloseWithError(1, "open stream failed")
		return nil, fmt.Errorf("open stream:\n%w", err)
	}

	peer, err := n.setupPeer(conn, stream, addr, true)
	if err != nil {
		conn.CloseWithError(1, "setup failed")
		return nil, err
	}

	return peer, nil
}

// Peers returns a list of all connected peers.
func (n *Node) Peers() []*Peer {
	n.peersMu.RLock()
	defer n.peersMu.RUnlock()

	peers := make([]*Peer, 0, len(n.peers))
	for _, p := range n.peers {
		peers = append(peers, p)
	}

	return peers
}

// GetPeer returns the peer for the given public key, or nil if not connected.
func (n *Node) GetPeer(pubkey ed25519.PublicKey) *Peer {
	keyHex := hex.EncodeToString(pubkey)

	n.peersMu.RLock()
	defer n.peersMu.RUnlock()

	return n.peers[keyHex]
}

// OnConnect sets the handler called when a peer connects.
func (n *Node) OnConnect(fn func(*Peer)) {
	n.handlersMu.Lock()
	n.onConnect = fn
	n.handlersMu.Unlock()
}

// OnMessage sets the handler called when a message is received.
// It runs on the peer's receive goroutine, so frames are handled in order.
func (n *Node) OnMessage(fn func(*Peer, []byte)) {
	n.handlersMu.Lock()
	n.onMessage = fn
	n.handlersMu.Unlock()
}

// OnDisconnect sets the handler called when a peer disconnects.
func (n *Node) OnDisconnect(fn func(*Peer)) {
	n.handlersMu.Lock()
	n.onDisconnect = fn
	n.handlersMu.Unlock()
}

// Close stops the node and closes all connections.
func (n *Node) Close() error {
	n.cancel()

	if n.listener != nil {
		n.listener.Close()
	}

	n.peersMu.Lock()
	peers := make([]*Peer, 0, len(n.peers))
	for _, p := range n.peers {
		peers = append(peers, p)
	}
	n.peers = make(map[string]*Peer)
	n.peersMu.Unlock()

	for _, p := range peers {
		p.Close()
	}

	n.wg.Wait()

	return nil
}

// acceptLoop accepts incoming connections.
func (n *Node) acceptLoop() {
	defer n.wg.Done()

	for {
		conn, err := n.listener.Accept(n.ctx)
		if err != nil {
			return // Listener closed
		}

		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.handleIncoming(conn)
		}()
	}
}

// handleIncoming waits for the session stream of an accepted connection.
func (n *Node) handleIncoming(conn *quic.Conn) {
	ctx, cancel := context.WithTimeout(n.ctx, streamAcceptTimeout)
	stream, err := conn.AcceptStream(ctx)
	cancel()

	if err != nil {
		logger.Debug("no session stream", "addr", conn.RemoteAddr().String(), "error", err)
		conn.CloseWithError(1, "no session stream")
		return
	}

	peer, err := n.setupPeer(conn, stream, conn.RemoteAddr().String(), false)
	if err != nil {
		conn.CloseWithError(1, "setup failed")
		return
	}

	n.callOnConnect(peer)
}

// setupPeer registers a Peer and starts its read and write loops.
func (n *Node) setupPeer(conn *quic.Conn, stream *quic.Stream, addr string, dialed bool) (*Peer, error) {
	pubKey, err := extractPublicKey(conn.ConnectionState().TLS)
	if err != nil {
		return nil, fmt.Errorf("extract public key:\n%w", err)
	}

	keyHex := hex.EncodeToString(pubKey)

	peer := &Peer{
		publicKey: pubKey,
		address:   addr,
		conn:      conn,
		stream:    stream,
		node:      n,
		dialed:    dialed,
		out:       make(chan []byte, n.sendQueue),
		done:      make(chan struct{}),
	}
	peer.session = &Session{peer: peer}

	n.peersMu.Lock()
	old := n.peers[keyHex]
	n.peers[keyHex] = peer
	n.peersMu.Unlock()

	// A reconnecting peer replaces its stale session.
	if old != nil {
		old.Close()
	}

	if dialed {
		n.dialAddrsMu.Lock()
		n.dialAddrs[keyHex] = addr
		n.dialAddrsMu.Unlock()
	}

	n.wg.Add(2)
	go func() {
		defer n.wg.Done()
		peer.writeLoop()
	}()
	go func() {
		defer n.wg.Done()
		peer.receiveLoop()
	}()

	return peer, nil
}

// handlePeerDisconnect unregisters p and schedules a redial if we dialed it.
func (n *Node) handlePeerDisconnect(p *Peer) {
	keyHex := hex.EncodeToString(p.publicKey)

	n.peersMu.Lock()
	if n.peers[keyHex] == p {
		delete(n.peers, keyHex)
	}
	n.peersMu.Unlock()

	n.callOnDisconnect(p)

	if !p.dialed || n.ctx.Err() != nil {
		return
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.reconnectPeer(keyHex)
	}()
}

// reconnectPeer attempts to reconnect to a peer with exponential backoff.
func (n *Node) reconnectPeer(keyHex string) {
	delay := n.reconnectDelay

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-time.After(delay):
		}

		n.dialAddrsMu.RLock()
		addr, ok := n.dialAddrs[keyHex]
		n.dialAddrsMu.RUnlock()

		if !ok {
			return
		}

		n.peersMu.RLock()
		_, exists := n.peers[keyHex]
		n.peersMu.RUnlock()

		if exists {
			return
		}

		peer, err := n.Connect(addr)
		if err == nil {
			logger.Info("reconnected", "peer", addr)
			n.callOnConnect(peer)
			return
		}

		logger.Debug("reconnect failed", "peer", addr, "error", err, "retry_in", delay*2)

		delay = delay * 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

// callOnConnect calls the onConnect handler if set.
func (n *Node) callOnConnect(p *Peer) {
	n.handlersMu.RLock()
	fn := n.onConnect
	n.handlersMu.RUnlock()

	if fn != nil {
		fn(p)
	}
}

// callOnMessage calls the onMessage handler if set.
func (n *Node) callOnMessage(p *Peer, data []byte) {
	n.handlersMu.RLock()
	fn := n.onMessage
	n.handlersMu.RUnlock()

	if fn != nil {
		fn(p, data)
	}
}

// callOnDisconnect calls the onDisconnect handler if set.
func (n *Node) callOnDisconnect(p *Peer) {
	n.handlersMu.RLock()
	fn := n.onDisconnect
	n.handlersMu.RUnlock()

	if fn != nil {
		fn(p)
	}
}
