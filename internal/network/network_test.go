package network

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"sync"
	"testing"
	"time"

	"Chainlog/internal/wire"
)

// generateTestKey generates a random ed25519 key pair for testing.
func generateTestKey(t *testing.T) ed25519.PrivateKey {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	return priv
}

// startServer creates and starts a listening node.
func startServer(t *testing.T, cfg Config) *Node {
	t.Helper()

	if cfg.PrivateKey == nil {
		cfg.PrivateKey = generateTestKey(t)
	}
	cfg.ListenAddr = "127.0.0.1:0"

	server, err := NewNode(cfg)
	if err != nil {
		t.Fatalf("create server: %v", err)
	}

	if err := server.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}

	t.Cleanup(func() { server.Close() })

	return server
}

// newClient creates a dial-only node.
func newClient(t *testing.T, cfg Config) *Node {
	t.Helper()

	if cfg.PrivateKey == nil {
		cfg.PrivateKey = generateTestKey(t)
	}

	client, err := NewNode(cfg)
	if err != nil {
		t.Fatalf("create client: %v", err)
	}

	t.Cleanup(func() { client.Close() })

	return client
}

// TestNodeStartStop tests starting and stopping a node.
func TestNodeStartStop(t *testing.T) {
	node, err := NewNode(Config{
		PrivateKey: generateTestKey(t),
		ListenAddr: "127.0.0.1:0",
	})
	if err != nil {
		t.Fatalf("create node: %v", err)
	}

	if err := node.Start(); err != nil {
		t.Fatalf("start node: %v", err)
	}

	if err := node.Close(); err != nil {
		t.Fatalf("close node: %v", err)
	}
}

// TestNodeStartWithoutListenAddr tests that dial-only nodes cannot listen.
func TestNodeStartWithoutListenAddr(t *testing.T) {
	node := newClient(t, Config{})

	if err := node.Start(); err == nil {
		t.Error("expected error without listen address")
	}
}

// TestSessionOrderedDelivery tests that frames on a session arrive in send order
// and that the server sees the client's key.
func TestSessionOrderedDelivery(t *testing.T) {
	const count = 200

	var (
		mu       sync.Mutex
		received [][]byte
		peerKey  ed25519.PublicKey
	)
	all := make(chan struct{})

	server := startServer(t, Config{})
	server.OnMessage(func(p *Peer, data []byte) {
		mu.Lock()
		defer mu.Unlock()

		peerKey = p.PublicKey()
		received = append(received, data)
		if len(received) == count {
			close(all)
		}
	})

	clientKey := generateTestKey(t)
	client := newClient(t, Config{PrivateKey: clientKey})

	peer, err := client.Connect(server.Addr())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	if !bytes.Equal(peer.PublicKey(), server.PublicKey()) {
		t.Error("peer public key mismatch")
	}

	for i := 0; i < count; i++ {
		if err := peer.Send([]byte(fmt.Sprintf("frame-%03d", i))); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	select {
	case <-all:
	case <-time.After(10 * time.Second):
		t.Fatal("timeout waiting for frames")
	}

	mu.Lock()
	defer mu.Unlock()

	for i, data := range received {
		if want := fmt.Sprintf("frame-%03d", i); string(data) != want {
			t.Fatalf("frame %d = %q, want %q", i, data, want)
		}
	}

	if !bytes.Equal(peerKey, clientKey.Public().(ed25519.PublicKey)) {
		t.Error("server saw the wrong client key")
	}
}

// TestServerPush tests that the accepting side can push on the same session.
func TestServerPush(t *testing.T) {
	server := startServer(t, Config{})
	server.OnConnect(func(p *Peer) {
		p.Send([]byte("welcome"))
	})

	got := make(chan []byte, 1)

	client := newClient(t, Config{})
	client.OnMessage(func(p *Peer, data []byte) {
		got <- data
	})

	peer, err := client.Connect(server.Addr())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	// The server only sees the session once the first frame arrives.
	if err := peer.Send([]byte("hello")); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case data := <-got:
		if string(data) != "welcome" {
			t.Errorf("pushed %q, want welcome", data)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for push")
	}

	if len(server.Peers()) != 1 {
		t.Errorf("server peer count: got %d, want 1", len(server.Peers()))
	}
}

// TestAuthorizeRejectsUnknownKey tests handshake key pinning.
func TestAuthorizeRejectsUnknownKey(t *testing.T) {
	allowed := generateTestKey(t)
	got := make(chan string, 4)

	server := startServer(t, Config{
		Authorize: func(k ed25519.PublicKey) bool {
			return bytes.Equal(k, allowed.Public().(ed25519.PublicKey))
		},
	})
	server.OnMessage(func(p *Peer, data []byte) {
		got <- string(data)
	})

	// The client may finish its side of the handshake before the server
	// refuses the certificate, so only delivery is checked.
	stranger := newClient(t, Config{})
	if peer, err := stranger.Connect(server.Addr()); err == nil {
		peer.Send([]byte("stranger"))
	}

	member := newClient(t, Config{PrivateKey: allowed})
	peer, err := member.Connect(server.Addr())
	if err != nil {
		t.Fatalf("authorized client rejected: %v", err)
	}

	if err := peer.Send([]byte("member")); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case data := <-got:
		if data != "member" {
			t.Fatalf("server accepted frame %q from unauthorized key", data)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for member frame")
	}

	select {
	case data := <-got:
		t.Errorf("unexpected frame %q", data)
	case <-time.After(300 * time.Millisecond):
	}
}

// TestNodeDisconnect tests that closing a client notifies the server.
func TestNodeDisconnect(t *testing.T) {
	disconnected := make(chan struct{})

	server := startServer(t, Config{})
	server.OnDisconnect(func(p *Peer) {
		close(disconnected)
	})

	client, err := NewNode(Config{PrivateKey: generateTestKey(t)})
	if err != nil {
		t.Fatalf("create client: %v", err)
	}

	peer, err := client.Connect(server.Addr())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	if err := peer.Send([]byte("hello")); err != nil {
		t.Fatalf("send: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	client.Close()

	select {
	case <-disconnected:
	case <-time.After(5 * time.Second):
		t.Fatal("server did not observe disconnect")
	}

	if err := peer.Send([]byte("late")); err == nil {
		t.Error("send on closed peer should fail")
	}
}

// TestSessionMessages tests typed messages over a session in both directions.
func TestSessionMessages(t *testing.T) {
	hellos := make(chan *wire.Hello, 1)

	server := startServer(t, Config{})
	server.OnSessionMessage(func(s *Session, msg wire.Message) {
		if h, ok := msg.(*wire.Hello); ok {
			hellos <- h
			s.Send(&wire.RequestBuffer{RoundID: "r1"})
		}
	})

	requests := make(chan *wire.RequestBuffer, 1)

	client := newClient(t, Config{})
	client.OnSessionMessage(func(_ *Session, msg wire.Message) {
		if r, ok := msg.(*wire.RequestBuffer); ok {
			requests <- r
		}
	})

	peer, err := client.Connect(server.Addr())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	if !bytes.Equal(peer.Session().RemoteKey(), server.PublicKey()) {
		t.Error("session key should be the server's key")
	}

	if err := peer.Session().Send(&wire.Hello{NodeID: "alice", StartSync: true}); err != nil {
		t.Fatalf("send hello: %v", err)
	}

	select {
	case h := <-hellos:
		if h.NodeID != "alice" || !h.StartSync {
			t.Errorf("hello = %+v", h)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("hello not received")
	}

	select {
	case r := <-requests:
		if r.RoundID != "r1" {
			t.Errorf("round id = %q, want r1", r.RoundID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("request not received")
	}
}
