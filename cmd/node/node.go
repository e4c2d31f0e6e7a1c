package main

import (
	"bytes"
	"crypto/ed25519"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"Chainlog/internal/api"
	"Chainlog/internal/keys"
	"Chainlog/internal/ledger"
	"Chainlog/internal/logger"
	"Chainlog/internal/network"
	"Chainlog/internal/syncclient"
	"Chainlog/internal/wire"
)

const (
	// connectRetries bounds the initial dial attempts to the coordinator.
	connectRetries = 5

	// connectRetryDelay is the pause between initial dial attempts.
	connectRetryDelay = 2 * time.Second
)

// Node represents a running participant node.
type Node struct {
	cfg       *Config
	directory *keys.Directory
	store     *ledger.Store
	vault     *syncclient.Vault
	network   *network.Node
	driver    *syncclient.Driver
	api       *api.Server
}

// NewNode opens local storage and wires the sync driver to the network.
func NewNode(cfg *Config, self *keys.NodeKeys) (*Node, error) {
	if cfg.DirectoryPath == "" {
		return nil, fmt.Errorf("a node directory is required (-directory)")
	}

	n := &Node{cfg: cfg}

	dir, err := keys.LoadDirectory(cfg.DirectoryPath, self)
	if err != nil {
		return nil, fmt.Errorf("load directory:\n%w", err)
	}
	n.directory = dir

	if _, ok := dir.Lookup(cfg.CoordinatorID); !ok {
		return nil, fmt.Errorf("coordinator %q is not in the directory", cfg.CoordinatorID)
	}

	if err := n.initStorage(); err != nil {
		return nil, err
	}

	n.initDriver()

	if err := n.initNetwork(); err != nil {
		n.Close()
		return nil, err
	}

	return n, nil
}

// initStorage opens the ledger database and the envelope vault.
func (n *Node) initStorage() error {
	if err := os.MkdirAll(n.cfg.DataPath, 0755); err != nil {
		return fmt.Errorf("create data directory:\n%w", err)
	}

	store, err := ledger.Open(n.cfg.DataPath + "/db")
	if err != nil {
		return fmt.Errorf("init storage:\n%w", err)
	}
	n.store = store

	vault, err := syncclient.OpenVault(n.cfg.DataPath + "/envelopes")
	if err != nil {
		return fmt.Errorf("init vault:\n%w", err)
	}
	n.vault = vault

	return nil
}

// initDriver creates the sync driver.
func (n *Node) initDriver() {
	n.driver = syncclient.New(syncclient.Config{
		NodeID:               n.cfg.NodeID,
		CoordinatorID:        n.cfg.CoordinatorID,
		Pseudonym:            n.cfg.Pseudonym,
		MaxEnvelopesPerSync:  n.cfg.MaxEnvelopesPerSync,
		RoundTimeout:         n.cfg.RoundTimeout,
		PendingCheckInterval: n.cfg.PendingCheckInterval,
		SyncThreshold:        n.cfg.SyncThreshold,
		ClockSkew:            n.cfg.ClockSkew,
	}, n.directory, n.store, n.vault)
}

// initNetwork creates a dial-only QUIC node that accepts only the
// coordinator's key.
func (n *Node) initNetwork() error {
	coordKeys, _ := n.directory.Lookup(n.cfg.CoordinatorID)

	node, err := network.NewNode(network.Config{
		PrivateKey: n.cfg.PrivateKey,
		Authorize: func(k ed25519.PublicKey) bool {
			return bytes.Equal(k, coordKeys.Signing)
		},
	})
	if err != nil {
		return fmt.Errorf("init network:\n%w", err)
	}

	node.OnSessionMessage(func(_ *network.Session, msg wire.Message) {
		n.driver.HandleMessage(msg)
	})

	// Called after automatic reconnects.
	node.OnConnect(func(p *network.Peer) {
		if err := n.driver.Attach(p.Session()); err != nil {
			logger.Warn("attach after reconnect failed", "error", err)
		}
	})

	node.OnDisconnect(func(p *network.Peer) {
		logger.Info("coordinator session lost", "addr", p.Address())
		n.driver.Detach()
	})

	n.network = node

	return nil
}

// Run connects to the coordinator, starts the API and blocks until a
// shutdown signal.
func (n *Node) Run() error {
	peer, err := n.connectCoordinator()
	if err != nil {
		return err
	}

	if err := n.driver.Attach(peer.Session()); err != nil {
		return fmt.Errorf("attach session:\n%w", err)
	}

	n.driver.Start()

	n.api = api.New(api.Config{
		Addr:    n.cfg.HTTPAddress,
		Status:  func() any { return n.driver.Status() },
		Reports: n.driver,
	})
	if err := n.api.Start(); err != nil {
		return fmt.Errorf("start api:\n%w", err)
	}

	logger.Info("node ready", "coordinator", peer.Address())

	return n.waitForShutdown()
}

// connectCoordinator dials the coordinator, retrying while its listener
// may not be up yet.
func (n *Node) connectCoordinator() (*network.Peer, error) {
	var lastErr error

	for attempt := 0; attempt < connectRetries; attempt++ {
		peer, err := n.network.Connect(n.cfg.CoordinatorAddress)
		if err == nil {
			return peer, nil
		}
		lastErr = err

		if attempt < connectRetries-1 {
			logger.Debug("retrying coordinator connection",
				"addr", n.cfg.CoordinatorAddress,
				"attempt", attempt+1,
				"error", err,
			)
			time.Sleep(connectRetryDelay)
		}
	}

	return nil, fmt.Errorf("connect to coordinator after %d attempts:\n%w", connectRetries, lastErr)
}

// waitForShutdown blocks until SIGINT or SIGTERM, then closes everything.
func (n *Node) waitForShutdown() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	return n.Close()
}

// Close releases resources in reverse start order.
func (n *Node) Close() error {
	if n.api != nil {
		n.api.Stop()
	}

	if n.driver != nil {
		n.driver.Stop()
	}

	if n.network != nil {
		n.network.Close()
	}

	if n.store != nil {
		return n.store.Close()
	}

	return nil
}
