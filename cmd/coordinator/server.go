package main

import (
	"crypto/ed25519"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"Chainlog/internal/api"
	"Chainlog/internal/coordinator"
	"Chainlog/internal/keys"
	"Chainlog/internal/ledger"
	"Chainlog/internal/logger"
	"Chainlog/internal/network"
	"Chainlog/internal/wire"
)

// Server is a running coordinator process.
type Server struct {
	cfg       *Config
	directory *keys.Directory
	store     *ledger.Store
	registry  *prometheus.Registry
	network   *network.Node
	coord     *coordinator.Coordinator
	api       *api.Server
}

// NewServer opens the ledger and wires the coordinator to its sessions.
func NewServer(cfg *Config, self *keys.NodeKeys) (*Server, error) {
	s := &Server{cfg: cfg, registry: prometheus.NewRegistry()}

	if err := s.initDirectory(self); err != nil {
		return nil, err
	}

	if err := s.initStorage(); err != nil {
		return nil, err
	}

	s.initCoordinator()

	if err := s.initNetwork(); err != nil {
		s.Close()
		return nil, err
	}

	return s, nil
}

// initDirectory loads the node directory, or a directory of one when no
// file is configured.
func (s *Server) initDirectory(self *keys.NodeKeys) error {
	if s.cfg.DirectoryPath == "" {
		logger.Warn("no directory configured, only the coordinator is known")
		s.directory = keys.NewDirectory(self)
		return nil
	}

	dir, err := keys.LoadDirectory(s.cfg.DirectoryPath, self)
	if err != nil {
		return fmt.Errorf("load directory:\n%w", err)
	}

	s.directory = dir

	return nil
}

// initStorage opens the ledger database.
func (s *Server) initStorage() error {
	if err := os.MkdirAll(s.cfg.DataPath, 0755); err != nil {
		return fmt.Errorf("create data directory:\n%w", err)
	}

	store, err := ledger.Open(s.cfg.DataPath + "/db")
	if err != nil {
		return fmt.Errorf("init storage:\n%w", err)
	}

	s.store = store

	return nil
}

// initCoordinator creates the round coordinator and registers process metrics.
func (s *Server) initCoordinator() {
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	s.coord = coordinator.New(coordinator.Config{
		RoundDeadline:  s.cfg.RoundDeadline,
		CommitDeadline: s.cfg.CommitDeadline,
		ClockSkew:      s.cfg.ClockSkew,
		Registerer:     s.registry,
	}, s.directory, s.store)
}

// initNetwork creates the QUIC node, admitting only directory keys.
func (s *Server) initNetwork() error {
	node, err := network.NewNode(network.Config{
		PrivateKey: s.cfg.PrivateKey,
		ListenAddr: s.cfg.QUICAddress,
		Authorize: func(k ed25519.PublicKey) bool {
			_, ok := s.directory.LookupSigning(k)
			return ok
		},
	})
	if err != nil {
		return fmt.Errorf("init network:\n%w", err)
	}

	node.OnSessionMessage(func(sess *network.Session, msg wire.Message) {
		s.coord.HandleMessage(sess, msg)
	})

	node.OnDisconnect(func(p *network.Peer) {
		s.coord.Disconnected(p.Session())
	})

	s.network = node

	return nil
}

// Run starts the listeners and blocks until a shutdown signal.
func (s *Server) Run() error {
	if err := s.network.Start(); err != nil {
		return fmt.Errorf("start network:\n%w", err)
	}

	s.api = api.New(api.Config{
		Addr:     s.cfg.HTTPAddress,
		Status:   func() any { return s.coord.Status() },
		Blocks:   s.store,
		Gatherer: s.registry,
	})
	if err := s.api.Start(); err != nil {
		return fmt.Errorf("start api:\n%w", err)
	}

	logger.Info("coordinator ready",
		"quic", s.network.Addr(),
		"nodes", len(s.directory.Nodes()),
	)

	return s.waitForShutdown()
}

// waitForShutdown blocks until SIGINT or SIGTERM, then closes everything.
func (s *Server) waitForShutdown() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	return s.Close()
}

// Close releases resources in reverse start order.
func (s *Server) Close() error {
	if s.api != nil {
		s.api.Stop()
	}

	if s.network != nil {
		s.network.Close()
	}

	if s.store != nil {
		return s.store.Close()
	}

	return nil
}
