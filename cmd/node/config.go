package main

import (
	"crypto/ed25519"
	"flag"
	"time"
)

// Config holds the node configuration.
type Config struct {
	// DataPath is the directory for the ledger database and envelope vault.
	DataPath string

	// HTTPAddress is the HTTP API listen address.
	HTTPAddress string

	// CoordinatorAddress is the coordinator's QUIC address.
	CoordinatorAddress string

	// CoordinatorID is the coordinator's directory id.
	CoordinatorID string

	// KeyPath is the path to the Ed25519 private key file.
	KeyPath string

	// PrivateKey is the node's Ed25519 signing key.
	PrivateKey ed25519.PrivateKey

	// NodeID is this node's directory id.
	NodeID string

	// Pseudonym is written into authored reports.
	Pseudonym string

	// DirectoryPath is the JSON file listing every node's public keys.
	DirectoryPath string

	// PrintIdentity prints this node's directory entry and exits.
	PrintIdentity bool

	// LogLevel is the minimum level written to the log.
	LogLevel string

	MaxEnvelopesPerSync  int
	SyncThreshold        int
	RoundTimeout         time.Duration
	PendingCheckInterval time.Duration
	ClockSkew            time.Duration
}

// parseFlags parses command-line flags into Config.
func parseFlags() *Config {
	cfg := &Config{}

	flag.StringVar(&cfg.DataPath, "data", "./data", "Data directory path")
	flag.StringVar(&cfg.HTTPAddress, "http", ":8081", "HTTP API address")
	flag.StringVar(&cfg.CoordinatorAddress, "coordinator", "127.0.0.1:9000", "Coordinator QUIC address")
	flag.StringVar(&cfg.CoordinatorID, "coordinator-id", "coordinator", "Coordinator node id")
	flag.StringVar(&cfg.KeyPath, "key", "", "Ed25519 private key path (generates new if missing)")
	flag.StringVar(&cfg.NodeID, "id", "", "Node id")
	flag.StringVar(&cfg.Pseudonym, "pseudonym", "", "Pseudonym written into reports (defaults to the node id)")
	flag.StringVar(&cfg.DirectoryPath, "directory", "", "Node directory JSON path")
	flag.BoolVar(&cfg.PrintIdentity, "print-identity", false, "Print the directory entry for this key and exit")
	flag.StringVar(&cfg.LogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.IntVar(&cfg.MaxEnvelopesPerSync, "max-envelopes", 64, "Maximum envelopes uploaded per round")
	flag.IntVar(&cfg.SyncThreshold, "sync-threshold", 2, "Pending count that triggers a sync when authoring")
	flag.DurationVar(&cfg.RoundTimeout, "round-timeout", 30*time.Second, "Wait for a round result after uploading")
	flag.DurationVar(&cfg.PendingCheckInterval, "pending-interval", 10*time.Second, "Pending buffer check interval")
	flag.DurationVar(&cfg.ClockSkew, "clock-skew", 5*time.Second, "Tolerated clock skew for report timestamps")
	flag.Parse()

	if cfg.Pseudonym == "" {
		cfg.Pseudonym = cfg.NodeID
	}

	return cfg
}
