package main

import (
	"crypto/ed25519"
	"flag"
	"time"
)

// Config holds the coordinator configuration.
type Config struct {
	// DataPath is the directory for the ledger database.
	DataPath string

	// HTTPAddress is the HTTP API listen address.
	HTTPAddress string

	// QUICAddress is the QUIC session listen address.
	QUICAddress string

	// KeyPath is the path to the Ed25519 private key file.
	KeyPath string

	// PrivateKey is the coordinator's Ed25519 signing key.
	PrivateKey ed25519.PrivateKey

	// NodeID is the coordinator's directory id.
	NodeID string

	// DirectoryPath is the JSON file listing every node's public keys.
	DirectoryPath string

	// PrintIdentity prints this node's directory entry and exits.
	PrintIdentity bool

	// LogLevel is the minimum level written to the log.
	LogLevel string

	RoundDeadline  time.Duration
	CommitDeadline time.Duration
	ClockSkew      time.Duration
}

// parseFlags parses command-line flags into Config.
func parseFlags() *Config {
	cfg := &Config{}

	flag.StringVar(&cfg.DataPath, "data", "./data", "Data directory path")
	flag.StringVar(&cfg.HTTPAddress, "http", ":8080", "HTTP API address")
	flag.StringVar(&cfg.QUICAddress, "listen", ":9000", "QUIC session address")
	flag.StringVar(&cfg.KeyPath, "key", "", "Ed25519 private key path (generates new if missing)")
	flag.StringVar(&cfg.NodeID, "id", "coordinator", "Coordinator node id")
	flag.StringVar(&cfg.DirectoryPath, "directory", "", "Node directory JSON path")
	flag.BoolVar(&cfg.PrintIdentity, "print-identity", false, "Print the directory entry for this key and exit")
	flag.StringVar(&cfg.LogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.DurationVar(&cfg.RoundDeadline, "round-deadline", 30*time.Second, "Buffer collection deadline")
	flag.DurationVar(&cfg.CommitDeadline, "commit-deadline", 30*time.Second, "Commit acknowledgement deadline")
	flag.DurationVar(&cfg.ClockSkew, "clock-skew", 5*time.Second, "Tolerated clock skew for report timestamps")
	flag.Parse()

	return cfg
}
