package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"Chainlog/internal/keys"
	"Chainlog/internal/logger"
)

func main() {
	logger.Init()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run is the main entry point with error handling.
func run() error {
	cfg := parseFlags()

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger.SetLevel(level)

	cfg.PrivateKey, err = keys.LoadOrGenerate(cfg.KeyPath)
	if err != nil {
		return fmt.Errorf("load key:\n%w", err)
	}

	self, err := keys.Derive(cfg.NodeID, cfg.PrivateKey)
	if err != nil {
		return fmt.Errorf("derive keys:\n%w", err)
	}

	if cfg.PrintIdentity {
		return printIdentity(self)
	}

	srv, err := NewServer(cfg, self)
	if err != nil {
		return fmt.Errorf("create coordinator:\n%w", err)
	}

	printStartupInfo(cfg)

	return srv.Run()
}

// printIdentity writes the directory entry of self to stdout.
func printIdentity(self *keys.NodeKeys) error {
	out, err := json.MarshalIndent(self.Public(), "", "  ")
	if err != nil {
		return fmt.Errorf("encode identity:\n%w", err)
	}

	fmt.Println(string(out))

	return nil
}

// printStartupInfo displays the coordinator configuration at startup.
func printStartupInfo(cfg *Config) {
	pubKey := cfg.PrivateKey.Public().(ed25519.PublicKey)

	logger.Info("starting coordinator",
		"id", cfg.NodeID,
		"pubkey", hex.EncodeToString(pubKey),
		"http", cfg.HTTPAddress,
		"quic", cfg.QUICAddress,
		"data", cfg.DataPath,
		"round_deadline", cfg.RoundDeadline,
	)
}
