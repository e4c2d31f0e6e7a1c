//go:build ignore

package main

import (
	"fmt"
	"os"

	"Chainlog/internal/ledger"
)

func main() {
	if len(os.Args) != 3 {
		fmt.Fprintf(os.Stderr, "Usage: %s <db1_path> <db2_path>\n", os.Args[0])
		os.Exit(1)
	}

	db1, err := ledger.Open(os.Args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "open db1: %v\n", err)
		os.Exit(1)
	}
	defer db1.Close()

	db2, err := ledger.Open(os.Args[2])
	if err != nil {
		fmt.Fprintf(os.Stderr, "open db2: %v\n", err)
		os.Exit(1)
	}
	defer db2.Close()

	shared, err := ledger.Compare(db1, db2)
	if err != nil {
		fmt.Printf("DIVERGED after %d blocks: %v\n", shared, err)
		os.Exit(2)
	}

	fmt.Printf("OK: %d shared blocks\n", shared)
}
