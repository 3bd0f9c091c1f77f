// provctl verifies decision certificates and exported ledger chains offline,
// without access to the provenance database.
//
// Usage:
//
//	go run ./scripts/provctl verify-certificate --jwks https://host/.well-known/jwks.json cert.json
//	go run ./scripts/provctl verify-chain --after-seq 0 events.json
//
// Both commands exit non-zero when verification fails.
package main

import (
	"fmt"
	"os"
)

func main() {
	cmd := newRootCommand(os.Stdin, os.Stdout, os.Stderr)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "provctl:", err)
		os.Exit(1)
	}
}
