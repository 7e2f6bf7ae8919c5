// Package main provides the entry point for the AlertForge server, a
// security alert pipeline that enriches, scores and deduplicates vendor
// events and dispatches response actions.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
