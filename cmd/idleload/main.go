// Package main is the entry point for idleload.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/dshills/idleload/internal/cli"
	"github.com/dshills/idleload/internal/incremental"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	root := cli.BuildCLI(fmt.Sprintf("%s (commit %s, built %s)", version, commit, date))
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, incremental.ErrAborted) {
			return 1
		}
		return 2
	}
	return 0
}
