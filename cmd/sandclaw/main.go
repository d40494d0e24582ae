// Package main is the entry point for the sandclaw CLI.
package main

import (
	"os"

	"github.com/sandclaw/sandclaw/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
