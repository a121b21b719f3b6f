// Package main is the entry point for the fireredbot CLI.
package main

import (
	"os"

	"github.com/fireredbot/fireredbot/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
