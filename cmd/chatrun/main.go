// Package main is the entry point for the chatrun CLI.
package main

import (
	"os"

	"github.com/KafClaw/chatrun/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
