// Package main is the entry point for the caeplane CLI.
// The CLI is the operator terminal tool for interacting with the caeplane API.
package main

import (
	"os"

	"caeplane/cmd/cli/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
