// Package main provides the entry point for the echelon CLI.
package main

import (
	"os"

	"github.com/echelon-run/echelon/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(cli.ExitCode(err))
	}
}
