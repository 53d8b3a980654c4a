// Package main is the entry point for the amps server and CLI.
package main

import (
	"os"

	"github.com/amps-project/amps/cmd/amps/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(cmd.ExitCode(err))
	}
}
