// Package main provides the entry point for the divan CLI.
package main

import (
	"os"

	"github.com/Aman-CERP/divan/cmd/divan/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
