// Package main provides the entry point for the docpipectl CLI.
package main

import (
	"os"

	"github.com/docpipe/docpipe/cmd/docpipectl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
