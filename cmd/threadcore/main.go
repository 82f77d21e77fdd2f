// Package main provides the entry point for the threadcore server.
package main

import (
	"fmt"
	"os"

	"github.com/threadcore-ai/threadcore/cmd/threadcore/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
