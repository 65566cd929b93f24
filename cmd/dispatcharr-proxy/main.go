// Package main is the entry point for the dispatcharr streaming proxy.
package main

import (
	"os"

	"github.com/dispatcharr/dispatcharr-proxy/cmd/dispatcharr-proxy/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
