package main

import (
	"os"

	"github.com/opd-ai/whisperpipe/cmd/whisperpipe/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
