package main

import (
	"os"

	"github.com/portofcontext/vestige/cmd/vestige/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
