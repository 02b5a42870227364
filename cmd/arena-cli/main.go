package main

import (
	"fmt"
	"os"

	"aipilot/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "arena-cli: %v\n", err)
		os.Exit(1)
	}
}
