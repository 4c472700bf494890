package main

import (
	"os"

	"github.com/voxmcp/voxd/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
