package main

import (
	"os"

	"github.com/sshdeck/sshdeck/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
