package main

import (
	"os"

	"github.com/rustyeddy/tradeloop/cmd/tradeloop/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
