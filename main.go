package main

import (
	"os"

	"github.com/nexora/dispatch/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
