package main

import (
	"os"

	"github.com/jumbonet/jumbonet/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
