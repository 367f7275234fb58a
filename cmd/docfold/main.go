package main

import (
	"os"

	"github.com/Docfold-Labs/docfold/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
