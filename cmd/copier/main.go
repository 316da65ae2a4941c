package main

import (
	"os"

	"github.com/fxsignals/copier/cmd/copier/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
