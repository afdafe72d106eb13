package main

import (
	"fmt"
	"os"

	"github.com/me/pipelinecore/internal/cliapp"
)

func main() {
	if err := cliapp.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
