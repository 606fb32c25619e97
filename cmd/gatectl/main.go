package main

import (
	"os"

	"github.com/calebmorten/eventgate/cmd/gatectl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
