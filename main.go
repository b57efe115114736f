package main

import (
	"os"

	"github.com/theapemachine/rpclink/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
