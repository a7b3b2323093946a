package main

import (
	"os"

	"github.com/KevinKickass/OpenMachineSim/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
