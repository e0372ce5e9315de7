package main

import (
	"log"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/ruteri/threshold-key-custody/cmd/flags"
	"github.com/ruteri/threshold-key-custody/common"
)

func main() {
	app := &cli.App{
		Name:    "custody-node",
		Usage:   "Threshold key custody group member",
		Version: common.Version,
		Commands: []*cli.Command{
			runCommand,
			genesisCommand,
			keygenCommand,
			devnetCommand,
		},
		Flags: flags.LogFlags,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
