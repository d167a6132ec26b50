package main

import (
	"context"
	"log"
	"os"

	commands "github.com/urfave/cli/v3"

	"github.com/st3v3nmw/splitcheck/internal/cli"
)

func main() {
	cmd := &commands.Command{
		Name:  "splitcheck",
		Usage: "Break a quorum cluster on purpose and check it recovers",
		Commands: []*commands.Command{
			{
				Name:      "init",
				Usage:     "Write a config file and run.sh template",
				ArgsUsage: "[path]",
				Flags: []commands.Flag{
					&commands.BoolFlag{
						Name:  "sim",
						Usage: "Write settings for the simulated cluster",
					},
				},
				Action: cli.InitProject,
			},
			{
				Name:   "list",
				Usage:  "Show available scenarios",
				Action: cli.ListScenarios,
			},
			{
				Name:      "run",
				Usage:     "Run scenarios against a cluster",
				ArgsUsage: "[scenario...]",
				Flags:     cli.RunFlags(),
				Action:    cli.RunScenarios,
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}
