package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	configFlag := &cli.StringFlag{
		Name:    "config",
		Usage:   "configuration file",
		Sources: cli.EnvVars("CONFIG_PATH"),
	}
	splitFlag := &cli.StringFlag{
		Name:  "split",
		Usage: "split of the entity",
	}

	app := &cli.Command{
		Name:  "jobctl",
		Usage: "inspect and manage cadastre conversion jobs on disk",
		Flags: []cli.Flag{configFlag},
		Commands: []*cli.Command{
			{
				Name:      "status",
				Usage:     "show the derived status of a job",
				ArgsUsage: "CODE",
				Flags:     []cli.Flag{splitFlag},
				Action:    statusAction,
			},
			{
				Name:      "log",
				Usage:     "print the job log",
				ArgsUsage: "CODE",
				Flags: []cli.Flag{
					splitFlag,
					&cli.IntFlag{Name: "from", Usage: "first line to print"},
				},
				Action: logAction,
			},
			{
				Name:      "delete",
				Usage:     "delete the results of a job on behalf of its owner",
				ArgsUsage: "CODE",
				Flags: []cli.Flag{
					splitFlag,
					&cli.StringFlag{Name: "user", Usage: "owner id", Required: true},
					&cli.StringFlag{Name: "name", Usage: "owner display name"},
				},
				Action: deleteAction,
			},
			{
				Name:      "export",
				Usage:     "write the results of a job as a zip archive",
				ArgsUsage: "CODE",
				Flags: []cli.Flag{
					splitFlag,
					&cli.StringFlag{Name: "out", Usage: "output file, defaults to the archive name"},
				},
				Action: exportAction,
			},
			{
				Name:      "seed",
				Usage:     "copy the cached engine inputs into the job directory",
				ArgsUsage: "CODE",
				Action:    seedAction,
			},
		},
	}

	if err := app.Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "jobctl:", err)
		os.Exit(1)
	}
}
