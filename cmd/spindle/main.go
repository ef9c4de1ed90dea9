package main

import (
	"context"
	"errors"
	"os"

	"github.com/urfave/cli/v3"
	"tangled.sh/tangled.sh/spindle/log"
	"tangled.sh/tangled.sh/spindle/server"
)

func main() {
	cmd := &cli.Command{
		Name:    "spindle",
		Usage:   "run CI workflows locally or as a server",
		Version: "dev",
		Commands: []*cli.Command{
			validateCommand(),
			runCommand(),
			server.Command(),
			secretCommand(),
		},
		// exit codes are decided in main
		ExitErrHandler: func(context.Context, *cli.Command, error) {},
	}

	ctx := context.Background()
	logger := log.New("spindle")
	ctx = log.IntoContext(ctx, logger.With("command", cmd.Name))

	if err := cmd.Run(ctx, os.Args); err != nil {
		var ec cli.ExitCoder
		if errors.As(err, &ec) {
			if msg := ec.Error(); msg != "" {
				logger.Error(msg)
			}
			os.Exit(ec.ExitCode())
		}
		logger.Error(err.Error())
		os.Exit(1)
	}
}
