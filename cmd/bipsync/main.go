// cmd/bipsync/main.go
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/andresuchdata/bipsync/pkg/logger"
)

func newApp() *cli.App {
	return &cli.App{
		Name:  "bipsync",
		Usage: "Fetch report files from SFTP sources and ship them to object storage",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "env-file",
				Usage:   "Dotenv file loaded before reading the environment",
				Value:   ".env",
				EnvVars: []string{"BIPSYNC_ENV_FILE"},
			},
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Optional YAML/TOML/JSON config file",
				EnvVars: []string{"BIPSYNC_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Override LOG_LEVEL (debug, info, warn, error)",
			},
			&cli.StringSliceFlag{
				Name:  "source",
				Usage: "Only process the named source (repeatable)",
			},
		},
		Action: runSources,
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Fetch, upload and archive files for every source (default)",
				Action: runSources,
			},
			{
				Name:   "check",
				Usage:  "Validate configuration, keys and directories without network access",
				Action: checkSources,
			},
		},
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	err := newApp().RunContext(ctx, os.Args)
	stop()
	if err != nil {
		logger.Log.Error().Err(err).Msg("bipsync failed")
	}
	logger.Close()

	if err != nil {
		os.Exit(1)
	}
}
