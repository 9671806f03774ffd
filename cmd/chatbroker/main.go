package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/lrhodin/chatbroker/pkg/connector"
)

type contextKey int

const (
	contextKeyConfig contextKey = iota
	contextKeyLogger
)

func getConfig(ctx *cli.Context) *connector.Config {
	return ctx.Context.Value(contextKeyConfig).(*connector.Config)
}

func getLogger(ctx *cli.Context) *zerolog.Logger {
	return ctx.Context.Value(contextKeyLogger).(*zerolog.Logger)
}

func prepareApp(ctx *cli.Context) error {
	loadEnvFile(ctx.String("env-file"))
	cfg, err := loadConfig(ctx.String("config"), !ctx.Bool("no-update"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	log := setupLogging(cfg.Logging)
	newCtx := context.WithValue(ctx.Context, contextKeyConfig, cfg)
	newCtx = context.WithValue(newCtx, contextKeyLogger, log)
	ctx.Context = log.WithContext(newCtx)
	return nil
}

func main() {
	app := &cli.App{
		Name:    "chatbroker",
		Usage:   "Ingest chat gateway webhooks and keep branch conversations in sync",
		Version: "0.1.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to config file",
				Value:   "config.yaml",
				EnvVars: []string{"CHATBROKER_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "Path to a .env file loaded before the config",
				Value: ".env",
			},
			&cli.BoolFlag{
				Name:  "no-update",
				Usage: "Don't write the upgraded config back to disk",
			},
		},
		Commands: []*cli.Command{
			serveCommand,
			initDBCommand,
			syncCommand,
			fixUnknownNamesCommand,
			relinkOrphansCommand,
			exampleConfigCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
