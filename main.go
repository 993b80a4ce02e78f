package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v2"

	"msgpipe/config"
)

type contextKey int

const (
	contextKeyConfig contextKey = iota
	contextKeyConfigPath
)

func getConfig(ctx *cli.Context) *config.Config {
	return ctx.Context.Value(contextKeyConfig).(*config.Config)
}

func getDataDir(ctx *cli.Context) string {
	return filepath.Dir(ctx.Context.Value(contextKeyConfigPath).(string))
}

func prepareApp(ctx *cli.Context) error {
	if dir := ctx.String("data-dir"); dir != "" {
		if err := os.Setenv(config.EnvPrefix+"DATA_DIR", dir); err != nil {
			return err
		}
	}

	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if level := ctx.String("log-level"); level != "" {
		cfg.LogLevel = level
	}

	newCtx := context.WithValue(ctx.Context, contextKeyConfig, cfg)
	newCtx = context.WithValue(newCtx, contextKeyConfigPath, cfgPath)
	ctx.Context = newCtx
	return nil
}

func main() {
	app := &cli.App{
		Name:  "msgpipe",
		Usage: "Ingest, decrypt and store incoming messenger envelopes",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "data-dir",
				Usage: "Override the data directory",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Override the configured log level",
			},
		},
		Before: prepareApp,
		Commands: []*cli.Command{
			runCommand,
			replayFailedCommand,
			gcCommand,
			keygenCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
