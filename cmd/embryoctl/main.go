package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/ayush6447/Embyro/internal/config"
	"github.com/ayush6447/Embyro/internal/logging"
)

var (
	version = "v0.0.1-default"

	configFlag = &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Path to the YAML config file (optional)",
		Sources: cli.EnvVars("EMBRYO_CONFIG"),
	}

	logLevelFlag = &cli.StringFlag{
		Name:  "log-level",
		Usage: "Log level [debug, info, warn, error]",
		Value: "info",
	}

	checkpointFlag = &cli.StringFlag{
		Name:  "checkpoint",
		Usage: "Path to the head weights checkpoint",
	}

	csvFlag = &cli.StringFlag{
		Name:  "csv",
		Usage: "Path to the graded ';'-delimited table",
	}

	imagesFlag = &cli.StringFlag{
		Name:  "images",
		Usage: "Directory holding the images named in the table",
	}
)

type configKey struct{}

func main() {
	if err := newApp().Run(context.Background(), os.Args); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:    "embryoctl",
		Usage:   "Train, evaluate and explain the embryo grading model",
		Version: version,
		Flags:   []cli.Flag{configFlag, logLevelFlag},
		Commands: []*cli.Command{
			trainCmd,
			evaluateCmd,
			explainCmd,
			analyzeCmd,
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			cfg, err := config.Load(cmd.String(configFlag.Name))
			if err != nil {
				return ctx, err
			}
			level := cfg.Log.Level
			if cmd.IsSet(logLevelFlag.Name) {
				level = cmd.String(logLevelFlag.Name)
			}
			logging.SetDefault(level, logging.FormatCLI)
			return context.WithValue(ctx, configKey{}, cfg), nil
		},
	}
}

func getConfig(ctx context.Context) *config.Config {
	if cfg, ok := ctx.Value(configKey{}).(*config.Config); ok {
		return cfg
	}
	return config.Default()
}

// applyModelFlags lets per-command flags override the config file.
func applyModelFlags(cmd *cli.Command, cfg *config.Config) {
	if cmd.IsSet(checkpointFlag.Name) {
		cfg.Model.CheckpointPath = cmd.String(checkpointFlag.Name)
	}
	if cmd.IsSet(csvFlag.Name) {
		cfg.Dataset.CSVPath = cmd.String(csvFlag.Name)
	}
	if cmd.IsSet(imagesFlag.Name) {
		cfg.Dataset.ImageDir = cmd.String(imagesFlag.Name)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("error encoding output: %w", err)
	}
	return nil
}
