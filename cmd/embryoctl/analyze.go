package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/ayush6447/Embyro/internal/analysis"
	"github.com/ayush6447/Embyro/internal/store"
)

var (
	maternalAgeFlag = &cli.IntFlag{
		Name:  "maternal-age",
		Usage: "Maternal age recorded with the results (optional)",
	}

	methodFlag = &cli.StringFlag{
		Name:  "fertilization-method",
		Usage: "Fertilization method recorded with the results (optional)",
	}

	storeFlag = &cli.StringFlag{
		Name:  "store",
		Usage: "Persist results to sqlite://path or postgres://... (optional)",
	}

	analyzeCmd = &cli.Command{
		Name:      "analyze",
		Usage:     "Score images and print the analyses as JSON",
		ArgsUsage: "IMAGE [IMAGE...]",
		Flags:     []cli.Flag{checkpointFlag, maternalAgeFlag, methodFlag, storeFlag},
		Action:    cmdAnalyze,
	}
)

func cmdAnalyze(ctx context.Context, cmd *cli.Command) error {
	cfg := getConfig(ctx)
	applyModelFlags(cmd, cfg)

	paths := cmd.Args().Slice()
	if len(paths) == 0 {
		return errors.New("at least one image path is required")
	}
	images := make([][]byte, 0, len(paths))
	for _, p := range paths {
		b, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("error reading %s: %w", p, err)
		}
		images = append(images, b)
	}

	var meta analysis.Metadata
	if cmd.IsSet(maternalAgeFlag.Name) {
		age := cmd.Int(maternalAgeFlag.Name)
		meta.MaternalAge = &age
	}
	meta.FertilizationMethod = cmd.String(methodFlag.Name)

	dsn := cfg.Store.DSN
	if cmd.IsSet(storeFlag.Name) {
		dsn = cmd.String(storeFlag.Name)
	}
	var sink store.Sink = store.Nop{}
	if dsn != "" {
		s, err := store.Open(ctx, dsn)
		if err != nil {
			return err
		}
		sink = s
	}

	a := analysis.New(cfg.Model.LoadModel, analysis.Options{
		TargetHead: cfg.Analysis.TargetHead,
		Seed:       cfg.Analysis.Seed,
		Sink:       sink,
	})
	defer a.Close()

	results, err := a.AnalyzeBatch(ctx, images, meta)
	if err != nil {
		return err
	}
	return printJSON(os.Stdout, results)
}
