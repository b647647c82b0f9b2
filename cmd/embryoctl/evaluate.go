package main

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/ayush6447/Embyro/internal/dataset"
	"github.com/ayush6447/Embyro/internal/model"
	"github.com/ayush6447/Embyro/internal/train"
)

var evaluateCmd = &cli.Command{
	Name:   "evaluate",
	Usage:  "Report per-head MAE of a checkpoint over every labeled row",
	Flags:  []cli.Flag{csvFlag, imagesFlag, checkpointFlag},
	Action: cmdEvaluate,
}

func cmdEvaluate(ctx context.Context, cmd *cli.Command) error {
	cfg := getConfig(ctx)
	applyModelFlags(cmd, cfg)
	if cfg.Dataset.CSVPath == "" || cfg.Dataset.ImageDir == "" {
		return errors.New("--csv and --images are required")
	}

	opts, err := cfg.DatasetOptions()
	if err != nil {
		return err
	}
	table, err := dataset.Load(cfg.Dataset.CSVPath, opts)
	if err != nil {
		return err
	}

	m, err := cfg.Model.LoadModel()
	if err != nil {
		return err
	}
	defer m.Close()

	report, err := train.Evaluate(m, table.Samples, dataset.NewResolver(cfg.Dataset.ImageDir))
	if err != nil {
		return err
	}
	slog.Info("evaluation finished",
		"evaluated", report.Evaluated,
		"skipped", report.Skipped,
		"mae_exp", report.MAE[model.Expansion.Index()],
		"mae_icm", report.MAE[model.ICM.Index()],
		"mae_te", report.MAE[model.TE.Index()])
	return printJSON(os.Stdout, report)
}
