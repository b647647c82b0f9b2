package main

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/ayush6447/Embyro/internal/dataset"
	"github.com/ayush6447/Embyro/internal/train"
)

var (
	epochsFlag = &cli.IntFlag{
		Name:  "epochs",
		Usage: "Maximum number of epochs",
	}

	batchSizeFlag = &cli.IntFlag{
		Name:  "batch-size",
		Usage: "Samples per batch",
	}

	learningRateFlag = &cli.FloatFlag{
		Name:  "lr",
		Usage: "Adam learning rate",
	}

	patienceFlag = &cli.IntFlag{
		Name:  "patience",
		Usage: "Epochs without validation improvement before stopping",
	}

	seedFlag = &cli.Int64Flag{
		Name:  "seed",
		Usage: "Seed for head initialization and dropout",
	}

	trainCmd = &cli.Command{
		Name:   "train",
		Usage:  "Fit the grading heads and write the best checkpoint",
		Flags:  []cli.Flag{csvFlag, imagesFlag, checkpointFlag, epochsFlag, batchSizeFlag, learningRateFlag, patienceFlag, seedFlag},
		Action: cmdTrain,
	}
)

func cmdTrain(ctx context.Context, cmd *cli.Command) error {
	cfg := getConfig(ctx)
	applyModelFlags(cmd, cfg)
	if cmd.IsSet(epochsFlag.Name) {
		cfg.Training.Epochs = cmd.Int(epochsFlag.Name)
	}
	if cmd.IsSet(batchSizeFlag.Name) {
		cfg.Training.BatchSize = cmd.Int(batchSizeFlag.Name)
	}
	if cmd.IsSet(learningRateFlag.Name) {
		cfg.Training.LearningRate = cmd.Float(learningRateFlag.Name)
	}
	if cmd.IsSet(patienceFlag.Name) {
		cfg.Training.Patience = cmd.Int(patienceFlag.Name)
	}
	if cmd.IsSet(seedFlag.Name) {
		cfg.Training.Seed = cmd.Int64(seedFlag.Name)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
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
	slog.Info("dataset loaded",
		"rows", table.Total,
		"dropped", table.Dropped,
		"train", len(table.Train),
		"validation", len(table.Validation),
		"columns", table.Columns)

	tc := cfg.TrainConfig()
	m, err := cfg.Model.NewModel(tc.Seed)
	if err != nil {
		return err
	}
	defer m.Close()

	history, err := train.NewTrainer(m, tc, slog.Default()).Fit(ctx, table.Train, table.Validation, dataset.NewResolver(cfg.Dataset.ImageDir))
	if err != nil {
		return err
	}
	slog.Info("training finished",
		"best_epoch", history.BestEpoch,
		"best_val_loss", history.BestValLoss,
		"early_stopped", history.Stopped,
		"checkpoint", tc.CheckpointPath)
	return printJSON(os.Stdout, history)
}
