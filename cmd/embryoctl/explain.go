package main

import (
	"context"
	"errors"
	"fmt"
	"image/png"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/ayush6447/Embyro/internal/gradcam"
	"github.com/ayush6447/Embyro/internal/imaging"
	"github.com/ayush6447/Embyro/internal/model"
)

const overlayAlpha = 0.4

var (
	imageFlag = &cli.StringFlag{
		Name:     "image",
		Usage:    "Path to the embryo image",
		Required: true,
	}

	headFlag = &cli.StringFlag{
		Name:  "head",
		Usage: "Head to explain [exp_output, icm_output, te_output]",
		Value: string(model.Expansion),
	}

	outFlag = &cli.StringFlag{
		Name:  "out",
		Usage: "Where to write the heatmap overlay",
		Value: "explanation.png",
	}

	explainCmd = &cli.Command{
		Name:   "explain",
		Usage:  "Render a Grad-CAM overlay for one head",
		Flags:  []cli.Flag{imageFlag, headFlag, outFlag, checkpointFlag},
		Action: cmdExplain,
	}
)

func cmdExplain(ctx context.Context, cmd *cli.Command) error {
	cfg := getConfig(ctx)
	applyModelFlags(cmd, cfg)

	head, err := model.ParseHead(cmd.String(headFlag.Name))
	if err != nil {
		return err
	}

	raw, err := os.ReadFile(cmd.String(imageFlag.Name))
	if err != nil {
		return fmt.Errorf("error reading image: %w", err)
	}
	img, err := imaging.Decode(raw)
	if err != nil {
		return err
	}
	tensor := imaging.FromImage(img)

	m, err := cfg.Model.LoadModel()
	if err != nil {
		return err
	}
	defer m.Close()

	pred, err := m.Predict(tensor)
	if err != nil {
		return err
	}
	cam, err := gradcam.Heatmap(m, tensor, head)
	if errors.Is(err, gradcam.ErrZeroMap) {
		slog.Warn("attribution is zero everywhere", "head", head)
		cam = imaging.NewGrid(gradcam.DefaultSize, gradcam.DefaultSize)
	} else if err != nil {
		return err
	}

	overlay, err := imaging.Overlay(img, cam, overlayAlpha)
	if err != nil {
		return err
	}
	out := cmd.String(outFlag.Name)
	f, err := os.Create(out)
	if err != nil {
		return fmt.Errorf("error creating %s: %w", out, err)
	}
	defer f.Close()
	if err := png.Encode(f, overlay); err != nil {
		return fmt.Errorf("error encoding %s: %w", out, err)
	}

	slog.Info("explanation saved",
		"path", out,
		"head", head,
		"exp", pred.Expansion,
		"icm", pred.ICM,
		"te", pred.TE)
	return nil
}
