package main

import (
	"context"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ayush6447/Embyro/internal/config"
	"github.com/ayush6447/Embyro/internal/model"
)

func writeEmbryo(t *testing.T, path string, level uint8) {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 16, 16))
	for i := range img.Pix {
		img.Pix[i] = level
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

// The flags are package-level, so the app is run once per test binary.
func TestTrainCommand(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("EMBRYO_CONFIG", "")
	dir := t.TempDir()
	imgDir := filepath.Join(dir, "images")
	require.NoError(t, os.MkdirAll(filepath.Join(imgDir, "day5"), 0o755))

	var rows []string
	rows = append(rows, "Image;EXP_silver;ICM_silver;TE_silver")
	for i := 0; i < 10; i++ {
		name := fmt.Sprintf("e%02d.png", i)
		writeEmbryo(t, filepath.Join(imgDir, "day5", name), uint8(20*i))
		rows = append(rows, fmt.Sprintf("%s;%d;%d;%d", name, 1+i%6, 1+i%3, 1+(i+1)%3))
	}
	rows = append(rows, "missing.png;ND;2;2")
	csvPath := filepath.Join(dir, "grades.csv")
	require.NoError(t, os.WriteFile(csvPath, []byte(strings.Join(rows, "\n")+"\n"), 0o600))

	ckpt := filepath.Join(dir, "out", "heads.json")
	err := newApp().Run(context.Background(), []string{
		"embryoctl", "--log-level", "error",
		"train",
		"--csv", csvPath,
		"--images", imgDir,
		"--checkpoint", ckpt,
		"--epochs", "2",
		"--batch-size", "2",
		"--seed", "5",
	})
	require.NoError(t, err)

	cp, err := model.LoadCheckpoint(ckpt)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, cp.Epoch, 1)

	cfg := config.Default()
	cfg.Model.CheckpointPath = ckpt
	m, err := cfg.Model.LoadModel()
	require.NoError(t, err)
	assert.Equal(t, config.DefaultProjectionChannels, m.Channels)
}

func TestGetConfig_Default(t *testing.T) {
	assert.Equal(t, config.Default(), getConfig(context.Background()))
}
