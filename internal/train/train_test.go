package train

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ayush6447/Embyro/internal/dataset"
	"github.com/ayush6447/Embyro/internal/model"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeGray(t *testing.T, path string, level uint8) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			img.Set(x, y, color.RGBA{R: level, G: level / 2, B: 255 - level, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

// brightnessSet writes n images whose grades grow with their brightness.
func brightnessSet(t *testing.T, dir string, n int) []dataset.Sample {
	t.Helper()
	samples := make([]dataset.Sample, n)
	for i := 0; i < n; i++ {
		b := float64(i) / float64(n-1)
		name := fmt.Sprintf("e_%02d.png", i)
		writeGray(t, filepath.Join(dir, name), uint8(b*255))
		samples[i] = dataset.Sample{Image: name, Expansion: 1 + 5*b, ICM: 1 + 2*b, TE: 3 - 2*b}
	}
	return samples
}

func newModel(t *testing.T) *model.Model {
	t.Helper()
	m, err := model.New(model.NewProjectionBackbone(16, 1), rand.New(rand.NewSource(2)))
	require.NoError(t, err)
	return m
}

func TestAdam_MinimizesQuadratic(t *testing.T) {
	a := NewAdam(0.1)
	x := []float64{0}
	for i := 0; i < 500; i++ {
		a.Step([][]float64{x}, [][]float64{{2 * (x[0] - 3)}})
	}
	assert.InDelta(t, 3.0, x[0], 0.05)
}

func TestFit_ReducesValidationLoss(t *testing.T) {
	dir := t.TempDir()
	samples := brightnessSet(t, dir, 40)
	rand.New(rand.NewSource(1)).Shuffle(len(samples), func(i, j int) {
		samples[i], samples[j] = samples[j], samples[i]
	})

	cfg := DefaultConfig()
	cfg.Epochs = 25
	cfg.BatchSize = 4
	cfg.LearningRate = 0.01
	cfg.Patience = 25
	cfg.Seed = 7
	cfg.CheckpointPath = filepath.Join(dir, "out", "best.json")

	m := newModel(t)
	tr := NewTrainer(m, cfg, quietLogger())
	h, err := tr.Fit(context.Background(), samples[:32], samples[32:], dataset.NewResolver(dir))
	require.NoError(t, err)

	require.Len(t, h.Epochs, 25)
	first := h.Epochs[0].Validation.Loss
	assert.Less(t, h.BestValLoss, first)
	assert.Equal(t, 8, h.Epochs[0].Train.Batches)
	assert.Equal(t, 2, h.Epochs[0].Validation.Batches)
	assert.False(t, h.Stopped)

	cp, err := model.LoadCheckpoint(cfg.CheckpointPath)
	require.NoError(t, err)
	assert.Equal(t, h.BestEpoch, cp.Epoch)
	assert.InDelta(t, h.BestValLoss, cp.ValLoss, 1e-12)
}

// scriptedValidation replaces the validation pass with fixed losses and
// records the weights seen at each epoch.
func scriptedValidation(tr *Trainer, losses []float64, seen *[]*model.Checkpoint) {
	epoch := 0
	tr.validate = func(it *dataset.Iterator[[]float64]) Metrics {
		*seen = append(*seen, tr.Model.Checkpoint())
		loss := losses[len(losses)-1]
		if epoch < len(losses) {
			loss = losses[epoch]
		}
		epoch++
		return Metrics{Loss: loss, Batches: it.Steps()}
	}
}

func TestFit_EarlyStoppingRestoresBest(t *testing.T) {
	dir := t.TempDir()
	samples := brightnessSet(t, dir, 9)

	cfg := DefaultConfig()
	cfg.Epochs = 10
	cfg.BatchSize = 1
	cfg.LearningRate = 0.05
	cfg.Patience = 2
	cfg.Seed = 3
	cfg.CheckpointPath = filepath.Join(dir, "best.json")

	m := newModel(t)
	tr := NewTrainer(m, cfg, quietLogger())
	var seen []*model.Checkpoint
	scriptedValidation(tr, []float64{1, 2, 3}, &seen)

	h, err := tr.Fit(context.Background(), samples[:8], samples[8:], dataset.NewResolver(dir))
	require.NoError(t, err)

	assert.True(t, h.Stopped)
	require.Len(t, h.Epochs, 3)
	require.Len(t, seen, 3)
	assert.Equal(t, 1, h.BestEpoch)
	assert.True(t, h.Epochs[0].Improved)
	assert.False(t, h.Epochs[2].Improved)

	saved, err := model.LoadCheckpoint(cfg.CheckpointPath)
	require.NoError(t, err)
	assert.Equal(t, 1, saved.Epoch)

	final := m.Checkpoint().Heads
	assert.Equal(t, seen[0].Heads, final)
	assert.Equal(t, saved.Heads, final)
	assert.NotEqual(t, seen[2].Heads, final)
}

func TestFit_ZeroPatienceKeepsImproving(t *testing.T) {
	dir := t.TempDir()
	samples := brightnessSet(t, dir, 9)

	cfg := DefaultConfig()
	cfg.Epochs = 3
	cfg.BatchSize = 1
	cfg.LearningRate = 0.01
	cfg.Patience = 0
	cfg.Seed = 4
	cfg.CheckpointPath = ""

	tr := NewTrainer(newModel(t), cfg, quietLogger())
	var seen []*model.Checkpoint
	scriptedValidation(tr, []float64{3, 2, 1}, &seen)

	h, err := tr.Fit(context.Background(), samples[:8], samples[8:], dataset.NewResolver(dir))
	require.NoError(t, err)
	assert.False(t, h.Stopped)
	assert.Len(t, h.Epochs, 3)
	assert.Equal(t, 3, h.BestEpoch)
}

func TestFit_ZeroPatienceStopsOnFirstRegression(t *testing.T) {
	dir := t.TempDir()
	samples := brightnessSet(t, dir, 9)

	cfg := DefaultConfig()
	cfg.Epochs = 5
	cfg.BatchSize = 1
	cfg.LearningRate = 0.01
	cfg.Patience = 0
	cfg.Seed = 4
	cfg.CheckpointPath = ""

	tr := NewTrainer(newModel(t), cfg, quietLogger())
	var seen []*model.Checkpoint
	scriptedValidation(tr, []float64{2, 1, 1.5}, &seen)

	h, err := tr.Fit(context.Background(), samples[:8], samples[8:], dataset.NewResolver(dir))
	require.NoError(t, err)
	assert.True(t, h.Stopped)
	assert.Len(t, h.Epochs, 3)
	assert.Equal(t, 2, h.BestEpoch)
}

func TestFit_ZeroPatienceRunsPastAnImprovingEpoch(t *testing.T) {
	dir := t.TempDir()
	samples := brightnessSet(t, dir, 20)

	cfg := DefaultConfig()
	cfg.Epochs = 5
	cfg.BatchSize = 2
	cfg.LearningRate = 0.01
	cfg.Patience = 0
	cfg.Seed = 6
	cfg.CheckpointPath = ""

	h, err := NewTrainer(newModel(t), cfg, quietLogger()).Fit(context.Background(), samples[:16], samples[16:], dataset.NewResolver(dir))
	require.NoError(t, err)
	require.True(t, h.Epochs[0].Improved)
	assert.GreaterOrEqual(t, len(h.Epochs), 2)
}

func TestFit_EmptyPartitions(t *testing.T) {
	dir := t.TempDir()
	samples := brightnessSet(t, dir, 5)

	cfg := DefaultConfig()
	cfg.BatchSize = 4
	cfg.CheckpointPath = ""

	tr := NewTrainer(newModel(t), cfg, quietLogger())
	_, err := tr.Fit(context.Background(), samples[:4], samples[4:], dataset.NewResolver(dir))
	assert.ErrorIs(t, err, ErrEmptyPartition)

	_, err = tr.Fit(context.Background(), samples[:2], samples, dataset.NewResolver(dir))
	assert.ErrorIs(t, err, ErrEmptyPartition)
}

func TestFit_Cancelled(t *testing.T) {
	dir := t.TempDir()
	samples := brightnessSet(t, dir, 8)

	cfg := DefaultConfig()
	cfg.BatchSize = 2
	cfg.CheckpointPath = ""

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewTrainer(newModel(t), cfg, quietLogger()).Fit(ctx, samples[:6], samples[6:], dataset.NewResolver(dir))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFeatures_Cached(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "one.png")
	writeGray(t, path, 90)

	tr := NewTrainer(newModel(t), DefaultConfig(), quietLogger())
	a, err := tr.Features(path)
	require.NoError(t, err)
	require.Len(t, a, 16)

	require.NoError(t, os.Remove(path))
	b, err := tr.Features(path)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	_, err = tr.Features(filepath.Join(dir, "other.png"))
	assert.Error(t, err)
}

func TestEvaluate(t *testing.T) {
	dir := t.TempDir()
	samples := brightnessSet(t, dir, 4)
	samples = append(samples, dataset.Sample{Image: "absent.png", Expansion: 1, ICM: 1, TE: 1})

	m := newModel(t)
	r, err := Evaluate(m, samples, dataset.NewResolver(dir))
	require.NoError(t, err)
	assert.Equal(t, 4, r.Evaluated)
	assert.Equal(t, 1, r.Skipped)
	for _, v := range r.MAE {
		assert.Greater(t, v, 0.0)
	}

	_, err = Evaluate(m, samples[4:], dataset.NewResolver(dir))
	assert.ErrorIs(t, err, ErrNothingEvaluated)
}
