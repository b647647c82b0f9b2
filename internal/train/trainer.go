// Package train fits the grading heads on top of the frozen backbone.
package train

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/ayush6447/Embyro/internal/dataset"
	"github.com/ayush6447/Embyro/internal/model"
)

const (
	DefaultEpochs       = 10
	DefaultBatchSize    = 32
	DefaultLearningRate = 1e-3
	DefaultPatience     = 5
)

// ErrEmptyPartition is returned when a partition holds less than one batch.
var ErrEmptyPartition = errors.New("partition is smaller than one batch")

// Config controls a training run.
type Config struct {
	Epochs         int
	BatchSize      int
	LearningRate   float64
	Patience       int
	CheckpointPath string
	Seed           int64
}

// DefaultConfig returns the baseline hyperparameters.
func DefaultConfig() Config {
	return Config{
		Epochs:         DefaultEpochs,
		BatchSize:      DefaultBatchSize,
		LearningRate:   DefaultLearningRate,
		Patience:       DefaultPatience,
		CheckpointPath: "best_model.json",
		Seed:           time.Now().UnixNano(),
	}
}

// Metrics are the losses of one pass over a partition.
type Metrics struct {
	Loss    float64    `json:"loss"`
	HeadMSE [3]float64 `json:"head_mse"`
	HeadMAE [3]float64 `json:"head_mae"`
	Batches int        `json:"batches"`
	Skipped int        `json:"skipped"`
}

// EpochStats records one epoch.
type EpochStats struct {
	Epoch      int     `json:"epoch"`
	Train      Metrics `json:"train"`
	Validation Metrics `json:"validation"`
	Improved   bool    `json:"improved"`
}

// History is the outcome of Fit.
type History struct {
	Epochs      []EpochStats `json:"epochs"`
	BestEpoch   int          `json:"best_epoch"`
	BestValLoss float64      `json:"best_val_loss"`
	Stopped     bool         `json:"stopped_early"`
}

// Trainer optimizes the heads of a model. Pooled backbone features are
// cached per image path since the backbone never changes.
type Trainer struct {
	Model  *model.Model
	Config Config

	log   *slog.Logger
	rng   *rand.Rand
	adam  *Adam
	cache map[string][]float64

	// validate scores one validation epoch without dropout.
	validate func(*dataset.Iterator[[]float64]) Metrics
}

// NewTrainer prepares a trainer for m.
func NewTrainer(m *model.Model, cfg Config, logger *slog.Logger) *Trainer {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Trainer{
		Model:  m,
		Config: cfg,
		log:    logger,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		adam:   NewAdam(cfg.LearningRate),
		cache:  make(map[string][]float64),
	}
	t.validate = func(it *dataset.Iterator[[]float64]) Metrics { return t.runEpoch(it, false) }
	return t
}

// Features loads the image at path and returns its pooled features.
func (t *Trainer) Features(path string) ([]float64, error) {
	if f, ok := t.cache[path]; ok {
		return f, nil
	}
	img, err := dataset.LoadImage(path)
	if err != nil {
		return nil, err
	}
	f, err := t.Model.PooledFeatures(img)
	if err != nil {
		return nil, err
	}
	t.cache[path] = f
	return f, nil
}

// Fit trains for up to Config.Epochs epochs of StepsPerEpoch batches each,
// checkpointing on every validation improvement and stopping after
// Config.Patience epochs without one. When it stops early the best
// weights are restored.
func (t *Trainer) Fit(ctx context.Context, trainSet, valSet []dataset.Sample, res *dataset.Resolver) (*History, error) {
	bs := t.Config.BatchSize
	if dataset.StepsPerEpoch(len(trainSet), bs) == 0 {
		return nil, fmt.Errorf("training: %w (%d samples, batch %d)", ErrEmptyPartition, len(trainSet), bs)
	}
	if dataset.StepsPerEpoch(len(valSet), bs) == 0 {
		return nil, fmt.Errorf("validation: %w (%d samples, batch %d)", ErrEmptyPartition, len(valSet), bs)
	}

	loader := &dataset.Loader[[]float64]{
		BatchSize: bs,
		Resolver:  res,
		Load:      t.Features,
		Rand:      rand.New(rand.NewSource(t.rng.Int63())),
		Log:       t.log,
	}

	h := &History{BestValLoss: math.Inf(1)}
	var best *model.Checkpoint
	wait := 0

	for epoch := 1; epoch <= t.Config.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return h, err
		}

		stats := EpochStats{
			Epoch:      epoch,
			Train:      t.runEpoch(loader.Epoch(trainSet), true),
			Validation: t.validate(loader.Epoch(valSet)),
		}

		if stats.Validation.Batches > 0 && stats.Validation.Loss < h.BestValLoss {
			stats.Improved = true
			h.BestValLoss = stats.Validation.Loss
			h.BestEpoch = epoch
			best = t.Model.Checkpoint()
			best.Epoch = epoch
			best.ValLoss = stats.Validation.Loss
			wait = 0
			if t.Config.CheckpointPath != "" {
				if err := model.SaveCheckpoint(t.Config.CheckpointPath, best); err != nil {
					return h, err
				}
			}
		} else {
			wait++
		}
		h.Epochs = append(h.Epochs, stats)

		t.log.Info("epoch complete",
			"epoch", epoch,
			"loss", stats.Train.Loss,
			"val_loss", stats.Validation.Loss,
			"val_mae_exp", stats.Validation.HeadMAE[0],
			"val_mae_icm", stats.Validation.HeadMAE[1],
			"val_mae_te", stats.Validation.HeadMAE[2],
			"improved", stats.Improved,
		)

		if !stats.Improved && wait >= t.Config.Patience {
			h.Stopped = true
			if best != nil {
				if err := t.Model.Restore(best); err != nil {
					return h, fmt.Errorf("failed to restore best weights: %w", err)
				}
			}
			t.log.Info("early stopping", "epoch", epoch, "best_epoch", h.BestEpoch)
			break
		}
	}
	return h, nil
}

func (t *Trainer) runEpoch(it *dataset.Iterator[[]float64], training bool) Metrics {
	var losses []float64
	var mse, mae [3][]float64
	for {
		b, ok := it.Next()
		if !ok {
			break
		}
		var r batchResult
		if training {
			r = t.trainStep(b)
		} else {
			r = t.evalStep(b)
		}
		losses = append(losses, r.loss)
		for i := range model.Heads {
			mse[i] = append(mse[i], r.mse[i])
			mae[i] = append(mae[i], r.mae[i])
		}
	}

	m := Metrics{Batches: len(losses), Skipped: it.Skipped(), Loss: math.NaN()}
	if len(losses) == 0 {
		return m
	}
	m.Loss = stat.Mean(losses, nil)
	for i := range model.Heads {
		m.HeadMSE[i] = stat.Mean(mse[i], nil)
		m.HeadMAE[i] = stat.Mean(mae[i], nil)
	}
	return m
}

type batchResult struct {
	loss float64
	mse  [3]float64
	mae  [3]float64
	dOut [3][]float64
}

func targets(s dataset.Sample) [3]float64 {
	return [3]float64{s.Expansion, s.ICM, s.TE}
}

// score computes the summed per-head MSE of a forward trace and its
// gradient with respect to every head output.
func score(tr *model.Trace, samples []dataset.Sample) batchResult {
	var r batchResult
	n := float64(len(samples))
	for i := range model.Heads {
		out := tr.Output(i)
		r.dOut[i] = make([]float64, len(out))
		for j, y := range out {
			diff := y - targets(samples[j])[i]
			r.mse[i] += diff * diff / n
			r.mae[i] += math.Abs(diff) / n
			r.dOut[i][j] = 2 * diff / n
		}
		r.loss += r.mse[i]
	}
	return r
}

func (t *Trainer) trainStep(b *dataset.Batch[[]float64]) batchResult {
	tr := t.Model.Forward(b.Inputs, true, t.rng)
	r := score(tr, b.Samples)
	t.adam.Step(t.Model.Params(), t.Model.Backward(tr, r.dOut))
	return r
}

func (t *Trainer) evalStep(b *dataset.Batch[[]float64]) batchResult {
	return score(t.Model.Forward(b.Inputs, false, nil), b.Samples)
}
