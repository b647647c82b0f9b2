package train

import (
	"errors"
	"log/slog"
	"math"

	"github.com/ayush6447/Embyro/internal/dataset"
	"github.com/ayush6447/Embyro/internal/model"
)

// ErrNothingEvaluated is returned when no sample had a usable image.
var ErrNothingEvaluated = errors.New("no samples evaluated")

// Report is the per-head mean absolute error over a table.
type Report struct {
	Evaluated int        `json:"evaluated"`
	Skipped   int        `json:"skipped"`
	MAE       [3]float64 `json:"mae"`
}

// Evaluate predicts every sample and averages the absolute error per head.
// Samples whose image cannot be found or decoded are skipped.
func Evaluate(m *model.Model, samples []dataset.Sample, res *dataset.Resolver) (*Report, error) {
	r := &Report{}
	var sums [3]float64
	for _, s := range samples {
		path, ok := res.Resolve(s.Image)
		if !ok {
			r.Skipped++
			continue
		}
		img, err := dataset.LoadImage(path)
		if err != nil {
			slog.Debug("skipping sample", "image", s.Image, "error", err)
			r.Skipped++
			continue
		}
		p, err := m.Predict(img)
		if err != nil {
			slog.Debug("prediction failed", "image", s.Image, "error", err)
			r.Skipped++
			continue
		}
		want := targets(s)
		for i, h := range model.Heads {
			sums[i] += math.Abs(p.Get(h) - want[i])
		}
		r.Evaluated++
	}

	if r.Evaluated == 0 {
		return r, ErrNothingEvaluated
	}
	for i := range sums {
		r.MAE[i] = sums[i] / float64(r.Evaluated)
	}
	return r, nil
}
