package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/ayush6447/Embyro/internal/gradcam"
	"github.com/ayush6447/Embyro/internal/imaging"
	"github.com/ayush6447/Embyro/internal/model"
	"github.com/ayush6447/Embyro/internal/store"
)

// TargetTop selects the head with the highest sub-score for attribution.
const TargetTop = "top"

var (
	ErrEmptyBatch = errors.New("at least one embryo image must be uploaded")
	ErrEmptyImage = errors.New("image is empty")
)

// Metadata is optional clinical context supplied with a batch. It is
// recorded with each result but does not affect scoring.
type Metadata struct {
	MaternalAge         *int   `json:"maternal_age,omitempty"`
	FertilizationMethod string `json:"fertilization_method,omitempty"`
}

// Result is the analysis of one image.
type Result struct {
	EmbryoID                string          `json:"embryo_id"`
	QualityScore            float64         `json:"quality_score"`
	ImplantationProbability float64         `json:"implantation_success_probability"`
	RiskIndicators          []RiskIndicator `json:"risk_indicators"`
	Heatmap                 imaging.Grid    `json:"explanation_heatmap"`
	Notes                   string          `json:"notes,omitempty"`
}

// LoadFunc produces the model. It is called at most once per Analyzer.
type LoadFunc func() (*model.Model, error)

// Options configure an Analyzer.
type Options struct {
	// TargetHead is a head name or TargetTop.
	TargetHead string
	// Seed drives the simulation and attribution fallbacks.
	Seed   int64
	Sink   store.Sink
	Logger *slog.Logger
}

// Analyzer owns the process-wide model handle. Batches are processed one
// at a time, images within a batch strictly in order.
type Analyzer struct {
	load    LoadFunc
	once    sync.Once
	model   *model.Model
	loadErr error

	mu     sync.Mutex
	rng    *rand.Rand
	engine *gradcam.Engine
	target string
	sink   store.Sink
	log    *slog.Logger
}

// New creates an Analyzer. The model is not loaded until first use.
func New(load LoadFunc, opts Options) *Analyzer {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Sink == nil {
		opts.Sink = store.Nop{}
	}
	if opts.TargetHead == "" {
		opts.TargetHead = TargetTop
	}
	rng := rand.New(rand.NewSource(opts.Seed))
	return &Analyzer{
		load:   load,
		rng:    rng,
		engine: gradcam.New(rand.New(rand.NewSource(rng.Int63()))),
		target: opts.TargetHead,
		sink:   opts.Sink,
		log:    opts.Logger,
	}
}

// Model returns the loaded model, loading it on first call. A failed load
// is permanent for the lifetime of the Analyzer.
func (a *Analyzer) Model() (*model.Model, error) {
	a.once.Do(func() {
		if a.load == nil {
			a.loadErr = errors.New("no model loader configured")
		} else {
			a.model, a.loadErr = a.load()
		}
		if a.loadErr != nil {
			a.log.Warn("model unavailable, using simulated predictions", "error", a.loadErr)
		} else {
			a.log.Info("model loaded", "feature_layer", a.model.FeatureLayer.Name, "channels", a.model.Channels)
		}
	})
	return a.model, a.loadErr
}

// Simulated reports whether results come from the simulation fallback.
func (a *Analyzer) Simulated() bool {
	_, err := a.Model()
	return err != nil
}

// AnalyzeBatch scores every decodable image. Undecodable images are
// skipped; identifiers follow the 1-based input position, so a skipped
// image leaves a gap.
func (a *Analyzer) AnalyzeBatch(ctx context.Context, images [][]byte, meta Metadata) ([]Result, error) {
	if len(images) == 0 {
		return nil, ErrEmptyBatch
	}
	for i, img := range images {
		if len(img) == 0 {
			return nil, fmt.Errorf("image %d: %w", i+1, ErrEmptyImage)
		}
	}

	m, _ := a.Model()

	a.mu.Lock()
	defer a.mu.Unlock()

	results := make([]Result, 0, len(images))
	for i, raw := range images {
		id := fmt.Sprintf("embryo_%d", i+1)

		r, err := a.analyzeOne(m, id, raw)
		if err != nil {
			a.log.Warn("skipping image", "embryo_id", id, "error", err)
			continue
		}
		a.persist(ctx, r, meta)
		results = append(results, r)
	}
	return results, nil
}

func (a *Analyzer) analyzeOne(m *model.Model, id string, raw []byte) (Result, error) {
	tensor, err := imaging.Preprocess(raw)
	if err != nil {
		return Result{}, err
	}

	if m == nil {
		return a.simulate(id), nil
	}

	pred, err := m.Predict(tensor)
	if err != nil {
		return Result{}, err
	}
	s := ScorePrediction(pred)

	head := a.targetHead(s.Norm)
	att := a.engine.Compute(m, tensor, head)
	if att.Fallback {
		a.log.Debug("attribution fell back to random grid", "embryo_id", id, "head", head, "error", att.Err)
	}

	a.log.Debug("predicted grades", "embryo_id", id, "exp", pred.Expansion, "icm", pred.ICM, "te", pred.TE)

	return newResult(id, s, att.Map,
		fmt.Sprintf("Model Predictions: EXP=%.1f, ICM=%.1f, TE=%.1f", pred.Expansion, pred.ICM, pred.TE)), nil
}

func (a *Analyzer) simulate(id string) Result {
	pred := model.Prediction{
		Expansion: 1 + (MaxExpansion-1)*a.rng.Float64(),
		ICM:       1 + (MaxICM-1)*a.rng.Float64(),
		TE:        1 + (MaxTE-1)*a.rng.Float64(),
	}
	return newResult(id, ScorePrediction(pred), a.engine.Random(),
		fmt.Sprintf("Simulated Predictions: EXP=%.1f, ICM=%.1f, TE=%.1f", pred.Expansion, pred.ICM, pred.TE))
}

func (a *Analyzer) targetHead(n SubScores) model.HeadName {
	if a.target == TargetTop {
		return TopHead(n)
	}
	h, err := model.ParseHead(a.target)
	if err != nil {
		return TopHead(n)
	}
	return h
}

func newResult(id string, s Score, heat imaging.Grid, notes string) Result {
	return Result{
		EmbryoID:                id,
		QualityScore:            s.Quality,
		ImplantationProbability: s.Implantation,
		RiskIndicators:          s.Risks,
		Heatmap:                 heat,
		Notes:                   notes,
	}
}

// persist offers r to the sink. Failures are logged and dropped.
func (a *Analyzer) persist(ctx context.Context, r Result, meta Metadata) {
	body, err := json.Marshal(struct {
		Result
		Metadata Metadata `json:"metadata"`
	}{r, meta})
	if err != nil {
		a.log.Debug("failed to encode analysis document", "embryo_id", r.EmbryoID, "error", err)
		return
	}

	doc := store.Document{
		EmbryoID:                r.EmbryoID,
		QualityScore:            r.QualityScore,
		ImplantationProbability: r.ImplantationProbability,
		Body:                    body,
		CreatedAt:               time.Now().UTC(),
	}
	if err := a.sink.Save(ctx, doc); err != nil {
		a.log.Debug("failed to persist analysis", "embryo_id", r.EmbryoID, "error", err)
	}
}

// Close releases the model, if one was loaded, and the sink.
func (a *Analyzer) Close() error {
	var errs []error
	if a.model != nil {
		errs = append(errs, a.model.Close())
	}
	errs = append(errs, a.sink.Close())
	return errors.Join(errs...)
}
