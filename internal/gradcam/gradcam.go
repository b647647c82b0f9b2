// Package gradcam computes gradient-weighted class activation maps for one
// grading head of a model.
package gradcam

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/ayush6447/Embyro/internal/imaging"
	"github.com/ayush6447/Embyro/internal/model"
)

// DefaultSize is the side of the emitted attribution grid.
const DefaultSize = 32

// ErrZeroMap is returned when no spatial location has positive importance.
var ErrZeroMap = errors.New("attribution map has no positive values")

// Result is the outcome of one attribution. When Fallback is set, Map holds
// uniform random values and Err explains why.
type Result struct {
	Map      imaging.Grid
	Fallback bool
	Err      error
}

// Engine produces attribution grids. It is not safe for concurrent use.
type Engine struct {
	Size int
	rng  *rand.Rand
}

// New creates an engine whose fallback grids are drawn from rng. A nil rng
// is seeded from the clock.
func New(rng *rand.Rand) *Engine {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Engine{Size: DefaultSize, rng: rng}
}

// Compute attributes head's output on t to the feature layer of m. It never
// fails: any error is reported in the result alongside a random grid.
func (e *Engine) Compute(m *model.Model, t *imaging.Tensor, head model.HeadName) Result {
	cam, err := Heatmap(m, t, head)
	if err == nil {
		var out imaging.Grid
		out, err = imaging.ResizeGrid(cam, e.Size, e.Size)
		if err == nil {
			return Result{Map: out}
		}
	}
	return Result{Map: e.Random(), Fallback: true, Err: err}
}

// Random returns a grid of uniform values in [0,1).
func (e *Engine) Random() imaging.Grid {
	g := imaging.NewGrid(e.Size, e.Size)
	for i := range g.Values {
		g.Values[i] = e.rng.Float64()
	}
	return g
}

// Heatmap returns the raw attribution at the feature layer resolution,
// normalized to [0,1] by its maximum.
func Heatmap(m *model.Model, t *imaging.Tensor, head model.HeadName) (imaging.Grid, error) {
	layer, err := model.ResolveFeatureLayer(m.Backbone.Layers())
	if err != nil {
		return imaging.Grid{}, err
	}
	if layer.Name != m.FeatureLayer.Name {
		return imaging.Grid{}, fmt.Errorf("resolved layer %s does not feed the heads (%s)", layer.Name, m.FeatureLayer.Name)
	}

	// forward pass, keeping the feature map the heads are pooled from
	fm, err := m.Backbone.FeatureMap(layer.Name, t)
	if err != nil {
		return imaging.Grid{}, err
	}
	if err := fm.Validate(); err != nil {
		return imaging.Grid{}, err
	}
	_, dPooled, err := m.HeadGradient(head, model.Pool(fm))
	if err != nil {
		return imaging.Grid{}, err
	}

	plane := fm.Height * fm.Width
	features := mat.NewDense(plane, fm.Channels, fm.Data)

	// d(output)/d(feature) is the pooled gradient spread evenly over space
	grads := mat.NewDense(plane, fm.Channels, nil)
	for p := 0; p < plane; p++ {
		row := grads.RawRowView(p)
		copy(row, dPooled)
		floats.Scale(1/float64(plane), row)
	}

	weights := make([]float64, fm.Channels)
	for c := range weights {
		weights[c] = floats.Sum(mat.Col(nil, c, grads)) / float64(plane)
	}

	var cam mat.VecDense
	cam.MulVec(features, mat.NewVecDense(fm.Channels, weights))

	out := imaging.NewGrid(fm.Width, fm.Height)
	for p := 0; p < plane; p++ {
		v := cam.AtVec(p)
		if math.IsNaN(v) {
			return imaging.Grid{}, fmt.Errorf("attribution is NaN at %d", p)
		}
		out.Values[p] = math.Max(v, 0)
	}

	peak := floats.Max(out.Values)
	if !(peak > 0) || math.IsInf(peak, 0) {
		return imaging.Grid{}, ErrZeroMap
	}
	floats.Scale(1/peak, out.Values)
	return out, nil
}
