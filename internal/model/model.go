// Package model defines the three-head grading regressor on top of a frozen
// convolutional backbone.
package model

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/ayush6447/Embyro/internal/imaging"
)

const (
	HiddenUnits    = 128
	DefaultDropout = 0.5
)

// Head is one grading branch: Dense(128, ReLU) followed by Dense(1).
type Head struct {
	Name   HeadName
	Hidden *Dense
	Out    *Dense
}

func newHead(name HeadName, in int, rng *rand.Rand) *Head {
	return &Head{
		Name:   name,
		Hidden: NewDense(in, HiddenUnits, rng),
		Out:    NewDense(HiddenUnits, 1, rng),
	}
}

type headTrace struct {
	x *mat.Dense
	z *mat.Dense
	a *mat.Dense
	y *mat.Dense
}

func (h *Head) forward(x *mat.Dense) *headTrace {
	z := h.Hidden.Forward(x)
	a := relu(z)
	return &headTrace{x: x, z: z, a: a, y: h.Out.Forward(a)}
}

// backward returns the four parameter gradients (hidden W, hidden b,
// out W, out b) and the gradient with respect to the head input.
func (h *Head) backward(tr *headTrace, dy *mat.Dense) ([][]float64, *mat.Dense) {
	dOutW, dOutB, da := h.Out.Backward(tr.a, dy)
	dz := reluGrad(tr.z, da)
	dHidW, dHidB, dx := h.Hidden.Backward(tr.x, dz)
	return [][]float64{
		dHidW.RawMatrix().Data, dHidB.RawVector().Data,
		dOutW.RawMatrix().Data, dOutB.RawVector().Data,
	}, dx
}

// Model is the backbone plus the three heads. Only the heads are trainable.
type Model struct {
	Backbone     Backbone
	FeatureLayer LayerInfo
	Channels     int
	Dropout      float64
	Heads        [3]*Head
}

// New resolves the feature layer of bb and attaches freshly initialized
// heads.
func New(bb Backbone, rng *rand.Rand) (*Model, error) {
	layer, err := ResolveFeatureLayer(bb.Layers())
	if err != nil {
		return nil, err
	}
	_, _, c, ok := layer.Dims()
	if !ok || c <= 0 {
		return nil, fmt.Errorf("feature layer %s has unusable shape %v", layer.Name, layer.Shape)
	}

	m := &Model{
		Backbone:     bb,
		FeatureLayer: layer,
		Channels:     c,
		Dropout:      DefaultDropout,
	}
	for i, name := range Heads {
		m.Heads[i] = newHead(name, c, rng)
	}
	return m, nil
}

// Head returns the branch with the given name.
func (m *Model) Head(name HeadName) (*Head, error) {
	i := name.Index()
	if i < 0 {
		return nil, fmt.Errorf("unknown head: %s", name)
	}
	return m.Heads[i], nil
}

// Features runs the backbone up to the feature layer.
func (m *Model) Features(t *imaging.Tensor) (*FeatureMap, error) {
	fm, err := m.Backbone.FeatureMap(m.FeatureLayer.Name, t)
	if err != nil {
		return nil, err
	}
	if err := fm.Validate(); err != nil {
		return nil, err
	}
	if fm.Channels != m.Channels {
		return nil, fmt.Errorf("feature layer has %d channels, heads expect %d", fm.Channels, m.Channels)
	}
	return fm, nil
}

// PooledFeatures runs the backbone and global-average-pools the result.
func (m *Model) PooledFeatures(t *imaging.Tensor) ([]float64, error) {
	fm, err := m.Features(t)
	if err != nil {
		return nil, err
	}
	return Pool(fm), nil
}

// Predict runs a full inference pass on one image.
func (m *Model) Predict(t *imaging.Tensor) (Prediction, error) {
	pooled, err := m.PooledFeatures(t)
	if err != nil {
		return Prediction{}, err
	}
	out := m.PredictPooled([][]float64{pooled})
	return out[0], nil
}

// PredictPooled evaluates the heads on pooled feature rows without dropout.
func (m *Model) PredictPooled(pooled [][]float64) []Prediction {
	tr := m.Forward(pooled, false, nil)
	preds := make([]Prediction, len(pooled))
	for i := range preds {
		preds[i] = Prediction{
			Expansion: tr.heads[0].y.At(i, 0),
			ICM:       tr.heads[1].y.At(i, 0),
			TE:        tr.heads[2].y.At(i, 0),
		}
	}
	return preds
}

// Trace records a batched forward pass for backpropagation.
type Trace struct {
	heads [3]*headTrace
}

// Output returns the batch outputs of head i.
func (t *Trace) Output(i int) []float64 {
	n, _ := t.heads[i].y.Dims()
	out := make([]float64, n)
	for r := range out {
		out[r] = t.heads[i].y.At(r, 0)
	}
	return out
}

// Forward runs the heads on a batch of pooled features. When train is
// set, inverted dropout drawn from rng is applied to the shared input.
func (m *Model) Forward(pooled [][]float64, train bool, rng *rand.Rand) *Trace {
	x := mat.NewDense(len(pooled), m.Channels, nil)
	for i, row := range pooled {
		x.SetRow(i, row)
	}

	if train && m.Dropout > 0 {
		keep := 1 - m.Dropout
		x.Apply(func(_, _ int, v float64) float64 {
			if rng.Float64() < m.Dropout {
				return 0
			}
			return v / keep
		}, x)
	}

	tr := &Trace{}
	for i, h := range m.Heads {
		tr.heads[i] = h.forward(x)
	}
	return tr
}

// Backward backpropagates per-head output gradients through a trace and
// returns parameter gradients in Params order.
func (m *Model) Backward(tr *Trace, dOut [3][]float64) [][]float64 {
	var grads [][]float64
	for i, h := range m.Heads {
		dy := mat.NewDense(len(dOut[i]), 1, dOut[i])
		g, _ := h.backward(tr.heads[i], dy)
		grads = append(grads, g...)
	}
	return grads
}

// Params returns the trainable parameter buffers. Updating them in place
// updates the model.
func (m *Model) Params() [][]float64 {
	var params [][]float64
	for _, h := range m.Heads {
		params = append(params,
			h.Hidden.W.RawMatrix().Data, h.Hidden.B.RawVector().Data,
			h.Out.W.RawMatrix().Data, h.Out.B.RawVector().Data,
		)
	}
	return params
}

// HeadGradient evaluates one head on a pooled vector and returns its scalar
// output together with d(output)/d(pooled).
func (m *Model) HeadGradient(name HeadName, pooled []float64) (float64, []float64, error) {
	h, err := m.Head(name)
	if err != nil {
		return 0, nil, err
	}
	if len(pooled) != h.Hidden.In() {
		return 0, nil, fmt.Errorf("head %s expects %d inputs, got %d", name, h.Hidden.In(), len(pooled))
	}

	x := mat.NewDense(1, len(pooled), append([]float64(nil), pooled...))
	tr := h.forward(x)
	_, dx := h.backward(tr, mat.NewDense(1, 1, []float64{1}))
	return tr.y.At(0, 0), mat.Row(nil, 0, dx), nil
}

// Close releases the backbone.
func (m *Model) Close() error {
	return m.Backbone.Close()
}
