package model

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Dense is a fully-connected layer computing x·Wᵀ + b.
type Dense struct {
	W *mat.Dense    // out × in
	B *mat.VecDense // out
}

// NewDense creates a layer with Glorot-uniform weights and zero biases.
func NewDense(in, out int, rng *rand.Rand) *Dense {
	limit := math.Sqrt(6 / float64(in+out))
	w := make([]float64, in*out)
	for i := range w {
		w[i] = (2*rng.Float64() - 1) * limit
	}
	return &Dense{
		W: mat.NewDense(out, in, w),
		B: mat.NewVecDense(out, nil),
	}
}

// In returns the input width.
func (d *Dense) In() int {
	_, c := d.W.Dims()
	return c
}

// Out returns the output width.
func (d *Dense) Out() int {
	r, _ := d.W.Dims()
	return r
}

// Forward applies the layer to a batch of rows.
func (d *Dense) Forward(x *mat.Dense) *mat.Dense {
	n, _ := x.Dims()
	var z mat.Dense
	z.Mul(x, d.W.T())
	bias := d.B.RawVector().Data
	for i := 0; i < n; i++ {
		floats.Add(z.RawRowView(i), bias)
	}
	return &z
}

// Backward returns the parameter gradients and the gradient with respect
// to the input, given the input x and the upstream gradient dy.
func (d *Dense) Backward(x, dy *mat.Dense) (dW *mat.Dense, dB *mat.VecDense, dx *mat.Dense) {
	dW = &mat.Dense{}
	dW.Mul(dy.T(), x)

	n, out := dy.Dims()
	db := make([]float64, out)
	for i := 0; i < n; i++ {
		floats.Add(db, dy.RawRowView(i))
	}
	dB = mat.NewVecDense(out, db)

	dx = &mat.Dense{}
	dx.Mul(dy, d.W)
	return dW, dB, dx
}

func relu(z *mat.Dense) *mat.Dense {
	var a mat.Dense
	a.Apply(func(_, _ int, v float64) float64 {
		return math.Max(v, 0)
	}, z)
	return &a
}

func reluGrad(z, dy *mat.Dense) *mat.Dense {
	var g mat.Dense
	g.Apply(func(i, j int, v float64) float64 {
		if z.At(i, j) > 0 {
			return v
		}
		return 0
	}, dy)
	return &g
}
