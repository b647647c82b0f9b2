package train

import "math"

const (
	adamDefaultBeta1   = 0.9
	adamDefaultBeta2   = 0.999
	adamDefaultEpsilon = 1e-7
)

// Adam implements the adaptive moments optimizer of Kingma & Ba with a
// fixed learning rate.
type Adam struct {
	LearningRate float64
	// Decay rates of the first and second moment estimates. Zero means
	// the published defaults.
	Beta1, Beta2 float64
	// Epsilon keeps the update finite when the second moment is zero.
	Epsilon float64

	first     [][]float64
	second    [][]float64
	iteration float64
}

// NewAdam returns an optimizer with default decay rates.
func NewAdam(lr float64) *Adam {
	return &Adam{LearningRate: lr}
}

// Step applies one update to params in place. grads must have the same
// layout as params.
func (a *Adam) Step(params, grads [][]float64) {
	if a.first == nil {
		a.first = zerosLike(params)
		a.second = zerosLike(params)
	}

	b1, b2 := valueOrDefault(a.Beta1, adamDefaultBeta1), valueOrDefault(a.Beta2, adamDefaultBeta2)
	eps := valueOrDefault(a.Epsilon, adamDefaultEpsilon)

	a.iteration++
	rate := a.LearningRate * math.Sqrt(1-math.Pow(b2, a.iteration)) / (1 - math.Pow(b1, a.iteration))

	for p, g := range grads {
		m, v, w := a.first[p], a.second[p], params[p]
		for i, gi := range g {
			m[i] = b1*m[i] + (1-b1)*gi
			v[i] = b2*v[i] + (1-b2)*gi*gi
			w[i] -= rate * m[i] / (math.Sqrt(v[i]) + eps)
		}
	}
}

func zerosLike(params [][]float64) [][]float64 {
	out := make([][]float64, len(params))
	for i, p := range params {
		out[i] = make([]float64, len(p))
	}
	return out
}

func valueOrDefault(v, def float64) float64 {
	if v == 0 {
		return def
	}
	return v
}
