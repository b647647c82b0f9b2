package model

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/ayush6447/Embyro/internal/imaging"
)

const (
	ProjectionStatsLayer = "patch_stats"
	ProjectionReluLayer  = "patch_relu"

	projectionGrid  = 7
	projectionStats = 2 * imaging.Channels
)

// ProjectionBackbone is a frozen pure-Go extractor. It summarizes each
// cell of a 7×7 grid by per-channel mean and standard deviation and
// projects those statistics through a fixed random matrix and a ReLU.
// It runs without the ONNX runtime.
type ProjectionBackbone struct {
	channels int
	weights  []float64 // channels × projectionStats
	bias     []float64
}

// NewProjectionBackbone builds an extractor with the given channel count.
// The projection is fully determined by seed.
func NewProjectionBackbone(channels int, seed int64) *ProjectionBackbone {
	rng := rand.New(rand.NewSource(seed))
	b := &ProjectionBackbone{
		channels: channels,
		weights:  make([]float64, channels*projectionStats),
		bias:     make([]float64, channels),
	}
	scale := 1 / math.Sqrt(projectionStats)
	for i := range b.weights {
		b.weights[i] = rng.NormFloat64() * scale
	}
	for i := range b.bias {
		b.bias[i] = rng.NormFloat64() * 0.1
	}
	return b
}

// Layers returns the statistics layer followed by the projected layer.
func (b *ProjectionBackbone) Layers() []LayerInfo {
	return []LayerInfo{
		{Name: ProjectionStatsLayer, Shape: []int64{1, projectionGrid, projectionGrid, projectionStats}, Layout: LayoutNHWC},
		{Name: ProjectionReluLayer, Shape: []int64{1, projectionGrid, projectionGrid, int64(b.channels)}, Layout: LayoutNHWC},
	}
}

// FeatureMap computes the requested layer.
func (b *ProjectionBackbone) FeatureMap(layer string, t *imaging.Tensor) (*FeatureMap, error) {
	if t.Height < projectionGrid || t.Width < projectionGrid || t.Channels != imaging.Channels {
		return nil, fmt.Errorf("unsupported input shape %dx%dx%d", t.Height, t.Width, t.Channels)
	}

	stats := b.patchStats(t)
	switch layer {
	case ProjectionStatsLayer:
		return stats, nil
	case ProjectionReluLayer:
		return b.project(stats), nil
	}
	return nil, fmt.Errorf("unknown layer: %s", layer)
}

// Close is a no-op.
func (b *ProjectionBackbone) Close() error {
	return nil
}

func (b *ProjectionBackbone) patchStats(t *imaging.Tensor) *FeatureMap {
	fm := NewFeatureMap(projectionGrid, projectionGrid, projectionStats)
	for gy := 0; gy < projectionGrid; gy++ {
		y0, y1 := gy*t.Height/projectionGrid, (gy+1)*t.Height/projectionGrid
		for gx := 0; gx < projectionGrid; gx++ {
			x0, x1 := gx*t.Width/projectionGrid, (gx+1)*t.Width/projectionGrid

			var sum, sq [imaging.Channels]float64
			for y := y0; y < y1; y++ {
				for x := x0; x < x1; x++ {
					for c := 0; c < imaging.Channels; c++ {
						v := float64(t.At(y, x, c))
						sum[c] += v
						sq[c] += v * v
					}
				}
			}

			n := float64((y1 - y0) * (x1 - x0))
			cell := fm.Data[(gy*projectionGrid+gx)*projectionStats:]
			for c := 0; c < imaging.Channels; c++ {
				mean := sum[c] / n
				cell[c] = mean
				cell[imaging.Channels+c] = math.Sqrt(math.Max(sq[c]/n-mean*mean, 0))
			}
		}
	}
	return fm
}

func (b *ProjectionBackbone) project(stats *FeatureMap) *FeatureMap {
	fm := NewFeatureMap(stats.Height, stats.Width, b.channels)
	for p := 0; p < stats.Height*stats.Width; p++ {
		in := stats.Data[p*projectionStats : (p+1)*projectionStats]
		out := fm.Data[p*b.channels : (p+1)*b.channels]
		for c := range out {
			v := b.bias[c]
			w := b.weights[c*projectionStats : (c+1)*projectionStats]
			for i, x := range in {
				v += w[i] * x
			}
			out[c] = math.Max(v, 0)
		}
	}
	return fm
}
