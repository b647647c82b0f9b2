package model

import (
	"errors"
	"fmt"

	"github.com/ayush6447/Embyro/internal/imaging"
)

// PreferredFeatureLayer is the final activation of ResNet-style backbones.
const PreferredFeatureLayer = "post_relu"

// ErrNoFeatureLayer is returned when a backbone exposes no 4-D output.
var ErrNoFeatureLayer = errors.New("no 4-D feature layer")

// Backbone is a frozen feature extractor. Layers are reported in
// definition order.
type Backbone interface {
	Layers() []LayerInfo
	FeatureMap(layer string, t *imaging.Tensor) (*FeatureMap, error)
	Close() error
}

// FeatureMap is a single spatial activation in HWC order.
type FeatureMap struct {
	Height   int
	Width    int
	Channels int
	Data     []float64
}

// NewFeatureMap allocates a zeroed map.
func NewFeatureMap(h, w, c int) *FeatureMap {
	return &FeatureMap{Height: h, Width: w, Channels: c, Data: make([]float64, h*w*c)}
}

// At returns the activation at row y, column x, channel c.
func (f *FeatureMap) At(y, x, c int) float64 {
	return f.Data[(y*f.Width+x)*f.Channels+c]
}

// Validate checks that the data length matches the dimensions.
func (f *FeatureMap) Validate() error {
	if f.Height <= 0 || f.Width <= 0 || f.Channels <= 0 {
		return fmt.Errorf("invalid feature map shape %dx%dx%d", f.Height, f.Width, f.Channels)
	}
	if len(f.Data) != f.Height*f.Width*f.Channels {
		return fmt.Errorf("feature map has %d values, expected %d", len(f.Data), f.Height*f.Width*f.Channels)
	}
	return nil
}

// Pool averages the map over its spatial dimensions.
func Pool(f *FeatureMap) []float64 {
	out := make([]float64, f.Channels)
	for p := 0; p < f.Height*f.Width; p++ {
		row := f.Data[p*f.Channels : (p+1)*f.Channels]
		for c, v := range row {
			out[c] += v
		}
	}
	n := float64(f.Height * f.Width)
	for c := range out {
		out[c] /= n
	}
	return out
}

// ResolveFeatureLayer picks the layer whose activations feed the pooling
// step: the conventional name when present, otherwise the last 4-D output.
func ResolveFeatureLayer(layers []LayerInfo) (LayerInfo, error) {
	for _, l := range layers {
		if l.Name == PreferredFeatureLayer {
			return l, nil
		}
	}
	for i := len(layers) - 1; i >= 0; i-- {
		if len(layers[i].Shape) == 4 {
			return layers[i], nil
		}
	}
	return LayerInfo{}, ErrNoFeatureLayer
}
