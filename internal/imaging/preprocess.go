// Package imaging turns raw micrograph bytes into model input tensors and
// renders attribution grids back into images.
package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/nfnt/resize"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

const (
	// Size is the square input resolution of the backbone.
	Size = 224
	// Channels is the number of color channels fed to the backbone (RGB).
	Channels = 3
	// MaxPixels bounds the declared dimensions of an input image.
	MaxPixels = 40_000_000
)

// ErrDecode is returned when the input bytes are not a decodable image.
var ErrDecode = errors.New("image decode failed")

// Tensor is a normalized image in HWC order with values in [0,1].
type Tensor struct {
	Height   int
	Width    int
	Channels int
	Data     []float32
}

// At returns the value at row y, column x, channel c.
func (t *Tensor) At(y, x, c int) float32 {
	return t.Data[(y*t.Width+x)*t.Channels+c]
}

// Decode decodes raw bytes into an image.
func Decode(raw []byte) (image.Image, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrDecode)
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("%w: zero-sized image", ErrDecode)
	}
	if int64(cfg.Width)*int64(cfg.Height) > MaxPixels {
		return nil, fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrDecode, cfg.Width, cfg.Height, MaxPixels)
	}

	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if b := img.Bounds(); b.Dx() == 0 || b.Dy() == 0 {
		return nil, fmt.Errorf("%w: zero-sized image", ErrDecode)
	}
	return img, nil
}

// Preprocess decodes raw bytes and converts them to the backbone input.
func Preprocess(raw []byte) (*Tensor, error) {
	img, err := Decode(raw)
	if err != nil {
		return nil, err
	}
	return FromImage(img), nil
}

// FromImage resizes img to Size×Size regardless of its aspect ratio and
// scales 8-bit RGB intensities to [0,1]. Alpha is discarded.
func FromImage(img image.Image) *Tensor {
	resized := resize.Resize(Size, Size, opaque(img), resize.Bilinear)

	bounds := resized.Bounds()
	width, height := bounds.Dx(), bounds.Dy()

	t := &Tensor{
		Height:   height,
		Width:    width,
		Channels: Channels,
		Data:     make([]float32, Channels*width*height),
	}

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, b, _ := resized.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()

			i := (y*width + x) * Channels
			t.Data[i] = float32(r>>8) / 255.0
			t.Data[i+1] = float32(g>>8) / 255.0
			t.Data[i+2] = float32(b>>8) / 255.0
		}
	}

	return t
}

// opaque returns img with its straight RGB values and full alpha.
func opaque(img image.Image) image.Image {
	b := img.Bounds()
	out := image.NewRGBA(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			out.SetRGBA(x, y, color.RGBA{R: c.R, G: c.G, B: c.B, A: 0xff})
		}
	}
	return out
}

// Planar returns the tensor data in CHW order, for backbones exported
// with channels-first inputs.
func (t *Tensor) Planar() []float32 {
	plane := t.Width * t.Height
	out := make([]float32, len(t.Data))
	for p := 0; p < plane; p++ {
		for c := 0; c < t.Channels; c++ {
			out[c*plane+p] = t.Data[p*t.Channels+c]
		}
	}
	return out
}
