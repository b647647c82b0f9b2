package imaging

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/nfnt/resize"
)

// Grid is a row-major 2D field of intensities.
type Grid struct {
	Width  int       `json:"width"`
	Height int       `json:"height"`
	Values []float64 `json:"values"`
}

// NewGrid allocates a zeroed grid.
func NewGrid(width, height int) Grid {
	return Grid{Width: width, Height: height, Values: make([]float64, width*height)}
}

// At returns the value at row y, column x.
func (g Grid) At(y, x int) float64 {
	return g.Values[y*g.Width+x]
}

// Validate checks that the value count matches the dimensions.
func (g Grid) Validate() error {
	if g.Width <= 0 || g.Height <= 0 {
		return fmt.Errorf("invalid grid dimensions %dx%d", g.Width, g.Height)
	}
	if len(g.Values) != g.Width*g.Height {
		return fmt.Errorf("grid has %d values, expected %d", len(g.Values), g.Width*g.Height)
	}
	return nil
}

// ResizeGrid bilinearly resamples a grid of values in [0,1] to the target
// dimensions. Values outside [0,1] are clamped first.
func ResizeGrid(g Grid, width, height int) (Grid, error) {
	if err := g.Validate(); err != nil {
		return Grid{}, err
	}
	if width <= 0 || height <= 0 {
		return Grid{}, fmt.Errorf("invalid target dimensions %dx%d", width, height)
	}
	if g.Width == width && g.Height == height {
		out := NewGrid(width, height)
		for i, v := range g.Values {
			out.Values[i] = clamp01(v)
		}
		return out, nil
	}

	src := image.NewGray16(image.Rect(0, 0, g.Width, g.Height))
	for y := 0; y < g.Height; y++ {
		for x := 0; x < g.Width; x++ {
			v := clamp01(g.At(y, x))
			src.SetGray16(x, y, color.Gray16{Y: uint16(math.Round(v * math.MaxUint16))})
		}
	}

	dst := resize.Resize(uint(width), uint(height), src, resize.Bilinear)
	b := dst.Bounds()

	out := NewGrid(width, height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			c := color.Gray16Model.Convert(dst.At(b.Min.X+x, b.Min.Y+y)).(color.Gray16)
			out.Values[y*width+x] = float64(c.Y) / math.MaxUint16
		}
	}
	return out, nil
}

// Jet maps v in [0,1] onto the blue-cyan-yellow-red colormap.
func Jet(v float64) color.RGBA {
	v = clamp01(v)
	ch := func(offset float64) uint8 {
		return uint8(math.Round(255 * clamp01(1.5-math.Abs(4*v-offset))))
	}
	return color.RGBA{R: ch(3), G: ch(2), B: ch(1), A: 0xff}
}

// Overlay superimposes a JET-coloured grid on img resized to Size×Size:
// pixel = alpha·heat + image, saturated to 8 bits.
func Overlay(img image.Image, g Grid, alpha float64) (*image.RGBA, error) {
	heat, err := ResizeGrid(g, Size, Size)
	if err != nil {
		return nil, err
	}
	base := resize.Resize(Size, Size, img, resize.Bilinear)
	bb := base.Bounds()

	out := image.NewRGBA(image.Rect(0, 0, Size, Size))
	for y := 0; y < Size; y++ {
		for x := 0; x < Size; x++ {
			hc := Jet(heat.At(y, x))
			r, gr, b, _ := base.At(bb.Min.X+x, bb.Min.Y+y).RGBA()
			out.SetRGBA(x, y, color.RGBA{
				R: blend(hc.R, r>>8, alpha),
				G: blend(hc.G, gr>>8, alpha),
				B: blend(hc.B, b>>8, alpha),
				A: 0xff,
			})
		}
	}
	return out, nil
}

func blend(heat uint8, base uint32, alpha float64) uint8 {
	v := alpha*float64(heat) + float64(base)
	if v > 255 {
		v = 255
	}
	return uint8(math.Round(v))
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
