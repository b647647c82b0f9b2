package model

import (
	"encoding/json"
	"fmt"
	"os"
)

// HeadName identifies one grading head.
type HeadName string

const (
	Expansion HeadName = "exp_output"
	ICM       HeadName = "icm_output"
	TE        HeadName = "te_output"
)

// Heads lists the heads in output order.
var Heads = [3]HeadName{Expansion, ICM, TE}

// ParseHead accepts either the output name or its short form (exp, icm, te).
func ParseHead(s string) (HeadName, error) {
	switch s {
	case "exp", "expansion", string(Expansion):
		return Expansion, nil
	case "icm", string(ICM):
		return ICM, nil
	case "te", string(TE):
		return TE, nil
	}
	return "", fmt.Errorf("unknown head: %q", s)
}

// Index returns the output position of the head, or -1.
func (h HeadName) Index() int {
	for i, n := range Heads {
		if n == h {
			return i
		}
	}
	return -1
}

const (
	LayoutNHWC = "NHWC"
	LayoutNCHW = "NCHW"
)

// LayerInfo describes one backbone output.
type LayerInfo struct {
	Name   string  `json:"name"`
	Shape  []int64 `json:"shape"`
	Layout string  `json:"layout,omitempty"`
}

// Dims returns height, width and channels of a 4-D layer.
func (l LayerInfo) Dims() (h, w, c int, ok bool) {
	if len(l.Shape) != 4 {
		return 0, 0, 0, false
	}
	if l.Layout == LayoutNCHW {
		return int(l.Shape[2]), int(l.Shape[3]), int(l.Shape[1]), true
	}
	return int(l.Shape[1]), int(l.Shape[2]), int(l.Shape[3]), true
}

// Metadata describes an exported backbone: its input binding and the
// outputs it can expose, in definition order.
type Metadata struct {
	InputName  string      `json:"input_name"`
	InputShape []int64     `json:"input_shape"`
	Layout     string      `json:"layout"`
	ImageSize  int         `json:"image_size"`
	Outputs    []LayerInfo `json:"outputs"`
}

// LoadMetadata reads a backbone metadata JSON file.
func LoadMetadata(path string) (Metadata, error) {
	metaFile, err := os.ReadFile(path)
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to read metadata: %w", err)
	}

	var metadata Metadata
	if err := json.Unmarshal(metaFile, &metadata); err != nil {
		return Metadata{}, fmt.Errorf("failed to parse metadata: %w", err)
	}
	if metadata.InputName == "" {
		metadata.InputName = "input"
	}
	if metadata.Layout == "" {
		metadata.Layout = LayoutNHWC
	}
	if metadata.Layout != LayoutNHWC && metadata.Layout != LayoutNCHW {
		return Metadata{}, fmt.Errorf("unsupported layout: %s", metadata.Layout)
	}
	for i := range metadata.Outputs {
		if metadata.Outputs[i].Layout == "" {
			metadata.Outputs[i].Layout = metadata.Layout
		}
	}
	return metadata, nil
}

// Prediction holds the three raw head outputs. Values are not clamped.
type Prediction struct {
	Expansion float64 `json:"expansion"`
	ICM       float64 `json:"icm"`
	TE        float64 `json:"te"`
}

// Get returns the output of one head.
func (p Prediction) Get(h HeadName) float64 {
	switch h {
	case ICM:
		return p.ICM
	case TE:
		return p.TE
	default:
		return p.Expansion
	}
}
