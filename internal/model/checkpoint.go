package model

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"gonum.org/v1/gonum/mat"
)

// DenseWeights is the serialized form of a Dense layer.
type DenseWeights struct {
	In  int       `json:"in"`
	Out int       `json:"out"`
	W   []float64 `json:"w"`
	B   []float64 `json:"b"`
}

// HeadWeights is the serialized form of a Head.
type HeadWeights struct {
	Name   HeadName     `json:"name"`
	Hidden DenseWeights `json:"hidden"`
	Out    DenseWeights `json:"out"`
}

// Checkpoint is the persisted head weights plus what is needed to bind
// them to a backbone.
type Checkpoint struct {
	FeatureLayer string        `json:"feature_layer"`
	Channels     int           `json:"channels"`
	Dropout      float64       `json:"dropout"`
	Heads        []HeadWeights `json:"heads"`
	Epoch        int           `json:"epoch"`
	ValLoss      float64       `json:"val_loss"`
	SavedAt      time.Time     `json:"saved_at"`
}

func denseWeights(d *Dense) DenseWeights {
	return DenseWeights{
		In:  d.In(),
		Out: d.Out(),
		W:   append([]float64(nil), d.W.RawMatrix().Data...),
		B:   append([]float64(nil), d.B.RawVector().Data...),
	}
}

func (w DenseWeights) dense() (*Dense, error) {
	if w.In <= 0 || w.Out <= 0 || len(w.W) != w.In*w.Out || len(w.B) != w.Out {
		return nil, fmt.Errorf("invalid dense weights %dx%d (w=%d, b=%d)", w.Out, w.In, len(w.W), len(w.B))
	}
	return &Dense{
		W: mat.NewDense(w.Out, w.In, append([]float64(nil), w.W...)),
		B: mat.NewVecDense(w.Out, append([]float64(nil), w.B...)),
	}, nil
}

// Checkpoint copies the current head weights.
func (m *Model) Checkpoint() *Checkpoint {
	cp := &Checkpoint{
		FeatureLayer: m.FeatureLayer.Name,
		Channels:     m.Channels,
		Dropout:      m.Dropout,
	}
	for _, h := range m.Heads {
		cp.Heads = append(cp.Heads, HeadWeights{
			Name:   h.Name,
			Hidden: denseWeights(h.Hidden),
			Out:    denseWeights(h.Out),
		})
	}
	return cp
}

// Restore replaces the head weights with those in cp.
func (m *Model) Restore(cp *Checkpoint) error {
	if cp.Channels != m.Channels {
		return fmt.Errorf("checkpoint expects %d channels, backbone provides %d", cp.Channels, m.Channels)
	}
	if cp.FeatureLayer != "" && cp.FeatureLayer != m.FeatureLayer.Name {
		return fmt.Errorf("checkpoint was trained on layer %s, backbone resolves %s", cp.FeatureLayer, m.FeatureLayer.Name)
	}

	var heads [3]*Head
	for _, hw := range cp.Heads {
		i := hw.Name.Index()
		if i < 0 {
			return fmt.Errorf("unknown head in checkpoint: %s", hw.Name)
		}
		hidden, err := hw.Hidden.dense()
		if err != nil {
			return fmt.Errorf("head %s: %w", hw.Name, err)
		}
		out, err := hw.Out.dense()
		if err != nil {
			return fmt.Errorf("head %s: %w", hw.Name, err)
		}
		if hidden.In() != m.Channels || out.In() != hidden.Out() || out.Out() != 1 {
			return fmt.Errorf("head %s has mismatched layer shapes", hw.Name)
		}
		heads[i] = &Head{Name: hw.Name, Hidden: hidden, Out: out}
	}
	for i, h := range heads {
		if h == nil {
			return fmt.Errorf("checkpoint is missing head %s", Heads[i])
		}
	}

	m.Heads = heads
	m.Dropout = cp.Dropout
	return nil
}

// SaveCheckpoint writes cp to path atomically.
func SaveCheckpoint(path string, cp *Checkpoint) error {
	if cp.SavedAt.IsZero() {
		cp.SavedAt = time.Now().UTC()
	}
	b, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create checkpoint dir: %w", err)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to move checkpoint into place: %w", err)
	}
	return nil
}

// LoadCheckpoint reads a checkpoint file.
func LoadCheckpoint(path string) (*Checkpoint, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(b, &cp); err != nil {
		return nil, fmt.Errorf("failed to parse checkpoint: %w", err)
	}
	return &cp, nil
}

// Load binds the checkpoint at path to bb.
func Load(bb Backbone, path string) (*Model, error) {
	cp, err := LoadCheckpoint(path)
	if err != nil {
		return nil, err
	}
	m, err := New(bb, rand.New(rand.NewSource(0)))
	if err != nil {
		return nil, err
	}
	if err := m.Restore(cp); err != nil {
		return nil, err
	}
	return m, nil
}
