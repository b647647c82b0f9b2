package config

import (
	"math/rand"
	"strings"

	"github.com/pkg/errors"

	"github.com/ayush6447/Embyro/internal/model"
)

// OpenBackbone opens the ONNX backbone when a model path is set, otherwise
// the projection backbone.
func (m Model) OpenBackbone() (model.Backbone, error) {
	if m.ONNXPath == "" {
		return model.NewProjectionBackbone(m.ProjectionChannels, m.ProjectionSeed), nil
	}
	meta := m.MetadataPath
	if meta == "" {
		meta = defaultMetadataPath(m.ONNXPath)
	}
	bb, err := model.NewONNXBackbone(m.ONNXPath, meta, m.SharedLibrary)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open backbone: %s", m.ONNXPath)
	}
	return bb, nil
}

// LoadModel opens the backbone and restores the trained heads from the
// checkpoint.
func (m Model) LoadModel() (*model.Model, error) {
	bb, err := m.OpenBackbone()
	if err != nil {
		return nil, err
	}
	mdl, err := model.Load(bb, m.CheckpointPath)
	if err != nil {
		bb.Close()
		return nil, errors.Wrapf(err, "failed to load checkpoint: %s", m.CheckpointPath)
	}
	return mdl, nil
}

// NewModel opens the backbone with freshly initialized heads.
func (m Model) NewModel(seed int64) (*model.Model, error) {
	bb, err := m.OpenBackbone()
	if err != nil {
		return nil, err
	}
	mdl, err := model.New(bb, rand.New(rand.NewSource(seed)))
	if err != nil {
		bb.Close()
		return nil, err
	}
	return mdl, nil
}

// defaultMetadataPath maps models/x.onnx to models/x_metadata.json.
func defaultMetadataPath(onnxPath string) string {
	return strings.TrimSuffix(onnxPath, ".onnx") + "_metadata.json"
}
