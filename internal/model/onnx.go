package model

import (
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/ayush6447/Embyro/internal/imaging"
)

var (
	ortOnce sync.Once
	ortErr  error
)

// InitRuntime initializes the ONNX runtime environment once per process.
// An empty libPath uses the platform default shared library name.
func InitRuntime(libPath string) error {
	ortOnce.Do(func() {
		if libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			ortErr = fmt.Errorf("failed to initialize ONNX environment: %w", err)
		}
	})
	return ortErr
}

// ShutdownRuntime releases the ONNX environment. Call once at process exit.
func ShutdownRuntime() {
	if ortErr == nil {
		ort.DestroyEnvironment()
	}
}

// ONNXBackbone runs a pretrained, headless backbone exported to ONNX. The
// session is bound to a single output: the resolved feature layer.
type ONNXBackbone struct {
	session      *ort.AdvancedSession
	Metadata     Metadata
	layer        LayerInfo
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
}

// NewONNXBackbone loads the model at modelPath using the shapes described
// in metadataPath.
func NewONNXBackbone(modelPath, metadataPath, libPath string) (*ONNXBackbone, error) {
	if err := InitRuntime(libPath); err != nil {
		return nil, err
	}

	metadata, err := LoadMetadata(metadataPath)
	if err != nil {
		return nil, err
	}

	layer, err := ResolveFeatureLayer(metadata.Outputs)
	if err != nil {
		return nil, err
	}
	if _, _, _, ok := layer.Dims(); !ok {
		return nil, fmt.Errorf("feature layer %s is not 4-D: %v", layer.Name, layer.Shape)
	}

	inputShape := ort.NewShape(metadata.InputShape...)
	outputShape := ort.NewShape(layer.Shape...)

	inputTensor, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{metadata.InputName}, []string{layer.Name},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		nil)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &ONNXBackbone{
		session:      session,
		Metadata:     metadata,
		layer:        layer,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
	}, nil
}

// Layers returns the outputs declared in the metadata.
func (b *ONNXBackbone) Layers() []LayerInfo {
	return b.Metadata.Outputs
}

// FeatureMap runs the backbone and returns the bound layer in HWC order.
// The session reuses its tensors, so calls must not overlap.
func (b *ONNXBackbone) FeatureMap(layer string, t *imaging.Tensor) (*FeatureMap, error) {
	if layer != b.layer.Name {
		return nil, fmt.Errorf("layer %s is not bound, session exposes %s", layer, b.layer.Name)
	}

	input := t.Data
	if b.Metadata.Layout == LayoutNCHW {
		input = t.Planar()
	}
	dst := b.inputTensor.GetData()
	if len(input) != len(dst) {
		return nil, fmt.Errorf("expected %d input values, got %d", len(dst), len(input))
	}
	copy(dst, input)

	if err := b.session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	h, w, c, _ := b.layer.Dims()
	out := b.outputTensor.GetData()
	fm := NewFeatureMap(h, w, c)
	if len(out) != len(fm.Data) {
		return nil, fmt.Errorf("expected %d output values, got %d", len(fm.Data), len(out))
	}

	if b.layer.Layout == LayoutNCHW {
		plane := h * w
		for ch := 0; ch < c; ch++ {
			for p := 0; p < plane; p++ {
				fm.Data[p*c+ch] = float64(out[ch*plane+p])
			}
		}
	} else {
		for i, v := range out {
			fm.Data[i] = float64(v)
		}
	}
	return fm, nil
}

// Close releases the session and its tensors.
func (b *ONNXBackbone) Close() error {
	if b.inputTensor != nil {
		b.inputTensor.Destroy()
	}
	if b.outputTensor != nil {
		b.outputTensor.Destroy()
	}
	if b.session != nil {
		b.session.Destroy()
	}
	return nil
}
