package detector

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Error(t, cfg.Validate(), "model path is required")

	cfg.ModelPath = "yolo.onnx"
	assert.NoError(t, cfg.Validate())
	assert.True(t, cfg.SwapRB, "models get RGB planes unless configured otherwise")
	assert.Equal(t, 3*640*640, cfg.inputSize())
	assert.Equal(t, OutputShape{Anchors: 8400, Values: 84, Layout: LayoutRowMajor}, cfg.outputShape())
}

func TestConfig_ValidateCollectsErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ModelPath = "yolo.onnx"
	cfg.InputWidth = 0
	cfg.ConfidenceThreshold = 2
	cfg.WarmupIterations = -1

	err := cfg.Validate()
	assert.ErrorContains(t, err, "input size 0x640")
	assert.ErrorContains(t, err, "confidence threshold 2")
	assert.ErrorContains(t, err, "warm-up iterations -1")
}
