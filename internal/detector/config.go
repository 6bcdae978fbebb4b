package detector

import (
	"errors"
	"fmt"
)

// OutputLayout describes how the model lays out its per-anchor values.
type OutputLayout int

const (
	// LayoutRowMajor stores one row of 4+classes values per anchor.
	LayoutRowMajor OutputLayout = iota
	// LayoutChannelMajor stores each value for all anchors contiguously, as
	// exported YOLOv8 models emit (1x84x8400).
	LayoutChannelMajor
)

func (l OutputLayout) String() string {
	if l == LayoutChannelMajor {
		return "channel-major"
	}
	return "row-major"
}

type Config struct {
	ModelPath           string
	InputWidth          int
	InputHeight         int
	ConfidenceThreshold float32
	NMSThreshold        float32
	NumClasses          int
	NumAnchors          int

	NumThreads        int
	UseMemoryPool     bool
	UseThreadAffinity bool
	CPUCores          []int

	UseFastPreprocessing bool
	SwapRB               bool // feed the model RGB planes
	OutputLayout         OutputLayout
	WarmupIterations     int
}

func DefaultConfig() Config {
	return Config{
		InputWidth:           640,
		InputHeight:          640,
		ConfidenceThreshold:  0.5,
		NMSThreshold:         0.4,
		NumClasses:           80,
		NumAnchors:           8400,
		NumThreads:           4,
		UseMemoryPool:        true,
		UseThreadAffinity:    true,
		CPUCores:             []int{0, 1, 2, 3},
		UseFastPreprocessing: true,
		// RGB planes, as Ultralytics exports expect. The C++ detector feeds
		// BGR planes unswapped; turn this off to compare tensors with it.
		SwapRB:           true,
		OutputLayout:     LayoutRowMajor,
		WarmupIterations: 5,
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.ModelPath == "" {
		errs = append(errs, errors.New("model path is empty"))
	}
	if c.InputWidth <= 0 || c.InputHeight <= 0 {
		errs = append(errs, fmt.Errorf("input size %dx%d", c.InputWidth, c.InputHeight))
	}
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("confidence threshold %v outside [0,1]", c.ConfidenceThreshold))
	}
	if c.NMSThreshold < 0 || c.NMSThreshold > 1 {
		errs = append(errs, fmt.Errorf("nms threshold %v outside [0,1]", c.NMSThreshold))
	}
	if c.NumClasses <= 0 || c.NumAnchors <= 0 {
		errs = append(errs, fmt.Errorf("output shape %d anchors x %d classes", c.NumAnchors, c.NumClasses))
	}
	if c.WarmupIterations < 0 {
		errs = append(errs, fmt.Errorf("warm-up iterations %d", c.WarmupIterations))
	}
	return errors.Join(errs...)
}

// inputSize is the number of floats in one 1x3xHxW input tensor.
func (c Config) inputSize() int {
	return 3 * c.InputWidth * c.InputHeight
}

func (c Config) outputShape() OutputShape {
	return OutputShape{Anchors: c.NumAnchors, Values: 4 + c.NumClasses, Layout: c.OutputLayout}
}
