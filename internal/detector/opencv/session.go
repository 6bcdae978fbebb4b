// Package opencv runs detection models through OpenCV's DNN module.
package opencv

import (
	"fmt"
	"unsafe"

	"gocv.io/x/gocv"

	"pitrac/internal/detector"
)

// Session is a detector.Session backed by a gocv.Net.
type Session struct {
	net   gocv.Net
	shape detector.OutputShape
}

// NewSession is a detector.SessionFactory loading an ONNX model.
func NewSession(cfg detector.Config) (detector.Session, error) {
	net := gocv.ReadNetFromONNX(cfg.ModelPath)
	if net.Empty() {
		return nil, fmt.Errorf("failed to load network from %s", cfg.ModelPath)
	}

	errBackend := net.SetPreferableBackend(gocv.NetBackendDefault)
	errTarget := net.SetPreferableTarget(gocv.NetTargetCPU)
	if errBackend != nil || errTarget != nil {
		net.Close()
		return nil, fmt.Errorf("failed to set preferable backend or target")
	}

	s := &Session{
		net: net,
		shape: detector.OutputShape{
			Anchors: cfg.NumAnchors,
			Values:  4 + cfg.NumClasses,
			Layout:  cfg.OutputLayout,
		},
	}

	// One blank forward pass tells us how the model lays out its output.
	dims, err := s.forward(make([]float32, 3*cfg.InputWidth*cfg.InputHeight), cfg.InputWidth, cfg.InputHeight, nil)
	if err != nil {
		net.Close()
		return nil, err
	}
	if s.shape.Layout, err = s.layoutOf(dims); err != nil {
		net.Close()
		return nil, err
	}
	return s, nil
}

func (s *Session) OutputShape() detector.OutputShape {
	return s.shape
}

func (s *Session) Run(input []float32, width, height int, out []float32) error {
	dims, err := s.forward(input, width, height, out)
	if err != nil {
		return err
	}
	if layout, err := s.layoutOf(dims); err != nil {
		return err
	} else if layout != s.shape.Layout {
		return fmt.Errorf("%w: output layout changed to %s", detector.ErrOutputShape, layout)
	}
	return nil
}

// forward runs the network and copies its output into out when out is not
// nil. It returns the output dimensions.
func (s *Session) forward(input []float32, width, height int, out []float32) ([]int, error) {
	if len(input) != 3*width*height {
		return nil, fmt.Errorf("input holds %d floats, want %d", len(input), 3*width*height)
	}

	raw := unsafe.Slice((*byte)(unsafe.Pointer(&input[0])), len(input)*4)
	blob, err := gocv.NewMatWithSizesFromBytes([]int{1, 3, height, width}, gocv.MatTypeCV32F, raw)
	if err != nil {
		return nil, fmt.Errorf("failed to build input blob: %w", err)
	}
	defer blob.Close()

	s.net.SetInput(blob, "")
	output := s.net.Forward("")
	defer output.Close()

	dims := output.Size()
	if out == nil {
		return dims, nil
	}

	data, err := output.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("failed to read output: %w", err)
	}
	if len(data) < s.shape.Size() || len(out) < s.shape.Size() {
		return nil, fmt.Errorf("%w: output has %d floats, want %d", detector.ErrOutputShape, len(data), s.shape.Size())
	}
	copy(out, data[:s.shape.Size()])
	return dims, nil
}

// layoutOf accepts 1xAxV (row-major) and 1xVxA (channel-major) outputs.
func (s *Session) layoutOf(dims []int) (detector.OutputLayout, error) {
	if len(dims) != 3 || dims[0] != 1 {
		return 0, fmt.Errorf("%w: %v", detector.ErrOutputShape, dims)
	}
	switch {
	case dims[1] == s.shape.Anchors && dims[2] == s.shape.Values:
		return detector.LayoutRowMajor, nil
	case dims[1] == s.shape.Values && dims[2] == s.shape.Anchors:
		return detector.LayoutChannelMajor, nil
	}
	return 0, fmt.Errorf("%w: got %v, want %d anchors x %d values", detector.ErrOutputShape, dims, s.shape.Anchors, s.shape.Values)
}

func (s *Session) Close() error {
	return s.net.Close()
}
