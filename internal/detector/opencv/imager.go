package opencv

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"

	"pitrac/internal/detector"
	"pitrac/internal/frame"
)

var _ detector.Imager = Imager{}

// Imager is a detector.Imager using OpenCV's bilinear resize, which rounds
// blended pixels half up.
type Imager struct{}

func (Imager) Resize(f *frame.Frame, width, height int, dst []byte) error {
	if len(dst) < width*height*3 {
		return fmt.Errorf("resize buffer holds %d bytes, need %d", len(dst), width*height*3)
	}
	src, err := wrapBGR(f)
	if err != nil {
		return err
	}
	defer src.Close()

	resized := gocv.NewMat()
	defer resized.Close()
	if err := gocv.Resize(src, &resized, image.Pt(width, height), 0, 0, gocv.InterpolationLinear); err != nil {
		return fmt.Errorf("failed to resize frame: %w", err)
	}
	copy(dst, resized.ToBytes())
	return nil
}

func (Imager) Blob(f *frame.Frame, width, height int, swapRB bool, dst []float32) error {
	if len(dst) < 3*width*height {
		return fmt.Errorf("tensor buffer holds %d floats, need %d", len(dst), 3*width*height)
	}
	src, err := wrapBGR(f)
	if err != nil {
		return err
	}
	defer src.Close()

	blob := gocv.BlobFromImage(src, 1.0/255.0, image.Pt(width, height), gocv.NewScalar(0, 0, 0, 0), swapRB, false)
	defer blob.Close()

	data, err := blob.DataPtrFloat32()
	if err != nil {
		return fmt.Errorf("failed to read blob: %w", err)
	}
	if len(data) != 3*width*height {
		return fmt.Errorf("blob holds %d floats, want %d", len(data), 3*width*height)
	}
	copy(dst, data)
	return nil
}

func wrapBGR(f *frame.Frame) (gocv.Mat, error) {
	if err := f.Validate(); err != nil {
		return gocv.Mat{}, err
	}
	if f.Channels() != 3 {
		return gocv.Mat{}, fmt.Errorf("%w: expected 3 channels, got %d", frame.ErrInvalidFrame, f.Channels())
	}
	mat, err := gocv.NewMatFromBytes(f.Height, f.Width, gocv.MatTypeCV8UC3, f.Data)
	if err != nil {
		return gocv.Mat{}, fmt.Errorf("failed to wrap frame: %w", err)
	}
	return mat, nil
}
