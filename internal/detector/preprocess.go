package detector

import (
	"errors"
	"fmt"

	"pitrac/internal/frame"
)

var ErrNoImager = errors.New("no image backend configured")

// Imager is the image backend preprocessing runs on. Both operations take a
// 3-channel BGR frame and scale it to width x height with bilinear
// interpolation.
type Imager interface {
	// Resize writes the scaled frame into dst as interleaved BGR bytes.
	Resize(f *frame.Frame, width, height int, dst []byte) error
	// Blob writes the scaled frame into dst as a 1x3xHxW tensor in [0,1].
	// swapRB puts the red channel in the first plane.
	Blob(f *frame.Frame, width, height int, swapRB bool, dst []float32) error
}

// normLUT maps a byte to its [0,1] tensor value.
var normLUT = func() (lut [256]float32) {
	for i := range lut {
		lut[i] = float32(i) / 255
	}
	return lut
}()

// planeOf returns the tensor plane for BGR source channel c.
func planeOf(c int, swapRB bool) int {
	if swapRB {
		return 2 - c
	}
	return c
}

func checkPreprocessArgs(f *frame.Frame, dst []float32, width, height int) error {
	if err := f.Validate(); err != nil {
		return err
	}
	if f.Channels() != 3 {
		return fmt.Errorf("%w: expected 3 channels, got %d", frame.ErrInvalidFrame, f.Channels())
	}
	if width <= 0 || height <= 0 {
		return fmt.Errorf("invalid tensor size %dx%d", width, height)
	}
	if len(dst) < 3*width*height {
		return fmt.Errorf("tensor buffer holds %d floats, need %d", len(dst), 3*width*height)
	}
	return nil
}

// Preprocess turns a BGR frame into the model's 1x3xHxW input tensor. The
// standard path asks the imager for the whole blob. The fast path resizes
// into scratch and splits the planes itself; scratch is grown when shorter
// than width*height*3.
func Preprocess(im Imager, f *frame.Frame, dst []float32, width, height int, swapRB, fast bool, scratch []byte) error {
	if err := checkPreprocessArgs(f, dst, width, height); err != nil {
		return err
	}
	if im == nil {
		return ErrNoImager
	}
	if !fast {
		return im.Blob(f, width, height, swapRB, dst)
	}

	if len(scratch) < width*height*3 {
		scratch = make([]byte, width*height*3)
	}
	if err := im.Resize(f, width, height, scratch); err != nil {
		return err
	}
	return SplitPlanes(scratch, dst, width, height, swapRB)
}

// SplitPlanes scales interleaved BGR bytes to [0,1] through a lookup table and
// writes them into dst as three planes, four pixels per step.
func SplitPlanes(src []byte, dst []float32, width, height int, swapRB bool) error {
	n := width * height
	if len(src) < n*3 {
		return fmt.Errorf("source holds %d bytes, need %d", len(src), n*3)
	}
	if len(dst) < n*3 {
		return fmt.Errorf("tensor buffer holds %d floats, need %d", len(dst), n*3)
	}

	p0 := dst[planeOf(0, swapRB)*n : planeOf(0, swapRB)*n+n]
	p1 := dst[n : 2*n]
	p2 := dst[planeOf(2, swapRB)*n : planeOf(2, swapRB)*n+n]

	i := 0
	for ; i+4 <= n; i += 4 {
		s := src[i*3 : i*3+12]
		p0[i], p1[i], p2[i] = normLUT[s[0]], normLUT[s[1]], normLUT[s[2]]
		p0[i+1], p1[i+1], p2[i+1] = normLUT[s[3]], normLUT[s[4]], normLUT[s[5]]
		p0[i+2], p1[i+2], p2[i+2] = normLUT[s[6]], normLUT[s[7]], normLUT[s[8]]
		p0[i+3], p1[i+3], p2[i+3] = normLUT[s[9]], normLUT[s[10]], normLUT[s[11]]
	}
	for ; i < n; i++ {
		p0[i], p1[i], p2[i] = normLUT[src[i*3]], normLUT[src[i*3+1]], normLUT[src[i*3+2]]
	}
	return nil
}
