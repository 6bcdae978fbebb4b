package frame

import (
	"errors"
	"fmt"
	"image"
	"image/color"

	"github.com/disintegration/imaging"
)

// PixelFormat is the element type tag of a frame. Values match the OpenCV type codes
// carried on the wire by the C++ capture processes.
type PixelFormat int32

const (
	Format8UC1 PixelFormat = 0
	Format8UC3 PixelFormat = 16
	Format8UC4 PixelFormat = 24
)

var ErrInvalidFrame = errors.New("invalid frame")

func (f PixelFormat) Channels() int {
	switch f {
	case Format8UC1:
		return 1
	case Format8UC3:
		return 3
	case Format8UC4:
		return 4
	default:
		return 0
	}
}

func (f PixelFormat) String() string {
	switch f {
	case Format8UC1:
		return "8UC1"
	case Format8UC3:
		return "8UC3"
	case Format8UC4:
		return "8UC4"
	default:
		return fmt.Sprintf("PixelFormat(%d)", int32(f))
	}
}

// FormatForChannels returns the 8-bit format with the given channel count.
func FormatForChannels(channels int) (PixelFormat, bool) {
	switch channels {
	case 1:
		return Format8UC1, true
	case 3:
		return Format8UC3, true
	case 4:
		return Format8UC4, true
	}
	return 0, false
}

// Frame is an interleaved 8-bit image. Three channel frames are stored BGR.
type Frame struct {
	Data   []byte
	Width  int
	Height int
	Format PixelFormat
}

func New(width, height int, format PixelFormat) *Frame {
	return &Frame{
		Data:   make([]byte, width*height*format.Channels()),
		Width:  width,
		Height: height,
		Format: format,
	}
}

func (f *Frame) Channels() int {
	return f.Format.Channels()
}

func (f *Frame) Empty() bool {
	return f == nil || f.Width == 0 || f.Height == 0 || len(f.Data) == 0
}

// Validate checks that the buffer length agrees with the dimensions and format.
func (f *Frame) Validate() error {
	if f == nil {
		return fmt.Errorf("%w: nil", ErrInvalidFrame)
	}
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("%w: size %dx%d", ErrInvalidFrame, f.Width, f.Height)
	}
	channels := f.Channels()
	if channels == 0 {
		return fmt.Errorf("%w: unsupported format %s", ErrInvalidFrame, f.Format)
	}
	if want := f.Width * f.Height * channels; len(f.Data) != want {
		return fmt.Errorf("%w: have %d bytes, want %d", ErrInvalidFrame, len(f.Data), want)
	}
	return nil
}

func (f *Frame) Clone() *Frame {
	if f == nil {
		return nil
	}
	data := make([]byte, len(f.Data))
	copy(data, f.Data)
	return &Frame{Data: data, Width: f.Width, Height: f.Height, Format: f.Format}
}

// At returns the channel values of pixel (x, y) in stored order.
func (f *Frame) At(x, y int) []byte {
	c := f.Channels()
	i := (y*f.Width + x) * c
	return f.Data[i : i+c]
}

// FromImage converts any image into an 8UC3 BGR frame.
func FromImage(img image.Image) *Frame {
	bounds := img.Bounds()
	nrgba := imaging.Clone(img)
	f := New(bounds.Dx(), bounds.Dy(), Format8UC3)

	for y := 0; y < f.Height; y++ {
		for x := 0; x < f.Width; x++ {
			src := nrgba.PixOffset(x, y)
			dst := (y*f.Width + x) * 3
			f.Data[dst] = nrgba.Pix[src+2]
			f.Data[dst+1] = nrgba.Pix[src+1]
			f.Data[dst+2] = nrgba.Pix[src]
		}
	}
	return f
}

// ToImage converts the frame into an image.NRGBA.
func (f *Frame) ToImage() (*image.NRGBA, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}

	img := image.NewNRGBA(image.Rect(0, 0, f.Width, f.Height))
	c := f.Channels()
	for y := 0; y < f.Height; y++ {
		for x := 0; x < f.Width; x++ {
			p := f.Data[(y*f.Width+x)*c:]
			switch c {
			case 1:
				img.SetNRGBA(x, y, color.NRGBA{R: p[0], G: p[0], B: p[0], A: 255})
			case 3:
				img.SetNRGBA(x, y, color.NRGBA{R: p[2], G: p[1], B: p[0], A: 255})
			case 4:
				img.SetNRGBA(x, y, color.NRGBA{R: p[2], G: p[1], B: p[0], A: p[3]})
			}
		}
	}
	return img, nil
}

// Load decodes an image file into an 8UC3 BGR frame.
func Load(path string) (*Frame, error) {
	img, err := imaging.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image %s: %w", path, err)
	}
	return FromImage(img), nil
}

// Save encodes the frame to path; the format follows the file extension.
func Save(f *Frame, path string) error {
	img, err := f.ToImage()
	if err != nil {
		return err
	}
	if err := imaging.Save(img, path); err != nil {
		return fmt.Errorf("failed to save image %s: %w", path, err)
	}
	return nil
}
