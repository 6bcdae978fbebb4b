package opencv

import (
	"fmt"
	"image"
	"image/color"

	"gocv.io/x/gocv"

	"pitrac/internal/detector"
	"pitrac/internal/frame"
)

var red = color.RGBA{R: 255, G: 0, B: 0, A: 0}

// Annotate draws the detections onto a copy of f and returns it JPEG encoded.
func Annotate(f *frame.Frame, detections []detector.Detection) ([]byte, error) {
	mat, err := drawDetections(f, detections)
	if err != nil {
		return nil, err
	}
	defer mat.Close()

	buf, err := gocv.IMEncode(gocv.JPEGFileExt, mat)
	if err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}
	defer buf.Close()
	finalImage := make([]byte, len(buf.GetBytes()))
	copy(finalImage, buf.GetBytes())

	return finalImage, nil
}

// AnnotateFile draws the detections onto a copy of f and writes it to path;
// the extension picks the format.
func AnnotateFile(f *frame.Frame, detections []detector.Detection, path string) error {
	mat, err := drawDetections(f, detections)
	if err != nil {
		return err
	}
	defer mat.Close()

	if !gocv.IMWrite(path, mat) {
		return fmt.Errorf("failed to write %s", path)
	}
	return nil
}

func drawDetections(f *frame.Frame, detections []detector.Detection) (gocv.Mat, error) {
	if err := f.Validate(); err != nil {
		return gocv.Mat{}, err
	}

	mat, err := gocv.NewMatFromBytes(f.Height, f.Width, matType(f.Format), f.Clone().Data)
	if err != nil {
		return gocv.Mat{}, fmt.Errorf("failed to wrap frame: %w", err)
	}

	for _, d := range detections {
		x, y := int(d.Box.X), int(d.Box.Y)
		rect := image.Rect(x, y, x+int(d.Box.Width), y+int(d.Box.Height))
		if err := gocv.Rectangle(&mat, rect, red, 2); err != nil {
			mat.Close()
			return gocv.Mat{}, fmt.Errorf("failed to draw rectangle: %w", err)
		}

		label := fmt.Sprintf("%s (%.2f)", detector.ClassLabel(d.ClassID), d.Confidence)
		if err := gocv.PutText(&mat, label, image.Pt(x, y-5), gocv.FontHersheySimplex, 0.5, red, 1); err != nil {
			mat.Close()
			return gocv.Mat{}, fmt.Errorf("failed to draw text: %w", err)
		}
	}
	return mat, nil
}

func matType(format frame.PixelFormat) gocv.MatType {
	switch format {
	case frame.Format8UC1:
		return gocv.MatTypeCV8UC1
	case frame.Format8UC4:
		return gocv.MatTypeCV8UC4
	}
	return gocv.MatTypeCV8UC3
}
