package detector

import (
	"fmt"
	"math"
)

// Box is an axis-aligned rectangle in source image pixels; X and Y are the top
// left corner.
type Box struct {
	X      float32
	Y      float32
	Width  float32
	Height float32
}

func (b Box) Area() float32 {
	if b.Width <= 0 || b.Height <= 0 {
		return 0
	}
	return b.Width * b.Height
}

func (b Box) Intersect(o Box) Box {
	x1 := max(b.X, o.X)
	y1 := max(b.Y, o.Y)
	x2 := min(b.X+b.Width, o.X+o.Width)
	y2 := min(b.Y+b.Height, o.Y+o.Height)
	if x2 <= x1 || y2 <= y1 {
		return Box{}
	}
	return Box{X: x1, Y: y1, Width: x2 - x1, Height: y2 - y1}
}

// IoU returns the intersection over union of two boxes, clamped to [0, 1].
// Degenerate pairs whose union is below float32 epsilon score 0.
func (b Box) IoU(o Box) float32 {
	inter := b.Intersect(o).Area()
	union := b.Area() + o.Area() - inter
	if union <= epsilon {
		return 0
	}
	return max(0, min(1, inter/union))
}

var epsilon = math.Nextafter32(1, 2) - 1

type Detection struct {
	Box        Box
	Confidence float32
	ClassID    int
}

func (d Detection) String() string {
	return fmt.Sprintf("class %d (%.2f) at [%.1f, %.1f, %.1f x %.1f]",
		d.ClassID, d.Confidence, d.Box.X, d.Box.Y, d.Box.Width, d.Box.Height)
}

// PerformanceMetrics times the stages of one detection.
type PerformanceMetrics struct {
	PreprocessingMs  float64
	InferenceMs      float64
	PostprocessingMs float64
	TotalMs          float64
	MemoryUsageBytes int
}

type Stats struct {
	TotalInferences    uint64
	AverageInferenceMs float64
	PoolFallbacks      uint64
}
