package detector

import (
	"fmt"
	"sort"
)

// decodeRows turns raw model output into candidate detections. Each anchor
// carries cx, cy, w, h in model input pixels followed by one score per class;
// the best class wins, ties going to the lower class id. Boxes are scaled back
// to source pixels by scaleX and scaleY.
func decodeRows(out []float32, shape OutputShape, conf, scaleX, scaleY float32) ([]Detection, error) {
	if shape.Values < 5 || shape.Anchors <= 0 {
		return nil, fmt.Errorf("%w: %d anchors x %d values", ErrOutputShape, shape.Anchors, shape.Values)
	}
	if len(out) < shape.Size() {
		return nil, fmt.Errorf("%w: %d floats for %d anchors x %d values", ErrOutputShape, len(out), shape.Anchors, shape.Values)
	}

	at := func(anchor, k int) float32 {
		if shape.Layout == LayoutChannelMajor {
			return out[k*shape.Anchors+anchor]
		}
		return out[anchor*shape.Values+k]
	}

	var dets []Detection
	for i := 0; i < shape.Anchors; i++ {
		classID, score := 0, at(i, 4)
		for c := 1; c < shape.Classes(); c++ {
			if s := at(i, 4+c); s > score {
				classID, score = c, s
			}
		}
		if score < conf {
			continue
		}

		cx, cy, w, h := at(i, 0), at(i, 1), at(i, 2), at(i, 3)
		dets = append(dets, Detection{
			Box: Box{
				X:      (cx - w/2) * scaleX,
				Y:      (cy - h/2) * scaleY,
				Width:  w * scaleX,
				Height: h * scaleY,
			},
			Confidence: score,
			ClassID:    classID,
		})
	}
	return dets, nil
}

// NonMaxSuppression keeps the most confident box of every cluster of same
// class boxes whose IoU exceeds threshold. Boxes of different classes never
// suppress each other. The result is ordered by descending confidence and the
// input is left untouched.
func NonMaxSuppression(dets []Detection, threshold float32) []Detection {
	if len(dets) == 0 {
		return []Detection{}
	}

	sorted := make([]Detection, len(dets))
	copy(sorted, dets)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Confidence > sorted[j].Confidence
	})

	suppressed := make([]bool, len(sorted))
	kept := make([]Detection, 0, len(sorted))
	for i := range sorted {
		if suppressed[i] {
			continue
		}
		kept = append(kept, sorted[i])
		for j := i + 1; j < len(sorted); j++ {
			if suppressed[j] || sorted[j].ClassID != sorted[i].ClassID {
				continue
			}
			if sorted[i].Box.IoU(sorted[j].Box) > threshold {
				suppressed[j] = true
			}
		}
	}
	return kept
}
