package detector

import (
	"runtime"

	"golang.org/x/sync/errgroup"

	"pitrac/internal/frame"
)

// PreprocessBatch fills consecutive 3xHxW slots of dst, one per frame, using up
// to workers goroutines. Every frame writes only its own slot. The returned
// slice holds the error for each frame, nil when it was preprocessed.
func PreprocessBatch(im Imager, frames []*frame.Frame, dst []float32, width, height int, swapRB, fast bool, workers int) []error {
	size := 3 * width * height
	errs := make([]error, len(frames))
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	var g errgroup.Group
	g.SetLimit(workers)
	for i, f := range frames {
		g.Go(func() error {
			if len(dst) < (i+1)*size {
				errs[i] = errShortBatch
				return nil
			}
			errs[i] = Preprocess(im, f, dst[i*size:(i+1)*size], width, height, swapRB, fast, nil)
			return nil
		})
	}
	_ = g.Wait()
	return errs
}
