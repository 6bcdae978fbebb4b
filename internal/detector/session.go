package detector

import "errors"

var (
	ErrModelNotFound  = errors.New("model file not found")
	ErrNotInitialized = errors.New("detector not initialized")
	ErrOutputShape    = errors.New("unexpected output shape")

	errShortBatch = errors.New("batch tensor too small")
)

// OutputShape is the geometry of the model's output tensor.
type OutputShape struct {
	Anchors int
	Values  int // 4 box values followed by one score per class
	Layout  OutputLayout
}

func (s OutputShape) Size() int {
	return s.Anchors * s.Values
}

func (s OutputShape) Classes() int {
	return s.Values - 4
}

// Session runs a loaded model. Implementations need not be safe for concurrent
// use; the engine serialises Run.
type Session interface {
	// Run feeds a 1x3xHxW tensor to the model and copies the output into out,
	// which holds OutputShape().Size() floats.
	Run(input []float32, width, height int, out []float32) error
	OutputShape() OutputShape
	Close() error
}

// SessionFactory loads the model named by cfg.ModelPath.
type SessionFactory func(cfg Config) (Session, error)
