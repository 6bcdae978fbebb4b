// Package detector runs a YOLO-style object detection model over camera
// frames: preprocessing, inference through a Session, box decoding and
// non-maximum suppression.
package detector

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"pitrac/internal/frame"
	"pitrac/internal/logger"
)

type Engine struct {
	cfg     Config
	factory SessionFactory
	imager  Imager
	log     *logger.Logger

	// mu guards the session: loading, Run and Close.
	mu          sync.Mutex
	session     Session
	shape       OutputShape
	initialized atomic.Bool

	alloc      Allocator
	pooled     atomic.Pointer[PooledAllocator]
	batchAlloc *DynamicAllocator

	statsMu sync.Mutex
	total   uint64
	avgMs   float64
}

func NewEngine(cfg Config, factory SessionFactory, imager Imager, log *logger.Logger) *Engine {
	return &Engine{
		cfg:        cfg,
		factory:    factory,
		imager:     imager,
		log:        log,
		alloc:      NewDynamicAllocator(),
		batchAlloc: NewDynamicAllocator(),
	}
}

func (e *Engine) Config() Config {
	return e.cfg
}

func (e *Engine) IsInitialized() bool {
	return e.initialized.Load()
}

// Initialize loads the model, reserves the memory pool and runs the warm-up
// inferences. Calling it again after success is a no-op. It never pins the
// calling thread; detection workers call PinThread themselves.
func (e *Engine) Initialize() error {
	if err := e.load(); err != nil {
		return err
	}

	e.WarmUp(e.cfg.WarmupIterations)
	return nil
}

func (e *Engine) load() (err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.initialized.Load() {
		return nil
	}
	if err := e.cfg.Validate(); err != nil {
		return fmt.Errorf("invalid detector config: %w", err)
	}
	if _, err := os.Stat(e.cfg.ModelPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrModelNotFound, e.cfg.ModelPath)
		}
		return fmt.Errorf("failed to stat model: %w", err)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("model runtime panicked while loading: %v", r)
		}
	}()

	session, err := e.factory(e.cfg)
	if err != nil {
		return fmt.Errorf("failed to load model %s: %w", e.cfg.ModelPath, err)
	}
	shape := session.OutputShape()
	if shape.Values < 5 || shape.Anchors <= 0 {
		session.Close()
		return fmt.Errorf("%w: %d anchors x %d values", ErrOutputShape, shape.Anchors, shape.Values)
	}

	if e.cfg.UseMemoryPool {
		pool := NewMemoryPool(e.cfg.inputSize(), shape.Size(), e.cfg.InputWidth*e.cfg.InputHeight*3)
		pooled := NewPooledAllocator(pool, e.log)
		e.pooled.Store(pooled)
		e.alloc = pooled
	}

	e.session = session
	e.shape = shape
	e.initialized.Store(true)

	e.log.Info("✅ Detector loaded %s (%dx%d input, %d anchors x %d classes, %s output, pool %v)",
		e.cfg.ModelPath, e.cfg.InputWidth, e.cfg.InputHeight,
		shape.Anchors, shape.Classes(), shape.Layout, e.cfg.UseMemoryPool)
	return nil
}

// PinThread locks the calling goroutine to its OS thread and binds that thread
// to the configured CPU cores. The lock is never released, so only a goroutine
// dedicated to detection should call it, once at start. It does nothing
// unless UseThreadAffinity is set.
func (e *Engine) PinThread() error {
	if !e.cfg.UseThreadAffinity {
		return nil
	}
	if err := pinThread(e.cfg.CPUCores); err != nil {
		return err
	}
	e.log.Debug("Detection thread pinned to cores %v", e.cfg.CPUCores)
	return nil
}

// WarmUp runs n detections on a black frame of the model's input size.
func (e *Engine) WarmUp(n int) {
	if n <= 0 || !e.initialized.Load() {
		return
	}

	blank := frame.New(e.cfg.InputWidth, e.cfg.InputHeight, frame.Format8UC3)
	var m PerformanceMetrics
	for i := 0; i < n; i++ {
		_, m = e.DetectWithMetrics(blank)
	}
	e.log.Info("Warm-up complete after %d iterations, last inference %.2f ms", n, m.InferenceMs)
}

// Detect returns the detections in f, strongest first. Invalid input and
// failures yield an empty slice; the cause is logged.
func (e *Engine) Detect(f *frame.Frame) []Detection {
	dets, _ := e.DetectWithMetrics(f)
	return dets
}

func (e *Engine) DetectWithMetrics(f *frame.Frame) (dets []Detection, m PerformanceMetrics) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("Detection panicked: %v", r)
			dets = []Detection{}
		}
	}()

	if !e.accept(f) {
		return []Detection{}, m
	}

	start := time.Now()
	in, err := e.alloc.Acquire(RoleInput, e.cfg.inputSize())
	if err != nil {
		e.log.Error("Failed to get input buffer: %v", err)
		return []Detection{}, m
	}
	defer in.Release()

	if err := e.preprocess(f, in.Floats); err != nil {
		e.log.Error("Preprocessing failed: %v", err)
		return []Detection{}, m
	}
	m.PreprocessingMs = millis(time.Since(start))

	dets, m.InferenceMs, m.PostprocessingMs, err = e.infer(in.Floats, f.Width, f.Height)
	if err != nil {
		e.log.Error("Detection failed: %v", err)
		return []Detection{}, m
	}

	m.TotalMs = millis(time.Since(start))
	m.MemoryUsageBytes = e.MemoryUsage()
	return dets, m
}

// DetectBatch detects every frame independently. Preprocessing runs in
// parallel, inference one frame at a time; result i belongs to frames[i].
func (e *Engine) DetectBatch(frames []*frame.Frame) [][]Detection {
	results := make([][]Detection, len(frames))
	if len(frames) < 2 || !e.initialized.Load() {
		for i, f := range frames {
			results[i] = e.Detect(f)
		}
		return results
	}

	size := e.cfg.inputSize()
	batch, err := e.batchAlloc.Acquire(RoleInput, size*len(frames))
	if err != nil {
		e.log.Error("Failed to get batch buffer: %v", err)
		for i := range results {
			results[i] = []Detection{}
		}
		return results
	}
	defer batch.Release()

	errs := PreprocessBatch(e.imager, frames, batch.Floats, e.cfg.InputWidth, e.cfg.InputHeight,
		e.cfg.SwapRB, e.cfg.UseFastPreprocessing, e.cfg.NumThreads)

	for i, f := range frames {
		results[i] = []Detection{}
		if errs[i] != nil {
			e.log.Error("Skipping batch frame %d: %v", i, errs[i])
			continue
		}
		dets, _, _, err := e.infer(batch.Floats[i*size:(i+1)*size], f.Width, f.Height)
		if err != nil {
			e.log.Error("Detection failed for batch frame %d: %v", i, err)
			continue
		}
		results[i] = dets
	}
	return results
}

func (e *Engine) accept(f *frame.Frame) bool {
	switch {
	case f == nil || f.Empty():
		e.log.Error("Input image is empty")
	case f.Channels() != 3:
		e.log.Error("Expected a 3-channel image, got %d channels", f.Channels())
	case f.Validate() != nil:
		e.log.Error("Invalid input image: %v", f.Validate())
	case !e.initialized.Load():
		e.log.Error("Detector not initialized")
	default:
		return true
	}
	return false
}

func (e *Engine) preprocess(f *frame.Frame, dst []float32) error {
	w, h := e.cfg.InputWidth, e.cfg.InputHeight
	if !e.cfg.UseFastPreprocessing {
		return Preprocess(e.imager, f, dst, w, h, e.cfg.SwapRB, false, nil)
	}

	scratch, err := e.alloc.Acquire(RolePreprocess, w*h*3)
	if err != nil {
		return err
	}
	defer scratch.Release()
	return Preprocess(e.imager, f, dst, w, h, e.cfg.SwapRB, true, scratch.Bytes)
}

// infer runs the model on one input tensor and decodes its output for a
// srcW x srcH source image.
func (e *Engine) infer(input []float32, srcW, srcH int) (dets []Detection, inferMs, postMs float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("inference panicked: %v", r)
		}
	}()

	out, err := e.alloc.Acquire(RoleOutput, e.shape.Size())
	if err != nil {
		return nil, 0, 0, err
	}
	defer out.Release()

	start := time.Now()
	if err := e.run(input, out.Floats); err != nil {
		return nil, 0, 0, err
	}
	inferMs = millis(time.Since(start))
	e.record(inferMs)

	start = time.Now()
	scaleX := float32(srcW) / float32(e.cfg.InputWidth)
	scaleY := float32(srcH) / float32(e.cfg.InputHeight)
	candidates, err := decodeRows(out.Floats, e.shape, e.cfg.ConfidenceThreshold, scaleX, scaleY)
	if err != nil {
		return nil, inferMs, 0, err
	}
	dets = NonMaxSuppression(candidates, e.cfg.NMSThreshold)
	postMs = millis(time.Since(start))

	e.log.Debug("%d candidates, %d detections after NMS (%.2f ms inference)", len(candidates), len(dets), inferMs)
	return dets, inferMs, postMs, nil
}

func (e *Engine) run(input, out []float32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return ErrNotInitialized
	}
	return e.session.Run(input, e.cfg.InputWidth, e.cfg.InputHeight, out)
}

func (e *Engine) record(ms float64) {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	e.total++
	e.avgMs = (e.avgMs*float64(e.total-1) + ms) / float64(e.total)
}

func (e *Engine) Stats() Stats {
	e.statsMu.Lock()
	s := Stats{TotalInferences: e.total, AverageInferenceMs: e.avgMs}
	e.statsMu.Unlock()

	if pooled := e.pooled.Load(); pooled != nil {
		s.PoolFallbacks = pooled.Fallbacks()
	}
	return s
}

// MemoryUsage reports the bytes reserved by the memory pool.
func (e *Engine) MemoryUsage() int {
	if pooled := e.pooled.Load(); pooled != nil {
		return pooled.Capacity()
	}
	return 0
}

func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.initialized.Swap(false) {
		return nil
	}
	err := e.session.Close()
	e.session = nil
	e.log.Info("🛑 Detector closed")
	return err
}

func millis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
