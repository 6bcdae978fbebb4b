// Package pipeline runs detection over captured frames on a pool of workers
// and reports the outcome to the peer, the shot store and the image archive.
package pipeline

import (
	"sync"
	"sync/atomic"

	"pitrac/internal/detector"
	"pitrac/internal/frame"
	"pitrac/internal/ipc"
	"pitrac/internal/logger"
	"pitrac/internal/results"
)

const DefaultQueueSize = 100

// Detector finds objects in a frame. *detector.Engine satisfies it.
type Detector interface {
	Detect(f *frame.Frame) []detector.Detection
}

// threadPinner is implemented by detectors that can bind the worker's thread
// to dedicated cores.
type threadPinner interface {
	PinThread() error
}

// Sender delivers messages to the peer process. *dispatcher.Dispatcher
// satisfies it.
type Sender interface {
	Send(m ipc.Message) error
}

// Annotator renders detections onto a frame and returns encoded image bytes.
type Annotator func(f *frame.Frame, dets []detector.Detection) ([]byte, error)

type Options struct {
	SystemID        string
	QueueSize       int
	ProcessEveryNth int // 1 processes every frame
	PinThreads      bool
}

type Stats struct {
	Submitted uint64
	Skipped   uint64
	Dropped   uint64
	Processed uint64
	Sent      uint64
}

type Task struct {
	Frame  *frame.Frame
	Source string
}

// Manager owns one worker per detector; each worker only ever uses its own
// detector.
type Manager struct {
	detectors []Detector
	sender    Sender
	shots     results.ShotRepository
	archive   *Archive
	annotate  Annotator
	opts      Options
	logger    *logger.Logger

	processingQueue chan Task
	frameCounters   map[string]int
	frameCounterMu  sync.Mutex
	wg              sync.WaitGroup

	// queueMu orders Submit against Stop closing the queue.
	queueMu sync.RWMutex
	stopped bool

	submitted atomic.Uint64
	skipped   atomic.Uint64
	dropped   atomic.Uint64
	processed atomic.Uint64
	sent      atomic.Uint64
}

// NewManager starts the workers. sender, shots, archive and annotate may be
// nil to skip that output.
func NewManager(detectors []Detector, sender Sender, shots results.ShotRepository, archive *Archive, annotate Annotator, opts Options, logger *logger.Logger) *Manager {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.ProcessEveryNth <= 0 {
		opts.ProcessEveryNth = 1
	}

	manager := &Manager{
		detectors:       detectors,
		sender:          sender,
		shots:           shots,
		archive:         archive,
		annotate:        annotate,
		opts:            opts,
		logger:          logger,
		processingQueue: make(chan Task, opts.QueueSize),
		frameCounters:   make(map[string]int),
	}

	for i := range detectors {
		manager.wg.Add(1)
		go manager.processingWorker(i)
	}

	manager.logger.Info("🎬 Pipeline started with %d worker(s), processing every %d frame(s)", len(detectors), opts.ProcessEveryNth)
	return manager
}

// Submit queues a frame for detection. It reports false when the frame was
// skipped or the queue was full.
func (m *Manager) Submit(f *frame.Frame, source string) bool {
	m.submitted.Add(1)

	m.frameCounterMu.Lock()
	m.frameCounters[source]++
	frameCount := m.frameCounters[source]
	if frameCount >= m.opts.ProcessEveryNth {
		m.frameCounters[source] = 0
	}
	m.frameCounterMu.Unlock()

	if frameCount < m.opts.ProcessEveryNth {
		m.skipped.Add(1)
		return false
	}

	m.queueMu.RLock()
	defer m.queueMu.RUnlock()
	if m.stopped {
		m.dropped.Add(1)
		return false
	}

	select {
	case m.processingQueue <- Task{Frame: f, Source: source}:
		m.logger.Debug("📹 %s: frame queued for detection", source)
		return true
	default:
		m.dropped.Add(1)
		m.logger.Warning("⚠️  Processing queue full for %s - skipping detection", source)
		return false
	}
}

func (m *Manager) processingWorker(workerID int) {
	defer m.wg.Done()

	if m.opts.PinThreads {
		if p, ok := m.detectors[workerID].(threadPinner); ok {
			if err := p.PinThread(); err != nil {
				m.logger.Warning("Worker %d could not pin its thread: %v", workerID, err)
			}
		}
	}

	m.logger.Info("🔧 Processing worker %d started", workerID)

	for task := range m.processingQueue {
		m.process(task, workerID)
	}

	m.logger.Info("🔧 Processing worker %d stopped", workerID)
}

func (m *Manager) process(task Task, workerID int) {
	dets := m.detectors[workerID].Detect(task.Frame)
	m.processed.Add(1)

	data := results.FromDetections(Classify(dets), dets)

	if m.sender != nil {
		if err := m.sender.Send(ipc.Results{Data: data}); err != nil {
			m.logger.Error("Failed to send results for %s: %v", task.Source, err)
		} else {
			m.sent.Add(1)
		}
	}

	shot := results.NewShot(m.opts.SystemID, data)
	if m.shots != nil {
		if err := m.shots.Insert(shot); err != nil {
			m.logger.Error("Failed to store shot: %v", err)
		} else if err := m.shots.InsertDetections(shot.ID, results.Records(shot.ID, dets)); err != nil {
			m.logger.Error("Failed to store detections: %v", err)
		}
	}

	if len(dets) == 0 || m.archive == nil || m.annotate == nil {
		return
	}
	imageWithDetections, err := m.annotate(task.Frame, dets)
	if err != nil {
		m.logger.Error("Failed to draw rectangles: %v", err)
		return
	}
	m.archive.Add(imageWithDetections, task.Source, shot.ID, dets)
}

// Classify derives the shot state from how many objects were found.
func Classify(dets []detector.Detection) ipc.ResultType {
	switch len(dets) {
	case 0:
		return ipc.ResultWaitingForBallToAppear
	case 1:
		return ipc.ResultBallPlacedAndReadyForHit
	default:
		return ipc.ResultMultipleBallsPresent
	}
}

func (m *Manager) Stats() Stats {
	return Stats{
		Submitted: m.submitted.Load(),
		Skipped:   m.skipped.Load(),
		Dropped:   m.dropped.Load(),
		Processed: m.processed.Load(),
		Sent:      m.sent.Load(),
	}
}

// QueueLen reports frames waiting for a worker.
func (m *Manager) QueueLen() int {
	return len(m.processingQueue)
}

// Stop lets the workers finish the queued frames and waits for them.
func (m *Manager) Stop() {
	m.queueMu.Lock()
	if m.stopped {
		m.queueMu.Unlock()
		return
	}
	m.stopped = true
	close(m.processingQueue)
	m.queueMu.Unlock()

	m.wg.Wait()
	m.logger.Info("🛑 All processing workers stopped")
}
