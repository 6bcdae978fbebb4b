package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"pitrac/internal/config"
	"pitrac/internal/detector"
	"pitrac/internal/detector/opencv"
	"pitrac/internal/dispatcher"
	"pitrac/internal/events"
	"pitrac/internal/frame"
	"pitrac/internal/logger"
	"pitrac/internal/metrics"
	"pitrac/internal/pipeline"
	"pitrac/internal/results"
	"pitrac/internal/results/sqlite"
	"pitrac/internal/route"
	"pitrac/internal/transport"
)

const (
	sourceCamera2    = "camera2"
	sourcePreImage   = "camera2_pre"
	shutdownDeadline = 5 * time.Second
)

// Options override the collaborators New would otherwise build from the
// configuration.
type Options struct {
	SessionFactory detector.SessionFactory // defaults to the OpenCV DNN session
	Imager         detector.Imager         // defaults to opencv.Imager
	Annotator      pipeline.Annotator      // defaults to opencv.Annotate
	Publishers     dispatcher.PublisherFactory
	Subscribers    dispatcher.SubscriberFactory
}

// App owns one camera process: the IPC dispatcher, the event loop and, in
// modes that receive camera 2 images, the detection pipeline.
type App struct {
	config *config.Config
	logger *logger.Logger

	queue      *events.Queue
	dispatcher *dispatcher.Dispatcher
	engines    []*detector.Engine
	manager    *pipeline.Manager
	archive    *pipeline.Archive
	shots      results.ShotRepository
	metrics    *metrics.Server

	archiveCancel context.CancelFunc
	archiveDone   chan struct{}

	handledMu sync.Mutex
	handled   map[string]int

	startOnce    sync.Once
	startErr     error
	shutdownOnce sync.Once
}

func New(cfg *config.Config, log *logger.Logger, opts Options) (*App, error) {
	mode, err := dispatcher.ParseSystemMode(cfg.SystemMode)
	if err != nil {
		return nil, err
	}
	if opts.SessionFactory == nil {
		opts.SessionFactory = opencv.NewSession
	}
	if opts.Imager == nil {
		opts.Imager = opencv.Imager{}
	}
	if opts.Annotator == nil {
		opts.Annotator = opencv.Annotate
	}

	// Results stored locally must carry the same id the peer sees.
	if cfg.SystemID == "" {
		cfg.SystemID = dispatcher.NewSystemID()
	}

	a := &App{
		config:  cfg,
		logger:  log,
		queue:   events.NewQueue(),
		handled: make(map[string]int),
	}

	a.dispatcher = dispatcher.New(dispatcher.Options{
		SystemID:        cfg.SystemID,
		Mode:            mode,
		StillMode:       cfg.CameraStillMode,
		Endpoint:        cfg.Endpoint(),
		PublishEndpoint: cfg.IPCPublishEndpoint,
		Transport: transport.Options{
			HighWaterMark:  cfg.HighWaterMark,
			ReceiveTimeout: time.Duration(cfg.ReceiveTimeoutMs) * time.Millisecond,
			Linger:         time.Duration(cfg.LingerMs) * time.Millisecond,
		},
	}, a.queue, log)
	if opts.Publishers != nil && opts.Subscribers != nil {
		a.dispatcher.WithTransports(opts.Publishers, opts.Subscribers)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	shots, err := sqlite.Open(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}
	a.shots = shots

	if mode.QueuesCamera2Images(cfg.CameraStillMode) {
		if err := a.buildPipeline(opts); err != nil {
			a.closeEngines()
			shots.Close()
			return nil, err
		}
	}

	if cfg.MetricsPort > 0 {
		a.metrics = metrics.NewServer(cfg.MetricsPort, metrics.NewRegistry(a.metricSources()), a.health, log)
		route.SetupRoutes(a.metrics.Router(), a.shots, cfg.ImageDirectory, cfg.LogDirectory, log)
	}

	return a, nil
}

func (a *App) buildPipeline(opts Options) error {
	detCfg := DetectorConfig(a.config)
	for i := 0; i < a.config.ProcessingWorkers; i++ {
		engine := detector.NewEngine(detCfg, opts.SessionFactory, opts.Imager, a.logger)
		a.engines = append(a.engines, engine)
		if err := engine.Initialize(); err != nil {
			return fmt.Errorf("failed to initialize detector %d: %w", i, err)
		}
	}

	a.archive = pipeline.NewArchive(a.config.ImageDirectory, a.config.ImageBufferLimit,
		time.Duration(a.config.ImageFlushIntervalSec)*time.Second, a.shots, a.logger)

	detectors := make([]pipeline.Detector, len(a.engines))
	for i, engine := range a.engines {
		detectors[i] = engine
	}
	a.manager = pipeline.NewManager(detectors, a.dispatcher, a.shots, a.archive, opts.Annotator, pipeline.Options{
		SystemID:   a.config.SystemID,
		PinThreads: a.config.UseThreadAffinity,
	}, a.logger)
	return nil
}

// DetectorConfig maps the process configuration onto the detector's.
func DetectorConfig(cfg *config.Config) detector.Config {
	detCfg := detector.DefaultConfig()
	detCfg.ModelPath = cfg.ModelPath
	detCfg.InputWidth = cfg.InputWidth
	detCfg.InputHeight = cfg.InputHeight
	detCfg.ConfidenceThreshold = float32(cfg.ConfidenceThreshold)
	detCfg.NMSThreshold = float32(cfg.NMSThreshold)
	detCfg.NumThreads = cfg.NumThreads
	detCfg.UseMemoryPool = cfg.UseMemoryPool
	detCfg.UseThreadAffinity = cfg.UseThreadAffinity
	detCfg.CPUCores = cfg.CPUCores
	detCfg.UseFastPreprocessing = cfg.UseFastPreprocessing
	detCfg.SwapRB = cfg.SwapRB
	detCfg.WarmupIterations = cfg.WarmupIterations
	detCfg.OutputLayout = detector.LayoutRowMajor
	if cfg.OutputTransposed {
		detCfg.OutputLayout = detector.LayoutChannelMajor
	}
	return detCfg
}

// Start brings up IPC, the image archive and the metrics server. Run calls it;
// calling it again returns the first result.
func (a *App) Start() error {
	a.startOnce.Do(func() {
		a.startErr = a.start()
	})
	return a.startErr
}

func (a *App) start() error {
	if err := a.dispatcher.Initialize(); err != nil {
		return err
	}

	if a.archive != nil {
		ctx, cancel := context.WithCancel(context.Background())
		a.archiveCancel = cancel
		a.archiveDone = make(chan struct{})
		go func() {
			defer close(a.archiveDone)
			a.archive.Run(ctx)
		}()
	}

	if a.metrics != nil {
		if err := a.metrics.Start(); err != nil {
			a.logger.Warning("Metrics server not started: %v", err)
			a.metrics = nil
		}
	}

	a.logger.Info("🚀 PiTrac %s running as %s", a.dispatcher.Mode(), a.dispatcher.SystemID())
	if a.manager != nil {
		a.logger.Info("🤖 AI Model: %s (%d worker(s))", a.config.ModelPath, len(a.engines))
		a.logger.Info("📁 Images: %s", a.config.ImageDirectory)
	}
	return nil
}

// Run starts the app and consumes events until an Exit event arrives or ctx
// is cancelled.
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(); err != nil {
		return err
	}

	for {
		e, err := a.queue.Pop(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, events.ErrQueueClosed) {
				return nil
			}
			return err
		}
		if !a.handle(e) {
			a.logger.Info("👋 Exit requested by peer")
			return nil
		}
	}
}

// handle reports false when the loop should stop.
func (a *App) handle(e events.Event) bool {
	a.handledMu.Lock()
	a.handled[e.Name()]++
	a.handledMu.Unlock()

	switch ev := e.(type) {
	case events.Camera2ImageReceived:
		a.submit(ev.Frame, sourceCamera2)
	case events.Camera2PreImageReceived:
		a.submit(ev.Frame, sourcePreImage)
	case events.ResultsReceived:
		a.storeResults(ev)
	case events.ControlMessageReceived:
		a.logger.Info("🎛️ Control message: %s", ev.Action)
	case events.ArmCamera2:
		a.logger.Info("📸 Camera 2 armed for the next capture")
	case events.Exit:
		return false
	default:
		a.logger.Warning("Unhandled event %s", e.Name())
	}
	return true
}

func (a *App) submit(f *frame.Frame, source string) {
	if a.manager == nil {
		a.logger.Warning("Dropping %s image: no detection pipeline in mode %s", source, a.dispatcher.Mode())
		return
	}
	a.manager.Submit(f, source)
}

func (a *App) storeResults(ev events.ResultsReceived) {
	shot := results.NewShot(ev.SystemID, ev.Data)
	a.logger.Info("📊 Results from %s: %s", ev.SystemID, shot.ResultType)

	if err := a.shots.Insert(shot); err != nil {
		a.logger.Error("Failed to store results from %s: %v", ev.SystemID, err)
		return
	}
	dets, err := results.ToDetections(ev.Data)
	if err != nil {
		a.logger.Warning("Results from %s carry malformed detections: %v", ev.SystemID, err)
		return
	}
	if err := a.shots.InsertDetections(shot.ID, results.Records(shot.ID, dets)); err != nil {
		a.logger.Error("Failed to store detections: %v", err)
	}
}

// Handled returns how many events of each kind the loop has processed.
func (a *App) Handled() map[string]int {
	a.handledMu.Lock()
	defer a.handledMu.Unlock()
	out := make(map[string]int, len(a.handled))
	for k, v := range a.handled {
		out[k] = v
	}
	return out
}

func (a *App) Dispatcher() *dispatcher.Dispatcher {
	return a.dispatcher
}

func (a *App) Shots() results.ShotRepository {
	return a.shots
}

// Pipeline is nil in modes that never receive camera 2 images.
func (a *App) Pipeline() *pipeline.Manager {
	return a.manager
}

// Shutdown drains the pipeline, flushes buffered images and releases every
// resource. It is safe to call more than once.
func (a *App) Shutdown() {
	a.shutdownOnce.Do(func() {
		if a.manager != nil {
			a.manager.Stop()
		}
		if a.archiveCancel != nil {
			a.archiveCancel()
			<-a.archiveDone
		} else if a.archive != nil {
			a.archive.Flush()
		}

		a.dispatcher.Shutdown()
		a.queue.Close()

		if a.metrics != nil {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownDeadline)
			if err := a.metrics.Shutdown(ctx); err != nil {
				a.logger.Warning("Metrics server shutdown: %v", err)
			}
			cancel()
		}

		a.closeEngines()
		if err := a.shots.Close(); err != nil {
			a.logger.Error("Failed to close shot store: %v", err)
		}
		a.logger.Info("🛑 PiTrac stopped")
	})
}

func (a *App) closeEngines() {
	for _, engine := range a.engines {
		if err := engine.Close(); err != nil {
			a.logger.Warning("Failed to close detector: %v", err)
		}
	}
}

func (a *App) health() error {
	if !a.dispatcher.IsInitialized() {
		return errors.New("ipc not initialized")
	}
	return nil
}

func (a *App) metricSources() metrics.Sources {
	src := metrics.Sources{
		Dispatcher: a.dispatcher.Stats,
		Transport:  a.dispatcher.TransportStats,
		QueueDepth: a.queue.Len,
	}
	if len(a.engines) > 0 {
		src.Detector = a.detectorStats
	}
	if a.manager != nil {
		src.Pipeline = a.manager.Stats
	}
	return src
}

// detectorStats sums the per-worker engines into one view.
func (a *App) detectorStats() detector.Stats {
	var total detector.Stats
	var weighted float64
	for _, engine := range a.engines {
		s := engine.Stats()
		total.TotalInferences += s.TotalInferences
		total.PoolFallbacks += s.PoolFallbacks
		weighted += s.AverageInferenceMs * float64(s.TotalInferences)
	}
	if total.TotalInferences > 0 {
		total.AverageInferenceMs = weighted / float64(total.TotalInferences)
	}
	return total
}
