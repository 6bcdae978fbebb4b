package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pitrac/internal/config"
	"pitrac/internal/detector"
	"pitrac/internal/dispatcher"
	"pitrac/internal/events"
	"pitrac/internal/frame"
	"pitrac/internal/ipc"
	"pitrac/internal/logger"
	"pitrac/internal/results"
	"pitrac/internal/transport"
)

// loopback hands every published envelope to every running subscriber.
type loopback struct {
	mu   sync.Mutex
	subs []*loopSubscriber
}

func (l *loopback) publish(env transport.Envelope) {
	l.mu.Lock()
	subs := append([]*loopSubscriber(nil), l.subs...)
	l.mu.Unlock()
	for _, s := range subs {
		s.deliver(env)
	}
}

func (l *loopback) newPublisher(endpoint string, _ transport.Options, _ *logger.Logger) (transport.Publisher, error) {
	return &loopPublisher{bus: l, endpoint: endpoint}, nil
}

func (l *loopback) newSubscriber(endpoint string, _ transport.Options, _ *logger.Logger) (transport.Subscriber, error) {
	s := &loopSubscriber{endpoint: endpoint}
	l.mu.Lock()
	l.subs = append(l.subs, s)
	l.mu.Unlock()
	return s, nil
}

type loopPublisher struct {
	bus      *loopback
	endpoint string

	mu      sync.Mutex
	running bool
}

func (p *loopPublisher) Start() error {
	p.mu.Lock()
	p.running = true
	p.mu.Unlock()
	return nil
}

func (p *loopPublisher) Stop() {
	p.mu.Lock()
	p.running = false
	p.mu.Unlock()
}

func (p *loopPublisher) Send(env transport.Envelope) error {
	if !p.IsRunning() {
		return transport.ErrNotRunning
	}
	p.bus.publish(env)
	return nil
}

func (p *loopPublisher) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *loopPublisher) Endpoint() string       { return p.endpoint }
func (p *loopPublisher) Stats() transport.Stats { return transport.Stats{} }

type loopSubscriber struct {
	endpoint string

	mu      sync.Mutex
	running bool
	prefix  string
	handler transport.Handler
}

func (s *loopSubscriber) deliver(env transport.Envelope) {
	s.mu.Lock()
	running, h, prefix := s.running, s.handler, s.prefix
	s.mu.Unlock()
	if running && h != nil && strings.HasPrefix(env.Topic, prefix) {
		h(env)
	}
}

func (s *loopSubscriber) Start() error {
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()
	return nil
}

func (s *loopSubscriber) Stop() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

func (s *loopSubscriber) Subscribe(prefix string) {
	s.mu.Lock()
	s.prefix = prefix
	s.mu.Unlock()
}

func (s *loopSubscriber) Unsubscribe(string) {}

func (s *loopSubscriber) SetHandler(h transport.Handler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

func (s *loopSubscriber) SetSystemIDToExclude(string) {}

func (s *loopSubscriber) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *loopSubscriber) Endpoint() string       { return s.endpoint }
func (s *loopSubscriber) Stats() transport.Stats { return transport.Stats{} }

// oneBallSession reports a single confident class 0 box in the middle of the
// model input.
type oneBallSession struct{}

func (oneBallSession) Run(_ []float32, width, height int, out []float32) error {
	clear(out)
	copy(out, []float32{float32(width) / 2, float32(height) / 2, 8, 8, 0.9, 0.1})
	return nil
}

func (oneBallSession) OutputShape() detector.OutputShape {
	return detector.OutputShape{Anchors: 1, Values: 6}
}

func (oneBallSession) Close() error { return nil }

func testConfig(t *testing.T, mode string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	model := filepath.Join(dir, "model.onnx")
	require.NoError(t, os.WriteFile(model, []byte("onnx"), 0644))

	cfg := config.Default()
	cfg.SystemID = "pi1"
	cfg.SystemMode = mode
	cfg.ModelPath = model
	cfg.InputWidth = 32
	cfg.InputHeight = 32
	cfg.WarmupIterations = 0
	cfg.DatabasePath = filepath.Join(dir, "data", "shots.db")
	cfg.ImageDirectory = filepath.Join(dir, "images")
	cfg.ImageFlushIntervalSec = 3600
	return cfg
}

func newTestApp(t *testing.T, bus *loopback, cfg *config.Config) *App {
	t.Helper()
	a, err := New(cfg, logger.Discard(), Options{
		SessionFactory: func(detector.Config) (detector.Session, error) { return oneBallSession{}, nil },
		Annotator: func(*frame.Frame, []detector.Detection) ([]byte, error) {
			return []byte("annotated"), nil
		},
		Publishers:  bus.newPublisher,
		Subscribers: bus.newSubscriber,
	})
	require.NoError(t, err)
	t.Cleanup(a.Shutdown)
	return a
}

func newPeer(t *testing.T, bus *loopback, mode dispatcher.SystemMode) (*dispatcher.Dispatcher, *events.Queue) {
	t.Helper()
	q := events.NewQueue()
	d := dispatcher.New(dispatcher.Options{SystemID: "pi2", Mode: mode}, q, logger.Discard()).
		WithTransports(bus.newPublisher, bus.newSubscriber)
	require.NoError(t, d.Initialize())
	t.Cleanup(d.Shutdown)
	return d, q
}

func runApp(t *testing.T, a *App) <-chan error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	require.Eventually(t, a.Dispatcher().IsInitialized, time.Second, 5*time.Millisecond)
	return done
}

func TestApp_DetectsCamera2ImageAndReplies(t *testing.T) {
	bus := &loopback{}
	a := newTestApp(t, bus, testConfig(t, "camera1"))
	done := runApp(t, a)
	peer, peerQueue := newPeer(t, bus, dispatcher.ModeCamera2)

	require.NotNil(t, a.Pipeline())
	require.NoError(t, peer.Send(ipc.Image{Frame: frame.New(64, 48, frame.Format8UC3)}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	e, err := peerQueue.Pop(ctx)
	require.NoError(t, err)
	got, ok := e.(events.ResultsReceived)
	require.True(t, ok, "got %s", e.Name())
	assert.Equal(t, "pi1", got.SystemID)
	assert.Equal(t, ipc.ResultBallPlacedAndReadyForHit.String(), got.Data[ipc.ResultTypeKey])
	assert.Equal(t, "1", got.Data[results.DetectionCountKey])

	dets, err := results.ToDetections(got.Data)
	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.Equal(t, 0, dets[0].ClassID)
	assert.InDelta(t, 0.9, dets[0].Confidence, 1e-6)

	assert.Eventually(t, func() bool {
		n, err := a.Shots().Count()
		return err == nil && n == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, peer.Send(ipc.Shutdown{}))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("app did not exit on shutdown message")
	}
	assert.Equal(t, 1, a.Handled()["Camera2ImageReceived"])
	assert.Equal(t, 1, a.Handled()["Exit"])
}

func TestApp_StoresPeerResults(t *testing.T) {
	bus := &loopback{}
	a := newTestApp(t, bus, testConfig(t, "camera2"))
	done := runApp(t, a)
	peer, _ := newPeer(t, bus, dispatcher.ModeCamera1)

	assert.Nil(t, a.Pipeline())

	data := results.FromDetections(ipc.ResultMultipleBallsPresent, []detector.Detection{
		{Box: detector.Box{X: 1, Y: 2, Width: 3, Height: 4}, Confidence: 0.8, ClassID: 32},
		{Box: detector.Box{X: 10, Y: 20, Width: 3, Height: 4}, Confidence: 0.7, ClassID: 32},
	})
	require.NoError(t, peer.Send(ipc.Results{Data: data}))

	var shots []results.Shot
	require.Eventually(t, func() bool {
		var err error
		shots, err = a.Shots().List(10)
		return err == nil && len(shots) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "pi2", shots[0].SystemID)
	assert.Equal(t, ipc.ResultMultipleBallsPresent, shots[0].ResultType)

	records, err := a.Shots().DetectionsFor(shots[0].ID)
	require.NoError(t, err)
	assert.Len(t, records, 2)

	require.NoError(t, peer.Send(ipc.Shutdown{}))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("app did not exit on shutdown message")
	}
}

func TestApp_ControlAndArmEventsKeepRunning(t *testing.T) {
	bus := &loopback{}
	a := newTestApp(t, bus, testConfig(t, "camera2"))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	require.Eventually(t, a.Dispatcher().IsInitialized, time.Second, 5*time.Millisecond)

	peer, _ := newPeer(t, bus, dispatcher.ModeCamera1)
	require.NoError(t, peer.Send(ipc.Control{Action: ipc.ControlClubChangeToPutter}))
	require.NoError(t, peer.Send(ipc.RequestForImage{}))

	require.Eventually(t, func() bool {
		h := a.Handled()
		return h["ControlMessageReceived"] == 1 && h["ArmCamera2"] == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("app did not stop on cancel")
	}
}

func TestNew_RejectsUnknownMode(t *testing.T) {
	_, err := New(testConfig(t, "camera3"), logger.Discard(), Options{})
	assert.Error(t, err)
}

func TestNew_MissingModelFailsInImageModes(t *testing.T) {
	cfg := testConfig(t, "camera1")
	cfg.ModelPath = filepath.Join(t.TempDir(), "missing.onnx")

	_, err := New(cfg, logger.Discard(), Options{
		SessionFactory: func(detector.Config) (detector.Session, error) { return oneBallSession{}, nil },
	})
	assert.ErrorIs(t, err, detector.ErrModelNotFound)
}

func TestDetectorConfig(t *testing.T) {
	cfg := config.Default()
	cfg.ConfidenceThreshold = 0.25
	cfg.OutputTransposed = true
	cfg.CPUCores = []int{2}

	detCfg := DetectorConfig(cfg)
	assert.InDelta(t, 0.25, detCfg.ConfidenceThreshold, 1e-6)
	assert.Equal(t, detector.LayoutChannelMajor, detCfg.OutputLayout)
	assert.Equal(t, []int{2}, detCfg.CPUCores)
	assert.Equal(t, cfg.ModelPath, detCfg.ModelPath)
}

func TestShutdown_IsIdempotent(t *testing.T) {
	bus := &loopback{}
	a := newTestApp(t, bus, testConfig(t, "camera1"))
	require.NoError(t, a.Start())

	a.Shutdown()
	a.Shutdown()
	assert.False(t, a.Dispatcher().IsInitialized())
}
