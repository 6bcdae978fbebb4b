// Package dispatcher owns the transport pair of a camera process, drops the
// process's own traffic and turns peer messages into events.
package dispatcher

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"pitrac/internal/events"
	"pitrac/internal/frame"
	"pitrac/internal/ipc"
	"pitrac/internal/logger"
	"pitrac/internal/transport"
)

const DefaultPort = 5556

var ErrNotInitialized = errors.New("dispatcher not initialized")

// EventSink receives the events produced for peer messages. events.Queue
// satisfies it.
type EventSink interface {
	Push(events.Event) bool
}

type Options struct {
	SystemID  string // derived from host name and pid when empty
	Mode      SystemMode
	StillMode bool

	// Endpoint is the peer's publisher. The local publisher binds the same port
	// on all interfaces unless PublishEndpoint is set.
	Endpoint        string
	PublishEndpoint string

	Transport transport.Options
}

type Stats struct {
	Received       uint64
	SelfDiscarded  uint64
	DecodeFailures uint64
	Dispatched     uint64
	Ignored        uint64
	Sent           uint64
	SendFailures   uint64
}

type PublisherFactory func(endpoint string, opts transport.Options, log *logger.Logger) (transport.Publisher, error)
type SubscriberFactory func(endpoint string, opts transport.Options, log *logger.Logger) (transport.Subscriber, error)

type link struct {
	pub transport.Publisher
	sub transport.Subscriber
}

type Dispatcher struct {
	opts Options
	sink EventSink
	log  *logger.Logger

	newPublisher  PublisherFactory
	newSubscriber SubscriberFactory

	// mu serialises Initialize and Shutdown. Send and the receive path only
	// read the atomics below.
	mu          sync.Mutex
	initialized atomic.Bool
	codec       atomic.Pointer[ipc.Codec]
	link        atomic.Pointer[link]

	imageMu   sync.Mutex
	lastImage *frame.Frame

	received       atomic.Uint64
	selfDiscarded  atomic.Uint64
	decodeFailures atomic.Uint64
	dispatched     atomic.Uint64
	ignored        atomic.Uint64
	sent           atomic.Uint64
	sendFailures   atomic.Uint64
}

func New(opts Options, sink EventSink, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		opts:          opts,
		sink:          sink,
		log:           log,
		newPublisher:  transport.NewPublisher,
		newSubscriber: transport.NewSubscriber,
	}
}

// WithTransports replaces the transport constructors. Used by tests and by
// callers embedding a custom backend.
func (d *Dispatcher) WithTransports(pub PublisherFactory, sub SubscriberFactory) *Dispatcher {
	d.newPublisher = pub
	d.newSubscriber = sub
	return d
}

// Initialize starts both transports. If the subscriber fails the publisher is
// stopped again. Calling it while initialized is a no-op.
func (d *Dispatcher) Initialize() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.initialized.Load() {
		return nil
	}

	systemID := d.opts.SystemID
	if systemID == "" {
		systemID = NewSystemID()
	}
	pubEndpoint, subEndpoint := ResolveEndpoints(d.opts.Endpoint)
	if d.opts.PublishEndpoint != "" {
		pubEndpoint = d.opts.PublishEndpoint
	}

	d.log.Info("Initializing IPC as %s (mode %s): publish %s, subscribe %s",
		systemID, d.opts.Mode, pubEndpoint, subEndpoint)

	pub, err := d.newPublisher(pubEndpoint, d.opts.Transport, d.log)
	if err != nil {
		return fmt.Errorf("failed to create publisher: %w", err)
	}
	if err := pub.Start(); err != nil {
		return fmt.Errorf("failed to start publisher: %w", err)
	}

	sub, err := d.newSubscriber(subEndpoint, d.opts.Transport, d.log)
	if err != nil {
		pub.Stop()
		return fmt.Errorf("failed to create subscriber: %w", err)
	}
	sub.SetSystemIDToExclude(systemID)
	sub.SetHandler(d.onEnvelope)
	sub.Subscribe(ipc.TopicPrefix)

	d.codec.Store(ipc.NewCodec(systemID))
	if err := sub.Start(); err != nil {
		pub.Stop()
		d.codec.Store(nil)
		return fmt.Errorf("failed to start subscriber: %w", err)
	}

	d.link.Store(&link{pub: pub, sub: sub})
	d.initialized.Store(true)
	d.log.Info("✅ IPC initialized")
	return nil
}

// Shutdown stops both transports. Safe to call when not initialized.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.initialized.Load() {
		return
	}
	d.initialized.Store(false)

	l := d.link.Swap(nil)
	l.sub.Stop()
	l.pub.Stop()
	d.log.Info("🛑 IPC shut down")
}

func (d *Dispatcher) IsInitialized() bool {
	return d.initialized.Load()
}

// SystemID returns the identity stamped on outgoing messages, or "" before
// Initialize.
func (d *Dispatcher) SystemID() string {
	if c := d.codec.Load(); c != nil {
		return c.SystemID()
	}
	return ""
}

func (d *Dispatcher) Mode() SystemMode {
	return d.opts.Mode
}

// Send encodes m and queues it on the publisher.
func (d *Dispatcher) Send(m ipc.Message) error {
	l := d.link.Load()
	codec := d.codec.Load()
	if !d.initialized.Load() || l == nil || codec == nil {
		return ErrNotInitialized
	}

	env, err := codec.Encode(m)
	if err != nil {
		d.sendFailures.Add(1)
		return fmt.Errorf("failed to encode %s: %w", m.Type(), err)
	}
	if err := l.pub.Send(env); err != nil {
		d.sendFailures.Add(1)
		return fmt.Errorf("failed to send %s: %w", m.Type(), err)
	}
	d.sent.Add(1)
	d.log.Debug("Sent %s on %s", m.Type(), env.Topic)
	return nil
}

// SimulateCamera2Image publishes the image at path as if camera 2 had taken it.
func (d *Dispatcher) SimulateCamera2Image(path string) error {
	f, err := frame.Load(path)
	if err != nil {
		return err
	}
	return d.Send(ipc.Image{Frame: f})
}

// LastReceivedImage returns a copy of the last image cached in still,
// calibration or ball location mode.
func (d *Dispatcher) LastReceivedImage() (*frame.Frame, bool) {
	d.imageMu.Lock()
	defer d.imageMu.Unlock()
	if d.lastImage == nil {
		return nil, false
	}
	return d.lastImage.Clone(), true
}

func (d *Dispatcher) Stats() Stats {
	return Stats{
		Received:       d.received.Load(),
		SelfDiscarded:  d.selfDiscarded.Load(),
		DecodeFailures: d.decodeFailures.Load(),
		Dispatched:     d.dispatched.Load(),
		Ignored:        d.ignored.Load(),
		Sent:           d.sent.Load(),
		SendFailures:   d.sendFailures.Load(),
	}
}

// TransportStats returns the publisher and subscriber counters.
func (d *Dispatcher) TransportStats() (pub, sub transport.Stats) {
	if l := d.link.Load(); l != nil {
		return l.pub.Stats(), l.sub.Stats()
	}
	return transport.Stats{}, transport.Stats{}
}

func (d *Dispatcher) onEnvelope(env transport.Envelope) {
	d.received.Add(1)

	codec := d.codec.Load()
	if codec == nil {
		return
	}
	if env.Properties[ipc.PropertySystemID] == codec.SystemID() {
		d.selfDiscarded.Add(1)
		return
	}

	msg, header, err := codec.Decode(env)
	if err != nil {
		d.decodeFailures.Add(1)
		d.log.Warning("Unable to decode message on %s: %v", env.Topic, err)
		return
	}

	d.log.Debug("Dispatching %s from %s", msg.Type(), header.SystemID)
	if err := msg.Accept(&router{d: d, header: header}); err != nil {
		d.log.Warning("Could not dispatch %s: %v", msg.Type(), err)
	}
}

func (d *Dispatcher) push(e events.Event) {
	if !d.sink.Push(e) {
		d.log.Warning("Event queue closed, dropping %s", e.Name())
		return
	}
	d.dispatched.Add(1)
}

func (d *Dispatcher) cacheImage(f *frame.Frame) {
	d.imageMu.Lock()
	d.lastImage = f
	d.imageMu.Unlock()
}

// NewSystemID returns host name and pid joined by an underscore, or a random
// id when the host name is unavailable.
func NewSystemID() string {
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		return fmt.Sprintf("%s_%d", hostname, os.Getpid())
	}
	return "system_" + uuid.NewString()
}

// ResolveEndpoints maps the configured peer endpoint to the local publisher
// endpoint (same port, all interfaces) and the subscriber endpoint.
func ResolveEndpoints(configured string) (pub, sub string) {
	pub = fmt.Sprintf("tcp://*:%d", DefaultPort)
	sub = fmt.Sprintf("tcp://localhost:%d", DefaultPort)
	if configured == "" {
		return pub, sub
	}

	sub = configured
	schemeEnd := strings.Index(configured, "://")
	portPos := strings.LastIndex(configured, ":")
	if schemeEnd < 0 || portPos <= schemeEnd {
		return pub, sub
	}
	return configured[:schemeEnd] + "://*" + configured[portPos:], sub
}
