package transport

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"

	"pitrac/internal/logger"
)

type zmqPublisher struct {
	endpoint string
	opts     Options
	log      *logger.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	sock   zmq4.Socket
	sender *sender
}

func newZMQPublisher(endpoint string, opts Options, log *logger.Logger) *zmqPublisher {
	return &zmqPublisher{
		endpoint: endpoint,
		opts:     opts,
		log:      log,
		sender:   newSender(opts, log),
	}
}

func (p *zmqPublisher) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.sender.running.Load() {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	var opts []zmq4.Option
	if p.opts.Linger > 0 {
		opts = append(opts, zmq4.WithTimeout(p.opts.Linger))
	}
	sock := zmq4.NewPub(ctx, opts...)
	if err := sock.Listen(p.endpoint); err != nil {
		sock.Close()
		cancel()
		return fmt.Errorf("failed to bind publisher to %s: %w", p.endpoint, err)
	}

	p.sock = sock
	p.cancel = cancel
	p.sender.start(func(env Envelope) error {
		frames, err := env.Frames()
		if err != nil {
			return err
		}
		return sock.SendMulti(zmq4.NewMsgFrom(frames...))
	})

	p.log.Info("ZeroMQ publisher bound to %s", p.endpoint)
	return nil
}

func (p *zmqPublisher) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.sender.running.Load() {
		return
	}
	p.sender.shutdown()

	if err := p.sock.Close(); err != nil {
		p.log.Debug("Publisher socket close: %v", err)
	}
	p.cancel()
	p.sock = nil
	p.log.Info("ZeroMQ publisher on %s stopped", p.endpoint)
}

func (p *zmqPublisher) Send(env Envelope) error {
	return p.sender.send(env)
}

func (p *zmqPublisher) IsRunning() bool {
	return p.sender.running.Load()
}

func (p *zmqPublisher) Endpoint() string {
	return p.endpoint
}

func (p *zmqPublisher) Stats() Stats {
	return p.sender.stats()
}

// zmqSubscriber subscribes its socket to every topic and filters by prefix in the
// receiver, so a reconnect never loses subscriptions.
type zmqSubscriber struct {
	endpoint string
	opts     Options
	log      *logger.Logger
	recv     *receiver

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	sock    zmq4.Socket
	stop    chan struct{}
	pumpEnd chan struct{}
	loopEnd chan struct{}
}

func newZMQSubscriber(endpoint string, opts Options, log *logger.Logger) *zmqSubscriber {
	return &zmqSubscriber{
		endpoint: endpoint,
		opts:     opts,
		log:      log,
		recv:     newReceiver(opts),
	}
}

func (s *zmqSubscriber) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	if strings.HasPrefix(s.endpoint, "tcp://") {
		if _, _, err := splitEndpoint(s.endpoint); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	sock := zmq4.NewSub(ctx,
		zmq4.WithDialerRetry(s.opts.ReceiveTimeout),
		zmq4.WithAutomaticReconnect(true),
	)
	if err := sock.SetOption(zmq4.OptionSubscribe, ""); err != nil {
		sock.Close()
		cancel()
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	s.sock = sock
	s.cancel = cancel
	s.stop = make(chan struct{})
	s.pumpEnd = make(chan struct{})
	s.loopEnd = make(chan struct{})
	s.running = true

	go s.pump(ctx, sock)
	go s.recv.loop(s.stop, s.loopEnd)

	s.log.Info("ZeroMQ subscriber connecting to %s", s.endpoint)
	return nil
}

// pump connects to the peer, retrying until it is reachable, then reads
// messages into the receiver.
func (s *zmqSubscriber) pump(ctx context.Context, sock zmq4.Socket) {
	defer close(s.pumpEnd)

	for {
		err := sock.Dial(s.endpoint)
		if err == nil {
			s.log.Info("ZeroMQ subscriber connected to %s", s.endpoint)
			break
		}
		s.log.Debug("Dial %s failed, retrying: %v", s.endpoint, err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.opts.ReceiveTimeout):
		}
	}

	for {
		msg, err := sock.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.recv.errors.Add(1)
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.opts.ReceiveTimeout):
			}
			continue
		}

		env, err := EnvelopeFromFrames(msg.Frames)
		if err != nil {
			s.recv.errors.Add(1)
			s.log.Warning("Dropping message from %s: %v", s.endpoint, err)
			continue
		}
		s.recv.deliver(env)
	}
}

// Stop returns within one receive timeout even if the socket is blocked.
func (s *zmqSubscriber) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	s.running = false

	close(s.stop)
	s.cancel()
	if err := s.sock.Close(); err != nil {
		s.log.Debug("Subscriber socket close: %v", err)
	}

	deadline := time.After(s.opts.ReceiveTimeout)
	for _, done := range []chan struct{}{s.loopEnd, s.pumpEnd} {
		select {
		case <-done:
		case <-deadline:
			s.log.Warning("ZeroMQ subscriber goroutines still running after %v", s.opts.ReceiveTimeout)
			return
		}
	}
	s.log.Info("ZeroMQ subscriber on %s stopped", s.endpoint)
}

func (s *zmqSubscriber) Subscribe(prefix string)        { s.recv.subscribe(prefix) }
func (s *zmqSubscriber) Unsubscribe(prefix string)      { s.recv.unsubscribe(prefix) }
func (s *zmqSubscriber) SetHandler(h Handler)           { s.recv.setHandler(h) }
func (s *zmqSubscriber) SetSystemIDToExclude(id string) { s.recv.setExcludeID(id) }

func (s *zmqSubscriber) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *zmqSubscriber) Endpoint() string {
	return s.endpoint
}

func (s *zmqSubscriber) Stats() Stats {
	return s.recv.stats()
}
