package transport

import (
	"sync"
	"sync/atomic"
	"time"

	"pitrac/internal/logger"
)

// outbox is a bounded FIFO. When full the oldest envelope is dropped.
type outbox struct {
	mu     sync.Mutex
	items  []Envelope
	limit  int
	notify chan struct{}
}

func newOutbox(limit int) *outbox {
	return &outbox{limit: limit, notify: make(chan struct{}, 1)}
}

// push reports whether an older envelope had to be dropped.
func (o *outbox) push(env Envelope) bool {
	o.mu.Lock()
	dropped := false
	if len(o.items) >= o.limit {
		o.items[0] = Envelope{}
		o.items = o.items[1:]
		dropped = true
	}
	o.items = append(o.items, env)
	o.mu.Unlock()

	select {
	case o.notify <- struct{}{}:
	default:
	}
	return dropped
}

func (o *outbox) drain() []Envelope {
	o.mu.Lock()
	defer o.mu.Unlock()
	items := o.items
	o.items = nil
	return items
}

func (o *outbox) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.items)
}

// sender owns the send goroutine shared by the publisher backends.
type sender struct {
	out    *outbox
	linger time.Duration
	grace  time.Duration
	log    *logger.Logger

	write   func(Envelope) error
	running atomic.Bool
	stop    chan struct{}
	done    chan struct{}

	sent    atomic.Uint64
	dropped atomic.Uint64
	errors  atomic.Uint64
}

func newSender(opts Options, log *logger.Logger) *sender {
	return &sender{
		out:    newOutbox(opts.HighWaterMark),
		linger: opts.Linger,
		grace:  opts.ReceiveTimeout,
		log:    log,
	}
}

func (s *sender) start(write func(Envelope) error) {
	s.write = write
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	s.running.Store(true)
	go s.loop()
}

func (s *sender) send(env Envelope) error {
	if !s.running.Load() {
		return ErrNotRunning
	}
	if s.out.push(env) {
		s.dropped.Add(1)
	}
	return nil
}

// shutdown stops accepting envelopes and waits for queued ones to be written.
// The whole call is bounded by the receive timeout: the linger flush is cut to
// fit inside it and a write stuck in the socket is abandoned.
func (s *sender) shutdown() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	close(s.stop)
	if !waitTimeout(s.done, s.grace) {
		s.log.Warning("Send loop did not finish within %v", s.grace)
	}
}

// lingerWindow is how long the send loop keeps flushing after stop.
func (s *sender) lingerWindow() time.Duration {
	return min(s.linger, s.grace)
}

func (s *sender) loop() {
	defer close(s.done)
	for {
		select {
		case <-s.out.notify:
			s.flush(time.Time{})
		case <-s.stop:
			s.flush(time.Now().Add(s.lingerWindow()))
			return
		}
	}
}

func (s *sender) flush(deadline time.Time) {
	for {
		items := s.out.drain()
		if len(items) == 0 {
			return
		}
		for i, env := range items {
			if !deadline.IsZero() && time.Now().After(deadline) {
				lost := uint64(len(items) - i + s.out.len())
				s.dropped.Add(lost)
				s.out.drain()
				s.log.Warning("Linger expired, dropping %d queued message(s)", lost)
				return
			}
			if err := s.write(env); err != nil {
				s.errors.Add(1)
				s.log.Warning("Failed to send message on topic %s: %v", env.Topic, err)
				continue
			}
			s.sent.Add(1)
		}
	}
}

func (s *sender) stats() Stats {
	return Stats{
		Sent:    s.sent.Load(),
		Dropped: s.dropped.Load(),
		Errors:  s.errors.Load(),
	}
}
