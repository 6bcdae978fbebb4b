package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"pitrac/internal/logger"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// hub fans published messages out to every connected subscriber.
type hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	quit       chan struct{}
	done       chan struct{}
	writeWait  time.Duration
	mutex      sync.RWMutex
	logger     *logger.Logger
}

func newHub(writeWait time.Duration, logger *logger.Logger) *hub {
	return &hub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
		writeWait:  writeWait,
		logger:     logger,
	}
}

func (h *hub) run() {
	defer close(h.done)
	for {
		select {
		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client] = true
			h.mutex.Unlock()
			h.logger.Info("Subscriber connected. Total: %d", h.clientCount())

		case client := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.Close()
			}
			h.mutex.Unlock()
			h.logger.Info("Subscriber disconnected. Total: %d", h.clientCount())

		case message := <-h.broadcast:
			h.mutex.Lock()
			for client := range h.clients {
				client.SetWriteDeadline(time.Now().Add(h.writeWait))
				if err := client.WriteMessage(websocket.BinaryMessage, message); err != nil {
					h.logger.Warning("Error sending to subscriber: %v", err)
					delete(h.clients, client)
					client.Close()
				}
			}
			h.mutex.Unlock()

		case <-h.quit:
			h.mutex.Lock()
			for client := range h.clients {
				client.Close()
				delete(h.clients, client)
			}
			h.mutex.Unlock()
			return
		}
	}
}

func (h *hub) Register(client *websocket.Conn) bool {
	select {
	case h.register <- client:
		return true
	case <-h.quit:
		return false
	}
}

func (h *hub) Unregister(client *websocket.Conn) {
	select {
	case h.unregister <- client:
	case <-h.quit:
	}
}

func (h *hub) Broadcast(message []byte) error {
	select {
	case h.broadcast <- message:
		return nil
	case <-h.quit:
		return ErrNotRunning
	}
}

func (h *hub) clientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// wsPublisher serves subscribers on ws://host:port/path.
type wsPublisher struct {
	endpoint string
	opts     Options
	log      *logger.Logger

	mu     sync.Mutex
	server *http.Server
	hub    *hub
	sender *sender
}

func newWSPublisher(endpoint string, opts Options, log *logger.Logger) *wsPublisher {
	return &wsPublisher{
		endpoint: endpoint,
		opts:     opts,
		log:      log,
		sender:   newSender(opts, log),
	}
}

func (p *wsPublisher) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.sender.running.Load() {
		return nil
	}

	addr, path, err := splitEndpoint(p.endpoint)
	if err != nil {
		return err
	}
	if path == "" {
		path = "/"
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind publisher to %s: %w", p.endpoint, err)
	}

	h := newHub(p.opts.Linger+p.opts.ReceiveTimeout, p.log)
	mux := http.NewServeMux()
	mux.HandleFunc(path, p.subscriberHandler(h))
	p.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	p.hub = h

	go h.run()
	go func(server *http.Server) {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.log.Error("Websocket publisher server error: %v", err)
		}
	}(p.server)

	p.sender.start(func(env Envelope) error {
		frames, err := env.Frames()
		if err != nil {
			return err
		}
		return h.Broadcast(packFrames(frames))
	})

	p.log.Info("Websocket publisher listening on %s", p.endpoint)
	return nil
}

func (p *wsPublisher) subscriberHandler(h *hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		connection, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			p.log.Error("WebSocket upgrade error: %v", err)
			return
		}
		if !h.Register(connection) {
			connection.Close()
			return
		}
		defer h.Unregister(connection)

		for {
			if _, _, err := connection.ReadMessage(); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					p.log.Debug("Subscriber connection closed: %v", err)
				}
				return
			}
		}
	}
}

func (p *wsPublisher) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.sender.running.Load() {
		return
	}
	p.sender.shutdown()

	close(p.hub.quit)
	<-p.hub.done
	if err := p.server.Close(); err != nil {
		p.log.Debug("Websocket server close: %v", err)
	}
	p.log.Info("Websocket publisher on %s stopped", p.endpoint)
}

func (p *wsPublisher) Send(env Envelope) error {
	return p.sender.send(env)
}

func (p *wsPublisher) IsRunning() bool {
	return p.sender.running.Load()
}

func (p *wsPublisher) Endpoint() string {
	return p.endpoint
}

func (p *wsPublisher) Stats() Stats {
	return p.sender.stats()
}

// wsSubscriber dials the publisher and reconnects every receive timeout while
// the peer is unreachable.
type wsSubscriber struct {
	endpoint string
	opts     Options
	log      *logger.Logger
	recv     *receiver

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	stop    chan struct{}
	pumpEnd chan struct{}
	loopEnd chan struct{}
}

func newWSSubscriber(endpoint string, opts Options, log *logger.Logger) *wsSubscriber {
	return &wsSubscriber{
		endpoint: endpoint,
		opts:     opts,
		log:      log,
		recv:     newReceiver(opts),
	}
}

func (s *wsSubscriber) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	if _, _, err := splitEndpoint(s.endpoint); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.stop = make(chan struct{})
	s.pumpEnd = make(chan struct{})
	s.loopEnd = make(chan struct{})
	s.running = true

	go s.pump(ctx)
	go s.recv.loop(s.stop, s.loopEnd)

	s.log.Info("Websocket subscriber connecting to %s", s.endpoint)
	return nil
}

func (s *wsSubscriber) pump(ctx context.Context) {
	defer close(s.pumpEnd)

	dialer := websocket.Dialer{HandshakeTimeout: s.opts.ReceiveTimeout * 10}
	for ctx.Err() == nil {
		conn, _, err := dialer.DialContext(ctx, s.endpoint, nil)
		if err != nil {
			s.log.Debug("Dial %s failed, retrying: %v", s.endpoint, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.opts.ReceiveTimeout):
			}
			continue
		}

		s.log.Info("Websocket subscriber connected to %s", s.endpoint)
		s.read(ctx, conn)
	}
}

func (s *wsSubscriber) read(ctx context.Context, conn *websocket.Conn) {
	stopClose := context.AfterFunc(ctx, func() { conn.Close() })
	defer stopClose()
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				s.recv.errors.Add(1)
				s.log.Warning("Connection to %s lost: %v", s.endpoint, err)
			}
			return
		}

		frames, err := unpackFrames(data)
		if err == nil {
			var env Envelope
			env, err = EnvelopeFromFrames(frames)
			if err == nil {
				s.recv.deliver(env)
				continue
			}
		}
		s.recv.errors.Add(1)
		s.log.Warning("Dropping message from %s: %v", s.endpoint, err)
	}
}

func (s *wsSubscriber) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	s.running = false

	close(s.stop)
	s.cancel()

	deadline := time.After(s.opts.ReceiveTimeout)
	for _, done := range []chan struct{}{s.loopEnd, s.pumpEnd} {
		select {
		case <-done:
		case <-deadline:
			s.log.Warning("Websocket subscriber goroutines still running after %v", s.opts.ReceiveTimeout)
			return
		}
	}
	s.log.Info("Websocket subscriber on %s stopped", s.endpoint)
}

func (s *wsSubscriber) Subscribe(prefix string)        { s.recv.subscribe(prefix) }
func (s *wsSubscriber) Unsubscribe(prefix string)      { s.recv.unsubscribe(prefix) }
func (s *wsSubscriber) SetHandler(h Handler)           { s.recv.setHandler(h) }
func (s *wsSubscriber) SetSystemIDToExclude(id string) { s.recv.setExcludeID(id) }

func (s *wsSubscriber) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *wsSubscriber) Endpoint() string {
	return s.endpoint
}

func (s *wsSubscriber) Stats() Stats {
	return s.recv.stats()
}
