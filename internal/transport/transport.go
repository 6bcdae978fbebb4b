// Package transport moves three-part envelopes between processes over a
// publish/subscribe socket pair. A process binds one Publisher and connects one
// Subscriber to its peer's publisher.
package transport

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"pitrac/internal/logger"
)

var (
	ErrNotRunning         = errors.New("transport not running")
	ErrInvalidEndpoint    = errors.New("invalid endpoint")
	ErrMalformedEnvelope  = errors.New("malformed envelope")
	ErrUnsupportedBackend = errors.New("unsupported endpoint scheme")
)

// Handler receives every envelope that passes the subscriber's filters.
// It runs on the subscriber's receive goroutine.
type Handler func(Envelope)

type Options struct {
	HighWaterMark  int           // max queued messages per direction
	ReceiveTimeout time.Duration // poll interval, also bounds Stop
	Linger         time.Duration // how long Stop keeps flushing queued sends, capped by ReceiveTimeout
}

func DefaultOptions() Options {
	return Options{
		HighWaterMark:  1000,
		ReceiveTimeout: 100 * time.Millisecond,
		Linger:         time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.HighWaterMark <= 0 {
		o.HighWaterMark = d.HighWaterMark
	}
	if o.ReceiveTimeout <= 0 {
		o.ReceiveTimeout = d.ReceiveTimeout
	}
	if o.Linger < 0 {
		o.Linger = 0
	}
	return o
}

type Stats struct {
	Sent     uint64
	Received uint64
	Dropped  uint64 // lost to the high-water mark or linger expiry
	Excluded uint64 // discarded because they carried the excluded system id
	Filtered uint64 // discarded by topic filters
	Errors   uint64
}

type Publisher interface {
	Start() error
	Stop()
	// Send queues the envelope and returns immediately.
	Send(Envelope) error
	IsRunning() bool
	Endpoint() string
	Stats() Stats
}

type Subscriber interface {
	Start() error
	Stop()
	Subscribe(prefix string)
	Unsubscribe(prefix string)
	SetHandler(Handler)
	SetSystemIDToExclude(id string)
	IsRunning() bool
	Endpoint() string
	Stats() Stats
}

// NewPublisher returns a publisher for endpoint. tcp, ipc and inproc endpoints use
// ZeroMQ, ws endpoints use a websocket server.
func NewPublisher(endpoint string, opts Options, log *logger.Logger) (Publisher, error) {
	scheme, err := schemeOf(endpoint)
	if err != nil {
		return nil, err
	}
	opts = opts.withDefaults()

	switch scheme {
	case "tcp", "ipc", "inproc":
		return newZMQPublisher(endpoint, opts, log), nil
	case "ws":
		return newWSPublisher(endpoint, opts, log), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedBackend, scheme)
}

// NewSubscriber returns a subscriber connected to endpoint, see NewPublisher.
func NewSubscriber(endpoint string, opts Options, log *logger.Logger) (Subscriber, error) {
	scheme, err := schemeOf(endpoint)
	if err != nil {
		return nil, err
	}
	opts = opts.withDefaults()

	switch scheme {
	case "tcp", "ipc", "inproc":
		return newZMQSubscriber(endpoint, opts, log), nil
	case "ws":
		return newWSSubscriber(endpoint, opts, log), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedBackend, scheme)
}

func schemeOf(endpoint string) (string, error) {
	i := strings.Index(endpoint, "://")
	if i <= 0 || i+3 == len(endpoint) {
		return "", fmt.Errorf("%w: %q", ErrInvalidEndpoint, endpoint)
	}
	return strings.ToLower(endpoint[:i]), nil
}

// splitEndpoint returns the host:port address and path of a tcp:// or ws://
// endpoint. A "*" host binds all interfaces.
func splitEndpoint(endpoint string) (addr, path string, err error) {
	u, err := url.Parse(strings.Replace(endpoint, "://*:", "://:", 1))
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}
	if u.Port() == "" {
		return "", "", fmt.Errorf("%w: missing port in %q", ErrInvalidEndpoint, endpoint)
	}
	return u.Host, u.Path, nil
}
