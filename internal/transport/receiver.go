package transport

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// receiver applies topic filters and self-exclusion, buffers accepted envelopes
// and hands them to the handler from a single goroutine in arrival order.
type receiver struct {
	mu        sync.RWMutex
	filters   map[string]struct{}
	handler   Handler
	excludeID string

	inbox chan Envelope

	received atomic.Uint64
	dropped  atomic.Uint64
	excluded atomic.Uint64
	filtered atomic.Uint64
	errors   atomic.Uint64
}

func newReceiver(opts Options) *receiver {
	return &receiver{
		filters: make(map[string]struct{}),
		inbox:   make(chan Envelope, opts.HighWaterMark),
	}
}

func (r *receiver) subscribe(prefix string) {
	r.mu.Lock()
	r.filters[prefix] = struct{}{}
	r.mu.Unlock()
}

func (r *receiver) unsubscribe(prefix string) {
	r.mu.Lock()
	delete(r.filters, prefix)
	r.mu.Unlock()
}

func (r *receiver) setHandler(h Handler) {
	r.mu.Lock()
	r.handler = h
	r.mu.Unlock()
}

func (r *receiver) setExcludeID(id string) {
	r.mu.Lock()
	r.excludeID = id
	r.mu.Unlock()
}

// accepts reports whether topic matches a registered prefix. With no prefixes
// registered every topic is accepted.
func (r *receiver) accepts(topic string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.filters) == 0 {
		return true
	}
	for prefix := range r.filters {
		if strings.HasPrefix(topic, prefix) {
			return true
		}
	}
	return false
}

func (r *receiver) deliver(env Envelope) {
	if !r.accepts(env.Topic) {
		r.filtered.Add(1)
		return
	}

	r.mu.RLock()
	excludeID := r.excludeID
	r.mu.RUnlock()
	if excludeID != "" && env.Properties[PropertySystemID] == excludeID {
		r.excluded.Add(1)
		return
	}

	for {
		select {
		case r.inbox <- env:
			return
		default:
		}
		select {
		case <-r.inbox:
			r.dropped.Add(1)
		default:
		}
	}
}

// loop dispatches buffered envelopes until stop is closed.
func (r *receiver) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		case env := <-r.inbox:
			r.received.Add(1)
			r.mu.RLock()
			h := r.handler
			r.mu.RUnlock()
			if h != nil {
				h(env)
			}
		}
	}
}

func (r *receiver) stats() Stats {
	return Stats{
		Received: r.received.Load(),
		Dropped:  r.dropped.Load(),
		Excluded: r.excluded.Load(),
		Filtered: r.filtered.Load(),
		Errors:   r.errors.Load(),
	}
}

// waitTimeout waits for done, giving up after d.
func waitTimeout(done <-chan struct{}, d time.Duration) bool {
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}
