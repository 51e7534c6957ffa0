package server

import (
	"log/slog"
	"sync"

	"github.com/establishment/storesync/internal/metrics"
	"github.com/establishment/storesync/internal/store"
)

const subscriberBuffer = 64

type subscriber struct {
	stream string
	send   chan store.Event
	// closed when the hub drops the subscriber
	dropped chan struct{}
}

// Hub fans journaled events out to the websocket subscribers of each stream.
// A subscriber that falls behind is dropped and is expected to reconnect and
// page the journal.
type Hub struct {
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	subs   map[string]map[*subscriber]struct{}
	closed bool
}

func NewHub(logger *slog.Logger, m *metrics.Metrics) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{logger: logger, metrics: m, subs: map[string]map[*subscriber]struct{}{}}
}

func (h *Hub) subscribe(stream string) *subscriber {
	sub := &subscriber{
		stream:  stream,
		send:    make(chan store.Event, subscriberBuffer),
		dropped: make(chan struct{}),
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(sub.dropped)
		return sub
	}
	if h.subs[stream] == nil {
		h.subs[stream] = map[*subscriber]struct{}{}
	}
	h.subs[stream][sub] = struct{}{}
	h.metrics.SubscriberAdded()
	return sub
}

func (h *Hub) unsubscribe(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.remove(sub)
}

// remove must be called with h.mu held.
func (h *Hub) remove(sub *subscriber) {
	subs, ok := h.subs[sub.stream]
	if !ok {
		return
	}
	if _, ok := subs[sub]; !ok {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(h.subs, sub.stream)
	}
	close(sub.dropped)
	h.metrics.SubscriberRemoved()
}

// Publish delivers ev to the subscribers of its stream.
func (h *Hub) Publish(ev store.Event) {
	if ev.Stream == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs[ev.Stream] {
		select {
		case sub.send <- ev:
		default:
			h.logger.Warn("dropping slow subscriber", "stream", ev.Stream)
			h.remove(sub)
		}
	}
}

// Streams returns the streams with at least one subscriber, with their
// subscriber counts.
func (h *Hub) Streams() map[string]int {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]int, len(h.subs))
	for stream, subs := range h.subs {
		out[stream] = len(subs)
	}
	return out
}

// Subscribers returns the total number of subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, subs := range h.subs {
		n += len(subs)
	}
	return n
}

// Close drops every subscriber. Later subscriptions are dropped at once.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for _, subs := range h.subs {
		for sub := range subs {
			h.remove(sub)
		}
	}
}
