// Package metrics holds the Prometheus collectors shared by the dispatcher,
// the fetch batcher and the reference server. A nil *Metrics is valid and
// records nothing.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "storesync"

// Drop reasons for EventDropped.
const (
	ReasonUnknownType = "unknown_type"
	ReasonUnknownID   = "unknown_id"
	ReasonMalformed   = "malformed"
	ReasonDuplicate   = "duplicate"
	ReasonOverflow    = "overflow"
	ReasonFailed      = "failed"
)

type Metrics struct {
	eventsApplied  *prometheus.CounterVec
	eventsDropped  *prometheus.CounterVec
	eventsBuffered prometheus.Gauge
	objectsLoaded  *prometheus.CounterVec
	fetchRequests  *prometheus.CounterVec
	fetchIDs       *prometheus.CounterVec
	httpRequests   *prometheus.CounterVec
	subscribers    prometheus.Gauge
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered, which is what tests want.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		eventsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_applied_total",
			Help:      "Incremental events applied to a store.",
		}, []string{"object_type", "type"}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Incremental events dropped, by reason.",
		}, []string{"reason"}),
		eventsBuffered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "events_buffered",
			Help:      "Events waiting for a dependency store to load.",
		}),
		objectsLoaded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "objects_imported_total",
			Help:      "Objects imported from bulk state payloads.",
		}, []string{"object_type"}),
		fetchRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_requests_total",
			Help:      "Batched fetch requests, by result.",
		}, []string{"object_type", "result"}),
		fetchIDs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_ids_total",
			Help:      "Object ids requested through fetch batching.",
		}, []string{"object_type"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests served, by route and status code.",
		}, []string{"method", "route", "code"}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_subscribers",
			Help:      "Connected websocket stream subscribers.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.eventsApplied, m.eventsDropped, m.eventsBuffered, m.objectsLoaded,
			m.fetchRequests, m.fetchIDs, m.httpRequests, m.subscribers,
		)
	}
	return m
}

func (m *Metrics) EventApplied(objectType, kind string) {
	if m == nil {
		return
	}
	m.eventsApplied.WithLabelValues(objectType, kind).Inc()
}

func (m *Metrics) EventDropped(reason string) {
	if m == nil {
		return
	}
	m.eventsDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetBuffered(n int) {
	if m == nil {
		return
	}
	m.eventsBuffered.Set(float64(n))
}

func (m *Metrics) ObjectsImported(objectType string, n int) {
	if m == nil {
		return
	}
	m.objectsLoaded.WithLabelValues(objectType).Add(float64(n))
}

// ObserveFetch implements store.FetchObserver.
func (m *Metrics) ObserveFetch(objectType string, ids int, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.fetchRequests.WithLabelValues(objectType, result).Inc()
	m.fetchIDs.WithLabelValues(objectType).Add(float64(ids))
}

func (m *Metrics) HTTPRequest(method, route string, code int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
}

func (m *Metrics) SubscriberAdded() {
	if m == nil {
		return
	}
	m.subscribers.Inc()
}

func (m *Metrics) SubscriberRemoved() {
	if m == nil {
		return
	}
	m.subscribers.Dec()
}
