// Package dispatch routes bulk state and incremental events to the stores of a
// Registry.
//
// The Dispatcher is the only writer the stores expect. It imports bulk state in
// dependency order, applies incremental events one at a time, drops duplicates
// by event id and holds back events whose dependency stores have not loaded yet.
// All imports and events are serialized so batches never interleave.
package dispatch

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/establishment/storesync/internal/metrics"
	"github.com/establishment/storesync/internal/store"
)

var (
	ErrUnknownObjectType = errors.New("unknown object type")
	ErrDependencyCycle   = errors.New("dependency cycle")
	ErrNoStreamSource    = errors.New("no stream source configured")
)

const (
	DefaultBufferSize   = 256
	DefaultDedupeWindow = 4096
)

// Options configures a Dispatcher.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// Source subscribes to named event streams.
	Source StreamSource
	// BufferSize bounds the events held back for unloaded dependencies.
	BufferSize int
	// DedupeWindow is how many recent event ids are remembered.
	DedupeWindow int
}

type Dispatcher struct {
	registry *Registry
	logger   *slog.Logger
	metrics  *metrics.Metrics
	source   StreamSource

	applyMu sync.Mutex
	seen    *lru.Cache[string, struct{}]

	mu         sync.Mutex
	loaded     map[string]bool
	buffer     []store.Event
	bufferSize int
	retrying   bool

	streamsMu sync.Mutex
	streams   map[string]*subscription
	wg        sync.WaitGroup
}

// New creates a dispatcher over registry.
func New(registry *Registry, opts Options) (*Dispatcher, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	bufferSize := opts.BufferSize
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	window := opts.DedupeWindow
	if window <= 0 {
		window = DefaultDedupeWindow
	}
	seen, err := lru.New[string, struct{}](window)
	if err != nil {
		return nil, fmt.Errorf("failed to create dedupe window: %w", err)
	}
	return &Dispatcher{
		registry:   registry,
		logger:     logger.With("component", "dispatch"),
		metrics:    opts.Metrics,
		source:     opts.Source,
		seen:       seen,
		loaded:     make(map[string]bool),
		bufferSize: bufferSize,
		streams:    make(map[string]*subscription),
	}, nil
}

// Registry returns the registry the dispatcher writes to.
func (d *Dispatcher) Registry() *Registry { return d.registry }

// ImportState applies a bulk state. Stores are filled in dependency order
// regardless of the key order of state. Unknown object types and objects
// without an id are logged and skipped; the rest of the state is always
// imported. Every store named in the state is marked loaded and held-back
// events are retried afterwards.
func (d *Dispatcher) ImportState(state State) error {
	d.applyMu.Lock()
	defer d.applyMu.Unlock()

	err := d.importState(state)
	d.retryBuffered()
	return err
}

// ImportFetched implements store.Importer.
func (d *Dispatcher) ImportFetched(res *store.FetchResult) error {
	if res == nil {
		return nil
	}
	return d.ImportState(State(res.State))
}

func (d *Dispatcher) importState(state State) error {
	grouped := make(map[*store.Store][]store.Fields)
	for objectType, objects := range state {
		s, ok := d.registry.Lookup(objectType)
		if !ok {
			d.logger.Warn("dropping objects of unknown type", "objectType", objectType, "count", len(objects))
			d.metrics.EventDropped(metrics.ReasonUnknownType)
			continue
		}
		grouped[s] = append(grouped[s], objects...)
	}

	order, err := d.registry.ImportOrder()
	if err != nil {
		d.logger.Warn("importing in name order", "error", err)
	}
	for _, s := range order {
		objects, ok := grouped[s]
		if !ok {
			continue
		}
		imported := 0
		for _, fields := range objects {
			if _, cerr := s.Create(fields); cerr != nil {
				d.logger.Warn("skipping object", "objectType", s.Name(), "error", cerr)
				d.metrics.EventDropped(metrics.ReasonMalformed)
				continue
			}
			imported++
		}
		d.metrics.ObjectsImported(s.Name(), imported)
		d.markLoaded(s.Name())
	}
	return err
}

// ApplyEvent applies one incremental event. Events for unknown object types or
// unknown ids are logged and dropped, a repeated event id is ignored, and an
// event whose store depends on a store that has not loaded yet is held back
// until it has. The returned error describes why an event was dropped; it has
// already been logged.
func (d *Dispatcher) ApplyEvent(ev store.Event) error {
	d.applyMu.Lock()
	defer d.applyMu.Unlock()
	return d.applyEvent(ev)
}

func (d *Dispatcher) applyEvent(ev store.Event) error {
	if err := ev.Validate(); err != nil {
		d.logger.Warn("dropping malformed event", "error", err)
		d.metrics.EventDropped(metrics.ReasonMalformed)
		return err
	}
	if ev.EventID != "" && (d.seen.Contains(ev.EventID) || d.holding(ev.EventID)) {
		d.logger.Debug("dropping duplicate event", "eventId", ev.EventID)
		d.metrics.EventDropped(metrics.ReasonDuplicate)
		return nil
	}
	s, ok := d.registry.Lookup(ev.ObjectType)
	if !ok {
		d.logger.Warn("dropping event of unknown type", "objectType", ev.ObjectType, "type", ev.Type)
		d.metrics.EventDropped(metrics.ReasonUnknownType)
		return fmt.Errorf("%w: %s", ErrUnknownObjectType, ev.ObjectType)
	}
	if missing := d.missingDependency(s); missing != "" {
		d.hold(ev, missing)
		return nil
	}
	return d.apply(s, ev)
}

// apply records the event id only once the event has applied, so an event
// dropped for an unknown id can still be redelivered.
func (d *Dispatcher) apply(s *store.Store, ev store.Event) error {
	if err := s.ApplyEvent(ev); err != nil {
		reason := metrics.ReasonFailed
		switch {
		case errors.Is(err, store.ErrUnknownID):
			reason = metrics.ReasonUnknownID
		case errors.Is(err, store.ErrMissingID), errors.Is(err, store.ErrMalformedEvent):
			reason = metrics.ReasonMalformed
		}
		d.logger.Warn("dropping event", "objectType", s.Name(), "objectId", ev.ObjectID,
			"type", ev.Type, "error", err)
		d.metrics.EventDropped(reason)
		return err
	}
	if ev.EventID != "" {
		d.seen.Add(ev.EventID, struct{}{})
	}
	d.metrics.EventApplied(s.Name(), string(ev.Type))

	if ev.Type == store.KindCreate && !d.Loaded(s.Name()) {
		d.markLoaded(s.Name())
		d.retryBuffered()
	}
	return nil
}

func (d *Dispatcher) missingDependency(s *store.Store) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, dep := range s.Dependencies() {
		if _, registered := d.registry.Lookup(dep); !registered {
			continue
		}
		if !d.loaded[registryKey(dep)] {
			return dep
		}
	}
	return ""
}

func (d *Dispatcher) hold(ev store.Event, missing string) {
	d.mu.Lock()
	if len(d.buffer) >= d.bufferSize {
		dropped := d.buffer[0]
		d.buffer = d.buffer[1:]
		d.logger.Warn("event buffer full, dropping oldest event",
			"objectType", dropped.ObjectType, "objectId", dropped.ObjectID, "type", dropped.Type)
		d.metrics.EventDropped(metrics.ReasonOverflow)
	}
	d.buffer = append(d.buffer, ev)
	n := len(d.buffer)
	d.mu.Unlock()

	d.logger.Debug("holding event until dependency loads",
		"objectType", ev.ObjectType, "objectId", ev.ObjectID, "dependency", missing)
	d.metrics.SetBuffered(n)
}

// holding reports whether an event with this id is already held back.
func (d *Dispatcher) holding(eventID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, ev := range d.buffer {
		if ev.EventID == eventID {
			return true
		}
	}
	return false
}

// retryBuffered applies held-back events whose dependencies have loaded, in
// arrival order, until no further event becomes applicable.
func (d *Dispatcher) retryBuffered() {
	d.mu.Lock()
	if d.retrying {
		d.mu.Unlock()
		return
	}
	d.retrying = true
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.retrying = false
		n := len(d.buffer)
		d.mu.Unlock()
		d.metrics.SetBuffered(n)
	}()

	for {
		d.mu.Lock()
		buffered := d.buffer
		d.buffer = nil
		d.mu.Unlock()
		if len(buffered) == 0 {
			return
		}

		var still []store.Event
		progressed := false
		for _, ev := range buffered {
			s, ok := d.registry.Lookup(ev.ObjectType)
			if !ok {
				continue
			}
			if d.missingDependency(s) != "" {
				still = append(still, ev)
				continue
			}
			progressed = true
			_ = d.apply(s, ev)
		}

		d.mu.Lock()
		// events held while retrying arrived after the ones still waiting
		d.buffer = append(still, d.buffer...)
		d.mu.Unlock()
		if !progressed {
			return
		}
	}
}

// ImportPayload imports the state of a response, then applies its events, and
// finally returns the response's own error, if any.
func (d *Dispatcher) ImportPayload(p *Payload) error {
	if p == nil {
		return nil
	}
	var errs []error
	if p.State != nil {
		if err := d.ImportState(p.State); err != nil {
			errs = append(errs, err)
		}
	}
	for _, ev := range p.Events {
		_ = d.ApplyEvent(ev)
	}
	if p.Error != nil {
		errs = append(errs, p.Error)
	}
	return errors.Join(errs...)
}

// MarkLoaded records that a store holds its initial data.
func (d *Dispatcher) MarkLoaded(name string) {
	d.markLoaded(name)
	d.applyMu.Lock()
	d.retryBuffered()
	d.applyMu.Unlock()
}

func (d *Dispatcher) markLoaded(name string) {
	d.mu.Lock()
	d.loaded[registryKey(name)] = true
	d.mu.Unlock()
}

// Loaded reports whether a store has been loaded.
func (d *Dispatcher) Loaded(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.loaded[registryKey(name)]
}

// Pending returns the number of held-back events.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.buffer)
}

// Reset clears every store, the loaded marks, the held-back events and the
// dedupe window. Used before a full reload.
func (d *Dispatcher) Reset() {
	d.applyMu.Lock()
	defer d.applyMu.Unlock()
	d.registry.Clear()
	d.seen.Purge()
	d.mu.Lock()
	d.loaded = make(map[string]bool)
	d.buffer = nil
	d.mu.Unlock()
	d.metrics.SetBuffered(0)
}
