// Package store implements the client-side object cache: typed collections of
// entities that mirror server objects and apply create, update and delete events.
//
// A Store owns every Entity of one server object type. Entities are addressed by
// their external ID, which may be reassigned (temporary id of an optimistic write
// replaced by the server id); internally each entity keeps a stable Handle so that
// references held by other code stay valid across the reassignment.
//
// Mutations happen through ApplyEvent, Create and the virtual-entity helpers.
// Listeners run synchronously on the mutating goroutine after the store's lock
// has been released, so a listener may read the store it is observing.
package store

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

var (
	ErrMissingID       = errors.New("missing id")
	ErrUnknownID       = errors.New("unknown id")
	ErrIDConflict      = errors.New("id already in use")
	ErrMalformedEvent  = errors.New("malformed event")
	ErrNotFound        = errors.New("object not found")
	ErrFetchFailed     = errors.New("fetch failed")
	ErrFetchDisabled   = errors.New("fetching not enabled for store")
	ErrVirtualDisabled = errors.New("virtual entities not enabled for store")
)

// KindHandler handles a domain-specific event kind for an existing entity and
// returns the fields to merge into it.
type KindHandler func(e *Entity, ev Event) (Fields, error)

// Options configures a Store.
type Options struct {
	Schema *Schema
	// Dependencies names stores whose objects must be applied before this
	// store's objects within one bulk import.
	Dependencies []string
	// OnConstruct runs after a new entity is indexed and before create
	// listeners fire. Domain stores use it to resolve references eagerly.
	OnConstruct func(s *Store, e *Entity)
	// Virtual enables optimistic entities with temporary ids.
	Virtual *VirtualOptions
	Logger  *slog.Logger
}

// Store is the collection of all entities of one object type.
type Store struct {
	name         string
	schema       *Schema
	dependencies []string
	onConstruct  func(*Store, *Entity)
	logger       *slog.Logger

	mu         sync.RWMutex
	nextHandle Handle
	handles    map[ID]Handle
	slots      map[Handle]*Entity
	handlers   map[Kind]KindHandler

	listeners listenerSet

	virtual *virtualPolicy
	fetch   *fetchPolicy
}

// New creates a store for the given wire object type.
func New(name string, opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		name:         name,
		schema:       opts.Schema,
		dependencies: append([]string(nil), opts.Dependencies...),
		onConstruct:  opts.OnConstruct,
		logger:       logger.With("store", name),
		handles:      make(map[ID]Handle),
		slots:        make(map[Handle]*Entity),
		handlers:     make(map[Kind]KindHandler),
	}
	if opts.Virtual != nil {
		s.virtual = newVirtualPolicy(*opts.Virtual)
	}
	return s
}

// Name returns the wire object type served by the store.
func (s *Store) Name() string { return s.name }

// Dependencies returns the names of the stores this store depends on.
func (s *Store) Dependencies() []string {
	return append([]string(nil), s.dependencies...)
}

// Logger returns the store's logger.
func (s *Store) Logger() *slog.Logger { return s.logger }

// Get returns the entity with the given id. Absence is not an error: the
// object may simply not be loaded yet.
func (s *Store) Get(id ID) (*Entity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handles[id]
	if !ok {
		return nil, false
	}
	return s.slots[h], true
}

// All returns a snapshot of the entities in creation order.
func (s *Store) All() []*Entity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Entity, 0, len(s.slots))
	for _, e := range s.slots {
		out = append(out, e)
	}
	sortByHandle(out)
	return out
}

// Filter returns the entities matching pred, in creation order.
func (s *Store) Filter(pred func(*Entity) bool) []*Entity {
	var out []*Entity
	for _, e := range s.All() {
		if pred(e) {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of indexed entities.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.slots)
}

// Create indexes a new entity built from fields. An entity with the same id
// already present is updated instead; bulk reloads routinely resend objects.
func (s *Store) Create(fields Fields) (*Entity, error) {
	return s.create(fields, nil)
}

func (s *Store) create(fields Fields, ev *Event) (*Entity, error) {
	id, err := fields.ID()
	if err != nil {
		return nil, fmt.Errorf("%s: create: %w", s.name, err)
	}
	filtered := s.schema.filter(s.logger, s.name, fields)

	s.mu.Lock()
	if h, ok := s.handles[id]; ok {
		e := s.slots[h]
		s.mu.Unlock()
		s.update(e, filtered, ev)
		return e, nil
	}
	s.nextHandle++
	e := newEntity(id, s.nextHandle, filtered)
	s.handles[id] = e.handle
	s.slots[e.handle] = e
	s.mu.Unlock()

	if s.onConstruct != nil {
		s.onConstruct(s, e)
	}
	s.listeners.dispatch(Change{Kind: KindCreate, Entity: e, Event: ev})
	if s.fetch != nil {
		s.fetch.resolveQueued(e)
	}
	return e, nil
}

func (s *Store) update(e *Entity, fields Fields, ev *Event) {
	e.Update(fields, ev)
	s.listeners.dispatch(Change{Kind: KindUpdate, Entity: e, Event: ev})
}

// Delete removes the entity from the index. The entity itself stays usable as a
// detached object for code still holding it.
func (s *Store) Delete(id ID) error {
	return s.delete(id, nil)
}

func (s *Store) delete(id ID, ev *Event) error {
	s.mu.Lock()
	h, ok := s.handles[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%s: delete %s: %w", s.name, id, ErrUnknownID)
	}
	e := s.slots[h]
	delete(s.handles, id)
	delete(s.slots, h)
	s.mu.Unlock()

	if s.virtual != nil {
		s.virtual.forget(id)
	}
	e.markDeleted()
	c := Change{Kind: KindDelete, Entity: e, Event: ev}
	s.listeners.dispatch(c)
	e.notify(c)
	return nil
}

// ApplyEvent applies one server event to the store.
func (s *Store) ApplyEvent(ev Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	switch ev.Type {
	case KindCreate:
		return s.applyCreate(ev)
	case KindUpdate:
		e, ok := s.Get(ev.ObjectID)
		if !ok {
			return fmt.Errorf("%s: update %s: %w", s.name, ev.ObjectID, ErrUnknownID)
		}
		s.update(e, s.schema.filter(s.logger, s.name, ev.Data), &ev)
		return nil
	case KindDelete:
		return s.delete(ev.ObjectID, &ev)
	default:
		return s.applyKind(ev)
	}
}

func (s *Store) applyCreate(ev Event) error {
	id, err := ev.TargetID()
	if err != nil {
		return fmt.Errorf("%s: create: %w", s.name, err)
	}
	fields := Fields{}
	if ev.Data != nil {
		fields = ev.Data.Clone()
	}
	fields["id"] = id

	if s.virtual != nil {
		if e, ok := s.virtual.match(s, fields); ok {
			return s.reconcile(e, id, fields, &ev)
		}
	}
	_, err = s.create(fields, &ev)
	return err
}

func (s *Store) applyKind(ev Event) error {
	e, ok := s.Get(ev.ObjectID)
	if !ok {
		return fmt.Errorf("%s: %s %s: %w", s.name, ev.Type, ev.ObjectID, ErrUnknownID)
	}
	fields := ev.Data
	s.mu.RLock()
	handler := s.handlers[ev.Type]
	s.mu.RUnlock()
	if handler != nil {
		var err error
		if fields, err = handler(e, ev); err != nil {
			return fmt.Errorf("%s: %s %s: %w", s.name, ev.Type, ev.ObjectID, err)
		}
	}
	e.merge(s.schema.filter(s.logger, s.name, fields))
	c := Change{Kind: ev.Type, Entity: e, Event: &ev}
	e.notify(c)
	s.listeners.dispatch(c)
	return nil
}

// HandleKind registers a handler for a domain-specific event kind.
func (s *Store) HandleKind(kind Kind, h KindHandler) {
	s.mu.Lock()
	s.handlers[kind] = h
	s.mu.Unlock()
}

// AddListener subscribes to store-wide changes of the given kind.
func (s *Store) AddListener(kind Kind, fn Listener) func() {
	return s.listeners.add(kind, fn)
}

// AddCreateListener subscribes to entity creations.
func (s *Store) AddCreateListener(fn Listener) func() {
	return s.AddListener(KindCreate, fn)
}

// AddUpdateListener subscribes to entity updates.
func (s *Store) AddUpdateListener(fn Listener) func() {
	return s.AddListener(KindUpdate, fn)
}

// AddDeleteListener subscribes to entity deletions.
func (s *Store) AddDeleteListener(fn Listener) func() {
	return s.AddListener(KindDelete, fn)
}

// Clear drops every entity without firing delete events. Used on full state
// reload; cleared entities become detached. Queued fetches are failed with
// context.Canceled, while requests already sent still deliver their result.
func (s *Store) Clear() {
	s.mu.Lock()
	slots := s.slots
	s.handles = make(map[ID]Handle)
	s.slots = make(map[Handle]*Entity)
	s.mu.Unlock()

	if s.virtual != nil {
		s.virtual.reset()
	}
	if s.fetch != nil {
		s.fetch.cancelQueued()
	}
	for _, e := range slots {
		e.markDeleted()
	}
}

func sortByHandle(entities []*Entity) {
	sort.Slice(entities, func(i, j int) bool { return entities[i].handle < entities[j].handle })
}
