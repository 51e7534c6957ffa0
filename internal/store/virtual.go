package store

import (
	"errors"
	"fmt"
	"sync"
)

// ErrNotVirtual is returned when a virtual-only operation targets a confirmed entity.
var ErrNotVirtual = errors.New("entity is not virtual")

// DefaultCorrelationField is the create-event field that carries the temporary
// id of the optimistic entity a server object confirms.
const DefaultCorrelationField = "virtualId"

// VirtualOptions enables optimistic entities on a store.
type VirtualOptions struct {
	CorrelationField string
}

type virtualPolicy struct {
	field string

	mu      sync.Mutex
	counter int64
	pending map[ID]*Entity
}

func newVirtualPolicy(opts VirtualOptions) *virtualPolicy {
	field := opts.CorrelationField
	if field == "" {
		field = DefaultCorrelationField
	}
	return &virtualPolicy{field: field, pending: make(map[ID]*Entity)}
}

func (p *virtualPolicy) next() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counter++
	return p.counter
}

func (p *virtualPolicy) add(localID int64, e *Entity) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if localID > p.counter {
		p.counter = localID
	}
	p.pending[e.ID()] = e
}

func (p *virtualPolicy) forget(id ID) {
	p.mu.Lock()
	delete(p.pending, id)
	p.mu.Unlock()
}

func (p *virtualPolicy) reset() {
	p.mu.Lock()
	p.pending = make(map[ID]*Entity)
	p.mu.Unlock()
}

func (p *virtualPolicy) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// match finds the pending virtual entity named by the correlation field. The
// field may hold the full temporary id or only its numeric local part.
func (p *virtualPolicy) match(s *Store, fields Fields) (*Entity, bool) {
	raw, ok := fields[p.field]
	if !ok {
		return nil, false
	}
	id, err := ParseID(raw)
	if err != nil {
		s.logger.Warn("ignoring unusable correlation value", "field", p.field, "error", err)
		return nil, false
	}
	if !id.IsTemp() {
		id = ID(TempPrefix + string(id))
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.pending[id]
	return e, ok
}

// CorrelationField returns the field name used to match confirmations, or ""
// when virtual entities are disabled.
func (s *Store) CorrelationField() string {
	if s.virtual == nil {
		return ""
	}
	return s.virtual.field
}

// NextLocalID reserves the next local counter value for a virtual entity.
func (s *Store) NextLocalID() (int64, error) {
	if s.virtual == nil {
		return 0, fmt.Errorf("%s: %w", s.name, ErrVirtualDisabled)
	}
	return s.virtual.next(), nil
}

// PendingVirtual returns the number of virtual entities awaiting confirmation.
func (s *Store) PendingVirtual() int {
	if s.virtual == nil {
		return 0
	}
	return s.virtual.count()
}

// CreateVirtual indexes an optimistic entity under TempID(localID). A localID
// of zero reserves the next counter value. Create listeners receive the change
// with Virtual set.
func (s *Store) CreateVirtual(fields Fields, localID int64) (*Entity, error) {
	if s.virtual == nil {
		return nil, fmt.Errorf("%s: %w", s.name, ErrVirtualDisabled)
	}
	if localID <= 0 {
		localID = s.virtual.next()
	}
	id := TempID(localID)
	fields = fields.Clone()
	fields["id"] = id
	filtered := s.schema.filter(s.logger, s.name, fields)

	s.mu.Lock()
	if _, taken := s.handles[id]; taken {
		s.mu.Unlock()
		return nil, fmt.Errorf("%s: create virtual %s: %w", s.name, id, ErrIDConflict)
	}
	s.nextHandle++
	e := newEntity(id, s.nextHandle, filtered)
	e.virtual = true
	s.handles[id] = e.handle
	s.slots[e.handle] = e
	s.mu.Unlock()

	s.virtual.add(localID, e)
	if s.onConstruct != nil {
		s.onConstruct(s, e)
	}
	s.listeners.dispatch(Change{Kind: KindCreate, Entity: e, Virtual: true})
	return e, nil
}

// UpdateID re-indexes e under newID. The entity object is kept, so listeners
// and references stay attached. Moving a virtual entity to a non-temporary id
// confirms it. Entity and store idChange listeners are notified with the
// previous id.
func (s *Store) UpdateID(e *Entity, newID ID) error {
	if newID == "" {
		return fmt.Errorf("%s: update id: %w", s.name, ErrMissingID)
	}
	old := e.ID()
	if old == newID {
		return nil
	}

	s.mu.Lock()
	h, ok := s.handles[old]
	if !ok || h != e.handle {
		s.mu.Unlock()
		return fmt.Errorf("%s: update id %s: %w", s.name, old, ErrUnknownID)
	}
	if other, taken := s.handles[newID]; taken && other != e.handle {
		s.mu.Unlock()
		return fmt.Errorf("%s: update id %s -> %s: %w", s.name, old, newID, ErrIDConflict)
	}
	delete(s.handles, old)
	s.handles[newID] = e.handle
	e.setID(newID)
	s.mu.Unlock()

	if s.virtual != nil {
		s.virtual.forget(old)
	}
	if e.Virtual() {
		if !newID.IsTemp() {
			e.setVirtual(false)
		} else if n, err := NormalizedID(newID); err == nil && s.virtual != nil {
			s.virtual.add(n, e)
		}
	}
	c := Change{Kind: KindIDChange, Entity: e, PreviousID: old}
	e.notify(c)
	s.listeners.dispatch(c)
	return nil
}

// DiscardVirtual removes a virtual entity whose write failed. Delete listeners
// fire as for any other removal.
func (s *Store) DiscardVirtual(e *Entity) error {
	if !e.Virtual() {
		return fmt.Errorf("%s: discard %s: %w", s.name, e.ID(), ErrNotVirtual)
	}
	return s.delete(e.ID(), nil)
}

// reconcile turns the pending virtual entity e into the confirmed object id.
func (s *Store) reconcile(e *Entity, id ID, fields Fields, ev *Event) error {
	delete(fields, s.virtual.field)
	err := s.UpdateID(e, id)
	if errors.Is(err, ErrIDConflict) {
		// the confirmed object got here first, through a fetch or a reload
		s.logger.Debug("confirmed object already indexed, dropping virtual entity",
			"objectId", id, "virtualId", e.ID())
		if err := s.DiscardVirtual(e); err != nil {
			return err
		}
		_, err = s.create(fields, ev)
		return err
	}
	if err != nil {
		return err
	}
	s.update(e, s.schema.filter(s.logger, s.name, fields), ev)
	return nil
}
