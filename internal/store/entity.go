package store

import (
	"encoding/json"
	"math"
	"strconv"
	"sync"
)

// Handle is the stable internal identity of an entity inside its store. It does
// not change when the external id is reassigned.
type Handle uint64

// Entity is one record of a store. Entities are created only by their store;
// other code holds pointers and reads fields through the accessors.
type Entity struct {
	mu      sync.RWMutex
	id      ID
	handle  Handle
	fields  Fields
	virtual bool
	deleted bool

	listeners listenerSet
}

func newEntity(id ID, handle Handle, fields Fields) *Entity {
	e := &Entity{id: id, handle: handle, fields: make(Fields, len(fields))}
	for k, v := range fields {
		e.fields[k] = v
	}
	e.fields["id"] = id
	return e
}

// ID returns the current external id.
func (e *Entity) ID() ID {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.id
}

// Handle returns the stable internal handle.
func (e *Entity) Handle() Handle { return e.handle }

// Virtual reports whether the entity is still an unconfirmed optimistic entity.
func (e *Entity) Virtual() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.virtual
}

// Deleted reports whether the entity has been removed from its store.
func (e *Entity) Deleted() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.deleted
}

// Get returns a raw field value.
func (e *Entity) Get(field string) (any, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.fields[field]
	return v, ok
}

// Fields returns a copy of all fields.
func (e *Entity) Fields() Fields {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.fields.Clone()
}

// String returns a string field, or "" when absent or not a string.
func (e *Entity) String(field string) string {
	v, _ := e.Get(field)
	s, _ := v.(string)
	return s
}

// Int returns a numeric field as int64.
func (e *Entity) Int(field string) (int64, bool) {
	v, ok := e.Get(field)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int64(n), true
	case int:
		return int64(n), true
	case int64:
		return n, true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	case ID:
		i, err := strconv.ParseInt(string(n), 10, 64)
		return i, err == nil
	}
	return 0, false
}

// Bool returns a boolean field.
func (e *Entity) Bool(field string) bool {
	v, _ := e.Get(field)
	b, _ := v.(bool)
	return b
}

// Ref returns a field holding the id of another entity.
func (e *Entity) Ref(field string) (ID, bool) {
	v, ok := e.Get(field)
	if !ok {
		return "", false
	}
	id, err := ParseID(v)
	if err != nil {
		return "", false
	}
	return id, true
}

// AddListener registers fn for changes of the given kind on this entity.
// The returned func removes the listener. Listeners survive id reassignment.
func (e *Entity) AddListener(kind Kind, fn Listener) func() {
	return e.listeners.add(kind, fn)
}

// RemoveAllListeners drops every listener registered on the entity.
func (e *Entity) RemoveAllListeners() {
	e.listeners.clear()
}

// Update shallow-merges partial fields and notifies update listeners. The id
// field is never overwritten through Update; use Store.UpdateID.
func (e *Entity) Update(partial Fields, ev *Event) {
	e.merge(partial)
	e.listeners.dispatch(Change{Kind: KindUpdate, Entity: e, Event: ev})
}

func (e *Entity) merge(partial Fields) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for k, v := range partial {
		if k == "id" {
			continue
		}
		e.fields[k] = v
	}
}

func (e *Entity) notify(c Change) {
	c.Entity = e
	e.listeners.dispatch(c)
}

func (e *Entity) setID(id ID) {
	e.mu.Lock()
	e.id = id
	e.fields["id"] = id
	e.mu.Unlock()
}

func (e *Entity) markDeleted() {
	e.mu.Lock()
	e.deleted = true
	e.mu.Unlock()
}

func (e *Entity) setVirtual(v bool) {
	e.mu.Lock()
	e.virtual = v
	e.mu.Unlock()
}
