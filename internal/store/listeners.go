package store

import "sync"

// Listener observes changes of an entity or a store.
type Listener func(Change)

type listenerEntry struct {
	id uint64
	fn Listener
}

// listenerSet is a copy-on-write list of listeners keyed by kind. Dispatch
// iterates a snapshot so listeners may add or remove listeners while running.
type listenerSet struct {
	mu     sync.Mutex
	nextID uint64
	byKind map[Kind][]listenerEntry
}

func (l *listenerSet) add(kind Kind, fn Listener) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.byKind == nil {
		l.byKind = make(map[Kind][]listenerEntry)
	}
	l.nextID++
	id := l.nextID
	entries := l.byKind[kind]
	next := make([]listenerEntry, len(entries), len(entries)+1)
	copy(next, entries)
	l.byKind[kind] = append(next, listenerEntry{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() { l.remove(kind, id) })
	}
}

func (l *listenerSet) remove(kind Kind, id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entries := l.byKind[kind]
	next := make([]listenerEntry, 0, len(entries))
	for _, e := range entries {
		if e.id != id {
			next = append(next, e)
		}
	}
	if len(next) == 0 {
		delete(l.byKind, kind)
		return
	}
	l.byKind[kind] = next
}

func (l *listenerSet) clear() {
	l.mu.Lock()
	l.byKind = nil
	l.mu.Unlock()
}

func (l *listenerSet) count(kind Kind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.byKind[kind])
}

func (l *listenerSet) dispatch(c Change) {
	l.mu.Lock()
	entries := l.byKind[c.Kind]
	l.mu.Unlock()
	for _, e := range entries {
		e.fn(c)
	}
}
