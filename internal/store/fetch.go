package store

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// DefaultMaxFetchObjectCount bounds the ids sent in one fetch request.
const DefaultMaxFetchObjectCount = 256

// FetchResult is the bulk state returned for a fetch request. It may carry
// objects of other types, such as dependencies of the requested ones.
type FetchResult struct {
	State map[string][]Fields `json:"state"`
}

// Fetcher requests objects by id from the server.
type Fetcher interface {
	FetchObjects(ctx context.Context, objectType string, ids []ID) (*FetchResult, error)
}

// Importer applies a fetched result. The dispatcher implements it so fetched
// objects go through dependency ordering.
type Importer interface {
	ImportFetched(res *FetchResult) error
}

// FetchObserver receives the outcome of every fetch request.
type FetchObserver interface {
	ObserveFetch(objectType string, ids int, err error)
}

// FetchCallback receives the loaded entity or the reason it could not be loaded.
type FetchCallback func(*Entity, error)

// FetchOptions configures fetch batching.
type FetchOptions struct {
	Fetcher Fetcher
	// Importer defaults to importing the store's own objects directly.
	Importer Importer
	// MaxObjects defaults to DefaultMaxFetchObjectCount.
	MaxObjects int
	// Delay is how long ids are collected before a request is sent. Zero sends
	// on the next timer tick.
	Delay    time.Duration
	Observer FetchObserver
}

type fetchPolicy struct {
	store    *Store
	fetcher  Fetcher
	importer Importer
	max      int
	delay    time.Duration
	observer FetchObserver

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	queue    []ID
	waiting  map[ID][]FetchCallback
	inFlight map[ID]bool
	timer    *time.Timer
	closed   bool
}

// EnableFetch turns on fetch batching. It must be called before the store is
// shared between goroutines.
func (s *Store) EnableFetch(opts FetchOptions) {
	limit := opts.MaxObjects
	if limit <= 0 {
		limit = DefaultMaxFetchObjectCount
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.fetch = &fetchPolicy{
		store:    s,
		fetcher:  opts.Fetcher,
		importer: opts.Importer,
		max:      limit,
		delay:    opts.Delay,
		observer: opts.Observer,
		ctx:      ctx,
		cancel:   cancel,
		waiting:  make(map[ID][]FetchCallback),
		inFlight: make(map[ID]bool),
	}
}

// Fetch invokes cb with the entity for id, requesting it from the server when
// it is not indexed. Concurrent fetches for the same id share one request.
func (s *Store) Fetch(id ID, cb FetchCallback) {
	if e, ok := s.Get(id); ok {
		cb(e, nil)
		return
	}
	if s.fetch == nil {
		cb(nil, fmt.Errorf("%s: fetch %s: %w", s.name, id, ErrFetchDisabled))
		return
	}
	s.fetch.enqueue(id, cb)
}

// FetchSync is the blocking form of Fetch. It must not be called from a store
// listener or an OnConstruct hook: when the fetch policy's Importer is the
// dispatcher that is delivering the change, the import waits for the apply in
// progress, which in turn waits for FetchSync. Use Fetch with a callback there.
func (s *Store) FetchSync(ctx context.Context, id ID) (*Entity, error) {
	type result struct {
		e   *Entity
		err error
	}
	ch := make(chan result, 1)
	s.Fetch(id, func(e *Entity, err error) {
		ch <- result{e, err}
	})
	select {
	case r := <-ch:
		return r.e, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// PendingFetches returns the number of ids queued or in flight.
func (s *Store) PendingFetches() int {
	if s.fetch == nil {
		return 0
	}
	s.fetch.mu.Lock()
	defer s.fetch.mu.Unlock()
	return len(s.fetch.waiting)
}

// Close cancels outstanding fetches. Queued callbacks receive context.Canceled;
// in-flight requests finish with the transport's cancellation error. Close must
// not be called from a fetch callback.
func (s *Store) Close() {
	if s.fetch == nil {
		return
	}
	s.fetch.close()
}

func (p *fetchPolicy) enqueue(id ID, cb FetchCallback) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		cb(nil, fmt.Errorf("%s: fetch %s: %w", p.store.name, id, context.Canceled))
		return
	}
	if cbs, ok := p.waiting[id]; ok {
		p.waiting[id] = append(cbs, cb)
		p.mu.Unlock()
		return
	}
	p.waiting[id] = []FetchCallback{cb}
	p.queue = append(p.queue, id)
	if p.timer == nil {
		p.timer = time.AfterFunc(p.delay, p.flush)
	}
	p.mu.Unlock()
}

func (p *fetchPolicy) flush() {
	p.mu.Lock()
	queue := p.queue
	p.queue = nil
	p.timer = nil
	if p.closed || len(queue) == 0 {
		p.mu.Unlock()
		return
	}
	for _, id := range queue {
		p.inFlight[id] = true
	}
	p.wg.Add((len(queue) + p.max - 1) / p.max)
	p.mu.Unlock()

	for start := 0; start < len(queue); start += p.max {
		end := min(start+p.max, len(queue))
		go p.request(queue[start:end])
	}
}

func (p *fetchPolicy) request(ids []ID) {
	defer p.wg.Done()
	s := p.store

	res, err := p.fetcher.FetchObjects(p.ctx, s.name, ids)
	if p.observer != nil {
		p.observer.ObserveFetch(s.name, len(ids), err)
	}
	if err != nil {
		s.logger.Warn("fetch failed", "ids", len(ids), "error", err)
		err = fmt.Errorf("%s: %w: %w", s.name, ErrFetchFailed, err)
	} else if res != nil {
		if ierr := p.importResult(res); ierr != nil {
			s.logger.Warn("importing fetched objects", "error", ierr)
		}
	}

	p.mu.Lock()
	callbacks := make(map[ID][]FetchCallback, len(ids))
	for _, id := range ids {
		if cbs, ok := p.waiting[id]; ok && p.inFlight[id] {
			callbacks[id] = cbs
			delete(p.waiting, id)
		}
		delete(p.inFlight, id)
	}
	p.mu.Unlock()

	for _, id := range ids {
		cbs, ok := callbacks[id]
		if !ok {
			continue
		}
		var e *Entity
		cbErr := err
		if cbErr == nil {
			var found bool
			if e, found = s.Get(id); !found {
				cbErr = fmt.Errorf("%s: fetch %s: %w", s.name, id, ErrNotFound)
			}
		}
		for _, cb := range cbs {
			cb(e, cbErr)
		}
	}
}

func (p *fetchPolicy) importResult(res *FetchResult) error {
	if p.importer != nil {
		return p.importer.ImportFetched(res)
	}
	for _, fields := range res.State[p.store.name] {
		if _, err := p.store.create(fields, nil); err != nil {
			p.store.logger.Warn("skipping fetched object", "error", err)
		}
	}
	return nil
}

// resolveQueued answers callbacks of a queued id that got created by another
// path before its request was sent. In-flight ids are left to their request.
func (p *fetchPolicy) resolveQueued(e *Entity) {
	id := e.ID()
	p.mu.Lock()
	cbs, ok := p.waiting[id]
	if !ok || p.inFlight[id] {
		p.mu.Unlock()
		return
	}
	delete(p.waiting, id)
	for i, q := range p.queue {
		if q == id {
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			break
		}
	}
	p.mu.Unlock()

	for _, cb := range cbs {
		cb(e, nil)
	}
}

// cancelQueued stops the pending flush and fails every queued id with
// context.Canceled. In-flight requests are left to finish.
func (p *fetchPolicy) cancelQueued() {
	p.mu.Lock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	queued := make(map[ID][]FetchCallback, len(p.queue))
	for _, id := range p.queue {
		queued[id] = p.waiting[id]
		delete(p.waiting, id)
	}
	p.queue = nil
	p.mu.Unlock()

	for id, cbs := range queued {
		for _, cb := range cbs {
			cb(nil, fmt.Errorf("%s: fetch %s: %w", p.store.name, id, context.Canceled))
		}
	}
}

func (p *fetchPolicy) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	p.cancelQueued()
	p.wg.Wait()
}
