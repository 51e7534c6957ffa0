package dispatch

import (
	"context"
	"errors"
	"sort"

	"github.com/establishment/storesync/internal/store"
)

// StreamSource delivers the events published on named streams.
type StreamSource interface {
	// Subscribe delivers events of stream to handler until ctx is done. It
	// returns ctx.Err() on cancellation, or the error that ended the
	// subscription.
	Subscribe(ctx context.Context, stream string, handler func(store.Event)) error
}

type subscription struct {
	cancel context.CancelFunc
}

// RegisterStream subscribes to a named stream and applies its events. A stream
// that is already registered is left alone. The subscription ends when ctx is
// done, on UnregisterStream, or on Close.
func (d *Dispatcher) RegisterStream(ctx context.Context, name string) error {
	if d.source == nil {
		return ErrNoStreamSource
	}
	d.streamsMu.Lock()
	defer d.streamsMu.Unlock()
	if _, ok := d.streams[name]; ok {
		return nil
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{cancel: cancel}
	d.streams[name] = sub
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.logger.Info("subscribed to stream", "stream", name)
		err := d.source.Subscribe(subCtx, name, func(ev store.Event) {
			if ev.Stream == "" {
				ev.Stream = name
			}
			_ = d.ApplyEvent(ev)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Error("stream subscription ended", "stream", name, "error", err)
		}

		d.streamsMu.Lock()
		if d.streams[name] == sub {
			delete(d.streams, name)
		}
		d.streamsMu.Unlock()
		cancel()
	}()
	return nil
}

// UnregisterStream cancels the subscription to a stream.
func (d *Dispatcher) UnregisterStream(name string) {
	d.streamsMu.Lock()
	sub, ok := d.streams[name]
	delete(d.streams, name)
	d.streamsMu.Unlock()
	if ok {
		sub.cancel()
	}
}

// Streams returns the names of the registered streams.
func (d *Dispatcher) Streams() []string {
	d.streamsMu.Lock()
	defer d.streamsMu.Unlock()
	out := make([]string, 0, len(d.streams))
	for name := range d.streams {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Close cancels every stream subscription and waits for them to finish.
func (d *Dispatcher) Close() {
	d.streamsMu.Lock()
	for name, sub := range d.streams {
		sub.cancel()
		delete(d.streams, name)
	}
	d.streamsMu.Unlock()
	d.wg.Wait()
}
