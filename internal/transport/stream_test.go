package transport

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/establishment/storesync/internal/store"
)

type eventSink struct {
	mu     sync.Mutex
	events []store.Event
	got    chan struct{}
}

func newEventSink() *eventSink {
	return &eventSink{got: make(chan struct{}, 64)}
}

func (s *eventSink) handle(ev store.Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	s.got <- struct{}{}
}

func (s *eventSink) wait(t *testing.T, n int) []store.Event {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-s.got:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out after %d of %d events", i, n)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]store.Event(nil), s.events...)
}

func TestWebsocketSourceDeliversEvents(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var path string
	var pathMu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pathMu.Lock()
		path = r.URL.Path
		pathMu.Unlock()
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"create","objectType":"User","data":{"id":1}}`))
		ws.WriteMessage(websocket.TextMessage, []byte(`not json`))
		ws.WriteMessage(websocket.TextMessage, []byte(`[{"type":"update","objectType":"User","objectId":1,"data":{"username":"ann"}},{"type":"delete","objectType":"User","objectId":1}]`))
		// hold the connection open until the client goes away
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	src, err := NewWebsocketSource(srv.URL, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	sink := newEventSink()
	done := make(chan error, 1)
	go func() { done <- src.Subscribe(ctx, "thread-5", sink.handle) }()

	events := sink.wait(t, 3)
	assert.Equal(t, store.KindCreate, events[0].Type)
	assert.Equal(t, store.KindUpdate, events[1].Type)
	assert.Equal(t, store.KindDelete, events[2].Type)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("subscription did not end")
	}
	pathMu.Lock()
	assert.Equal(t, "/streams/thread-5", path)
	pathMu.Unlock()
}

func TestWebsocketSourceGivesUpAfterMaxReconnects(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	settings := DefaultWebsocketSettings()
	settings.ReconnectTimeout = time.Millisecond
	settings.MaxReconnects = 2
	src, err := NewWebsocketSource(srv.URL, settings, nil)
	require.NoError(t, err)

	err = src.Subscribe(context.Background(), "s", func(store.Event) {})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to stream s")
}

func TestNewWebsocketSourceRejectsScheme(t *testing.T) {
	_, err := NewWebsocketSource("ftp://example.com", nil, nil)
	assert.Error(t, err)
}

const eventLog = `{"type":"create","objectType":"User","data":{"id":1},"stream":"a"}
{"type":"create","objectType":"User","data":{"id":2},"stream":"b"}

garbage
[{"type":"create","objectType":"User","data":{"id":3}}]
{"type":"update","objectType":"User","objectId":1,"data":{"username":"ann"},"stream":"a"}`

func TestReplay(t *testing.T) {
	var ids []store.ID
	n, err := Replay(context.Background(), strings.NewReader(eventLog), nil, func(ev store.Event) {
		id, err := ev.TargetID()
		require.NoError(t, err)
		ids = append(ids, id)
	})
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, []store.ID{"1", "2", "3", "1"}, ids)
}

func TestReplayStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	n, err := Replay(ctx, strings.NewReader(eventLog), nil, func(store.Event) {})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, n)
}

func TestLineSourceFiltersByStream(t *testing.T) {
	src := NewLineSource(func() (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(eventLog)), nil
	}, nil)

	var types []store.Kind
	err := src.Subscribe(context.Background(), "a", func(ev store.Event) {
		types = append(types, ev.Type)
	})
	require.NoError(t, err)
	// stream a plus the unscoped event
	assert.Equal(t, []store.Kind{store.KindCreate, store.KindCreate, store.KindUpdate}, types)
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "storesync.streams.thread-1", Subject("", "thread-1"))
	assert.Equal(t, "app.thread-1", Subject("app.", "thread-1"))
}
