package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/establishment/storesync/internal/dispatch"
	"github.com/establishment/storesync/internal/store"
)

type recordedRequest struct {
	method string
	path   string
	query  string
	header http.Header
	body   map[string]any
}

type requestLog struct {
	mu       sync.Mutex
	requests []recordedRequest
}

func (l *requestLog) all() []recordedRequest {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]recordedRequest(nil), l.requests...)
}

func setupTestClient(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) (*Client, *requestLog) {
	t.Helper()
	log := &requestLog{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recordedRequest{method: r.Method, path: r.URL.Path, query: r.URL.RawQuery, header: r.Header.Clone()}
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&rec.body)
		}
		log.mu.Lock()
		log.requests = append(log.requests, rec)
		log.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	settings := DefaultClientSettings()
	settings.Token = "secret"
	c := NewClient(context.Background(), srv.URL+"/", settings, nil)
	t.Cleanup(c.Close)
	return c, log
}

func TestFetchStateRunsPostprocessors(t *testing.T) {
	c, requests := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"state":{"User":[{"id":1,"username":"ann"}]}}`))
	})

	var imported int
	c.AddPostprocessor(func(p *dispatch.Payload) error {
		imported += p.State.Count()
		return nil
	})

	p, err := c.FetchState(context.Background(), "User", "Article")
	require.NoError(t, err)
	assert.Equal(t, 1, p.State.Count())
	assert.Equal(t, 1, imported)

	require.Len(t, requests.all(), 1)
	req := requests.all()[0]
	assert.Equal(t, http.MethodGet, req.method)
	assert.Equal(t, "/state", req.path)
	assert.Equal(t, "types=User%2CArticle", req.query)
	assert.Equal(t, "Bearer secret", req.header.Get("Authorization"))
	assert.NotEmpty(t, req.header.Get(RequestIDHeader))
}

func TestPostprocessorErrorIsReturnedWithPayload(t *testing.T) {
	c, _ := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	})
	boom := errors.New("boom")
	c.AddPostprocessor(func(*dispatch.Payload) error { return boom })

	p, err := c.FetchState(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.NotNil(t, p)
}

func TestFetchObjects(t *testing.T) {
	c, requests := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"state":{"Article":[{"id":4},{"id":5}]}}`))
	})
	var ran bool
	c.AddPostprocessor(func(*dispatch.Payload) error { ran = true; return nil })

	res, err := c.FetchObjects(context.Background(), "Article", []store.ID{"4", "5"})
	require.NoError(t, err)
	assert.Len(t, res.State["Article"], 2)
	assert.False(t, ran)

	req := requests.all()[0]
	assert.Equal(t, http.MethodPost, req.method)
	assert.Equal(t, "/fetch", req.path)
	assert.Equal(t, "Article", req.body["objectType"])
	assert.Equal(t, []any{float64(4), float64(5)}, req.body["ids"])
}

func TestStatusErrorDecodesPayload(t *testing.T) {
	c, _ := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":{"code":"not_found","message":"no Article 9"}}`))
	})

	_, err := c.DeleteObject(context.Background(), "Article", "9")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))

	var pe *dispatch.PayloadError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "not_found", pe.Code)
}

func TestStatusErrorKeepsPlainBody(t *testing.T) {
	c, _ := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream down\n"))
	})

	_, err := c.Events(context.Background(), 0, "")
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadGateway, se.StatusCode)
	assert.Equal(t, "upstream down", se.Body)
	assert.False(t, IsNotFound(err))
}

func TestWritePaths(t *testing.T) {
	c, requests := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"events":[{"type":"update","objectType":"Message","objectId":3}],"cursor":7}`))
	})
	ctx := context.Background()

	_, err := c.CreateObject(ctx, "Message", store.Fields{"content": "hi"})
	require.NoError(t, err)
	_, err = c.UpdateObject(ctx, "Message", "3", store.Fields{"content": "edited"})
	require.NoError(t, err)
	p, err := c.SendEvent(ctx, "Message", "3", "reaction", store.Fields{"reaction": "like"})
	require.NoError(t, err)
	assert.Equal(t, int64(7), p.Cursor)
	require.Len(t, p.Events, 1)
	assert.Equal(t, store.ID("3"), p.Events[0].ObjectID)
	_, err = c.Events(ctx, 7, "thread-1")
	require.NoError(t, err)

	all := requests.all()
	got := make([]string, 0, len(all))
	for _, r := range all {
		got = append(got, r.method+" "+r.path)
	}
	assert.Equal(t, []string{
		"POST /objects/Message",
		"PATCH /objects/Message/3",
		"POST /objects/Message/3/reaction",
		"GET /events",
	}, got)
	assert.Equal(t, "edited", all[1].body["content"])
	assert.Equal(t, "since=7&stream=thread-1", all[3].query)
}

func TestAsyncCallbacks(t *testing.T) {
	c, _ := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"state":{"User":[{"id":1}]}}`))
	})

	callback, results := NewBlockingCallback[*dispatch.Payload]()
	c.FetchStateAsync(callback)
	select {
	case res := <-results:
		require.NoError(t, res.Error)
		assert.Equal(t, 1, res.Result.State.Count())
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for callback")
	}

	callback, results = NewBlockingCallback[*dispatch.Payload]()
	c.CreateObjectAsync("User", store.Fields{"username": "bo"}, callback)
	select {
	case res := <-results:
		require.NoError(t, res.Error)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for callback")
	}
}

func TestHealth(t *testing.T) {
	c, _ := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"ok"}`))
	})
	h, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", h["status"])
}
