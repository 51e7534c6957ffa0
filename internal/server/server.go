// Package server is the reference storesync HTTP server. It keeps objects in
// the journal, answers bulk state and fetch requests and pushes journaled
// events to websocket stream subscribers.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/establishment/storesync/internal/dispatch"
	"github.com/establishment/storesync/internal/journal"
	"github.com/establishment/storesync/internal/metrics"
	"github.com/establishment/storesync/internal/store"
)

const maxBodySize = 1 << 20

const RequestIDHeader = "X-Request-Id"

// Publisher forwards journaled events to an external bus.
type Publisher interface {
	Publish(ev store.Event) error
}

type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// Gatherer backs GET /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer
	// Publisher also receives every journaled event.
	Publisher Publisher
	// Token, when set, is required as a bearer token on API routes.
	Token string
	// Types are the object types served. GET /state without a types query
	// returns all of them.
	Types        []string
	PingInterval time.Duration
	WriteTimeout time.Duration
}

type Server struct {
	journal   *journal.Journal
	hub       *Hub
	logger    *slog.Logger
	metrics   *metrics.Metrics
	gatherer  prometheus.Gatherer
	publisher Publisher
	token     string
	types     []string

	pingInterval time.Duration
	writeTimeout time.Duration
	upgrader     websocket.Upgrader
}

func New(j *journal.Journal, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		journal:      j,
		hub:          NewHub(logger, opts.Metrics),
		logger:       logger.With("component", "server"),
		metrics:      opts.Metrics,
		gatherer:     opts.Gatherer,
		publisher:    opts.Publisher,
		token:        opts.Token,
		types:        opts.Types,
		pingInterval: opts.PingInterval,
		writeTimeout: opts.WriteTimeout,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	if s.pingInterval <= 0 {
		s.pingInterval = 5 * time.Second
	}
	if s.writeTimeout <= 0 {
		s.writeTimeout = 5 * time.Second
	}
	return s
}

// Hub returns the stream fan-out.
func (s *Server) Hub() *Hub { return s.hub }

// Handler returns the HTTP handler with every route registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /state", s.handleState)
	mux.HandleFunc("POST /fetch", s.handleFetch)
	mux.HandleFunc("POST /objects/{type}", s.handleCreate)
	mux.HandleFunc("PATCH /objects/{type}/{id}", s.handleUpdate)
	mux.HandleFunc("DELETE /objects/{type}/{id}", s.handleDelete)
	mux.HandleFunc("POST /objects/{type}/{id}/{kind}", s.handleKind)
	mux.HandleFunc("GET /events", s.handleEvents)
	mux.HandleFunc("POST /events", s.handleAppend)
	mux.HandleFunc("GET /streams/{name}", s.handleStream)
	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	return s.instrument(s.authorize(mux))
}

// Run serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("failed to serve: %w", err)
	case <-ctx.Done():
	}

	s.hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down: %w", err)
	}
	return nil
}

// publish fans a journaled event out to subscribers and the bus.
func (s *Server) publish(entry journal.Entry) {
	s.hub.Publish(entry.Event)
	if s.publisher != nil {
		if err := s.publisher.Publish(entry.Event); err != nil {
			s.logger.Warn("failed to publish event", "seq", entry.Seq, "error", err)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.New().String()
		}
		w.Header().Set(RequestIDHeader, requestID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		s.metrics.HTTPRequest(r.Method, route, rec.status)
		s.logger.Debug("request", "method", r.Method, "path", r.URL.Path, "status", rec.status,
			"duration", time.Since(start), "requestId", requestID)
	})
}

func (s *Server) authorize(next http.Handler) http.Handler {
	if s.token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer "+s.token {
			s.writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("failed to write JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, dispatch.Payload{Error: &dispatch.PayloadError{Code: code, Message: message}})
}

// writeFailure maps journal and store errors to a status code.
func (s *Server) writeFailure(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, journal.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, journal.ErrConflict):
		s.writeError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, journal.ErrUnknownKind), errors.Is(err, store.ErrMalformedEvent), errors.Is(err, store.ErrMissingID):
		s.writeError(w, http.StatusBadRequest, "bad_request", err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

// canonical resolves an object type name case-insensitively against the
// served types.
func (s *Server) canonical(name string) (string, bool) {
	for _, t := range s.types {
		if strings.EqualFold(t, name) {
			return t, true
		}
	}
	return "", false
}

func (s *Server) unknownType(w http.ResponseWriter, name string) {
	s.writeError(w, http.StatusNotFound, "unknown_type", fmt.Sprintf("unknown object type %q", name))
}

// objectType resolves the {type} path value.
func (s *Server) objectType(w http.ResponseWriter, r *http.Request) (string, bool) {
	name := r.PathValue("type")
	t, ok := s.canonical(name)
	if !ok {
		s.unknownType(w, name)
	}
	return t, ok
}

func (s *Server) decodeFields(w http.ResponseWriter, r *http.Request) (store.Fields, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	fields := store.Fields{}
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return nil, false
	}
	return fields, true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statsResponse struct {
	*journal.Stats
	Streams map[string]int `json:"streams"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.journal.Stats(r.Context())
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, statsResponse{Stats: stats, Streams: s.hub.Streams()})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	types := s.types
	if q := r.URL.Query().Get("types"); q != "" {
		types = nil
		for _, name := range strings.Split(q, ",") {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			t, ok := s.canonical(name)
			if !ok {
				s.unknownType(w, name)
				return
			}
			types = append(types, t)
		}
	}
	state, err := s.journal.State(r.Context(), types...)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	cursor, err := s.journal.Cursor(r.Context())
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, dispatch.Payload{State: state, Cursor: cursor})
}

type fetchRequest struct {
	ObjectType string     `json:"objectType"`
	IDs        []store.ID `json:"ids"`
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	var req fetchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	objectType, ok := s.canonical(req.ObjectType)
	if !ok {
		s.unknownType(w, req.ObjectType)
		return
	}
	objects, err := s.journal.Objects(r.Context(), objectType, req.IDs)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, dispatch.Payload{State: dispatch.State{objectType: objects}})
}

func (s *Server) respondEntry(w http.ResponseWriter, status int, entry journal.Entry) {
	s.publish(entry)
	s.writeJSON(w, status, dispatch.Payload{Events: []store.Event{entry.Event}, Cursor: entry.Seq})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	objectType, ok := s.objectType(w, r)
	if !ok {
		return
	}
	fields, ok := s.decodeFields(w, r)
	if !ok {
		return
	}
	entry, err := s.journal.CreateObject(r.Context(), objectType, fields)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.respondEntry(w, http.StatusCreated, entry)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	objectType, ok := s.objectType(w, r)
	if !ok {
		return
	}
	fields, ok := s.decodeFields(w, r)
	if !ok {
		return
	}
	entry, err := s.journal.UpdateObject(r.Context(), objectType, store.ID(r.PathValue("id")), fields)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.respondEntry(w, http.StatusOK, entry)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	objectType, ok := s.objectType(w, r)
	if !ok {
		return
	}
	entry, err := s.journal.DeleteObject(r.Context(), objectType, store.ID(r.PathValue("id")))
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.respondEntry(w, http.StatusOK, entry)
}

func (s *Server) handleKind(w http.ResponseWriter, r *http.Request) {
	objectType, ok := s.objectType(w, r)
	if !ok {
		return
	}
	fields, ok := s.decodeFields(w, r)
	if !ok {
		return
	}
	kind := store.Kind(r.PathValue("kind"))
	entry, err := s.journal.ApplyKind(r.Context(), objectType, store.ID(r.PathValue("id")), kind, fields)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.respondEntry(w, http.StatusOK, entry)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var since int64
	if v := q.Get("since"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "bad_request", "since must be a non-negative integer")
			return
		}
		since = n
	}
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "bad_request", "limit must be an integer")
			return
		}
		limit = n
	}

	entries, err := s.journal.EventsSince(r.Context(), since, q.Get("stream"), limit)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	p := dispatch.Payload{Events: make([]store.Event, 0, len(entries)), Cursor: since}
	for _, e := range entries {
		p.Events = append(p.Events, e.Event)
		p.Cursor = e.Seq
	}
	s.writeJSON(w, http.StatusOK, p)
}

// handleAppend journals raw events, one object or an array.
func (s *Server) handleAppend(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	events, err := store.DecodeEvents(body)
	if err != nil {
		s.writeFailure(w, err)
		return
	}

	p := dispatch.Payload{Events: make([]store.Event, 0, len(events))}
	for _, ev := range events {
		objectType, ok := s.canonical(ev.ObjectType)
		if !ok {
			s.unknownType(w, ev.ObjectType)
			return
		}
		ev.ObjectType = objectType
		entry, err := s.journal.Append(r.Context(), ev)
		if err != nil {
			s.writeFailure(w, err)
			return
		}
		s.publish(entry)
		p.Events = append(p.Events, entry.Event)
		p.Cursor = entry.Seq
	}
	s.writeJSON(w, http.StatusOK, p)
}
