// Package transport holds the networking collaborators of the object store:
// a JSON HTTP client for the storesync server API and the stream sources that
// feed incremental events to the dispatcher.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/establishment/storesync/internal/dispatch"
	"github.com/establishment/storesync/internal/store"
)

const RequestIDHeader = "X-Request-Id"

// Callback receives the result of an asynchronous call.
type Callback[R any] interface {
	Result(result R, err error)
}

type funcCallback[R any] struct {
	fn func(result R, err error)
}

func (c *funcCallback[R]) Result(result R, err error) {
	c.fn(result, err)
}

func NewCallback[R any](fn func(result R, err error)) Callback[R] {
	return &funcCallback[R]{fn: fn}
}

func NewNoopCallback[R any]() Callback[R] {
	return NewCallback(func(R, error) {})
}

type CallbackResult[R any] struct {
	Result R
	Error  error
}

// NewBlockingCallback returns a callback and the channel its single result is
// delivered on.
func NewBlockingCallback[R any]() (Callback[R], chan CallbackResult[R]) {
	c := make(chan CallbackResult[R], 1)
	return NewCallback(func(result R, err error) {
		c <- CallbackResult[R]{Result: result, Error: err}
	}), c
}

// Postprocessor runs on every payload the client decodes, before it is
// returned. The dispatcher registers itself here to import responses.
type Postprocessor func(p *dispatch.Payload) error

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	// Payload is the decoded error payload, when the server sent one.
	Payload *dispatch.PayloadError
	Body    string
}

func (e *StatusError) Error() string {
	if e.Payload != nil {
		return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Payload.Error())
	}
	if e.Body != "" {
		return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("server returned %d", e.StatusCode)
}

func (e *StatusError) Unwrap() error {
	if e.Payload == nil {
		return nil
	}
	return e.Payload
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusNotFound
}

type ClientSettings struct {
	Timeout        time.Duration
	ConnectTimeout time.Duration
	TLSTimeout     time.Duration
	Token          string
	UserAgent      string
}

func DefaultClientSettings() *ClientSettings {
	return &ClientSettings{
		Timeout:        60 * time.Second,
		ConnectTimeout: 5 * time.Second,
		TLSTimeout:     5 * time.Second,
		UserAgent:      "storesync",
	}
}

// Client talks to the storesync server API.
type Client struct {
	ctx    context.Context
	cancel context.CancelFunc

	baseURL    string
	settings   *ClientSettings
	httpClient *http.Client
	logger     *slog.Logger

	mu             sync.Mutex
	postprocessors []Postprocessor
}

// NewClient creates a client for the server at baseURL. Asynchronous calls
// run on ctx and end when it is done or the client is closed.
func NewClient(ctx context.Context, baseURL string, settings *ClientSettings, logger *slog.Logger) *Client {
	if settings == nil {
		settings = DefaultClientSettings()
	}
	if logger == nil {
		logger = slog.Default()
	}
	cancelCtx, cancel := context.WithCancel(ctx)
	dialer := &net.Dialer{Timeout: settings.ConnectTimeout}
	return &Client{
		ctx:      cancelCtx,
		cancel:   cancel,
		baseURL:  strings.TrimRight(baseURL, "/"),
		settings: settings,
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext:         dialer.DialContext,
				TLSHandshakeTimeout: settings.TLSTimeout,
			},
			Timeout: settings.Timeout,
		},
		logger: logger.With("component", "client"),
	}
}

// BaseURL returns the server base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// AddPostprocessor registers p to run on every decoded payload.
func (c *Client) AddPostprocessor(p Postprocessor) {
	c.mu.Lock()
	c.postprocessors = append(c.postprocessors, p)
	c.mu.Unlock()
}

// Close cancels outstanding asynchronous calls.
func (c *Client) Close() {
	c.cancel()
}

func (c *Client) postprocess(p *dispatch.Payload) error {
	c.mu.Lock()
	pps := append([]Postprocessor(nil), c.postprocessors...)
	c.mu.Unlock()
	var errs []error
	for _, pp := range pps {
		if err := pp(p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func do[R any](ctx context.Context, c *Client, method, path string, args any, result R, callback Callback[R]) (R, error) {
	fail := func(err error) (R, error) {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	var body io.Reader
	if args != nil {
		b, err := json.Marshal(args)
		if err != nil {
			return fail(fmt.Errorf("failed to encode request: %w", err))
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fail(fmt.Errorf("failed to build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.settings.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.settings.Token)
	}
	if c.settings.UserAgent != "" {
		req.Header.Set("User-Agent", c.settings.UserAgent)
	}
	requestID := uuid.New().String()
	req.Header.Set(RequestIDHeader, requestID)

	r, err := c.httpClient.Do(req)
	if err != nil {
		return fail(fmt.Errorf("%s %s: %w", method, path, err))
	}
	defer r.Body.Close()

	responseBody, err := io.ReadAll(r.Body)
	if err != nil {
		return fail(fmt.Errorf("failed to read response: %w", err))
	}

	if r.StatusCode < 200 || r.StatusCode >= 300 {
		se := &StatusError{StatusCode: r.StatusCode}
		var p dispatch.Payload
		if json.Unmarshal(responseBody, &p) == nil && p.Error != nil {
			se.Payload = p.Error
		} else {
			se.Body = strings.TrimSpace(string(responseBody))
		}
		c.logger.Debug("request failed", "method", method, "path", path,
			"status", r.StatusCode, "requestId", requestID)
		return fail(se)
	}

	if err := json.Unmarshal(responseBody, &result); err != nil {
		return fail(fmt.Errorf("failed to decode response: %w", err))
	}
	callback.Result(result, nil)
	return result, nil
}

func get[R any](ctx context.Context, c *Client, path string, result R, callback Callback[R]) (R, error) {
	return do(ctx, c, http.MethodGet, path, nil, result, callback)
}

func post[R any](ctx context.Context, c *Client, path string, args any, result R, callback Callback[R]) (R, error) {
	return do(ctx, c, http.MethodPost, path, args, result, callback)
}

// payload performs a call whose response is a payload and runs the
// postprocessors on it.
func (c *Client) payload(ctx context.Context, method, path string, args any) (*dispatch.Payload, error) {
	p, err := do(ctx, c, method, path, args, &dispatch.Payload{}, NewNoopCallback[*dispatch.Payload]())
	if err != nil {
		return nil, err
	}
	if err := c.postprocess(p); err != nil {
		return p, err
	}
	return p, nil
}

func objectPath(objectType string, id store.ID, kind store.Kind) string {
	path := "/objects/" + url.PathEscape(objectType)
	if id != "" {
		path += "/" + url.PathEscape(string(id))
	}
	if kind != "" {
		path += "/" + url.PathEscape(string(kind))
	}
	return path
}

// FetchState loads the bulk state of the given types, or of every type when
// none are named.
func (c *Client) FetchState(ctx context.Context, types ...string) (*dispatch.Payload, error) {
	path := "/state"
	if len(types) > 0 {
		path += "?types=" + url.QueryEscape(strings.Join(types, ","))
	}
	return c.payload(ctx, http.MethodGet, path, nil)
}

// FetchStateAsync is the callback form of FetchState.
func (c *Client) FetchStateAsync(callback Callback[*dispatch.Payload], types ...string) {
	go func() {
		p, err := c.FetchState(c.ctx, types...)
		callback.Result(p, err)
	}()
}

type fetchArgs struct {
	ObjectType string     `json:"objectType"`
	IDs        []store.ID `json:"ids"`
}

// FetchObjects implements store.Fetcher. Postprocessors do not run here; the
// store imports the result itself.
func (c *Client) FetchObjects(ctx context.Context, objectType string, ids []store.ID) (*store.FetchResult, error) {
	p, err := post(ctx, c, "/fetch", fetchArgs{ObjectType: objectType, IDs: ids},
		&dispatch.Payload{}, NewNoopCallback[*dispatch.Payload]())
	if err != nil {
		return nil, err
	}
	if p.Error != nil {
		return nil, p.Error
	}
	return &store.FetchResult{State: p.State}, nil
}

// CreateObject implements domain.ObjectWriter.
func (c *Client) CreateObject(ctx context.Context, objectType string, fields store.Fields) (*dispatch.Payload, error) {
	return c.payload(ctx, http.MethodPost, objectPath(objectType, "", ""), fields)
}

// CreateObjectAsync is the callback form of CreateObject.
func (c *Client) CreateObjectAsync(objectType string, fields store.Fields, callback Callback[*dispatch.Payload]) {
	go func() {
		p, err := c.CreateObject(c.ctx, objectType, fields)
		callback.Result(p, err)
	}()
}

func (c *Client) UpdateObject(ctx context.Context, objectType string, id store.ID, fields store.Fields) (*dispatch.Payload, error) {
	return c.payload(ctx, http.MethodPatch, objectPath(objectType, id, ""), fields)
}

func (c *Client) DeleteObject(ctx context.Context, objectType string, id store.ID) (*dispatch.Payload, error) {
	return c.payload(ctx, http.MethodDelete, objectPath(objectType, id, ""), nil)
}

// SendEvent implements domain.ObjectWriter: it posts a domain event kind for
// one object.
func (c *Client) SendEvent(ctx context.Context, objectType string, id store.ID, kind store.Kind, data store.Fields) (*dispatch.Payload, error) {
	return c.payload(ctx, http.MethodPost, objectPath(objectType, id, kind), data)
}

// Events pages through the server's event journal after cursor.
func (c *Client) Events(ctx context.Context, cursor int64, stream string) (*dispatch.Payload, error) {
	q := url.Values{}
	q.Set("since", strconv.FormatInt(cursor, 10))
	if stream != "" {
		q.Set("stream", stream)
	}
	return c.payload(ctx, http.MethodGet, "/events?"+q.Encode(), nil)
}

// Health checks that the server answers.
func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	return get(ctx, c, "/healthz", map[string]any{}, NewNoopCallback[map[string]any]())
}
