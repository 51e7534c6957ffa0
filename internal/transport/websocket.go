package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/establishment/storesync/internal/store"
)

type WebsocketSettings struct {
	HandshakeTimeout time.Duration
	ReconnectTimeout time.Duration
	PingTimeout      time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	Token            string
	// MaxReconnects bounds consecutive failed dials. Zero means unbounded.
	MaxReconnects int
}

func DefaultWebsocketSettings() *WebsocketSettings {
	pingTimeout := 5 * time.Second
	return &WebsocketSettings{
		HandshakeTimeout: 5 * time.Second,
		ReconnectTimeout: 2 * time.Second,
		PingTimeout:      pingTimeout,
		// the server pings at the same rate, so a read is expected at least every ping
		ReadTimeout:  3 * pingTimeout,
		WriteTimeout: 5 * time.Second,
	}
}

// WebsocketSource reads stream events from the server's /streams/{name}
// websocket endpoint, reconnecting until the subscription context ends.
type WebsocketSource struct {
	baseURL  string
	settings *WebsocketSettings
	dialer   *websocket.Dialer
	logger   *slog.Logger
}

// NewWebsocketSource accepts an http(s) or ws(s) base URL.
func NewWebsocketSource(baseURL string, settings *WebsocketSettings, logger *slog.Logger) (*WebsocketSource, error) {
	if settings == nil {
		settings = DefaultWebsocketSettings()
	}
	if logger == nil {
		logger = slog.Default()
	}
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	return &WebsocketSource{
		baseURL:  u.String(),
		settings: settings,
		dialer:   &websocket.Dialer{HandshakeTimeout: settings.HandshakeTimeout},
		logger:   logger.With("component", "websocket"),
	}, nil
}

// Subscribe implements dispatch.StreamSource.
func (s *WebsocketSource) Subscribe(ctx context.Context, stream string, handler func(store.Event)) error {
	streamURL := s.baseURL + "/streams/" + url.PathEscape(stream)
	header := http.Header{}
	if s.settings.Token != "" {
		header.Set("Authorization", "Bearer "+s.settings.Token)
	}

	failures := 0
	for {
		ws, _, err := s.dialer.DialContext(ctx, streamURL, header)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures++
			if s.settings.MaxReconnects > 0 && failures >= s.settings.MaxReconnects {
				return fmt.Errorf("failed to connect to stream %s: %w", stream, err)
			}
			s.logger.Warn("stream connect failed", "stream", stream, "error", err)
		} else {
			failures = 0
			err = s.run(ctx, ws, stream, handler)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Info("stream disconnected", "stream", stream, "error", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.settings.ReconnectTimeout):
		}
	}
}

func (s *WebsocketSource) run(ctx context.Context, ws *websocket.Conn, stream string, handler func(store.Event)) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer ws.Close()

	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(s.settings.ReadTimeout))
	})

	go func() {
		defer ws.Close()
		for {
			select {
			case <-runCtx.Done():
				ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(s.settings.WriteTimeout))
				return
			case <-time.After(s.settings.PingTimeout):
			}
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.settings.WriteTimeout)); err != nil {
				return
			}
		}
	}()

	for {
		ws.SetReadDeadline(time.Now().Add(s.settings.ReadTimeout))
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		if messageType != websocket.TextMessage {
			continue
		}
		events, err := store.DecodeEvents(message)
		if err != nil {
			s.logger.Warn("skipping malformed stream message", "stream", stream, "error", err)
			continue
		}
		for _, ev := range events {
			handler(ev)
		}
	}
}

