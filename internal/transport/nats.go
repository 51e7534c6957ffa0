package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/establishment/storesync/internal/store"
)

const DefaultSubjectPrefix = "storesync.streams"

// NATSSource subscribes to streams published on NATS subjects
// <prefix>.<stream>.
type NATSSource struct {
	conn   *nats.Conn
	prefix string
	logger *slog.Logger
}

// ConnectNATS dials a NATS server with reconnects enabled.
func ConnectNATS(url, name string, logger *slog.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats at %s: %w", url, err)
	}
	return nc, nil
}

func NewNATSSource(conn *nats.Conn, prefix string, logger *slog.Logger) *NATSSource {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSSource{conn: conn, prefix: strings.TrimSuffix(prefix, "."), logger: logger.With("component", "nats")}
}

// Subject returns the subject a stream is published on.
func Subject(prefix, stream string) string {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return strings.TrimSuffix(prefix, ".") + "." + stream
}

// Subscribe implements dispatch.StreamSource.
func (s *NATSSource) Subscribe(ctx context.Context, stream string, handler func(store.Event)) error {
	msgs := make(chan *nats.Msg, 64)
	sub, err := s.conn.ChanSubscribe(Subject(s.prefix, stream), msgs)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", stream, err)
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-msgs:
			events, err := store.DecodeEvents(msg.Data)
			if err != nil {
				s.logger.Warn("skipping malformed stream message", "subject", msg.Subject, "error", err)
				continue
			}
			for _, ev := range events {
				handler(ev)
			}
		}
	}
}

// NATSPublisher publishes journal events to their stream subjects.
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
}

func NewNATSPublisher(conn *nats.Conn, prefix string) *NATSPublisher {
	return &NATSPublisher{conn: conn, prefix: prefix}
}

// Publish sends ev on the subject of its stream. Events without a stream are
// not published.
func (p *NATSPublisher) Publish(ev store.Event) error {
	if ev.Stream == "" {
		return nil
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if err := p.conn.Publish(Subject(p.prefix, ev.Stream), data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", ev.Stream, err)
	}
	return nil
}
