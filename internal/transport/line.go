package transport

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/establishment/storesync/internal/store"
)

// LineSource replays newline-delimited JSON events, one event or event array
// per line. Each subscription opens its own reader and receives the events of
// its stream; events without a stream go to every subscriber.
type LineSource struct {
	open   func() (io.ReadCloser, error)
	logger *slog.Logger
}

func NewLineSource(open func() (io.ReadCloser, error), logger *slog.Logger) *LineSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &LineSource{open: open, logger: logger.With("component", "lines")}
}

// Subscribe implements dispatch.StreamSource. It returns nil once the input is
// exhausted.
func (s *LineSource) Subscribe(ctx context.Context, stream string, handler func(store.Event)) error {
	r, err := s.open()
	if err != nil {
		return fmt.Errorf("failed to open event log: %w", err)
	}
	defer r.Close()
	_, err = replay(ctx, r, s.logger, func(ev store.Event) {
		if ev.Stream == "" || ev.Stream == stream {
			handler(ev)
		}
	})
	return err
}

// Replay reads every event from r and hands it to handler. Malformed lines are
// logged and skipped. It returns the number of events read.
func Replay(ctx context.Context, r io.Reader, logger *slog.Logger, handler func(store.Event)) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	return replay(ctx, r, logger, handler)
}

func replay(ctx context.Context, r io.Reader, logger *slog.Logger, handler func(store.Event)) (int, error) {
	reader := bufio.NewReader(r)
	n := 0
	for lineNo := 1; ; lineNo++ {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		line, err := reader.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			events, derr := store.DecodeEvents(line)
			if derr != nil {
				logger.Warn("skipping malformed line", "line", lineNo, "error", derr)
			} else {
				for _, ev := range events {
					handler(ev)
					n++
				}
			}
		}
		if err != nil {
			if err == io.EOF {
				return n, nil
			}
			return n, fmt.Errorf("read error: %w", err)
		}
	}
}
