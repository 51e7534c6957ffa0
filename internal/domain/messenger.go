package domain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/establishment/storesync/internal/dispatch"
	"github.com/establishment/storesync/internal/store"
)

// ObjectWriter sends object writes to the server. The response payload
// carries the events the write produced.
type ObjectWriter interface {
	CreateObject(ctx context.Context, objectType string, fields store.Fields) (*dispatch.Payload, error)
	SendEvent(ctx context.Context, objectType string, id store.ID, kind store.Kind, data store.Fields) (*dispatch.Payload, error)
}

// PayloadImporter applies a server response, normally a *dispatch.Dispatcher.
type PayloadImporter interface {
	ImportPayload(p *dispatch.Payload) error
}

// Messenger posts messages optimistically: the message is shown at once as a
// pending entity and confirmed in place when the server's create event comes
// back, either in the write response or on the thread's stream.
type Messenger struct {
	stores   *Stores
	writer   ObjectWriter
	importer PayloadImporter
	logger   *slog.Logger
}

func NewMessenger(stores *Stores, writer ObjectWriter, importer PayloadImporter, logger *slog.Logger) *Messenger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Messenger{stores: stores, writer: writer, importer: importer, logger: logger}
}

// Send creates a pending message in thread and posts it. When the write fails
// the pending message is discarded and the error returned.
func (m *Messenger) Send(ctx context.Context, thread, user store.ID, content string) (Message, error) {
	fields := store.Fields{
		"messageThreadId": thread,
		"userId":          user,
		"content":         content,
	}
	e, err := m.stores.Messages.CreateVirtual(fields, 0)
	if err != nil {
		return Message{}, fmt.Errorf("failed to create pending message: %w", err)
	}

	body := fields.Clone()
	body[m.stores.Messages.CorrelationField()] = e.ID()
	p, err := m.writer.CreateObject(ctx, TypeMessage, body)
	if err != nil {
		if derr := m.stores.Messages.DiscardVirtual(e); derr != nil && !errors.Is(derr, store.ErrNotVirtual) {
			m.logger.Warn("failed to discard pending message", "virtualId", e.ID(), "error", derr)
		}
		return Message{}, fmt.Errorf("failed to send message: %w", err)
	}
	if p != nil && m.importer != nil {
		if err := m.importer.ImportPayload(p); err != nil {
			m.logger.Warn("message response carried an error", "virtualId", e.ID(), "error", err)
		}
	}
	return Message{e}, nil
}

// React adds or removes a reaction on a confirmed message.
func (m *Messenger) React(ctx context.Context, message store.ID, reaction string, removed bool) error {
	msg, ok := m.stores.Message(message)
	if !ok {
		return fmt.Errorf("failed to react to %s: %w", message, store.ErrUnknownID)
	}
	if msg.Pending() {
		return fmt.Errorf("failed to react to %s: message not confirmed yet", message)
	}
	p, err := m.writer.SendEvent(ctx, TypeMessage, message, KindReaction, store.Fields{
		"reaction": reaction,
		"removed":  removed,
	})
	if err != nil {
		return fmt.Errorf("failed to react to %s: %w", message, err)
	}
	if p != nil && m.importer != nil {
		return m.importer.ImportPayload(p)
	}
	return nil
}
