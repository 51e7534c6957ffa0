// Package domain defines the typed entity kinds served by storesync and wires
// their stores into a registry.
package domain

import (
	"fmt"
	"log/slog"

	"github.com/establishment/storesync/internal/dispatch"
	"github.com/establishment/storesync/internal/store"
)

// Object types as they appear on the wire.
const (
	TypeUser          = "User"
	TypeArticle       = "Article"
	TypeMessageThread = "MessageThread"
	TypeMessage       = "Message"
)

// Domain event kinds.
const (
	KindEdit     store.Kind = "edit"
	KindReaction store.Kind = "reaction"
)

// GlobalStream carries changes that are not scoped to a thread.
const GlobalStream = "global"

// Types lists every object type in dependency order.
var Types = []string{TypeUser, TypeArticle, TypeMessageThread, TypeMessage}

type Options struct {
	Logger *slog.Logger
	// CorrelationField names the create-event field that confirms an
	// optimistic message. Defaults to store.DefaultCorrelationField.
	CorrelationField string
}

// Stores holds the domain stores and the registry they are registered in.
type Stores struct {
	Registry *dispatch.Registry

	Users    *store.Store
	Articles *store.Store
	Threads  *store.Store
	Messages *store.Store

	logger *slog.Logger
}

// NewStores creates the four domain stores and registers them.
func NewStores(opts Options) (*Stores, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	st := &Stores{Registry: dispatch.NewRegistry(), logger: logger}

	st.Users = store.New(TypeUser, store.Options{
		Schema: userSchema,
		Logger: logger,
	})
	st.Articles = store.New(TypeArticle, store.Options{
		Schema:       articleSchema,
		Dependencies: []string{TypeUser},
		OnConstruct:  st.constructArticle,
		Logger:       logger,
	})
	st.Threads = store.New(TypeMessageThread, store.Options{
		Schema: threadSchema,
		Logger: logger,
	})
	st.Messages = store.New(TypeMessage, store.Options{
		Schema:       messageSchema,
		Dependencies: []string{TypeMessageThread, TypeUser},
		OnConstruct:  st.constructMessage,
		Virtual:      &store.VirtualOptions{CorrelationField: opts.CorrelationField},
		Logger:       logger,
	})
	for _, s := range []*store.Store{st.Users, st.Articles, st.Threads, st.Messages} {
		if err := st.Registry.Register(s); err != nil {
			return nil, fmt.Errorf("failed to register %s store: %w", s.Name(), err)
		}
	}
	for objectType, kinds := range Reducers() {
		s, _ := st.Registry.Lookup(objectType)
		for kind, r := range kinds {
			s.HandleKind(kind, kindHandler(r))
		}
	}
	return st, nil
}

// EnableFetch turns on fetch batching for every store.
func (st *Stores) EnableFetch(opts store.FetchOptions) {
	for _, s := range st.Registry.Stores() {
		s.EnableFetch(opts)
	}
}

// Counts returns the number of loaded objects per type.
func (st *Stores) Counts() map[string]int {
	out := make(map[string]int, len(Types))
	for _, s := range st.Registry.Stores() {
		out[s.Name()] = s.Len()
	}
	return out
}

// Close stops fetch batching on every store.
func (st *Stores) Close() {
	st.Registry.Close()
}

func (st *Stores) constructArticle(_ *store.Store, e *store.Entity) {
	if author, ok := e.Ref("authorId"); ok {
		if _, found := st.Users.Get(author); !found {
			st.logger.Debug("article author not loaded", "objectId", e.ID(), "authorId", author)
		}
	}
}

func (st *Stores) constructMessage(_ *store.Store, e *store.Entity) {
	if thread, ok := e.Ref("messageThreadId"); ok {
		if _, found := st.Threads.Get(thread); !found {
			st.logger.Debug("message thread not loaded", "objectId", e.ID(), "messageThreadId", thread)
		}
	}
}

// ThreadStream names the stream of a message thread.
func ThreadStream(thread store.ID) string {
	return "messagethread-" + string(thread)
}

// StreamFor picks the stream a change to an object is published on: messages
// and threads go to their thread's stream, everything else to GlobalStream.
func StreamFor(objectType string, fields store.Fields) string {
	switch objectType {
	case TypeMessage:
		if thread, err := store.ParseID(fields["messageThreadId"]); err == nil {
			return ThreadStream(thread)
		}
	case TypeMessageThread:
		if id, err := fields.ID(); err == nil {
			return ThreadStream(id)
		}
	}
	return GlobalStream
}
