package domain

import (
	"fmt"

	"github.com/establishment/storesync/internal/store"
)

var threadSchema = &store.Schema{Fields: map[string]store.FieldType{
	"name": store.FieldString,
}}

var messageSchema = &store.Schema{Fields: map[string]store.FieldType{
	"messageThreadId": store.FieldAny,
	"userId":          store.FieldAny,
	"content":         store.FieldString,
	"reactions":       store.FieldObject,
}}

type MessageThread struct {
	*store.Entity
}

func (t MessageThread) Name() string { return t.String("name") }

// StreamName is the stream the thread's messages are published on.
func (t MessageThread) StreamName() string { return ThreadStream(t.ID()) }

type Message struct {
	*store.Entity
}

func (m Message) Content() string { return m.String("content") }

func (m Message) ThreadID() store.ID {
	id, _ := m.Ref("messageThreadId")
	return id
}

func (m Message) UserID() store.ID {
	id, _ := m.Ref("userId")
	return id
}

// Pending reports whether the message is still waiting for server confirmation.
func (m Message) Pending() bool { return m.Virtual() }

// Reactions returns the reaction counts keyed by reaction name.
func (m Message) Reactions() map[string]int64 {
	return reactionCounts(m.Entity)
}

func reactionCounts(e *store.Entity) map[string]int64 {
	raw, _ := e.Get("reactions")
	return countsOf(raw)
}

func countsOf(raw any) map[string]int64 {
	out := map[string]int64{}
	var m map[string]any
	switch r := raw.(type) {
	case map[string]any:
		m = r
	case store.Fields:
		m = r
	}
	for name, v := range m {
		switch n := v.(type) {
		case float64:
			out[name] = int64(n)
		case int64:
			out[name] = n
		case int:
			out[name] = int64(n)
		}
	}
	return out
}

// reduceReaction adjusts one reaction counter. The event data carries the
// reaction name and a delta, which defaults to 1; "removed": true means -1.
func reduceReaction(current, data store.Fields) (store.Fields, error) {
	name, _ := data["reaction"].(string)
	if name == "" {
		return nil, fmt.Errorf("%w: reaction name missing", store.ErrMalformedEvent)
	}
	delta := int64(1)
	if removed, _ := data["removed"].(bool); removed {
		delta = -1
	}
	if d, ok := data["delta"].(float64); ok {
		delta = int64(d)
	}

	counts := countsOf(current["reactions"])
	counts[name] += delta
	reactions := make(map[string]any, len(counts))
	for k, n := range counts {
		if n > 0 {
			reactions[k] = float64(n)
		}
	}
	return store.Fields{"reactions": reactions}, nil
}

func (st *Stores) MessageThread(id store.ID) (MessageThread, bool) {
	e, ok := st.Threads.Get(id)
	if !ok {
		return MessageThread{}, false
	}
	return MessageThread{e}, true
}

func (st *Stores) Message(id store.ID) (Message, bool) {
	e, ok := st.Messages.Get(id)
	if !ok {
		return Message{}, false
	}
	return Message{e}, true
}
