package domain

import "github.com/establishment/storesync/internal/store"

// Thread is a message thread together with its messages.
type Thread struct {
	MessageThread
	messages *store.Store
}

// Thread returns the view of a loaded message thread.
func (st *Stores) Thread(id store.ID) (Thread, bool) {
	t, ok := st.MessageThread(id)
	if !ok {
		return Thread{}, false
	}
	return Thread{MessageThread: t, messages: st.Messages}, true
}

// Messages returns the thread's messages ordered by normalized id, so pending
// messages sort among the confirmed ones by their local counter.
func (t Thread) Messages() []Message {
	id := t.ID()
	entities := t.messages.Filter(func(e *store.Entity) bool {
		ref, ok := e.Ref("messageThreadId")
		return ok && ref == id
	})
	store.SortByNormalizedID(entities)
	out := make([]Message, len(entities))
	for i, e := range entities {
		out[i] = Message{e}
	}
	return out
}

// OnMessage calls fn for every message created in, or confirmed into, the
// thread. The returned func stops the notifications.
func (t Thread) OnMessage(fn func(Message, store.Change)) func() {
	id := t.ID()
	belongs := func(c store.Change) {
		if ref, ok := c.Entity.Ref("messageThreadId"); ok && ref == id {
			fn(Message{c.Entity}, c)
		}
	}
	removeCreate := t.messages.AddCreateListener(belongs)
	removeIDChange := t.messages.AddListener(store.KindIDChange, belongs)
	return func() {
		removeCreate()
		removeIDChange()
	}
}
