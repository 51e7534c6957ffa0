package server

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/establishment/storesync/internal/store"
)

func TestHubPublishesToStream(t *testing.T) {
	h := NewHub(nil, nil)
	a := h.subscribe("a")
	b := h.subscribe("b")

	h.Publish(store.Event{Type: store.KindCreate, ObjectType: "User", Stream: "a"})
	h.Publish(store.Event{Type: store.KindCreate, ObjectType: "User"})

	assert.Len(t, a.send, 1)
	assert.Len(t, b.send, 0)
	assert.Equal(t, map[string]int{"a": 1, "b": 1}, h.Streams())

	h.unsubscribe(a)
	h.unsubscribe(a)
	assert.Equal(t, 1, h.Subscribers())
}

func TestHubDropsSlowSubscriber(t *testing.T) {
	h := NewHub(nil, nil)
	sub := h.subscribe("a")
	for i := 0; i < subscriberBuffer+1; i++ {
		h.Publish(store.Event{Type: store.KindUpdate, ObjectType: "User", ObjectID: "1", Stream: "a"})
	}

	select {
	case <-sub.dropped:
	default:
		t.Fatal("expected the subscriber to be dropped")
	}
	assert.Equal(t, 0, h.Subscribers())
}

func TestHubClose(t *testing.T) {
	h := NewHub(nil, nil)
	sub := h.subscribe("a")
	h.Close()
	_, open := <-sub.dropped
	assert.False(t, open)

	late := h.subscribe("a")
	_, open = <-late.dropped
	assert.False(t, open)
	assert.Equal(t, 0, h.Subscribers())
}
