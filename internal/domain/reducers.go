package domain

import "github.com/establishment/storesync/internal/store"

// Reducer computes the fields a domain event merges into an object, given the
// object's current fields and the event data. The client stores and the
// reference server share the reducers so both sides agree on the result.
type Reducer func(current, data store.Fields) (store.Fields, error)

// Reducers returns the domain event kinds of every object type.
func Reducers() map[string]map[store.Kind]Reducer {
	return map[string]map[store.Kind]Reducer{
		TypeArticle: {KindEdit: reduceEdit},
		TypeMessage: {KindReaction: reduceReaction},
	}
}

func kindHandler(r Reducer) store.KindHandler {
	return func(e *store.Entity, ev store.Event) (store.Fields, error) {
		return r(e.Fields(), ev.Data)
	}
}
