package store

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Kind names an event or notification type.
type Kind string

const (
	KindCreate   Kind = "create"
	KindUpdate   Kind = "update"
	KindDelete   Kind = "delete"
	KindIDChange Kind = "idChange"
)

// Fields is the raw attribute payload of an entity as sent by the server.
type Fields map[string]any

// maxExactInt is the largest integer a float64 represents exactly.
const maxExactInt = 1 << 53

// UnmarshalJSON decodes numbers as float64, except integers beyond the exact
// float64 range, which are kept as int64 so large ids survive.
func (f *Fields) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		m[k] = decodeNumbers(v)
	}
	*f = m
	return nil
}

func decodeNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		if n, err := t.Int64(); err == nil && (n > maxExactInt || n < -maxExactInt) {
			return n
		}
		if x, err := t.Float64(); err == nil {
			return x
		}
		return t
	case map[string]any:
		for k, x := range t {
			t[k] = decodeNumbers(x)
		}
	case []any:
		for i, x := range t {
			t[i] = decodeNumbers(x)
		}
	}
	return v
}

// Clone returns a shallow copy.
func (f Fields) Clone() Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// ID extracts the "id" field.
func (f Fields) ID() (ID, error) {
	return ParseID(f["id"])
}

// Event is the wire envelope for a change to one entity.
type Event struct {
	EventID    string `json:"eventId,omitempty"`
	Type       Kind   `json:"type"`
	ObjectType string `json:"objectType"`
	ObjectID   ID     `json:"objectId,omitempty"`
	Data       Fields `json:"data,omitempty"`
	Stream     string `json:"stream,omitempty"`
}

// Validate checks the envelope fields every store needs.
func (e Event) Validate() error {
	if e.Type == "" {
		return fmt.Errorf("%w: missing type", ErrMalformedEvent)
	}
	if e.ObjectType == "" {
		return fmt.Errorf("%w: missing objectType", ErrMalformedEvent)
	}
	if e.ObjectID == "" && e.Type != KindCreate {
		return fmt.Errorf("%w: missing objectId", ErrMalformedEvent)
	}
	return nil
}

// TargetID is the id the event applies to, falling back to data.id for creates.
func (e Event) TargetID() (ID, error) {
	if e.ObjectID != "" {
		return e.ObjectID, nil
	}
	return e.Data.ID()
}

// DecodeEvents decodes either a single event object or an array of events.
func DecodeEvents(data []byte) ([]Event, error) {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var events []Event
		if err := json.Unmarshal(data, &events); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		return events, nil
	}
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return []Event{ev}, nil
}

// Change is delivered to entity and store listeners.
type Change struct {
	Kind   Kind
	Entity *Entity
	// Event is the originating event, nil for local operations.
	Event *Event
	// Virtual is set for creations of optimistic entities.
	Virtual bool
	// PreviousID is set on KindIDChange.
	PreviousID ID
}
