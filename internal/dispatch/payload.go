package dispatch

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/establishment/storesync/internal/store"
)

// State is a bulk payload: object type to the full field sets of its objects.
type State map[string][]store.Fields

// Count returns the total number of objects in the state.
func (s State) Count() int {
	n := 0
	for _, objects := range s {
		n += len(objects)
	}
	return n
}

// PayloadError is the error member of a server response.
type PayloadError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *PayloadError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// UnmarshalJSON accepts both a bare string and an object.
func (e *PayloadError) UnmarshalJSON(data []byte) error {
	var msg string
	if err := json.Unmarshal(data, &msg); err == nil {
		e.Message = msg
		return nil
	}
	type plain PayloadError
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*e = PayloadError(p)
	return nil
}

// Payload is the response envelope of every server endpoint.
type Payload struct {
	State  State         `json:"state,omitempty"`
	Events []store.Event `json:"events,omitempty"`
	// Cursor is the journal position after the last event, for paging.
	Cursor int64         `json:"cursor,omitempty"`
	Error  *PayloadError `json:"error,omitempty"`
}

// DecodePayload reads one JSON payload.
func DecodePayload(r io.Reader) (*Payload, error) {
	var p Payload
	dec := json.NewDecoder(r)
	dec.UseNumber()
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}
	return &p, nil
}
