package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// TempPrefix marks ids of virtual entities that the server has not confirmed yet.
const TempPrefix = "temp-"

// ID identifies an entity within its store. The server sends either JSON numbers
// or strings; both decode into the same canonical string form.
type ID string

// IntID returns the ID for an integer server id.
func IntID(n int64) ID {
	return ID(strconv.FormatInt(n, 10))
}

// TempID returns the temporary id for the n-th locally created entity.
func TempID(n int64) ID {
	return ID(TempPrefix + strconv.FormatInt(n, 10))
}

// IsTemp reports whether the id is a temporary (unconfirmed) id.
func (id ID) IsTemp() bool {
	return strings.HasPrefix(string(id), TempPrefix)
}

func (id ID) String() string { return string(id) }

// ParseID converts a raw decoded JSON value into an ID.
func ParseID(v any) (ID, error) {
	switch t := v.(type) {
	case nil:
		return "", ErrMissingID
	case ID:
		if t == "" {
			return "", ErrMissingID
		}
		return t, nil
	case string:
		if t == "" {
			return "", ErrMissingID
		}
		return ID(t), nil
	case json.Number:
		n, err := t.Int64()
		if err != nil {
			return "", fmt.Errorf("non-integer id %s", t)
		}
		return IntID(n), nil
	case float64:
		if t != math.Trunc(t) || math.IsInf(t, 0) {
			return "", fmt.Errorf("non-integer id %v", t)
		}
		if math.Abs(t) > maxExactInt {
			return "", fmt.Errorf("id %v is beyond exact float range", t)
		}
		return IntID(int64(t)), nil
	case int:
		return IntID(int64(t)), nil
	case int64:
		return IntID(t), nil
	case int32:
		return IntID(int64(t)), nil
	case uint64:
		return ID(strconv.FormatUint(t, 10)), nil
	default:
		return "", fmt.Errorf("unsupported id type %T", v)
	}
}

// MarshalJSON encodes integer ids as JSON numbers and everything else as strings.
func (id ID) MarshalJSON() ([]byte, error) {
	if n, err := strconv.ParseInt(string(id), 10, 64); err == nil && strconv.FormatInt(n, 10) == string(id) {
		return []byte(id), nil
	}
	return json.Marshal(string(id))
}

// UnmarshalJSON accepts both numbers and strings.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("decode id: %w", err)
	}
	parsed, err := ParseID(n)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// NormalizedID strips a leading temp prefix and parses the rest as an integer,
// so temporary and confirmed ids order consistently.
func NormalizedID(id ID) (int64, error) {
	s := strings.TrimPrefix(string(id), TempPrefix)
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("normalize id %q: %w", id, err)
	}
	return n, nil
}

// SortByNormalizedID sorts entities in place by normalized id. Entities whose id
// does not normalize sort last, by raw id.
func SortByNormalizedID(entities []*Entity) {
	sort.SliceStable(entities, func(i, j int) bool {
		a, errA := NormalizedID(entities[i].ID())
		b, errB := NormalizedID(entities[j].ID())
		switch {
		case errA != nil && errB != nil:
			return entities[i].ID() < entities[j].ID()
		case errA != nil:
			return false
		case errB != nil:
			return true
		}
		return a < b
	})
}
