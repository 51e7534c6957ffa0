package store

import (
	"encoding/json"
	"log/slog"
)

// FieldType is the declared JSON type of an entity field.
type FieldType string

const (
	FieldAny    FieldType = "any"
	FieldString FieldType = "string"
	FieldNumber FieldType = "number"
	FieldBool   FieldType = "bool"
	FieldObject FieldType = "object"
	FieldArray  FieldType = "array"
)

// Schema declares the optional fields of one entity kind. A nil Schema accepts
// every field as is.
type Schema struct {
	Fields map[string]FieldType
	// Strict drops undeclared fields instead of keeping them as open attributes.
	Strict bool
}

func (t FieldType) accepts(v any) bool {
	if v == nil {
		return true
	}
	switch t {
	case FieldAny, "":
		return true
	case FieldString:
		_, ok := v.(string)
		return ok
	case FieldNumber:
		switch v.(type) {
		case float64, float32, int, int32, int64, uint, uint32, uint64, json.Number:
			return true
		}
		return false
	case FieldBool:
		_, ok := v.(bool)
		return ok
	case FieldObject:
		switch v.(type) {
		case map[string]any, Fields:
			return true
		}
		return false
	case FieldArray:
		_, ok := v.([]any)
		return ok
	}
	return false
}

// filter returns the subset of fields the schema admits. Rejected fields are
// logged and skipped; "id" is always admitted.
func (s *Schema) filter(logger *slog.Logger, objectType string, fields Fields) Fields {
	if s == nil {
		return fields
	}
	out := make(Fields, len(fields))
	for name, v := range fields {
		if name == "id" {
			out[name] = v
			continue
		}
		t, declared := s.Fields[name]
		if !declared {
			if s.Strict {
				logger.Warn("dropping undeclared field", "objectType", objectType, "field", name)
				continue
			}
			out[name] = v
			continue
		}
		if !t.accepts(v) {
			logger.Warn("dropping field with unexpected type",
				"objectType", objectType, "field", name, "want", string(t))
			continue
		}
		out[name] = v
	}
	return out
}
