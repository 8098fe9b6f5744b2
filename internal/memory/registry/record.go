package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Record is consumer-defined memory for flags, rooms, spawns and power creeps.
// It has no fixed shape beyond being a JSON object.
type Record map[string]any

func (r Record) MarshalJSON() ([]byte, error) {
	if r == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]any(r))
}

// decodeRecord keeps numbers as json.Number so integers beyond 2^53 survive
// a decode and encode unchanged.
func decodeRecord(raw []byte) (Record, error) {
	if string(bytes.TrimSpace(raw)) == "null" {
		return Record{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("expected object: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("expected object: trailing data after record")
	}
	if m == nil {
		m = map[string]any{}
	}
	return Record(m), nil
}

func cloneRecord(r Record) Record {
	if r == nil {
		return nil
	}
	return Record(cloneValue(map[string]any(r)).(map[string]any))
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = cloneValue(e)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
