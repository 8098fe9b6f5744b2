package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"colonymem.dev/internal/memory/schema"
)

const (
	keyProfiler = "profiler"
	// Older scripts persisted the profiler under a misspelled key.
	keyProfilerLegacy = "profiller"
)

// LoadReport describes records that were rewritten while decoding.
type LoadReport struct {
	// Coerced lists creep names whose persisted record was replaced by the
	// unknown-role policy.
	Coerced []string
}

// Decode parses the persisted memory root. Creep records are classified at
// this boundary; policy decides what happens to records that do not match a
// declared variant. An empty input yields an empty registry.
func Decode(raw []byte, policy schema.UnknownRolePolicy) (*Registry, LoadReport, error) {
	var rep LoadReport
	reg := New()
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return reg, rep, nil
	}

	var root map[string]json.RawMessage
	if err := json.Unmarshal(raw, &root); err != nil {
		return nil, rep, fmt.Errorf("memory root: %w", err)
	}

	if _, ok := root[keyProfilerLegacy]; ok {
		if _, ok := root[keyProfiler]; !ok {
			reg.profilerKey = keyProfilerLegacy
		}
	}
	for key, val := range root {
		switch key {
		case string(Creeps):
			entries, err := decodeEntries(key, val)
			if err != nil {
				return nil, rep, err
			}
			for name, e := range entries {
				m, coerced, err := schema.Decode(e, policy)
				if err != nil {
					return nil, rep, fmt.Errorf("creeps[%q]: %w", name, err)
				}
				if coerced {
					rep.Coerced = append(rep.Coerced, name)
				}
				reg.creeps.Set(name, m)
			}
		case string(Flags), string(Rooms), string(Spawns), string(PowerCreeps):
			t, _ := reg.records(Category(key))
			entries, err := decodeEntries(key, val)
			if err != nil {
				return nil, rep, err
			}
			for name, e := range entries {
				rec, err := decodeRecord(e)
				if err != nil {
					return nil, rep, fmt.Errorf("%s[%q]: %w", key, name, err)
				}
				t.Set(name, rec)
			}
		case keyProfiler, keyProfilerLegacy:
			if string(val) == "null" {
				continue
			}
			var p ProfilerMemory
			if err := json.Unmarshal(val, &p); err != nil {
				return nil, rep, fmt.Errorf("%s: %w", key, err)
			}
			for k, v := range p {
				e := reg.Profiler[k]
				e.Sum += v.Sum
				e.Count += v.Count
				reg.Profiler[k] = e
			}
		default:
			reg.Extra[key] = append(json.RawMessage(nil), val...)
		}
	}
	sort.Strings(rep.Coerced)
	return reg, rep, nil
}

func decodeEntries(key string, raw json.RawMessage) (map[string]json.RawMessage, error) {
	if string(raw) == "null" {
		return nil, nil
	}
	var entries map[string]json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("%s: expected object keyed by name: %w", key, err)
	}
	return entries, nil
}

// Encode renders the memory root as JSON. Output is deterministic: keys are
// sorted at every level.
func (r *Registry) Encode() ([]byte, error) {
	root := make(map[string]any, len(r.Extra)+6)
	for k, v := range r.Extra {
		root[k] = v
	}
	creeps := make(map[string]json.Marshaler, r.creeps.Len())
	for n, m := range r.creeps.m {
		if err := schema.Validate(m); err != nil {
			return nil, fmt.Errorf("creeps[%q]: %w", n, err)
		}
		creeps[n] = m.(json.Marshaler)
	}
	root[string(Creeps)] = creeps
	root[string(Flags)] = r.Flags.m
	root[string(Rooms)] = r.Rooms.m
	root[string(Spawns)] = r.Spawns.m
	root[string(PowerCreeps)] = r.PowerCreeps.m
	if len(r.Profiler) > 0 {
		key := r.profilerKey
		if key == "" {
			key = keyProfiler
		}
		root[key] = r.Profiler
	}
	return json.Marshal(root)
}

func (r *Registry) MarshalJSON() ([]byte, error) { return r.Encode() }

// DecodeValue parses one record of category c.
func DecodeValue(c Category, raw []byte, policy schema.UnknownRolePolicy) (v Value, coerced bool, err error) {
	if c == Creeps {
		m, coerced, err := schema.Decode(raw, policy)
		if err != nil {
			return nil, false, err
		}
		return m.(Value), coerced, nil
	}
	if _, err := ParseCategory(string(c)); err != nil {
		return nil, false, err
	}
	rec, err := decodeRecord(raw)
	if err != nil {
		return nil, false, err
	}
	return rec, false, nil
}
