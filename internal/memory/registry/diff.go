package registry

import (
	"bytes"
	"encoding/json"
	"fmt"

	"colonymem.dev/internal/memory/schema"
)

const (
	OpSet    = "set"
	OpRemove = "remove"
)

// RootKeys is the pseudo-category used in changes to consumer-defined root
// keys. It is accepted by Apply only.
const RootKeys Category = "$root"

// Change is one record that differs between two registries.
type Change struct {
	Category Category `json:"category"`
	Name     string   `json:"name"`
	Op       string   `json:"op"`
	// Role is the creep role after a set.
	Role string `json:"role,omitempty"`
}

// Diff lists the records that were set or removed going from prev to next,
// ordered by category then name.
func Diff(prev, next *Registry) []Change {
	var out []Change
	for _, c := range categories {
		before := map[string][]byte{}
		for _, n := range prev.Names(c) {
			v, _ := prev.Get(c, n)
			b, _ := json.Marshal(v)
			before[n] = b
		}
		for _, n := range next.Names(c) {
			v, _ := next.Get(c, n)
			b, _ := json.Marshal(v)
			old, had := before[n]
			delete(before, n)
			if had && bytes.Equal(old, b) {
				continue
			}
			ch := Change{Category: c, Name: n, Op: OpSet}
			if c == Creeps {
				if m, ok := next.Creep(n); ok {
					ch.Role = string(m.Role())
				}
			}
			out = append(out, ch)
		}
		removed := make([]string, 0, len(before))
		for n := range before {
			removed = append(removed, n)
		}
		for _, n := range sortedStrings(removed) {
			out = append(out, Change{Category: c, Name: n, Op: OpRemove})
		}
	}
	return append(out, diffExtra(prev, next)...)
}

func diffExtra(prev, next *Registry) []Change {
	keys := make([]string, 0, len(prev.Extra)+len(next.Extra))
	seen := map[string]struct{}{}
	for _, m := range []map[string]json.RawMessage{prev.Extra, next.Extra} {
		for k := range m {
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				keys = append(keys, k)
			}
		}
	}
	var out []Change
	for _, k := range sortedStrings(keys) {
		a, hadA := prev.Extra[k]
		b, hasB := next.Extra[k]
		switch {
		case !hasB:
			out = append(out, Change{Category: RootKeys, Name: k, Op: OpRemove})
		case !hadA || !jsonEqual(a, b):
			out = append(out, Change{Category: RootKeys, Name: k, Op: OpSet})
		}
	}
	return out
}

// jsonEqual compares two documents ignoring insignificant whitespace.
func jsonEqual(a, b json.RawMessage) bool {
	if bytes.Equal(a, b) {
		return true
	}
	var ca, cb bytes.Buffer
	if json.Compact(&ca, a) != nil || json.Compact(&cb, b) != nil {
		return false
	}
	return bytes.Equal(ca.Bytes(), cb.Bytes())
}

// ValueOf returns the encoded record a set change refers to.
func (r *Registry) ValueOf(ch Change) (json.RawMessage, error) {
	if ch.Category == RootKeys {
		v, ok := r.Extra[ch.Name]
		if !ok {
			return nil, fmt.Errorf("root key %q not present", ch.Name)
		}
		return v, nil
	}
	v, ok := r.Get(ch.Category, ch.Name)
	if !ok {
		return nil, fmt.Errorf("%s[%q] not present", ch.Category, ch.Name)
	}
	return json.Marshal(v)
}

// Apply replays one change. Creep values must decode without coercion.
func (r *Registry) Apply(ch Change, value json.RawMessage) error {
	switch ch.Op {
	case OpRemove:
		if ch.Category == RootKeys {
			delete(r.Extra, ch.Name)
			return nil
		}
		if _, err := ParseCategory(string(ch.Category)); err != nil {
			return err
		}
		r.Remove(ch.Category, ch.Name)
		return nil
	case OpSet:
		if ch.Category == RootKeys {
			if len(value) == 0 {
				return fmt.Errorf("root key %q: empty value", ch.Name)
			}
			r.Extra[ch.Name] = append(json.RawMessage(nil), value...)
			return nil
		}
		v, _, err := DecodeValue(ch.Category, value, schema.PolicyReject)
		if err != nil {
			return fmt.Errorf("%s[%q]: %w", ch.Category, ch.Name, err)
		}
		return r.Set(ch.Category, ch.Name, v)
	}
	return fmt.Errorf("unknown change op %q", ch.Op)
}
