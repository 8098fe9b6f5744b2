package registry

import (
	"encoding/json"
	"fmt"
	"sort"

	"colonymem.dev/internal/memory/schema"
)

// Value is one persisted record: schema.CreepMemory under Creeps, Record
// under every other category.
type Value = json.Marshaler

// Registry is the memory root for one tick. Creep records are only written
// through SetCreep, so every stored creep has passed schema.Validate when it
// was set; Validate rechecks records that were mutated in place.
type Registry struct {
	creeps      *Table[schema.CreepMemory]
	Flags       *Table[Record]
	Rooms       *Table[Record]
	Spawns      *Table[Record]
	PowerCreeps *Table[Record]

	Profiler ProfilerMemory
	// profilerKey is the root key Profiler was loaded from and is encoded under.
	profilerKey string

	// Extra holds consumer-defined root keys verbatim.
	Extra map[string]json.RawMessage
}

func New() *Registry {
	return &Registry{
		creeps:      newTable[schema.CreepMemory](),
		Flags:       newTable[Record](),
		Rooms:       newTable[Record](),
		Spawns:      newTable[Record](),
		PowerCreeps: newTable[Record](),
		Profiler:    ProfilerMemory{},
		Extra:       map[string]json.RawMessage{},
	}
}

func (r *Registry) records(c Category) (*Table[Record], bool) {
	switch c {
	case Flags:
		return r.Flags, true
	case Rooms:
		return r.Rooms, true
	case Spawns:
		return r.Spawns, true
	case PowerCreeps:
		return r.PowerCreeps, true
	}
	return nil, false
}

// Get returns the record stored under name. A missing record is reported
// with ok=false, never as an error.
func (r *Registry) Get(c Category, name string) (v Value, ok bool) {
	if c == Creeps {
		m, ok := r.creeps.Get(name)
		if !ok {
			return nil, false
		}
		return m.(Value), true
	}
	t, known := r.records(c)
	if !known {
		return nil, false
	}
	rec, ok := t.Get(name)
	if !ok {
		return nil, false
	}
	return rec, true
}

// Set replaces the record stored under name. There is no merge: the previous
// record, whatever its variant, is discarded.
func (r *Registry) Set(c Category, name string, v Value) error {
	if c == Creeps {
		m, ok := v.(schema.CreepMemory)
		if !ok {
			return fmt.Errorf("creeps[%q]: %T is not a creep memory record", name, v)
		}
		return r.SetCreep(name, m)
	}
	t, known := r.records(c)
	if !known {
		return fmt.Errorf("unknown memory category %q", c)
	}
	rec, ok := v.(Record)
	if !ok {
		return fmt.Errorf("%s[%q]: %T is not a record", c, name, v)
	}
	if rec == nil {
		rec = Record{}
	}
	t.Set(name, rec)
	return nil
}

// Remove deletes the record stored under name and reports whether it existed.
func (r *Registry) Remove(c Category, name string) bool {
	if c == Creeps {
		return r.creeps.Remove(name)
	}
	t, known := r.records(c)
	if !known {
		return false
	}
	return t.Remove(name)
}

// Names lists the entity names of category c in sorted order.
func (r *Registry) Names(c Category) []string {
	if c == Creeps {
		return r.creeps.Names()
	}
	if t, ok := r.records(c); ok {
		return t.Names()
	}
	return nil
}

func (r *Registry) Len(c Category) int {
	if c == Creeps {
		return r.creeps.Len()
	}
	if t, ok := r.records(c); ok {
		return t.Len()
	}
	return 0
}

// Creep is the typed lookup for the creeps category.
func (r *Registry) Creep(name string) (schema.CreepMemory, bool) {
	return r.creeps.Get(name)
}

func (r *Registry) SetCreep(name string, m schema.CreepMemory) error {
	if err := schema.Validate(m); err != nil {
		return fmt.Errorf("creeps[%q]: %w", name, err)
	}
	r.creeps.Set(name, m)
	return nil
}

// Validate checks every creep record against its variant, in name order.
func (r *Registry) Validate() error {
	for _, n := range r.creeps.Names() {
		m, _ := r.creeps.Get(n)
		if err := schema.Validate(m); err != nil {
			return fmt.Errorf("creeps[%q]: %w", n, err)
		}
	}
	return nil
}

// Prune removes every record of c whose name is not in live and returns the
// removed names sorted. Deciding when to prune is up to the caller.
func (r *Registry) Prune(c Category, live []string) []string {
	keep := make(map[string]struct{}, len(live))
	for _, n := range live {
		keep[n] = struct{}{}
	}
	var removed []string
	for _, n := range r.Names(c) {
		if _, ok := keep[n]; ok {
			continue
		}
		r.Remove(c, n)
		removed = append(removed, n)
	}
	sort.Strings(removed)
	return removed
}

// Clone returns a deep copy of r.
func (r *Registry) Clone() *Registry {
	out := New()
	for _, n := range r.creeps.Names() {
		m, _ := r.creeps.Get(n)
		out.creeps.Set(n, schema.Clone(m))
	}
	for _, c := range categories {
		src, ok := r.records(c)
		if !ok {
			continue
		}
		dst, _ := out.records(c)
		for n, rec := range src.m {
			dst.Set(n, cloneRecord(rec))
		}
	}
	for k, v := range r.Profiler {
		out.Profiler[k] = v
	}
	out.profilerKey = r.profilerKey
	for k, v := range r.Extra {
		out.Extra[k] = append(json.RawMessage(nil), v...)
	}
	return out
}
