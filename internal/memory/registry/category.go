package registry

import (
	"fmt"
	"sort"
)

// Category is a top-level key of the persisted memory root.
type Category string

const (
	Creeps      Category = "creeps"
	Flags       Category = "flags"
	Rooms       Category = "rooms"
	Spawns      Category = "spawns"
	PowerCreeps Category = "powerCreeps"
)

var categories = []Category{Creeps, Flags, Rooms, Spawns, PowerCreeps}

func Categories() []Category {
	out := make([]Category, len(categories))
	copy(out, categories)
	return out
}

func ParseCategory(s string) (Category, error) {
	for _, c := range categories {
		if string(c) == s {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown memory category %q", s)
}

// Table maps entity names to records of one category.
type Table[T any] struct {
	m map[string]T
}

func newTable[T any]() *Table[T] { return &Table[T]{m: map[string]T{}} }

func (t *Table[T]) Get(name string) (T, bool) {
	v, ok := t.m[name]
	return v, ok
}

func (t *Table[T]) Set(name string, v T) { t.m[name] = v }

func (t *Table[T]) Remove(name string) bool {
	if _, ok := t.m[name]; !ok {
		return false
	}
	delete(t.m, name)
	return true
}

func (t *Table[T]) Len() int { return len(t.m) }

// Names returns the keys in sorted order.
func (t *Table[T]) Names() []string {
	out := make([]string, 0, len(t.m))
	for k := range t.m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedStrings(s []string) []string {
	sort.Strings(s)
	return s
}
