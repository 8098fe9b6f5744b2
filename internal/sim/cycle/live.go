package cycle

import (
	"sort"
	"sync"

	"colonymem.dev/internal/memory/registry"
)

// LiveSet is a LiveSource whose contents are edited directly, e.g. by the
// admin surface or tests.
type LiveSet struct {
	mu sync.RWMutex
	m  map[registry.Category]map[string]struct{}
}

func NewLiveSet() *LiveSet {
	return &LiveSet{m: map[registry.Category]map[string]struct{}{}}
}

// Track marks c as a category whose dead names may be pruned, even while it
// has no live entities.
func (s *LiveSet) Track(c registry.Category) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m[c] == nil {
		s.m[c] = map[string]struct{}{}
	}
}

func (s *LiveSet) Add(c registry.Category, names ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.m[c]
	if set == nil {
		set = map[string]struct{}{}
		s.m[c] = set
	}
	for _, n := range names {
		set[n] = struct{}{}
	}
}

func (s *LiveSet) Remove(c registry.Category, name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.m[c][name]; !ok {
		return false
	}
	delete(s.m[c], name)
	return true
}

func (s *LiveSet) Live(uint64) map[registry.Category][]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[registry.Category][]string, len(s.m))
	for c, set := range s.m {
		names := make([]string, 0, len(set))
		for n := range set {
			names = append(names, n)
		}
		sort.Strings(names)
		out[c] = names
	}
	return out
}
