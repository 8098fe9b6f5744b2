// Package segments stores raw string segments alongside the memory root.
// A consumer can only see segments it activated on a previous tick.
package segments

import (
	"fmt"
	"sort"
	"strconv"

	"colonymem.dev/internal/protocol"
)

const (
	MaxID        = 99
	MaxActive    = 10
	MaxBytes     = 100 * 1024
	NoneSelected = -1
)

// Store holds segment data and the active set. It is not safe for concurrent
// use; the tick runner owns it.
type Store struct {
	maxActive int
	maxBytes  int

	data    map[int]string
	active  map[int]struct{}
	pending []int
	hasNext bool

	public        map[int]struct{}
	defaultPublic int
}

// New returns an empty store. Zero limits select MaxActive and MaxBytes.
func New(maxActive, maxBytes int) *Store {
	if maxActive <= 0 || maxActive > MaxActive {
		maxActive = MaxActive
	}
	if maxBytes <= 0 || maxBytes > MaxBytes {
		maxBytes = MaxBytes
	}
	return &Store{
		maxActive:     maxActive,
		maxBytes:      maxBytes,
		data:          map[int]string{},
		active:        map[int]struct{}{},
		public:        map[int]struct{}{},
		defaultPublic: NoneSelected,
	}
}

func checkID(id int) error {
	if id < 0 || id > MaxID {
		return fmt.Errorf("segment %d: %w", id, protocol.ErrInvalidArgs.Err())
	}
	return nil
}

// SetActive requests the active set for the next tick, replacing any earlier
// request made this tick.
func (s *Store) SetActive(ids []int) error {
	if len(ids) > s.maxActive {
		return fmt.Errorf("%d segments requested, limit %d: %w", len(ids), s.maxActive, protocol.ErrFull.Err())
	}
	seen := map[int]struct{}{}
	next := make([]int, 0, len(ids))
	for _, id := range ids {
		if err := checkID(id); err != nil {
			return err
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		next = append(next, id)
	}
	s.pending = next
	s.hasNext = true
	return nil
}

// Advance applies the pending active set. Called once between ticks.
func (s *Store) Advance() {
	if !s.hasNext {
		return
	}
	s.active = make(map[int]struct{}, len(s.pending))
	for _, id := range s.pending {
		s.active[id] = struct{}{}
	}
	s.pending = nil
	s.hasNext = false
}

// Active returns the ids readable this tick, sorted.
func (s *Store) Active() []int { return sortedIDs(s.active) }

func (s *Store) isActive(id int) bool {
	_, ok := s.active[id]
	return ok
}

// Get returns the content of an active segment. Unwritten segments read as "".
func (s *Store) Get(id int) (string, error) {
	if err := checkID(id); err != nil {
		return "", err
	}
	if !s.isActive(id) {
		return "", fmt.Errorf("segment %d is not active: %w", id, protocol.ErrInvalidArgs.Err())
	}
	return s.data[id], nil
}

// Set replaces the content of an active segment. Writing "" clears it.
func (s *Store) Set(id int, v string) error {
	if err := checkID(id); err != nil {
		return err
	}
	if !s.isActive(id) {
		return fmt.Errorf("segment %d is not active: %w", id, protocol.ErrInvalidArgs.Err())
	}
	if len(v) > s.maxBytes {
		return fmt.Errorf("segment %d: %d bytes exceeds %d: %w", id, len(v), s.maxBytes, protocol.ErrFull.Err())
	}
	if v == "" {
		delete(s.data, id)
		return nil
	}
	s.data[id] = v
	return nil
}

// SetPublic replaces the set of segments other players may read.
func (s *Store) SetPublic(ids []int) error {
	next := make(map[int]struct{}, len(ids))
	for _, id := range ids {
		if err := checkID(id); err != nil {
			return err
		}
		next[id] = struct{}{}
	}
	s.public = next
	return nil
}

func (s *Store) Public() []int { return sortedIDs(s.public) }

// SetDefaultPublic selects the segment shown to readers that do not ask for
// a specific one. NoneSelected clears it.
func (s *Store) SetDefaultPublic(id int) error {
	if id == NoneSelected {
		s.defaultPublic = NoneSelected
		return nil
	}
	if err := checkID(id); err != nil {
		return err
	}
	s.defaultPublic = id
	return nil
}

func (s *Store) DefaultPublic() int { return s.defaultPublic }

// ReadPublic returns a segment marked public regardless of the active set.
func (s *Store) ReadPublic(id int) (string, error) {
	if err := checkID(id); err != nil {
		return "", err
	}
	if _, ok := s.public[id]; !ok {
		return "", fmt.Errorf("segment %d is not public: %w", id, protocol.ErrNotOwner.Err())
	}
	return s.data[id], nil
}

// State is the persisted form of a Store.
type State struct {
	Data          map[string]string `json:"data"`
	Active        []int             `json:"active"`
	Public        []int             `json:"public,omitempty"`
	DefaultPublic int               `json:"default_public"`
}

// Export captures data, the active set and any pending request merged in,
// so a restored store starts the next tick with the requested set.
func (s *Store) Export() State {
	st := State{
		Data:          make(map[string]string, len(s.data)),
		Active:        s.Active(),
		Public:        s.Public(),
		DefaultPublic: s.defaultPublic,
	}
	if s.hasNext {
		st.Active = append([]int(nil), s.pending...)
		sort.Ints(st.Active)
	}
	for id, v := range s.data {
		st.Data[strconv.Itoa(id)] = v
	}
	return st
}

// Import replaces the store contents with st.
func (s *Store) Import(st State) error {
	data := make(map[int]string, len(st.Data))
	for k, v := range st.Data {
		id, err := strconv.Atoi(k)
		if err != nil {
			return fmt.Errorf("segment key %q: %w", k, err)
		}
		if err := checkID(id); err != nil {
			return err
		}
		if len(v) > s.maxBytes {
			return fmt.Errorf("segment %d: %d bytes exceeds %d: %w", id, len(v), s.maxBytes, protocol.ErrFull.Err())
		}
		data[id] = v
	}
	if len(st.Active) > s.maxActive {
		return fmt.Errorf("%d active segments, limit %d: %w", len(st.Active), s.maxActive, protocol.ErrFull.Err())
	}
	active := make(map[int]struct{}, len(st.Active))
	for _, id := range st.Active {
		if err := checkID(id); err != nil {
			return err
		}
		active[id] = struct{}{}
	}
	if err := s.SetPublic(st.Public); err != nil {
		return err
	}
	if err := s.SetDefaultPublic(st.DefaultPublic); err != nil {
		return err
	}
	s.data = data
	s.active = active
	s.pending = nil
	s.hasNext = false
	return nil
}

// Size returns the total bytes stored across all segments.
func (s *Store) Size() int {
	n := 0
	for _, v := range s.data {
		n += len(v)
	}
	return n
}

func sortedIDs(m map[int]struct{}) []int {
	out := make([]int, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	sort.Ints(out)
	return out
}
