package schema

import (
	"encoding/json"
	"fmt"
)

// Ref is a nullable reference to an entity owned by the game environment.
// The zero value is null ("unassigned"). Refs are comparable with ==.
type Ref struct {
	id  string
	set bool
}

func RefTo(id string) Ref { return Ref{id: id, set: true} }

func (r Ref) IsNull() bool { return !r.set }

func (r Ref) ID() (string, bool) { return r.id, r.set }

func (r Ref) String() string {
	if !r.set {
		return "null"
	}
	return r.id
}

func (r Ref) MarshalJSON() ([]byte, error) {
	if !r.set {
		return []byte("null"), nil
	}
	return json.Marshal(r.id)
}

func (r *Ref) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*r = Ref{}
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("entity reference must be a string or null: %s", b)
	}
	*r = RefTo(s)
	return nil
}
