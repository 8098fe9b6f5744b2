package schema

import "encoding/json"

// CreepMemory is the persisted state of one creep. The concrete type is one of
// *StartupFeeder, *StartupUpgrader or *None; branch on it with a type switch.
type CreepMemory interface {
	Role() Role
	sealed()
}

// StartupFeeder harvests energy and feeds it to a spawn.
type StartupFeeder struct {
	State  State
	Source Ref
	Spawn  Ref
}

// StartupUpgrader harvests energy and upgrades the room controller.
type StartupUpgrader struct {
	State  State
	Source Ref
}

// None is a creep with no behavioral assignment.
type None struct{}

func (*StartupFeeder) Role() Role   { return RoleStartupFeeder }
func (*StartupUpgrader) Role() Role { return RoleStartupUpgrader }
func (*None) Role() Role            { return RoleNone }

func (*StartupFeeder) sealed()   {}
func (*StartupUpgrader) sealed() {}
func (*None) sealed()            {}

func (m *StartupFeeder) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Role   Role  `json:"role"`
		State  State `json:"state"`
		Source Ref   `json:"source"`
		Spawn  Ref   `json:"spawn"`
	}{RoleStartupFeeder, m.State, m.Source, m.Spawn})
}

func (m *StartupUpgrader) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Role   Role  `json:"role"`
		State  State `json:"state"`
		Source Ref   `json:"source"`
	}{RoleStartupUpgrader, m.State, m.Source})
}

func (m *None) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Role Role `json:"role"`
	}{RoleNone})
}

// Fields lists the JSON keys a record of m's variant carries, role first.
func Fields(m CreepMemory) []string {
	switch m.(type) {
	case *StartupFeeder:
		return []string{"role", "state", "source", "spawn"}
	case *StartupUpgrader:
		return []string{"role", "state", "source"}
	case *None:
		return []string{"role"}
	}
	return nil
}

// Clone returns an independent copy of m.
func Clone(m CreepMemory) CreepMemory {
	switch v := m.(type) {
	case *StartupFeeder:
		if v == nil {
			return nil
		}
		c := *v
		return &c
	case *StartupUpgrader:
		if v == nil {
			return nil
		}
		c := *v
		return &c
	case *None:
		if v == nil {
			return nil
		}
		return &None{}
	}
	return nil
}

// Encode renders m as canonical JSON containing exactly Fields(m).
func Encode(m CreepMemory) ([]byte, error) {
	if err := checkNil(m); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

// Validate checks that m's fields hold legal values for its variant.
func Validate(m CreepMemory) error {
	if err := checkNil(m); err != nil {
		return err
	}
	switch v := m.(type) {
	case *StartupFeeder:
		if !validState(RoleStartupFeeder, v.State) {
			return &InvalidFieldError{Role: RoleStartupFeeder, Field: "state", Reason: "has illegal value " + quote(string(v.State))}
		}
	case *StartupUpgrader:
		if !validState(RoleStartupUpgrader, v.State) {
			return &InvalidFieldError{Role: RoleStartupUpgrader, Field: "state", Reason: "has illegal value " + quote(string(v.State))}
		}
	case *None:
	default:
		return &UnknownRoleError{Role: string(m.Role()), Present: true}
	}
	return nil
}

// checkNil rejects a nil interface and a typed nil pointer of any variant.
func checkNil(m CreepMemory) error {
	var nilPtr bool
	switch v := m.(type) {
	case nil:
		return &UnknownRoleError{}
	case *StartupFeeder:
		nilPtr = v == nil
	case *StartupUpgrader:
		nilPtr = v == nil
	case *None:
		nilPtr = v == nil
	}
	if nilPtr {
		return &InvalidFieldError{Role: m.Role(), Field: "role", Reason: "is set on a nil record"}
	}
	return nil
}

func quote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
