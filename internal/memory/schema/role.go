package schema

import "fmt"

// Role is the discriminant of a creep memory record.
type Role string

const (
	RoleStartupFeeder   Role = "startup_feeder"
	RoleStartupUpgrader Role = "startup_upgrader"
	RoleNone            Role = "none"
)

var roles = []Role{RoleStartupFeeder, RoleStartupUpgrader, RoleNone}

// Roles returns the closed set of variants in declaration order.
func Roles() []Role {
	out := make([]Role, len(roles))
	copy(out, roles)
	return out
}

func (r Role) Valid() bool {
	switch r {
	case RoleStartupFeeder, RoleStartupUpgrader, RoleNone:
		return true
	}
	return false
}

func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.Valid() {
		return "", &UnknownRoleError{Role: s, Present: true}
	}
	return r, nil
}

// State is the per-variant work phase. Which values are legal depends on the role.
type State string

const (
	StateHarvest State = "harvest"
	StateFeed    State = "feed"
	StateUpgrade State = "upgrade"
)

// States returns the legal states for role (nil for roles without a state field).
func States(r Role) []State {
	switch r {
	case RoleStartupFeeder:
		return []State{StateHarvest, StateFeed}
	case RoleStartupUpgrader:
		return []State{StateHarvest, StateUpgrade}
	}
	return nil
}

func validState(r Role, s State) bool {
	for _, v := range States(r) {
		if v == s {
			return true
		}
	}
	return false
}

// UnknownRolePolicy decides what happens to a persisted record whose role is
// missing or not one of Roles().
type UnknownRolePolicy string

const (
	// PolicyReject fails the load.
	PolicyReject UnknownRolePolicy = "reject"
	// PolicyCoerceNone replaces the record with {role:"none"}.
	PolicyCoerceNone UnknownRolePolicy = "coerce_none"
	// PolicyMigrate coerces unknown roles like PolicyCoerceNone and also resets
	// records of a known role whose fields are invalid to DefaultFor(role).
	PolicyMigrate UnknownRolePolicy = "migrate"
)

func ParsePolicy(s string) (UnknownRolePolicy, error) {
	switch p := UnknownRolePolicy(s); p {
	case PolicyReject, PolicyCoerceNone, PolicyMigrate:
		return p, nil
	case "":
		return PolicyReject, nil
	}
	return "", fmt.Errorf("unknown role policy %q (want reject|coerce_none|migrate)", s)
}
