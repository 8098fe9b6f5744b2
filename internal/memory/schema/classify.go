package schema

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// Classify reads the role discriminant of a raw persisted record without
// decoding the rest of it.
func Classify(raw []byte) (Role, error) {
	if !gjson.ValidBytes(raw) {
		return "", fmt.Errorf("creep memory: invalid json")
	}
	rec := gjson.ParseBytes(raw)
	if !rec.IsObject() {
		return "", fmt.Errorf("creep memory: expected object, got %s", rec.Type)
	}
	r := rec.Get("role")
	if !r.Exists() {
		return "", &UnknownRoleError{}
	}
	if r.Type != gjson.String {
		return "", &UnknownRoleError{Role: r.Raw, Present: true}
	}
	return ParseRole(r.Str)
}

// Narrow decodes raw as the variant selected by role. Keys that are not part
// of the variant are dropped.
func Narrow(raw []byte, role Role) (CreepMemory, error) {
	got, err := Classify(raw)
	if err != nil {
		return nil, err
	}
	if got != role {
		return nil, &RoleMismatchError{Want: role, Got: got}
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("creep memory: %w", err)
	}

	switch role {
	case RoleStartupFeeder:
		st, err := stateField(role, fields)
		if err != nil {
			return nil, err
		}
		src, err := refField(role, fields, "source")
		if err != nil {
			return nil, err
		}
		spawn, err := refField(role, fields, "spawn")
		if err != nil {
			return nil, err
		}
		return &StartupFeeder{State: st, Source: src, Spawn: spawn}, nil
	case RoleStartupUpgrader:
		st, err := stateField(role, fields)
		if err != nil {
			return nil, err
		}
		src, err := refField(role, fields, "source")
		if err != nil {
			return nil, err
		}
		return &StartupUpgrader{State: st, Source: src}, nil
	case RoleNone:
		return &None{}, nil
	}
	return nil, &UnknownRoleError{Role: string(role), Present: true}
}

// DefaultFor returns the minimal valid record for a newly registered creep.
func DefaultFor(role Role) (CreepMemory, error) {
	switch role {
	case RoleStartupFeeder:
		return &StartupFeeder{State: StateHarvest}, nil
	case RoleStartupUpgrader:
		return &StartupUpgrader{State: StateHarvest}, nil
	case RoleNone:
		return &None{}, nil
	}
	return nil, &UnknownRoleError{Role: string(role), Present: true}
}

// Decode classifies and narrows raw, applying policy to records that cannot be
// accepted as-is. coerced reports that the returned record is not a faithful
// decoding of raw.
func Decode(raw []byte, policy UnknownRolePolicy) (m CreepMemory, coerced bool, err error) {
	role, err := Classify(raw)
	if err != nil {
		var ure *UnknownRoleError
		if errors.As(err, &ure) && (policy == PolicyCoerceNone || policy == PolicyMigrate) {
			return &None{}, true, nil
		}
		return nil, false, err
	}
	m, err = Narrow(raw, role)
	if err != nil {
		var ife *InvalidFieldError
		if errors.As(err, &ife) && policy == PolicyMigrate {
			d, _ := DefaultFor(role)
			return d, true, nil
		}
		return nil, false, err
	}
	return m, false, nil
}

func stateField(role Role, fields map[string]json.RawMessage) (State, error) {
	raw, ok := fields["state"]
	if !ok {
		return "", &InvalidFieldError{Role: role, Field: "state", Reason: "is missing"}
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", &InvalidFieldError{Role: role, Field: "state", Reason: "must be a string"}
	}
	st := State(s)
	if !validState(role, st) {
		return "", &InvalidFieldError{Role: role, Field: "state", Reason: fmt.Sprintf("has illegal value %q", s)}
	}
	return st, nil
}

// refField treats a missing key like an explicit null.
func refField(role Role, fields map[string]json.RawMessage, name string) (Ref, error) {
	raw, ok := fields[name]
	if !ok {
		return Ref{}, nil
	}
	var r Ref
	if err := r.UnmarshalJSON(raw); err != nil {
		return Ref{}, &InvalidFieldError{Role: role, Field: name, Reason: "must be a string or null"}
	}
	return r, nil
}
