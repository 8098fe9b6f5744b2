package schema

import "fmt"

// UnknownRoleError reports a record whose discriminant does not select any variant.
type UnknownRoleError struct {
	Role    string
	Present bool
}

func (e *UnknownRoleError) Error() string {
	if !e.Present {
		return "creep memory: missing role"
	}
	return fmt.Sprintf("creep memory: unknown role %q", e.Role)
}

// InvalidFieldError reports a variant field with a missing or illegal value.
type InvalidFieldError struct {
	Role   Role
	Field  string
	Reason string
}

func (e *InvalidFieldError) Error() string {
	return fmt.Sprintf("creep memory (%s): field %q %s", e.Role, e.Field, e.Reason)
}

// RoleMismatchError is returned by Narrow when the record is not of the requested variant.
type RoleMismatchError struct {
	Want Role
	Got  Role
}

func (e *RoleMismatchError) Error() string {
	return fmt.Sprintf("creep memory: cannot narrow %s record to %s", e.Got, e.Want)
}
