package domain

import (
	"encoding/json"
	"errors"
	"strings"
)

// Role is a capability bit. A peer's authorization is the OR of the roles it holds.
type Role uint8

const (
	RoleSubscriber Role = 1 << iota
	RolePublisher
	RoleModerator
	RoleScreen
	RoleOwner
)

// RoleBaseline is held by every peer and cannot be added or removed.
const RoleBaseline = RoleSubscriber

const allRoles = RoleSubscriber | RolePublisher | RoleModerator | RoleScreen | RoleOwner

var (
	ErrInvalidRole   = errors.New("invalid role")
	ErrImmutableRole = errors.New("role cannot be changed")
)

var roleNames = map[Role]string{
	RoleSubscriber: "subscriber",
	RolePublisher:  "publisher",
	RoleModerator:  "moderator",
	RoleScreen:     "screen",
	RoleOwner:      "owner",
}

// IsValid reports whether r is non-zero and made of known bits only.
func (r Role) IsValid() bool {
	return r != 0 && r&^allRoles == 0
}

// Has is a bit test: every bit of want must be set in r.
func (r Role) Has(want Role) bool {
	return want != 0 && r&want == want
}

// Mutable reports whether role management may touch r.
func (r Role) Mutable() bool {
	return r&(RoleBaseline|RoleOwner) == 0
}

// List splits r into single-bit roles, lowest bit first.
func (r Role) List() []Role {
	out := make([]Role, 0, 5)
	for bit := RoleSubscriber; bit <= RoleOwner; bit <<= 1 {
		if r&bit != 0 {
			out = append(out, bit)
		}
	}
	return out
}

func (r Role) String() string {
	if name, ok := roleNames[r]; ok {
		return name
	}
	parts := make([]string, 0, 5)
	for _, bit := range r.List() {
		parts = append(parts, roleNames[bit])
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// ParseRole maps a role name (case-insensitive) to its bit.
func ParseRole(name string) (Role, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for role, n := range roleNames {
		if n == name {
			return role, nil
		}
	}
	return 0, ErrInvalidRole
}

// ParseRoles ORs a list of role names. Unknown names fail the whole list.
func ParseRoles(names []string) (Role, error) {
	var out Role
	for _, n := range names {
		r, err := ParseRole(n)
		if err != nil {
			return 0, err
		}
		out |= r
	}
	return out, nil
}

// MarshalText writes the role name, so a []Role is a JSON array of names
// rather than a byte string.
func (r Role) MarshalText() ([]byte, error) {
	if !r.IsValid() {
		return nil, ErrInvalidRole
	}
	return []byte(r.String()), nil
}

// UnmarshalJSON accepts the numeric bit value, a role name or names joined
// with "|".
func (r *Role) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err == nil {
		parsed, err := ParseRoles(strings.Split(name, "|"))
		if err != nil {
			return err
		}
		*r = parsed
		return nil
	}
	var n uint8
	if err := json.Unmarshal(b, &n); err != nil {
		return ErrInvalidRole
	}
	*r = Role(n)
	return nil
}
