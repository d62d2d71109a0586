package auth

import (
	"fmt"
	"strings"
)

// Role is a position in the ordered role hierarchy. The zero value is not a role.
type Role int

const (
	RoleViewer Role = iota + 1
	RoleMember
	RoleManager
	RoleAdmin
	// RoleSystem sits above every human role. No principal may hold it; policy
	// rules that require it deny every human caller.
	RoleSystem
)

var roleNames = map[Role]string{
	RoleViewer:  "viewer",
	RoleMember:  "member",
	RoleManager: "manager",
	RoleAdmin:   "admin",
	RoleSystem:  "system",
}

func (r Role) String() string {
	if name, ok := roleNames[r]; ok {
		return name
	}
	return fmt.Sprintf("role(%d)", int(r))
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	_, ok := roleNames[r]
	return ok
}

// AtLeast reports whether r is at or above min in the hierarchy.
func (r Role) AtLeast(min Role) bool {
	return r.Valid() && min.Valid() && r >= min
}

// ParseRole maps a case-insensitive role name onto a Role.
func ParseRole(s string) (Role, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	for r, name := range roleNames {
		if name == s {
			return r, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, s)
}

// ParseHumanRole is ParseRole restricted to roles a principal may hold.
func ParseHumanRole(s string) (Role, error) {
	r, err := ParseRole(s)
	if err != nil {
		return 0, err
	}
	if r == RoleSystem {
		return 0, fmt.Errorf("%w: role %q cannot be assigned", ErrInvalidInput, s)
	}
	return r, nil
}

func (r Role) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("%w: invalid role %d", ErrInvalidInput, int(r))
	}
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(b []byte) error {
	parsed, err := ParseRole(string(b))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
