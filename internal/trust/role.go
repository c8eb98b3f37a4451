package trust

import (
	"fmt"
	"strings"
)

// Role identifies which party is acting on a case. The zero value is not a
// valid role; values only enter the system through ParseRole.
type Role uint8

const (
	roleInvalid Role = iota
	RoleAgent
	RoleBuyer
	RoleSystem
)

var roleNames = map[Role]string{
	RoleAgent:  "agent",
	RoleBuyer:  "buyer",
	RoleSystem: "system",
}

// ParseRole converts a wire string into a Role.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "agent":
		return RoleAgent, nil
	case "buyer":
		return RoleBuyer, nil
	case "system":
		return RoleSystem, nil
	default:
		return roleInvalid, fmt.Errorf("unknown role %q", s)
	}
}

// Valid reports whether r is one of the declared roles.
func (r Role) Valid() bool {
	_, ok := roleNames[r]
	return ok
}

func (r Role) String() string {
	if name, ok := roleNames[r]; ok {
		return name
	}
	return "invalid"
}

// MarshalText implements encoding.TextMarshaler.
func (r Role) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("cannot marshal invalid role %d", r)
	}
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Role) UnmarshalText(text []byte) error {
	parsed, err := ParseRole(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// Principal is an authenticated caller. CaseID is empty for credentials that
// are not scoped to a single case (registered users, the system key).
type Principal struct {
	Role      Role
	CaseID    string
	Subject   string
	IP        string
	UserAgent string
}

// SystemPrincipal returns the principal used for machine callers.
func SystemPrincipal(source string) Principal {
	return Principal{Role: RoleSystem, Subject: source}
}

// IsSystem reports whether the principal authenticated with the system key.
func (p Principal) IsSystem() bool {
	return p.Role == RoleSystem
}

// ScopedTo reports whether the principal may act on caseID as far as its
// credential scope is concerned. Binding checks happen elsewhere.
func (p Principal) ScopedTo(caseID string) bool {
	return p.CaseID == "" || p.CaseID == caseID
}
