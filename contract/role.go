package contract

import (
	"fmt"
	"strings"
)

// Role is one of the four fixed supply-chain capabilities.
type Role uint8

const (
	Manufacturer Role = iota + 1
	Distributor
	Retailer
	Consumer
)

// Roles lists every valid role in chain order.
var Roles = []Role{Manufacturer, Distributor, Retailer, Consumer}

var roleNames = map[Role]string{
	Manufacturer: "Manufacturer",
	Distributor:  "Distributor",
	Retailer:     "Retailer",
	Consumer:     "Consumer",
}

// UnknownRoleError is returned when a role name or value is outside the
// closed set.
type UnknownRoleError struct {
	Value string
}

func (e *UnknownRoleError) Error() string {
	return fmt.Sprintf("unknown role %q", e.Value)
}

// ParseRole maps a case-insensitive role name to its Role.
func ParseRole(s string) (Role, error) {
	for r, name := range roleNames {
		if strings.EqualFold(name, s) {
			return r, nil
		}
	}
	return 0, &UnknownRoleError{Value: s}
}

// Valid reports whether r is one of the four roles.
func (r Role) Valid() bool {
	_, ok := roleNames[r]
	return ok
}

func (r Role) String() string {
	if name, ok := roleNames[r]; ok {
		return name
	}
	return fmt.Sprintf("Role(%d)", uint8(r))
}

func (r Role) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, &UnknownRoleError{Value: r.String()}
	}
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(text []byte) error {
	parsed, err := ParseRole(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
