package contract

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// AddressLength is the number of bytes in an account identity.
const AddressLength = 20

// Address is an account identity on the ledger.
type Address [AddressLength]byte

// EmptyAddress marks an unset account ("no owner").
var EmptyAddress Address

// InvalidAddressError is returned when a string is not a 0x-prefixed,
// 40 hex digit address.
type InvalidAddressError struct {
	Input string
	Hint  string
}

func (e *InvalidAddressError) Error() string {
	msg := fmt.Sprintf("invalid address %q: expected 0x followed by %d hex digits", e.Input, AddressLength*2)
	if e.Hint != "" {
		msg += " (" + e.Hint + ")"
	}
	return msg
}

// ParseAddress validates and decodes s.
func ParseAddress(s string) (Address, error) {
	var a Address
	if len(s) != 2+AddressLength*2 || !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return a, &InvalidAddressError{Input: s}
	}
	raw, err := hex.DecodeString(s[2:])
	if err != nil {
		return a, &InvalidAddressError{Input: s}
	}
	copy(a[:], raw)
	return a, nil
}

// ParseAddressValue parses an address decoded from a config file. YAML
// reads an unquoted 0x literal that fits in 64 bits as an integer, and the
// original text cannot be recovered from it, so only strings are accepted.
func ParseAddressValue(v interface{}) (Address, error) {
	s, ok := v.(string)
	if !ok {
		return EmptyAddress, &InvalidAddressError{Input: fmt.Sprint(v), Hint: "quote the address in the config file"}
	}
	return ParseAddress(s)
}

// MustParseAddress is ParseAddress for constants and tests.
func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

// DeriveAddress returns a deterministic address for a seed, used for
// contract deployments and generated accounts.
func DeriveAddress(parts ...string) Address {
	var a Address
	sum := sha256.Sum256([]byte(strings.Join(parts, "/")))
	copy(a[:], sum[:AddressLength])
	return a
}

func (a Address) String() string {
	return "0x" + hex.EncodeToString(a[:])
}

// IsEmpty reports whether a is the empty sentinel.
func (a Address) IsEmpty() bool {
	return a == EmptyAddress
}

func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
