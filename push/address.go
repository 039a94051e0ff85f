package push

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// DefaultDeviceID is the primary device of every account.
const DefaultDeviceID uint32 = 1

// ErrInvalidAddress indicates an identifier that is neither a UUID nor an
// E.164 number.
var ErrInvalidAddress = errors.New("invalid address")

// Address identifies an account. UUID is the stable identity, E164 the
// legacy phone-number alias and Relay an optional federation hint used only
// for routing.
type Address struct {
	UUID  uuid.UUID
	E164  string
	Relay string
}

// NewAddress builds an address from a stable identity and optional alias.
func NewAddress(id uuid.UUID, e164 string) Address {
	return Address{UUID: id, E164: e164}
}

// ParseAddress accepts either a UUID or a "+"-prefixed E.164 number.
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	if id, err := uuid.Parse(s); err == nil {
		return Address{UUID: id}, nil
	}
	if len(s) > 1 && s[0] == '+' && strings.Trim(s[1:], "0123456789") == "" {
		return Address{E164: s}, nil
	}
	return Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
}

// HasUUID reports whether the stable identity is known.
func (a Address) HasUUID() bool {
	return a.UUID != uuid.Nil
}

// IsZero reports whether the address carries no identity at all.
func (a Address) IsZero() bool {
	return !a.HasUUID() && a.E164 == ""
}

// Identifier returns the identifier used in service paths and session
// keys: the UUID when known, otherwise the E.164 alias.
func (a Address) Identifier() string {
	if a.HasUUID() {
		return a.UUID.String()
	}
	return a.E164
}

// Equal compares identities. The relay hint never takes part.
func (a Address) Equal(b Address) bool {
	if a.HasUUID() && b.HasUUID() {
		return a.UUID == b.UUID
	}
	if a.HasUUID() != b.HasUUID() {
		return false
	}
	return a.E164 == b.E164
}

// Matches reports whether a and b name the same account through either
// identifier. It is used when one side only knows the legacy alias.
func (a Address) Matches(b Address) bool {
	if a.HasUUID() && b.HasUUID() && a.UUID == b.UUID {
		return true
	}
	return a.E164 != "" && a.E164 == b.E164
}

// WithRelay returns a copy carrying a routing hint.
func (a Address) WithRelay(relay string) Address {
	a.Relay = relay
	return a
}

func (a Address) String() string {
	switch {
	case a.HasUUID() && a.E164 != "":
		return a.UUID.String() + " (" + a.E164 + ")"
	default:
		return a.Identifier()
	}
}

// Login returns the basic-auth user name for one device of addr. The
// primary device logs in with the bare identifier.
func Login(addr Address, deviceID uint32) string {
	if deviceID == DefaultDeviceID {
		return addr.Identifier()
	}
	return addr.Identifier() + "." + strconv.FormatUint(uint64(deviceID), 10)
}
