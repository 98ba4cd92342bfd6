package capability

import (
	"fmt"
	"strings"
)

// Rights is a bitset of operations a capability permits on a resource.
type Rights uint8

const (
	Connect Rights = 1 << iota
	Accept
	Read
	Write
	Share
	Administer

	None Rights = 0
	All         = Connect | Accept | Read | Write | Share | Administer
)

var rightNames = []struct {
	right Rights
	name  string
}{
	{Connect, "connect"},
	{Accept, "accept"},
	{Read, "read"},
	{Write, "write"},
	{Share, "share"},
	{Administer, "administer"},
}

// Has reports whether every right in required is present.
func (r Rights) Has(required Rights) bool {
	return r&required == required
}

// Add returns r with the given rights set.
func (r Rights) Add(other Rights) Rights {
	return r | other
}

// Remove returns r with the given rights cleared.
func (r Rights) Remove(other Rights) Rights {
	return r &^ other
}

// String renders rights as "connect|write".
func (r Rights) String() string {
	if r == None {
		return "none"
	}
	var parts []string
	for _, rn := range rightNames {
		if r&rn.right != 0 {
			parts = append(parts, rn.name)
		}
	}
	return strings.Join(parts, "|")
}

// ParseRights parses the String form. Separators may be '|' or ','.
func ParseRights(s string) (Rights, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "none" {
		return None, nil
	}

	var r Rights
	for _, part := range strings.FieldsFunc(s, func(c rune) bool { return c == '|' || c == ',' }) {
		part = strings.ToLower(strings.TrimSpace(part))
		found := false
		for _, rn := range rightNames {
			if rn.name == part {
				r |= rn.right
				found = true
				break
			}
		}
		if !found {
			return None, fmt.Errorf("unknown right %q", part)
		}
	}
	return r, nil
}

// MarshalText implements encoding.TextMarshaler.
func (r Rights) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Rights) UnmarshalText(b []byte) error {
	parsed, err := ParseRights(string(b))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
