package capability

import "github.com/corralhq/corral/pkg/errdefs"

// Set is a collection of capabilities. Membership checks use the
// capability hierarchy, so a set holding DirRead("/data") reports Has
// for FileRead("/data/file.txt"). Sets are built per instantiation and
// must not be mutated after an instance is created.
type Set struct {
	caps map[Capability]struct{}
}

// NewSet returns an empty capability set.
func NewSet() *Set {
	return &Set{caps: make(map[Capability]struct{})}
}

// Deterministic returns the baseline set for reproducible execution:
// stdout and stderr only.
func Deterministic() *Set {
	s := NewSet()
	s.Grant(Stdout())
	s.Grant(Stderr())
	return s
}

// CLIDefault returns the default set for command-line workloads.
func CLIDefault() *Set {
	s := Deterministic()
	s.Grant(Stdin())
	s.Grant(Args())
	s.Grant(Exit())
	return s
}

// DevDefault returns the relaxed set used in development mode.
func DevDefault() *Set {
	s := CLIDefault()
	s.Grant(Cwd())
	s.Grant(Clock())
	return s
}

// ServiceDefault returns the default set for service workloads.
func ServiceDefault() *Set {
	return Deterministic()
}

// UnrestrictedSet returns a set holding the unrestricted escape hatch.
func UnrestrictedSet() *Set {
	s := NewSet()
	s.Grant(Unrestricted())
	return s
}

// Grant adds a capability to the set.
func (s *Set) Grant(c Capability) {
	s.caps[c] = struct{}{}
}

// Revoke removes an exact capability from the set.
func (s *Set) Revoke(c Capability) {
	delete(s.caps, c)
}

// Has reports whether any granted capability allows c.
func (s *Set) Has(c Capability) bool {
	for granted := range s.caps {
		if granted.Allows(c) {
			return true
		}
	}
	return false
}

// Check returns a CapabilityDenied error when c is not allowed.
func (s *Set) Check(c Capability) error {
	if s.Has(c) {
		return nil
	}
	return errdefs.New(errdefs.KindCapabilityDenied, "", "denied: %s", c.Description())
}

// Merge grants every capability from other.
func (s *Set) Merge(other *Set) {
	for c := range other.caps {
		s.caps[c] = struct{}{}
	}
}

// Intersect returns the capabilities of s that other also allows.
func (s *Set) Intersect(other *Set) *Set {
	result := NewSet()
	for c := range s.caps {
		if other.Has(c) {
			result.Grant(c)
		}
	}
	return result
}

// List returns the granted capabilities in unspecified order.
func (s *Set) List() []Capability {
	out := make([]Capability, 0, len(s.caps))
	for c := range s.caps {
		out = append(out, c)
	}
	return out
}

// Clone returns an independent copy of the set.
func (s *Set) Clone() *Set {
	result := NewSet()
	for c := range s.caps {
		result.caps[c] = struct{}{}
	}
	return result
}

// Len returns the number of granted capabilities.
func (s *Set) Len() int {
	return len(s.caps)
}

// ParseSet parses a list of capability strings into a set.
func ParseSet(specs []string) (*Set, error) {
	s := NewSet()
	for _, spec := range specs {
		c, err := Parse(spec)
		if err != nil {
			return nil, err
		}
		s.Grant(c)
	}
	return s, nil
}
