package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"sort"
	"strings"

	"github.com/corralhq/corral/pkg/errdefs"
)

// LockfileName is the canonical lockfile filename.
const LockfileName = "corral.lock"

// lockfileVersion is the current lockfile format version.
const lockfileVersion = 1

// LockedComponent is one pinned entry of the dependency closure.
type LockedComponent struct {
	Name         string
	Version      string
	SHA256       string
	Dependencies []string
}

// Lockfile is a canonical, hash-verifiable record of an exact
// dependency closure. Serialization is deterministic: entries sort by
// (name, version), fields keep a fixed order, lines end with LF, the
// file ends with a trailing newline, and the integrity footer hashes
// the canonical body.
type Lockfile struct {
	Version    int
	components map[string]LockedComponent

	// loadedIntegrity is the integrity value read by Parse; empty for
	// lockfiles built in memory.
	loadedIntegrity string
}

// NewLockfile returns an empty lockfile at the current version.
func NewLockfile() *Lockfile {
	return &Lockfile{
		Version:    lockfileVersion,
		components: make(map[string]LockedComponent),
	}
}

// Add inserts or replaces the entry for a component name.
func (l *Lockfile) Add(c LockedComponent) {
	l.components[c.Name] = c
}

// Remove drops a component's entry.
func (l *Lockfile) Remove(name string) {
	delete(l.components, name)
}

// Get returns the locked entry for a name.
func (l *Lockfile) Get(name string) (LockedComponent, bool) {
	c, ok := l.components[name]
	return c, ok
}

// Components returns the entries in canonical (name, version) order.
func (l *Lockfile) Components() []LockedComponent {
	out := make([]LockedComponent, 0, len(l.components))
	for _, c := range l.components {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Version < out[j].Version
	})
	return out
}

// Len returns the number of locked entries.
func (l *Lockfile) Len() int { return len(l.components) }

// body renders the canonical serialization without the integrity
// footer.
func (l *Lockfile) body() string {
	var b strings.Builder
	b.WriteString("version = 1\n")

	for _, c := range l.Components() {
		b.WriteString("\n[[components]]\n")
		b.WriteString(`name = "` + c.Name + `"` + "\n")
		b.WriteString(`version = "` + c.Version + `"` + "\n")
		b.WriteString(`sha256 = "` + c.SHA256 + `"` + "\n")
		b.WriteString("dependencies = [")
		deps := append([]string(nil), c.Dependencies...)
		sort.Strings(deps)
		for n, dep := range deps {
			if n > 0 {
				b.WriteString(", ")
			}
			b.WriteString(`"` + dep + `"`)
		}
		b.WriteString("]\n")
	}

	return b.String()
}

// Integrity returns the SHA-256 of the canonical body.
func (l *Lockfile) Integrity() string {
	sum := sha256.Sum256([]byte(l.body()))
	return hex.EncodeToString(sum[:])
}

// Serialize renders the full canonical lockfile, integrity footer
// included.
func (l *Lockfile) Serialize() []byte {
	var b strings.Builder
	b.WriteString(l.body())
	b.WriteString("\n" + `integrity = "` + l.Integrity() + `"` + "\n")
	return []byte(b.String())
}

// Verify recomputes the integrity hash against the value read at parse
// time. Lockfiles built in memory always verify.
func (l *Lockfile) Verify() bool {
	if l.loadedIntegrity == "" {
		return true
	}
	return l.loadedIntegrity == l.Integrity()
}

// Save writes the canonical serialization to path.
func (l *Lockfile) Save(path string) error {
	if err := os.WriteFile(path, l.Serialize(), 0644); err != nil {
		return errdefs.Wrap(errdefs.KindIO, "", err, "write lockfile %s", path)
	}
	return nil
}

// LoadLockfile reads and parses a lockfile from disk.
func LoadLockfile(path string) (*Lockfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindIO, "", err, "read lockfile %s", path)
	}
	return ParseLockfile(data)
}

// ParseLockfile parses the canonical serialization. Parse and
// Serialize are round-trip stable.
func ParseLockfile(data []byte) (*Lockfile, error) {
	l := NewLockfile()

	var current *LockedComponent
	flush := func() {
		if current != nil {
			l.components[current.Name] = *current
			current = nil
		}
	}

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "":
			continue
		case line == "[[components]]":
			flush()
			current = &LockedComponent{}
		case current == nil && strings.HasPrefix(line, "version = "):
			if line != "version = 1" {
				return nil, errdefs.New(errdefs.KindLockfileConflict, "", "unsupported lockfile version in %q", line)
			}
			l.Version = lockfileVersion
		case strings.HasPrefix(line, "version = "):
			val, err := unquote(strings.TrimPrefix(line, "version = "))
			if err != nil {
				return nil, err
			}
			current.Version = val
		case strings.HasPrefix(line, "name = "):
			if current == nil {
				return nil, errdefs.New(errdefs.KindLockfileConflict, "", "name outside a components block")
			}
			val, err := unquote(strings.TrimPrefix(line, "name = "))
			if err != nil {
				return nil, err
			}
			current.Name = val
		case strings.HasPrefix(line, "sha256 = "):
			if current == nil {
				return nil, errdefs.New(errdefs.KindLockfileConflict, "", "sha256 outside a components block")
			}
			val, err := unquote(strings.TrimPrefix(line, "sha256 = "))
			if err != nil {
				return nil, err
			}
			current.SHA256 = val
		case strings.HasPrefix(line, "dependencies = ["):
			if current == nil {
				return nil, errdefs.New(errdefs.KindLockfileConflict, "", "dependencies outside a components block")
			}
			deps, err := parseStringList(line)
			if err != nil {
				return nil, err
			}
			current.Dependencies = deps
		case strings.HasPrefix(line, "integrity = "):
			flush()
			val, err := unquote(strings.TrimPrefix(line, "integrity = "))
			if err != nil {
				return nil, err
			}
			l.loadedIntegrity = val
		default:
			return nil, errdefs.New(errdefs.KindLockfileConflict, "", "unrecognised lockfile line %q", line)
		}
	}
	flush()

	return l, nil
}

// VerifyLockfileFile loads a lockfile and fails with LockfileConflict
// when its integrity hash does not match its contents.
func VerifyLockfileFile(path string) (*Lockfile, error) {
	l, err := LoadLockfile(path)
	if err != nil {
		return nil, err
	}
	if !l.Verify() {
		return nil, errdefs.New(errdefs.KindLockfileConflict, "", "lockfile checksum mismatch")
	}
	return l, nil
}

func unquote(s string) (string, error) {
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return "", errdefs.New(errdefs.KindLockfileConflict, "", "malformed lockfile value %q", s)
	}
	return s[1 : len(s)-1], nil
}

func parseStringList(line string) ([]string, error) {
	open := strings.Index(line, "[")
	end := strings.LastIndex(line, "]")
	if open < 0 || end < open {
		return nil, errdefs.New(errdefs.KindLockfileConflict, "", "malformed list %q", line)
	}
	inner := strings.TrimSpace(line[open+1 : end])
	if inner == "" {
		return nil, nil
	}

	var out []string
	for _, part := range strings.Split(inner, ",") {
		val, err := unquote(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		out = append(out, val)
	}
	return out, nil
}
