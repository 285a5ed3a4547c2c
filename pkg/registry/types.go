package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/corralhq/corral/pkg/errdefs"
)

// Package is one published component version's catalogue record.
type Package struct {
	Name         string
	Version      *semver.Version
	Description  string
	SHA256       string
	DownloadURL  string
	WITURL       string
	Dependencies []Dependency
	Targets      []string
	License      string
	Repository   string
	Size         int
	PublishedAt  int64
}

// Dependency is a named version requirement. Raw keeps the requirement
// string exactly as declared; the resolver's restrictive-merge
// heuristic compares raw strings.
type Dependency struct {
	Name       string
	Constraint *semver.Constraints
	Raw        string
	Optional   bool
}

// NewDependency parses a requirement string into a Dependency.
func NewDependency(name, requirement string) (Dependency, error) {
	c, err := semver.NewConstraint(requirement)
	if err != nil {
		return Dependency{}, errdefs.Wrap(errdefs.KindVersionResolution, "", err,
			"invalid version requirement %q for %s", requirement, name)
	}
	return Dependency{Name: name, Constraint: c, Raw: requirement}, nil
}

// AnyVersion returns the wildcard requirement.
func AnyVersion(name string) Dependency {
	dep, _ := NewDependency(name, "*")
	return dep
}

// HashBytes returns the lowercase hex SHA-256 of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// SafeName sanitises a package name for use in filenames: ':' becomes
// "__", path separators become '_'.
func SafeName(name string) string {
	name = strings.ReplaceAll(name, ":", "__")
	name = strings.ReplaceAll(name, "/", "_")
	return strings.ReplaceAll(name, "\\", "_")
}

// UnsafeName reverses SafeName for names using the ':' and '/'
// conventions.
func UnsafeName(safe string) string {
	safe = strings.ReplaceAll(safe, "__", ":")
	return strings.ReplaceAll(safe, "_", "/")
}

// exactConstraint pins a constraint to one version.
func exactConstraint(v *semver.Version) *semver.Constraints {
	c, _ := semver.NewConstraint("=" + v.String())
	return c
}
