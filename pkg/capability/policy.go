package capability

import (
	"strings"

	"github.com/corralhq/corral/pkg/errdefs"
)

// PolicyMode selects the enforcement posture of a SecurityPolicy.
type PolicyMode string

const (
	ModeProduction  PolicyMode = "production"
	ModeDevelopment PolicyMode = "development"
)

// SecurityPolicy bounds what capability sets may be granted and how
// much an instance may consume. Blocked host patterns take precedence
// over allowed patterns.
type SecurityPolicy struct {
	Mode               PolicyMode
	CLIDefault         *Set
	ServiceDefault     *Set
	MaxMemory          uint64
	MaxExecutionTimeMS uint64
	MaxFuel            uint64
	AllowUnrestricted  bool
	AllowedHosts       []string
	BlockedHosts       []string
}

// ProductionPolicy returns the strict default policy.
func ProductionPolicy() *SecurityPolicy {
	return &SecurityPolicy{
		Mode:               ModeProduction,
		CLIDefault:         Deterministic(),
		ServiceDefault:     Deterministic(),
		MaxMemory:          256 * 1024 * 1024,
		MaxExecutionTimeMS: 30_000,
		MaxFuel:            10_000_000_000,
		AllowUnrestricted:  false,
	}
}

// DevelopmentPolicy returns the relaxed policy used by local tooling.
func DevelopmentPolicy() *SecurityPolicy {
	return &SecurityPolicy{
		Mode:               ModeDevelopment,
		CLIDefault:         DevDefault(),
		ServiceDefault:     DevDefault(),
		MaxMemory:          512 * 1024 * 1024,
		MaxExecutionTimeMS: 60_000,
		MaxFuel:            0,
		AllowUnrestricted:  true,
		AllowedHosts:       []string{"*"},
	}
}

// IsDev reports whether the policy runs in development mode.
func (p *SecurityPolicy) IsDev() bool {
	return p.Mode == ModeDevelopment
}

// IsHostAllowed evaluates host against the block and allow lists.
// Blocked patterns win. With an empty allow list the result falls back
// to the mode default: deny in production, allow in development.
func (p *SecurityPolicy) IsHostAllowed(host string) bool {
	for _, pattern := range p.BlockedHosts {
		if hostMatches(pattern, host) {
			return false
		}
	}
	if len(p.AllowedHosts) == 0 {
		return p.IsDev()
	}
	for _, pattern := range p.AllowedHosts {
		if hostMatches(pattern, host) {
			return true
		}
	}
	return false
}

// Validate rejects capability sets the policy does not permit:
// Unrestricted when AllowUnrestricted is false, and network connect
// capabilities whose host the policy denies.
func (p *SecurityPolicy) Validate(caps *Set) error {
	for _, c := range caps.List() {
		switch c.Kind {
		case KindUnrestricted:
			if !p.AllowUnrestricted {
				return errdefs.New(errdefs.KindInvalidCapability, "", "unrestricted capability is not allowed by policy")
			}
		case KindNetConnect:
			if !p.IsHostAllowed(c.Host) {
				return errdefs.New(errdefs.KindInvalidCapability, "", "network access to %q is blocked by policy", c.Host)
			}
		}
	}
	return nil
}

// hostMatches implements the host glob grammar: "*" matches anything,
// "*.suffix" matches hosts ending in ".suffix", anything else is exact.
func hostMatches(pattern, host string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasPrefix(pattern, "*.") {
		return strings.HasSuffix(host, pattern[1:])
	}
	return pattern == host
}
