// Package config loads the corral manifest: runtime limits, security
// policy, registry endpoints, and declared components.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/corralhq/corral/pkg/capability"
	"github.com/corralhq/corral/pkg/errdefs"
	"github.com/corralhq/corral/pkg/orchestrator"
	"github.com/corralhq/corral/pkg/registry"
	"github.com/corralhq/corral/pkg/runtime"
)

// Manifest is the corral.yaml document.
type Manifest struct {
	Runtime      RuntimeSection   `yaml:"runtime"`
	Security     SecuritySection  `yaml:"security"`
	Registry     RegistrySection  `yaml:"registry"`
	Orchestrator SuperviseSection `yaml:"orchestrator"`
	Components   []ComponentSpec  `yaml:"components"`
}

// RuntimeSection tunes the engine.
type RuntimeSection struct {
	MaxConcurrentComponents int    `yaml:"max_concurrent_components"`
	FuelLimit               uint64 `yaml:"fuel_limit"`
	EpochInterruption       *bool  `yaml:"epoch_interruption"`
	Debug                   bool   `yaml:"debug"`
}

// SecuritySection tunes the policy.
type SecuritySection struct {
	Mode               string   `yaml:"mode"`
	MaxMemory          uint64   `yaml:"max_memory"`
	MaxExecutionTimeMS uint64   `yaml:"max_execution_time_ms"`
	MaxFuel            uint64   `yaml:"max_fuel"`
	AllowUnrestricted  *bool    `yaml:"allow_unrestricted"`
	AllowedHosts       []string `yaml:"allowed_hosts"`
	BlockedHosts       []string `yaml:"blocked_hosts"`
}

// RegistrySection locates registries.
type RegistrySection struct {
	URL       string   `yaml:"url"`
	Mirrors   []string `yaml:"mirrors"`
	AuthToken string   `yaml:"auth_token"`
	Offline   bool     `yaml:"offline"`
}

// SuperviseSection tunes the orchestrator.
type SuperviseSection struct {
	HealthChecks          *bool  `yaml:"health_checks"`
	HealthCheckIntervalMS uint64 `yaml:"health_check_interval_ms"`
	RestartPolicy         string `yaml:"restart_policy"`
	MaxRestartAttempts    uint32 `yaml:"max_restart_attempts"`
	LogBufferSize         int    `yaml:"log_buffer_size"`
}

// ComponentSpec declares one supervised component.
type ComponentSpec struct {
	ID           string   `yaml:"id"`
	Path         string   `yaml:"path"`
	Source       string   `yaml:"source"`
	Version      string   `yaml:"version"`
	Dependencies []string `yaml:"dependencies"`
	Capabilities []string `yaml:"capabilities"`
}

// Load reads and validates a manifest file.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindIO, "", err, "read manifest %s", path)
	}
	return Parse(data)
}

// Parse decodes and validates manifest bytes.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, errdefs.Wrap(errdefs.KindInvalidConfig, "", err, "parse manifest")
	}

	seen := make(map[string]bool)
	for _, spec := range m.Components {
		if spec.ID == "" {
			return nil, errdefs.New(errdefs.KindMissingField, "", "component id is required")
		}
		if seen[spec.ID] {
			return nil, errdefs.New(errdefs.KindInvalidConfig, "", "duplicate component id %q", spec.ID)
		}
		seen[spec.ID] = true
		if spec.Path == "" && spec.Source == "" {
			return nil, errdefs.New(errdefs.KindMissingField, "", "component %q needs a path or a source", spec.ID)
		}
		for _, capSpec := range spec.Capabilities {
			if _, err := capability.Parse(capSpec); err != nil {
				return nil, err
			}
		}
	}

	return &m, nil
}

// Policy materialises the security section over the mode's preset.
func (m *Manifest) Policy() *capability.SecurityPolicy {
	var policy *capability.SecurityPolicy
	if m.Security.Mode == string(capability.ModeDevelopment) {
		policy = capability.DevelopmentPolicy()
	} else {
		policy = capability.ProductionPolicy()
	}

	if m.Security.MaxMemory > 0 {
		policy.MaxMemory = m.Security.MaxMemory
	}
	if m.Security.MaxExecutionTimeMS > 0 {
		policy.MaxExecutionTimeMS = m.Security.MaxExecutionTimeMS
	}
	if m.Security.MaxFuel > 0 {
		policy.MaxFuel = m.Security.MaxFuel
	}
	if m.Security.AllowUnrestricted != nil {
		policy.AllowUnrestricted = *m.Security.AllowUnrestricted
	}
	if len(m.Security.AllowedHosts) > 0 {
		policy.AllowedHosts = m.Security.AllowedHosts
	}
	if len(m.Security.BlockedHosts) > 0 {
		policy.BlockedHosts = m.Security.BlockedHosts
	}
	return policy
}

// RuntimeConfig materialises the runtime section.
func (m *Manifest) RuntimeConfig() runtime.Config {
	cfg := runtime.DefaultConfig()
	cfg.Security = m.Policy()
	if m.Runtime.MaxConcurrentComponents > 0 {
		cfg.MaxConcurrentComponents = m.Runtime.MaxConcurrentComponents
	}
	cfg.FuelLimit = m.Runtime.FuelLimit
	if m.Runtime.EpochInterruption != nil {
		cfg.EpochInterruption = *m.Runtime.EpochInterruption
	}
	cfg.Debug = m.Runtime.Debug
	return cfg
}

// OrchestratorConfig materialises the orchestrator section.
func (m *Manifest) OrchestratorConfig() orchestrator.Config {
	cfg := orchestrator.DefaultConfig()
	if m.Orchestrator.HealthChecks != nil {
		cfg.HealthChecks = *m.Orchestrator.HealthChecks
	}
	if m.Orchestrator.HealthCheckIntervalMS > 0 {
		cfg.HealthCheckInterval = time.Duration(m.Orchestrator.HealthCheckIntervalMS) * time.Millisecond
	}
	switch m.Orchestrator.RestartPolicy {
	case "never":
		cfg.RestartPolicy = orchestrator.RestartNever
	case "always":
		cfg.RestartPolicy = orchestrator.RestartAlways
	case "on-failure", "":
	default:
	}
	if m.Orchestrator.MaxRestartAttempts > 0 {
		cfg.MaxRestartAttempts = m.Orchestrator.MaxRestartAttempts
	}
	if m.Orchestrator.LogBufferSize > 0 {
		cfg.LogBufferSize = m.Orchestrator.LogBufferSize
	}
	return cfg
}

// ClientConfig materialises the registry section.
func (m *Manifest) ClientConfig() registry.ClientConfig {
	cfg := registry.DefaultClientConfig()
	if m.Registry.URL != "" {
		cfg.RegistryURL = m.Registry.URL
	}
	cfg.Mirrors = m.Registry.Mirrors
	cfg.AuthToken = m.Registry.AuthToken
	return cfg
}

// CapabilitySet parses a component spec's capability strings.
func (s ComponentSpec) CapabilitySet() (*capability.Set, error) {
	return capability.ParseSet(s.Capabilities)
}
