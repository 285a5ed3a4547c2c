package orchestrator

import (
	"time"

	"github.com/corralhq/corral/pkg/runtime"
)

// Config controls orchestrator behaviour.
type Config struct {
	// HealthChecks enables the periodic health probe loop.
	HealthChecks bool

	// HealthCheckInterval is the delay between probe rounds.
	HealthCheckInterval time.Duration

	// RestartPolicy is the policy ShouldRestart applies; nothing in the
	// orchestrator restarts components automatically.
	RestartPolicy RestartPolicy

	// MaxRestartAttempts bounds restarts per component.
	MaxRestartAttempts uint32

	// LogBufferSize bounds the per-component log ring.
	LogBufferSize int

	// MetricsEnabled toggles per-call metric updates.
	MetricsEnabled bool
}

// DefaultConfig returns the standard orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		HealthChecks:        true,
		HealthCheckInterval: 30 * time.Second,
		RestartPolicy:       RestartOnFailure,
		MaxRestartAttempts:  3,
		LogBufferSize:       10_000,
		MetricsEnabled:      true,
	}
}

// RestartPolicy selects when a component is restarted.
type RestartPolicy string

const (
	RestartNever     RestartPolicy = "never"
	RestartOnFailure RestartPolicy = "on-failure"
	RestartAlways    RestartPolicy = "always"
)

// Status is a managed component's lifecycle status.
type Status string

const (
	StatusPending    Status = "pending"
	StatusStarting   Status = "starting"
	StatusRunning    Status = "running"
	StatusPaused     Status = "paused"
	StatusStopping   Status = "stopping"
	StatusStopped    Status = "stopped"
	StatusFailed     Status = "failed"
	StatusRestarting Status = "restarting"
)

// ManagedComponent is the orchestrator's record of one declared
// component.
type ManagedComponent struct {
	ID              string
	Handle          *runtime.InstanceHandle
	Status          Status
	RestartCount    uint32
	Healthy         bool
	LastHealthCheck time.Time
	Dependencies    []string
	Dependents      []string
}

// ComponentMetrics accumulates per-component call statistics.
type ComponentMetrics struct {
	CallCount    uint64
	ErrorCount   uint64
	TotalTimeMS  uint64
	AvgTimeMS    float64
	RestartCount uint32
}

// Metrics aggregates orchestrator-wide counters.
type Metrics struct {
	ComponentsRunning int
	ComponentsStopped int
	ComponentsFailed  int
	TotalCalls        uint64
	TotalErrors       uint64
	UptimeMS          uint64
}

// Event is a lifecycle notification delivered synchronously to
// listeners in the order its state change committed.
type Event struct {
	Type     EventType
	ID       string
	ExitCode int32
	Attempt  uint32
	From     string
	To       string
	Function string
	Reason   string
}

// EventType discriminates Event.
type EventType string

const (
	EventComponentStarted   EventType = "component_started"
	EventComponentStopped   EventType = "component_stopped"
	EventComponentFailed    EventType = "component_failed"
	EventComponentRestarted EventType = "component_restarted"
	EventHealthCheckPassed  EventType = "health_check_passed"
	EventHealthCheckFailed  EventType = "health_check_failed"
	EventComponentCall      EventType = "component_call"
)

// EventCallback observes orchestrator events.
type EventCallback func(Event)
