package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Runtime metrics
	ComponentsLoaded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "corral_components_loaded",
			Help: "Number of components currently loaded in the engine",
		},
	)

	InstancesActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "corral_instances_active",
			Help: "Number of live component instances",
		},
	)

	InstantiationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "corral_instantiations_total",
			Help: "Total number of component instantiations",
		},
	)

	CallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "corral_calls_total",
			Help: "Total number of component function calls by component and outcome",
		},
		[]string{"component", "outcome"},
	)

	CallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "corral_call_duration_seconds",
			Help:    "Component function call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"component"},
	)

	FuelExhaustionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "corral_fuel_exhaustions_total",
			Help: "Total number of calls trapped by fuel exhaustion",
		},
	)

	TimeoutsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "corral_timeouts_total",
			Help: "Total number of calls trapped by the execution deadline",
		},
	)

	// Memory pool metrics
	MemoryPoolBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "corral_memory_pool_bytes",
			Help: "Bytes currently allocated from the instance memory pool",
		},
	)

	// Orchestrator metrics
	ComponentsByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "corral_components_by_status",
			Help: "Number of managed components by lifecycle status",
		},
		[]string{"status"},
	)

	RestartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "corral_restarts_total",
			Help: "Total number of component restarts",
		},
		[]string{"component"},
	)

	HealthChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "corral_health_checks_total",
			Help: "Total number of health probes by component and result",
		},
		[]string{"component", "result"},
	)

	InterComponentCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "corral_inter_component_calls_total",
			Help: "Total number of routed inter-component calls",
		},
		[]string{"source", "target"},
	)

	// Registry metrics
	RegistryDownloadsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "corral_registry_downloads_total",
			Help: "Total number of package downloads from remote registries",
		},
	)

	RegistryCacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "corral_registry_cache_hits_total",
			Help: "Total number of installs served from the component cache",
		},
	)

	RegistryRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "corral_registry_retries_total",
			Help: "Total number of retried registry requests",
		},
	)

	InstallDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "corral_install_duration_seconds",
			Help:    "Time taken to install a package in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(ComponentsLoaded)
	prometheus.MustRegister(InstancesActive)
	prometheus.MustRegister(InstantiationsTotal)
	prometheus.MustRegister(CallsTotal)
	prometheus.MustRegister(CallDuration)
	prometheus.MustRegister(FuelExhaustionsTotal)
	prometheus.MustRegister(TimeoutsTotal)
	prometheus.MustRegister(MemoryPoolBytes)
	prometheus.MustRegister(ComponentsByStatus)
	prometheus.MustRegister(RestartsTotal)
	prometheus.MustRegister(HealthChecksTotal)
	prometheus.MustRegister(InterComponentCallsTotal)
	prometheus.MustRegister(RegistryDownloadsTotal)
	prometheus.MustRegister(RegistryCacheHitsTotal)
	prometheus.MustRegister(RegistryRetriesTotal)
	prometheus.MustRegister(InstallDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
