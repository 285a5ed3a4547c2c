// Package metrics exposes Prometheus collectors for the runtime,
// orchestrator, and registry, plus a small timer helper for recording
// operation latency.
package metrics
