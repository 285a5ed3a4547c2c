// Package errdefs defines the error taxonomy shared by the runtime,
// orchestrator, and registry. Every failure surfaced to callers carries
// a stable machine-readable kind and a process exit code.
package errdefs
