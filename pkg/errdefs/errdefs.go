package errdefs

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind identifies an error category with a stable textual identifier.
type Kind string

const (
	KindRuntimeInit            Kind = "runtime_init"
	KindComponentInstantiation Kind = "component_instantiation"
	KindComponentNotFound      Kind = "component_not_found"
	KindInvalidComponent       Kind = "invalid_component"
	KindExecutionFailed        Kind = "execution_failed"
	KindFuelExhausted          Kind = "fuel_exhausted"
	KindTimeout                Kind = "timeout"
	KindMemoryExceeded         Kind = "memory_exceeded"
	KindStackOverflow          Kind = "stack_overflow"
	KindHostCallDenied         Kind = "host_call_denied"
	KindAccessDenied           Kind = "access_denied"
	KindCapabilityDenied       Kind = "capability_denied"
	KindInvalidCapability      Kind = "invalid_capability"
	KindComponentPanic         Kind = "component_panic"
	KindLifecycle              Kind = "lifecycle_error"
	KindInterComponentCall     Kind = "inter_component_call_failed"
	KindWitInterfaceNotFound   Kind = "wit_interface_not_found"
	KindWitTypeMismatch        Kind = "wit_type_mismatch"
	KindWitBindingFailed       Kind = "wit_binding_failed"
	KindWitIncompatible        Kind = "wit_incompatible"
	KindPackageNotFound        Kind = "package_not_found"
	KindVersionResolution      Kind = "version_resolution_failed"
	KindDependencyCycle        Kind = "dependency_cycle"
	KindHashMismatch           Kind = "hash_mismatch"
	KindRegistryUnavailable    Kind = "registry_unavailable"
	KindLockfileConflict       Kind = "lockfile_conflict"
	KindRegistryViolation      Kind = "registry_violation"
	KindVersionExists          Kind = "version_exists"
	KindInvalidConfig          Kind = "invalid_config"
	KindMissingField           Kind = "missing_field"
	KindIO                     Kind = "io_error"
	KindSerialization          Kind = "serialization_error"
	KindOther                  Kind = "other"
)

// exitCodes maps each kind to the process exit code contract.
var exitCodes = map[Kind]int{
	KindRuntimeInit:            10,
	KindComponentInstantiation: 11,
	KindComponentNotFound:      12,
	KindInvalidComponent:       13,
	KindExecutionFailed:        14,
	KindFuelExhausted:          20,
	KindTimeout:                21,
	KindMemoryExceeded:         22,
	KindStackOverflow:          23,
	KindHostCallDenied:         30,
	KindAccessDenied:           31,
	KindCapabilityDenied:       32,
	KindInvalidCapability:      33,
	KindComponentPanic:         40,
	KindLifecycle:              41,
	KindInterComponentCall:     42,
	KindPackageNotFound:        50,
	KindVersionResolution:      51,
	KindDependencyCycle:        52,
	KindHashMismatch:           53,
	KindRegistryUnavailable:    54,
	KindLockfileConflict:       55,
	KindRegistryViolation:      56,
	KindVersionExists:          57,
	KindInvalidConfig:          60,
	KindMissingField:           61,
	KindWitInterfaceNotFound:   70,
	KindWitTypeMismatch:        71,
	KindWitBindingFailed:       72,
	KindWitIncompatible:        73,
	KindIO:                     1,
	KindSerialization:          1,
	KindOther:                  1,
}

// Error is a classified error. Component names the subject component
// where one exists; Cause carries the wrapped underlying error.
type Error struct {
	Kind      Kind
	Component string
	Message   string
	Cause     error
}

func (e *Error) Error() string {
	if e.Component != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Component, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// ExitCode returns the exit code for this error's kind.
func (e *Error) ExitCode() int {
	if code, ok := exitCodes[e.Kind]; ok {
		return code
	}
	return 1
}

// Recoverable reports whether the failure is transient and worth
// retrying (registry reachability, not content or policy failures).
func (e *Error) Recoverable() bool {
	return e.Kind == KindRegistryUnavailable
}

// jsonError is the wire form of a classified error.
type jsonError struct {
	Error    bool   `json:"error"`
	Kind     string `json:"kind"`
	ExitCode int    `json:"exit_code"`
	Message  string `json:"message"`
}

// JSON renders the error as a machine-readable record.
func (e *Error) JSON() string {
	data, err := json.Marshal(jsonError{
		Error:    true,
		Kind:     string(e.Kind),
		ExitCode: e.ExitCode(),
		Message:  e.Error(),
	})
	if err != nil {
		return `{"error":true,"kind":"other","exit_code":1,"message":"unencodable error"}`
	}
	return string(data)
}

// New constructs a classified error.
func New(kind Kind, component, format string, args ...any) *Error {
	return &Error{Kind: kind, Component: component, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, component string, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Component: component, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf returns the kind of err, or KindOther for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindOther
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// ExitCode returns the exit code for err, 1 when unclassified.
func ExitCode(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.ExitCode()
	}
	return 1
}
