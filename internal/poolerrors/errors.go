// Package poolerrors defines the error taxonomy shared by the pool
// core, the wire protocol, and the client stub.
package poolerrors

import (
	"errors"
	"fmt"
	"strings"
)

// Kind identifies a category of pool error. Most errors in this
// module are, or wrap, a *PoolError with one of these kinds; CodeOf
// reports false for those that are not.
type Kind string

const (
	// KindSpawnException means a worker process could not be started
	// or failed before becoming usable.
	KindSpawnException Kind = "SpawnException"
	// KindBusy means the caller's request was not served: it waited on
	// a full pool or group past its deadline, or its group or
	// supergroup is being destroyed.
	KindBusy Kind = "Busy"
	// KindIOException means a read, write, or syscall against a
	// worker's control channel failed.
	KindIOException Kind = "IOException"
	// KindSecurityException means authentication or authorization
	// failed. Unlike the other kinds, a SecurityException never
	// implies the underlying connection should be torn down.
	KindSecurityException Kind = "SecurityException"
	// KindInterrupted means the calling context was canceled or its
	// deadline expired while the operation was in flight.
	KindInterrupted Kind = "Interrupted"
	// KindRuntime covers invariant violations and other conditions
	// that indicate a bug rather than an external fault.
	KindRuntime Kind = "Runtime"
	// KindPoolCapacity means a group had room under its own
	// per-application ceiling but the pool-wide worker cap was
	// exhausted; callers distinguish this from KindBusy because it is
	// resolved by queuing on the pool's waitlist rather than failing
	// outright.
	KindPoolCapacity Kind = "PoolCapacity"
)

// PoolError is the concrete error type returned across the pool,
// wire, and client boundaries.
type PoolError struct {
	Code       Kind
	Message    string
	Context    map[string]interface{}
	Cause      error
	Suggestion string
}

func (e *PoolError) Error() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[%s] %s", e.Code, e.Message))
	if len(e.Context) > 0 {
		var ctx []string
		for k, v := range e.Context {
			ctx = append(ctx, fmt.Sprintf("%s=%v", k, v))
		}
		parts = append(parts, fmt.Sprintf("context: %s", strings.Join(ctx, ", ")))
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("cause: %v", e.Cause))
	}
	return strings.Join(parts, " ")
}

func (e *PoolError) Unwrap() error { return e.Cause }

// Is reports whether target is a *PoolError with the same Code, so
// that callers can write errors.Is(err, poolerrors.Busy("")) style
// checks against a sentinel of the matching kind.
func (e *PoolError) Is(target error) bool {
	var t *PoolError
	if errors.As(target, &t) {
		return t.Code == e.Code
	}
	return false
}

// New builds a *PoolError of the given kind.
func New(code Kind, message string) *PoolError {
	return &PoolError{Code: code, Message: message}
}

// WithContext attaches a key/value pair for diagnostics and returns e.
func (e *PoolError) WithContext(key string, value interface{}) *PoolError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithCause attaches the underlying error and returns e.
func (e *PoolError) WithCause(cause error) *PoolError {
	e.Cause = cause
	return e
}

// WithSuggestion attaches operator-facing guidance and returns e.
func (e *PoolError) WithSuggestion(s string) *PoolError {
	e.Suggestion = s
	return e
}

// Busy returns a sentinel Busy error, used with errors.Is.
func Busy(message string) *PoolError { return New(KindBusy, message) }

// Interrupted returns a sentinel Interrupted error.
func Interrupted(message string) *PoolError { return New(KindInterrupted, message) }

// IOException returns a sentinel IOException error.
func IOException(message string) *PoolError { return New(KindIOException, message) }

// SecurityException returns a sentinel SecurityException error.
func SecurityException(message string) *PoolError { return New(KindSecurityException, message) }

// SpawnException returns a sentinel SpawnException error.
func SpawnException(message string) *PoolError { return New(KindSpawnException, message) }

// Runtime returns a sentinel Runtime error.
func Runtime(message string) *PoolError { return New(KindRuntime, message) }

// PoolCapacity returns a sentinel PoolCapacity error.
func PoolCapacity(message string) *PoolError { return New(KindPoolCapacity, message) }

// CodeOf extracts the Kind of err, if err is or wraps a *PoolError.
func CodeOf(err error) (Kind, bool) {
	var pe *PoolError
	if errors.As(err, &pe) {
		return pe.Code, true
	}
	return "", false
}

// Disconnects reports whether an error of this kind should cause the
// connection it occurred on to be torn down. SecurityException is the
// one kind that preserves the connection (the client gets another
// chance to authenticate); every other kind disconnects.
func Disconnects(err error) bool {
	code, ok := CodeOf(err)
	if !ok {
		return true
	}
	return code != KindSecurityException
}
