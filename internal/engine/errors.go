package engine

import (
	"errors"
	"fmt"
)

// Kind categorizes failures raised while a run is in progress.
//
// The kind decides how a failure travels:
//   - KindTransient: swallowed by wait primitives, retried by the executor
//   - KindAuthExpired: retried after a reauthentication side-effect
//   - KindDomainConflict: retried on the externally paced schedule
//   - KindInvariant: fatal, never retried, a stage sequencing bug
//   - KindTimeout: fatal to the stage, reported as failed, triggers cleanup
type Kind string

const (
	// KindUnknown is returned by KindOf for errors that carry no kind.
	KindUnknown Kind = "UNKNOWN"

	// KindTransient indicates a network blip or an HTTP status that usually clears.
	KindTransient Kind = "TRANSIENT"

	// KindAuthExpired indicates the backend rejected the session.
	KindAuthExpired Kind = "AUTH_EXPIRED"

	// KindDomainConflict indicates the external system's own state blocks the operation.
	KindDomainConflict Kind = "DOMAIN_CONFLICT"

	// KindInvariant indicates a stage asked for an artifact that was never produced.
	KindInvariant Kind = "INVARIANT_VIOLATION"

	// KindTimeout indicates a wait budget was exhausted.
	KindTimeout Kind = "TIMEOUT"
)

// Kinded is implemented by errors from other packages that belong to the taxonomy.
type Kinded interface {
	ErrorKind() Kind
}

// Error is the engine's structured error.
type Error struct {
	// Kind identifies the error category.
	Kind Kind

	// Op names the operation that failed (e.g. "artifact bucket").
	Op string

	// Message is a human-readable description.
	Message string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %s: %v", e.Kind, e.Op, e.Message, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Op, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// ErrorKind implements Kinded.
func (e *Error) ErrorKind() Kind {
	return e.Kind
}

// KindOf returns the kind of the first error in the chain that carries one.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var k Kinded
	if errors.As(err, &k) {
		return k.ErrorKind()
	}
	return KindUnknown
}

// IsInvariantViolation reports whether err is a missing-artifact sequencing bug.
// Uses errors.As to handle wrapped errors.
func IsInvariantViolation(err error) bool {
	return KindOf(err) == KindInvariant
}

// IsTimeout reports whether err is an exhausted wait budget.
func IsTimeout(err error) bool {
	return KindOf(err) == KindTimeout
}

// IsDomainConflict reports whether err is an externally paced conflict.
func IsDomainConflict(err error) bool {
	return KindOf(err) == KindDomainConflict
}

// NewInvariantError creates an Error for a missing or mistyped artifact.
func NewInvariantError(op, message string) *Error {
	return &Error{Kind: KindInvariant, Op: op, Message: message}
}

// NewDomainConflict wraps err as a domain conflict.
func NewDomainConflict(op string, err error) *Error {
	return &Error{Kind: KindDomainConflict, Op: op, Message: "operation blocked by remote state", Err: err}
}

// NewTransient wraps err as a transient infrastructure failure.
func NewTransient(op string, err error) *Error {
	return &Error{Kind: KindTransient, Op: op, Message: "transient failure", Err: err}
}
