// Package nimbuserr provides the core engine's error-kind taxonomy: a
// closed set of machine-readable kinds attached to wrapped errors, so
// callers across package boundaries can branch on "what kind of failure"
// without parsing strings.
package nimbuserr

import (
	"errors"
	"fmt"
)

// Kind is a closed enum of error categories per the engine's error
// handling design. New kinds are never added dynamically.
type Kind string

const (
	BadInput            Kind = "bad_input"
	NotFound            Kind = "not_found"
	Conflict            Kind = "conflict"
	SafetyBlocked       Kind = "safety_blocked"
	AwaitingApproval    Kind = "awaiting_approval"
	Cancelled           Kind = "cancelled"
	CapabilityTransient Kind = "capability_transient"
	CapabilityPermanent Kind = "capability_permanent"
	Timeout             Kind = "timeout"
	StorageUnavailable  Kind = "storage_unavailable"
	Internal            Kind = "internal"
)

// Valid reports whether k is one of the engine's recognized error kinds.
func (k Kind) Valid() bool {
	switch k {
	case BadInput, NotFound, Conflict, SafetyBlocked, AwaitingApproval,
		Cancelled, CapabilityTransient, CapabilityPermanent, Timeout,
		StorageUnavailable, Internal:
		return true
	}
	return false
}

// Error wraps an underlying error with a stable kind and message.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New constructs a kind-tagged error. cause may be nil.
func New(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Newf is New with a formatted message.
func Newf(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf extracts the Kind from err, walking the unwrap chain. Errors
// with no attached Kind are reported as Internal, the catch-all for
// failures the engine did not anticipate.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether err's kind (walking the unwrap chain) equals kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
