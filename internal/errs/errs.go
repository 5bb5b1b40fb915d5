// Package errs defines the error taxonomy from spec.md §7. Every component
// boundary returns one of these typed errors (or wraps one with
// fmt.Errorf("...: %w", ...)) instead of an ad-hoc string, so callers can
// branch on category with errors.As/errors.Is rather than substring
// matching.
package errs

import (
	"errors"
	"fmt"
)

// Category classifies an error for the purposes of API status mapping and
// logging severity.
type Category string

const (
	// CategoryValidation covers malformed requests, unknown run/node ids,
	// and invalid patches. Surfaced to API callers as 400, never logged as
	// a system error.
	CategoryValidation Category = "validation"
	// CategoryNotFound covers lookups against an id that does not exist.
	// Surfaced to API callers as 404.
	CategoryNotFound Category = "not_found"
	// CategoryApproval covers tool-call refusal or timeout, propagated to
	// the Node Executor as a tool-level outcome rather than a turn failure.
	CategoryApproval Category = "approval"
	// CategoryProvider covers provider stream failures. The owning node
	// transitions to failed; sibling nodes are unaffected.
	CategoryProvider Category = "provider"
	// CategoryInternal covers invariant violations. Fatal at the run
	// level: the run transitions to failed and its scheduler stops.
	CategoryInternal Category = "internal"
)

// Error is the concrete type every taxonomy row maps to.
type Error struct {
	Category Category
	Message  string
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Category, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same Category, so
// errors.Is(err, errs.NotFound("")) style checks work without comparing
// messages.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Category == e.Category
}

// Validation builds a CategoryValidation error.
func Validation(format string, args ...any) error {
	return &Error{Category: CategoryValidation, Message: fmt.Sprintf(format, args...)}
}

// NotFound builds a CategoryNotFound error.
func NotFound(format string, args ...any) error {
	return &Error{Category: CategoryNotFound, Message: fmt.Sprintf(format, args...)}
}

// Approval builds a CategoryApproval error, wrapping the underlying cause
// (timeout or denial) when present.
func Approval(cause error, format string, args ...any) error {
	return &Error{Category: CategoryApproval, Message: fmt.Sprintf(format, args...), Err: cause}
}

// Provider builds a CategoryProvider error wrapping the stream failure.
func Provider(cause error, format string, args ...any) error {
	return &Error{Category: CategoryProvider, Message: fmt.Sprintf(format, args...), Err: cause}
}

// Internal builds a CategoryInternal error wrapping the invariant
// violation.
func Internal(cause error, format string, args ...any) error {
	return &Error{Category: CategoryInternal, Message: fmt.Sprintf(format, args...), Err: cause}
}

// IsCategory reports whether err (or something it wraps) is an *Error of
// the given category.
func IsCategory(err error, cat Category) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Category == cat
}
