// Package kwerr defines the error taxonomy shared by every keywheel component.
// Errors carry stable, machine-readable reason codes so callers and the audit
// trail can cross-reference failures without parsing prose.
package kwerr

import (
	"errors"
	"fmt"
)

// NotFoundError indicates an unknown credential, session or grant id.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// NotFound builds a NotFoundError for the given entity kind and id.
func NotFound(kind, id string) error {
	return NotFoundError{Kind: kind, ID: id}
}

// ValidationError indicates malformed input: a bad IP or domain entry, an
// out-of-range duration, a too-short reason.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Message)
}

// Validation builds a ValidationError for the given field.
func Validation(field, format string, args ...interface{}) error {
	return ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// ConflictError indicates a uniqueness violation, e.g. a second rotation
// attempted on a credential that is already rotating.
type ConflictError struct {
	Resource string
	Message  string
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s: %s", e.Resource, e.Message)
}

// Conflict builds a ConflictError for the given resource.
func Conflict(resource, format string, args ...interface{}) error {
	return ConflictError{Resource: resource, Message: fmt.Sprintf(format, args...)}
}

// StateError indicates an illegal lifecycle transition, e.g. completing a
// session that is not in its grace period.
type StateError struct {
	Current   string
	Requested string
	Message   string
}

func (e StateError) Error() string {
	msg := fmt.Sprintf("illegal transition from %s to %s", e.Current, e.Requested)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

// State builds a StateError for the given transition.
func State(current, requested, format string, args ...interface{}) error {
	return StateError{Current: current, Requested: requested, Message: fmt.Sprintf(format, args...)}
}

// AccessDeniedError carries the machine-readable denial reason produced by the
// access control gate.
type AccessDeniedError struct {
	Reason string
	Detail string
}

func (e AccessDeniedError) Error() string {
	if e.Detail == "" {
		return "access denied: " + e.Reason
	}
	return fmt.Sprintf("access denied (%s): %s", e.Reason, e.Detail)
}

// AccessDenied builds an AccessDeniedError with a stable reason code.
func AccessDenied(reason, detail string) error {
	return AccessDeniedError{Reason: reason, Detail: detail}
}

// PersistenceError wraps a store write or read failure.
type PersistenceError struct {
	Op  string
	Err error
}

func (e PersistenceError) Error() string {
	return fmt.Sprintf("store %s failed: %v", e.Op, e.Err)
}

func (e PersistenceError) Unwrap() error {
	return e.Err
}

// Persistence wraps err as a PersistenceError for the given operation.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	return PersistenceError{Op: op, Err: err}
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var e NotFoundError
	return errors.As(err, &e)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var e ValidationError
	return errors.As(err, &e)
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var e ConflictError
	return errors.As(err, &e)
}

// IsState reports whether err is a StateError.
func IsState(err error) bool {
	var e StateError
	return errors.As(err, &e)
}

// IsAccessDenied reports whether err is an AccessDeniedError.
func IsAccessDenied(err error) bool {
	var e AccessDeniedError
	return errors.As(err, &e)
}

// DenialReason extracts the reason code from an AccessDeniedError, or "".
func DenialReason(err error) string {
	var e AccessDeniedError
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}

// IsPersistence reports whether err is a PersistenceError.
func IsPersistence(err error) bool {
	var e PersistenceError
	return errors.As(err, &e)
}
