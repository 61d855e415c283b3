package game

import (
	"errors"
	"fmt"
)

// ValidationError reports malformed hash material, a malformed secret, or a
// malformed upstream record. The affected record is skipped.
type ValidationError struct {
	// Field names the offending input ("hash", "secret", "record", ...).
	Field string

	// Message is a human-readable description.
	Message string

	// RecordID identifies the record when known (0 otherwise).
	RecordID int64
}

func (e *ValidationError) Error() string {
	if e.RecordID != 0 {
		return fmt.Sprintf("invalid %s: %s (id=%d)", e.Field, e.Message, e.RecordID)
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// NewValidationError creates a ValidationError for field.
func NewValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// UpstreamErrorKind categorizes feed failures.
type UpstreamErrorKind string

const (
	// UpstreamTransient covers timeouts, connection failures, 5xx and 429.
	UpstreamTransient UpstreamErrorKind = "TRANSIENT"

	// UpstreamBlocked means the feed answered with an edge-protection
	// challenge instead of data.
	UpstreamBlocked UpstreamErrorKind = "BLOCKED"
)

// UpstreamError is returned by the feed client.
type UpstreamError struct {
	Kind UpstreamErrorKind

	// StatusCode is the HTTP status, or 0 when no response was received.
	StatusCode int

	// Page is the requested page number.
	Page int

	// Signature is the challenge marker that matched (blocked errors only).
	Signature string

	Err error
}

func (e *UpstreamError) Error() string {
	switch {
	case e.Kind == UpstreamBlocked:
		return fmt.Sprintf("upstream blocked: challenge %q on page %d (status %d)", e.Signature, e.Page, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("upstream transient error on page %d (status %d): %v", e.Page, e.StatusCode, e.Err)
	default:
		return fmt.Sprintf("upstream transient error on page %d (status %d)", e.Page, e.StatusCode)
	}
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// ConflictError reports an upsert that found a stored record with the same ID
// but materially different content. The stored record is kept.
type ConflictError struct {
	ID       int64
	Stored   Record
	Incoming Record
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflicting content for game %d: stored hash=%s outcome=%.2f, incoming hash=%s outcome=%.2f",
		e.ID, e.Stored.Hash, e.Stored.ReportedOutcome, e.Incoming.Hash, e.Incoming.ReportedOutcome)
}

// ErrNotFound is returned by stores when a record does not exist.
var ErrNotFound = errors.New("game not found")

// IsValidation returns true if err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsTransient returns true if err is a transient upstream error.
func IsTransient(err error) bool {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.Kind == UpstreamTransient
	}
	return false
}

// IsBlocked returns true if err is an upstream challenge block.
func IsBlocked(err error) bool {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.Kind == UpstreamBlocked
	}
	return false
}

// IsConflict returns true if err is a persistence conflict.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}
