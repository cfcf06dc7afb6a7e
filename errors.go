package shield

import (
	"errors"
	"fmt"
)

// ValidationError reports malformed input: bad name patterns, invalid
// cron/timezone/IP/date ranges, missing condition fields. It is always
// surfaced to the caller and never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
	}
	return "validation: " + e.Reason
}

// NotFoundError reports a referenced entity that is absent or soft-deleted.
type NotFoundError struct {
	Kind string // role, permission, resource, grant
	Key  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.Key)
}

// ConflictError reports a uniqueness violation. Callers may re-read and
// treat it as idempotent success.
type ConflictError struct {
	Kind string
	Key  string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s already exists: %s", e.Kind, e.Key)
}

// MisconfigurationError reports a stored grant whose schedule or condition
// data is unparsable at evaluation time. Evaluation treats the grant as
// non-passing and continues with other candidates.
type MisconfigurationError struct {
	GrantID string
	Reason  string
}

func (e *MisconfigurationError) Error() string {
	if e.GrantID != "" {
		return fmt.Sprintf("misconfigured grant %s: %s", e.GrantID, e.Reason)
	}
	return "misconfigured: " + e.Reason
}

// StructuralError reports a broken hierarchy invariant, such as a cycle in
// the role parent chain encountered during traversal.
type StructuralError struct {
	Kind string
	ID   string
}

func (e *StructuralError) Error() string {
	return fmt.Sprintf("structural: %s hierarchy cycle at %s", e.Kind, e.ID)
}

func validationErr(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

func notFoundErr(kind, key string) error {
	return &NotFoundError{Kind: kind, Key: key}
}

func conflictErr(kind, key string) error {
	return &ConflictError{Kind: kind, Key: key}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsNotFound reports whether err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool {
	var v *NotFoundError
	return errors.As(err, &v)
}

// IsConflict reports whether err is (or wraps) a ConflictError.
func IsConflict(err error) bool {
	var v *ConflictError
	return errors.As(err, &v)
}

// IsMisconfiguration reports whether err is (or wraps) a
// MisconfigurationError.
func IsMisconfiguration(err error) bool {
	var v *MisconfigurationError
	return errors.As(err, &v)
}

// IsStructural reports whether err is (or wraps) a StructuralError.
func IsStructural(err error) bool {
	var v *StructuralError
	return errors.As(err, &v)
}
