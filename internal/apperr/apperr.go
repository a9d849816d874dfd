// Package apperr defines the tagged error set shared across the platform and
// its mapping to HTTP-style categories at the handler boundary.
package apperr

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/lib/pq"
)

var (
	ErrValidation       = errors.New("validation failed")
	ErrValidationFailed = errors.New("unique constraint violated")
	ErrNotFound         = errors.New("resource not found")
	ErrForbidden        = errors.New("forbidden")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrConflict         = errors.New("conflict")
	ErrDatabase         = errors.New("database error")
	ErrSerialization    = errors.New("serialization error")
	ErrConfig           = errors.New("configuration error")
	ErrEntity           = errors.New("entity error")
	ErrUnknown          = errors.New("unknown error")
)

// NotFoundError names the missing resource and, when known, its identifier.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
	}
	return fmt.Sprintf("%s not found", e.Resource)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

func NotFound(resource, id string) error {
	return &NotFoundError{Resource: resource, ID: id}
}

// ValidationFailedError carries the field a unique-constraint violation was
// traced back to, when the constraint name allows it.
type ValidationFailedError struct {
	Field   string
	Message string
}

func (e *ValidationFailedError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Field != "" {
		return fmt.Sprintf("a record with the same %s already exists", e.Field)
	}
	return "unique constraint violated"
}

func (e *ValidationFailedError) Unwrap() error { return ErrValidationFailed }

func ValidationFailed(field, message string) error {
	return &ValidationFailedError{Field: field, Message: message}
}

func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func Forbidden(msg string) error {
	if msg == "" {
		return ErrForbidden
	}
	return fmt.Errorf("%w: %s", ErrForbidden, msg)
}

func Conflict(msg string) error {
	return fmt.Errorf("%w: %s", ErrConflict, msg)
}

func Unauthorized(msg string) error {
	return fmt.Errorf("%w: %s", ErrUnauthorized, msg)
}

func Database(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrDatabase, err.Error())
}

// constraintRe parses Postgres constraint names of the form
// idx_<table>_<field>_unique, matching the naming convention the storage
// layer uses for every unique index it creates.
var constraintRe = regexp.MustCompile(`^idx_([a-zA-Z0-9]+)_([a-zA-Z0-9_]+)_unique$`)

// TranslatePG maps a Postgres driver error into the tagged error set. A
// unique_violation (23505) becomes ValidationFailedError with the field name
// recovered from the constraint name when possible; anything else becomes
// Database.
func TranslatePG(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505":
			if m := constraintRe.FindStringSubmatch(pqErr.Constraint); m != nil {
				return ValidationFailed(m[2], fmt.Sprintf("a %s with the same %s already exists", m[1], m[2]))
			}
			return ValidationFailed("", "")
		}
	}
	return Database(err)
}

func IsNotFound(err error) bool         { return errors.Is(err, ErrNotFound) }
func IsValidationFailed(err error) bool { return errors.Is(err, ErrValidationFailed) }
func IsForbidden(err error) bool        { return errors.Is(err, ErrForbidden) }
func IsUnauthorized(err error) bool     { return errors.Is(err, ErrUnauthorized) }
func IsConflict(err error) bool         { return errors.Is(err, ErrConflict) }
