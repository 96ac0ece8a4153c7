package model

import (
	"errors"
	"fmt"
)

// ErrUnboundedRange is wrapped by validation errors for windows that exceed
// the configured maximum span.
var ErrUnboundedRange = errors.New("range exceeds maximum span")

// ValidationError reports a caller mistake in a single named field.
// It is never retried.
type ValidationError struct {
	Field  string
	Value  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Invalid builds a ValidationError.
func Invalid(field, value, reason string) *ValidationError {
	return &ValidationError{Field: field, Value: value, Reason: reason}
}

// IsValidation reports whether err carries a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
