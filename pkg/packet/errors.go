package packet

import (
	"errors"
	"fmt"
)

// ValidationError reports the first field of a packet that failed validation.
type ValidationError struct {
	Field  string
	Reason string
	Value  any
}

func (e *ValidationError) Error() string {
	if e.Value != nil {
		return fmt.Sprintf("invalid packet field %q: %s (got %v)", e.Field, e.Reason, e.Value)
	}
	return fmt.Sprintf("invalid packet field %q: %s", e.Field, e.Reason)
}

// IsValidationError reports whether err is or wraps a *ValidationError.
func IsValidationError(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

func invalid(field, reason string, value any) *ValidationError {
	return &ValidationError{Field: field, Reason: reason, Value: value}
}
