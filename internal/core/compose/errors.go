// Package compose parses stack manifests written in the Docker Compose format.
// This is part of the Functional Core - all functions are pure with no I/O.
package compose

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	ErrEmptyInput         = errors.New("stack manifest is empty")
	ErrInvalidYAML        = errors.New("invalid YAML syntax")
	ErrNoServices         = errors.New("stack manifest must define at least one service")
	ErrServiceNoImage     = errors.New("service must have an image")
	ErrServiceInvalidPort = errors.New("invalid port configuration")
	ErrCircularDependency = errors.New("circular dependency detected")
	ErrUnsupportedFeature = errors.New("unsupported compose feature")
	ErrMissingVariable    = errors.New("required variable has no value")
)

// ParseError wraps errors with context about where parsing failed.
type ParseError struct {
	Field   string // e.g., "services.web.ports[0]"
	Message string
	Err     error
}

func (e *ParseError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return e.Message
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// NewParseError creates a new ParseError.
func NewParseError(field, message string, err error) *ParseError {
	return &ParseError{
		Field:   field,
		Message: message,
		Err:     err,
	}
}
