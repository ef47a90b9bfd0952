package overuse

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for queries about unknown packages or listeners.
	ErrNotFound = errors.New("not found")

	// ErrInvalidArgument is returned for malformed requests.
	ErrInvalidArgument = errors.New("invalid argument")
)

// ValidationError reports the first invariant an overuse configuration update
// violated. The update that produced it changed nothing.
type ValidationError struct {
	Component ComponentType
	Field     string
	Reason    string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid %s config: %s", e.Component, e.Reason)
	}
	return fmt.Sprintf("invalid %s config: %s: %s", e.Component, e.Field, e.Reason)
}

func invalid(c ComponentType, field, format string, args ...any) *ValidationError {
	return &ValidationError{Component: c, Field: field, Reason: fmt.Sprintf(format, args...)}
}
