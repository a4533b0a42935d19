package iot

import (
	"errors"
	"fmt"
)

// ValidationError reports bad or missing input fields. It never leaves
// stored state modified.
type ValidationError struct {
	Reason string
}

func (e ValidationError) Error() string { return e.Reason }

// Validationf creates a ValidationError.
func Validationf(format string, args ...interface{}) error {
	return ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// NotFoundError reports an unknown device or topic.
type NotFoundError struct {
	What string
}

func (e NotFoundError) Error() string { return e.What + " not found" }

// TransportError reports an unreachable or not yet connected
// publish/subscribe transport.
type TransportError struct {
	Reason string
}

func (e TransportError) Error() string { return e.Reason }

// IsValidation returns true if err is a ValidationError.
func IsValidation(err error) bool {
	var v ValidationError
	return errors.As(err, &v)
}

// IsNotFound returns true if err is a NotFoundError.
func IsNotFound(err error) bool {
	var n NotFoundError
	return errors.As(err, &n)
}

// IsTransport returns true if err is a TransportError.
func IsTransport(err error) bool {
	var t TransportError
	return errors.As(err, &t)
}
