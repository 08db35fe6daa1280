package storage

import (
	"errors"
	"fmt"
)

// Sentinel errors for the read path. Handlers map these to 404s.
var (
	ErrExperimentNotFound = errors.New("experiment not found")
	ErrDeviceNotFound     = errors.New("device not found")
)

// ErrorType distinguishes between retryable and non-retryable errors.
type ErrorType int

const (
	// ErrorTypeInfrastructure indicates DB/system errors (500 - retryable by the caller).
	ErrorTypeInfrastructure ErrorType = iota
	// ErrorTypeInvalidData indicates bad input data (handled via partial success).
	ErrorTypeInvalidData
)

// StorageError wraps storage layer errors with type information.
type StorageError struct {
	Type    ErrorType
	Message string
	Cause   error
}

func (e *StorageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *StorageError) Unwrap() error {
	return e.Cause
}

// NewInfrastructureError creates an infrastructure error.
func NewInfrastructureError(message string, cause error) *StorageError {
	return &StorageError{
		Type:    ErrorTypeInfrastructure,
		Message: message,
		Cause:   cause,
	}
}
