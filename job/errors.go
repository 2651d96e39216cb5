package job

import (
	"errors"
	"fmt"
)

// Kind classifies a job failure. It is reported to the caller in the Job Result.
type Kind string

const (
	KindValidation    Kind = "VALIDATION_ERROR"
	KindEngine        Kind = "ENGINE_ERROR"
	KindStorage       Kind = "STORAGE_ERROR"
	KindConfiguration Kind = "CONFIGURATION_ERROR"
)

// Error is the error type produced by every stage of a job.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Detail is the human readable message placed in the Job Result.
func (e *Error) Detail() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// NewValidationError reports a bad or missing request field. The job never reaches the engine.
func NewValidationError(format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// NewEngineError wraps a generation failure or timeout with the engine's diagnostic.
func NewEngineError(message string, err error) *Error {
	return &Error{Kind: KindEngine, Message: message, Err: err}
}

// NewStorageError wraps an artifact upload failure.
func NewStorageError(message string, err error) *Error {
	return &Error{Kind: KindStorage, Message: message, Err: err}
}

// NewConfigurationError reports missing or inconsistent process configuration.
func NewConfigurationError(format string, args ...interface{}) *Error {
	return &Error{Kind: KindConfiguration, Message: fmt.Sprintf(format, args...)}
}

// WrapConfigurationError is NewConfigurationError with an underlying cause.
func WrapConfigurationError(message string, err error) *Error {
	return &Error{Kind: KindConfiguration, Message: message, Err: err}
}

// KindOf returns the Kind of err, or "" when err is not a job error.
func KindOf(err error) Kind {
	var jerr *Error
	if errors.As(err, &jerr) {
		return jerr.Kind
	}
	return ""
}

// IsKind reports whether err is a job error of kind k.
func IsKind(err error, k Kind) bool {
	return KindOf(err) == k
}
