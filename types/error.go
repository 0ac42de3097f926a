package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the orchestrator.
type ErrorCode string

// Scheduling error codes
const (
	ErrInvalidTransition ErrorCode = "INVALID_TRANSITION"
	ErrEmptyRoster       ErrorCode = "EMPTY_ROSTER"
	ErrDispatchFailure   ErrorCode = "DISPATCH_FAILURE"
	ErrDispatchTimeout   ErrorCode = "DISPATCH_TIMEOUT"
)

// Context error codes
const (
	// ErrBudgetExceeded is soft: it is recorded on snapshots and events,
	// never returned from the round loop.
	ErrBudgetExceeded    ErrorCode = "BUDGET_EXCEEDED"
	ErrCompressionFailed ErrorCode = "COMPRESSION_FAILED"
)

// Conversation and storage error codes
const (
	ErrStoreFailure        ErrorCode = "STORE_FAILURE"
	ErrInvalidInput        ErrorCode = "INVALID_INPUT"
	ErrConversationRunning ErrorCode = "CONVERSATION_RUNNING"
	ErrNotFound            ErrorCode = "NOT_FOUND"
)

// Error represents a structured error with code, message, and cause.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error chain.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsErrorCode reports whether any error in the chain carries code.
func IsErrorCode(err error, code ErrorCode) bool {
	return err != nil && GetErrorCode(err) == code
}

// NewEmptyRosterError reports that no agent is eligible to speak.
func NewEmptyRosterError(conversationID string) *Error {
	return NewError(ErrEmptyRoster, fmt.Sprintf("conversation %s has no eligible speaking agents", conversationID))
}

// NewStoreError wraps a durable-store failure.
func NewStoreError(op string, cause error) *Error {
	return NewError(ErrStoreFailure, op).WithCause(cause).WithRetryable(true)
}

// NewInvalidInputError reports a rejected argument or setting.
func NewInvalidInputError(format string, args ...any) *Error {
	return NewError(ErrInvalidInput, fmt.Sprintf(format, args...))
}
