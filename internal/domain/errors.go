package domain

import (
	"fmt"
)

// ErrorKind is the stable tag carried by every failed tool result.
// Callers branch on the kind, never on the message text.
type ErrorKind string

const (
	// KindConfiguration means the connection context could not be resolved.
	KindConfiguration ErrorKind = "ConfigurationError"
	// KindUnknownTool means the tool name is not in the registry.
	KindUnknownTool ErrorKind = "UnknownTool"
	// KindValidation means the caller's arguments are malformed.
	KindValidation ErrorKind = "ValidationError"
	// KindAuth means the credential is invalid, expired or lacks permission.
	KindAuth ErrorKind = "AuthError"
	// KindNotFound means the referenced work item or type does not exist.
	KindNotFound ErrorKind = "NotFound"
	// KindRemoteValidation means the remote service rejected the content.
	KindRemoteValidation ErrorKind = "RemoteValidationError"
	// KindTransient covers timeouts, connection faults and 5xx responses.
	KindTransient ErrorKind = "TransientError"
	// KindCancelled means the invocation was aborted; the outcome is unknown.
	KindCancelled ErrorKind = "Cancelled"
	// KindInternal covers unexpected local faults.
	KindInternal ErrorKind = "InternalError"
)

// Retryable reports whether retrying the same call may succeed.
func (k ErrorKind) Retryable() bool {
	return k == KindTransient
}

// ToolError is the failure half of a ToolResult.
// It implements error so it can travel through ordinary Go error returns
// until the dispatcher folds it into a result.
type ToolError struct {
	Kind      ErrorKind   `json:"kind"`
	Message   string      `json:"message"`
	Retryable bool        `json:"retryable"`
	Detail    interface{} `json:"detail,omitempty"`

	cause error
}

// NewToolError creates a ToolError with a formatted message.
func NewToolError(kind ErrorKind, format string, args ...interface{}) *ToolError {
	return &ToolError{
		Kind:      kind,
		Message:   fmt.Sprintf(format, args...),
		Retryable: kind.Retryable(),
	}
}

// NewValidationError is shorthand for a ValidationError.
func NewValidationError(format string, args ...interface{}) *ToolError {
	return NewToolError(KindValidation, format, args...)
}

// NewConfigurationError is shorthand for a ConfigurationError.
func NewConfigurationError(format string, args ...interface{}) *ToolError {
	return NewToolError(KindConfiguration, format, args...)
}

// WithCause attaches the underlying error for logging and errors.Is checks.
func (e *ToolError) WithCause(err error) *ToolError {
	e.cause = err
	return e
}

// WithDetail attaches structured diagnostic data.
func (e *ToolError) WithDetail(detail interface{}) *ToolError {
	e.Detail = detail
	return e
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *ToolError) Unwrap() error {
	return e.cause
}
