package errors

import (
	"errors"
	"fmt"
)

// Kind represents stable error codes for all bridge failure modes
type Kind string

const (
	// ProtocolViolation indicates malformed framing on the child process
	// stream; fatal to the owning session
	ProtocolViolation Kind = "PROTOCOL_VIOLATION"
	// BackendUnavailable indicates the child analysis process is missing or
	// dead; a fresh session may be established on the next call
	BackendUnavailable Kind = "BACKEND_UNAVAILABLE"
	// Timeout indicates a call deadline elapsed before a response arrived
	Timeout Kind = "TIMEOUT"
	// RemoteError indicates the child process reported a structured failure
	RemoteError Kind = "REMOTE_ERROR"
	// InvalidState indicates edit-proposal misuse (apply after apply/discard)
	InvalidState Kind = "INVALID_STATE"
	// PartialApplyRolledBack indicates apply failed after partial writes and
	// all written files were restored before returning
	PartialApplyRolledBack Kind = "PARTIAL_APPLY_ROLLED_BACK"
	// InvalidArgument indicates a malformed tool argument
	InvalidArgument Kind = "INVALID_ARGUMENT"
	// NotFound indicates a lookup produced an empty result set
	NotFound Kind = "NOT_FOUND"
	// InternalError indicates an unexpected failure
	InternalError Kind = "INTERNAL_ERROR"
)

// FixAction represents a suggested fix for an error
type FixAction struct {
	Command     string `json:"command,omitempty"`
	Safe        bool   `json:"safe,omitempty"`
	Description string `json:"description,omitempty"`
}

// BridgeError represents a bridge failure with a stable kind and message
type BridgeError struct {
	Kind           Kind        `json:"kind"`
	Message        string      `json:"message"`
	RemoteCode     int         `json:"remoteCode,omitempty"`
	Details        interface{} `json:"details,omitempty"`
	SuggestedFixes []FixAction `json:"suggestedFixes,omitempty"`
	cause          error
}

// New creates a new BridgeError
func New(kind Kind, message string, cause error) *BridgeError {
	return &BridgeError{
		Kind:           kind,
		Message:        message,
		cause:          cause,
		SuggestedFixes: SuggestedFixes(kind),
	}
}

// Newf creates a new BridgeError with a formatted message
func Newf(kind Kind, format string, args ...interface{}) *BridgeError {
	return New(kind, fmt.Sprintf(format, args...), nil)
}

// Remote creates a BridgeError carrying a structured failure reported by the
// child process. The code and message pass through unchanged.
func Remote(code int, message string) *BridgeError {
	return &BridgeError{
		Kind:       RemoteError,
		Message:    message,
		RemoteCode: code,
	}
}

// Error implements the error interface
func (e *BridgeError) Error() string {
	if e.Kind == RemoteError {
		return fmt.Sprintf("[%s] %d: %s", e.Kind, e.RemoteCode, e.Message)
	}
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error
func (e *BridgeError) Unwrap() error {
	return e.cause
}

// WithDetails adds details to the error
func (e *BridgeError) WithDetails(details interface{}) *BridgeError {
	e.Details = details
	return e
}

// AsBridgeError reports whether the chain contains a *BridgeError,
// assigning it to target when found.
func AsBridgeError(err error, target **BridgeError) bool {
	return errors.As(err, target)
}

// KindOf extracts the kind from an error chain. Errors that are not
// BridgeErrors map to InternalError.
func KindOf(err error) Kind {
	var be *BridgeError
	if errors.As(err, &be) {
		return be.Kind
	}
	return InternalError
}

// Retryable reports whether a caller may safely retry the failed call.
// Only deadline expiry is retryable as-is; a dead backend is retried
// implicitly by the next call's fresh handshake.
func Retryable(kind Kind) bool {
	return kind == Timeout
}

// kindActions maps error kinds to suggested fix actions
var kindActions = map[Kind][]FixAction{
	BackendUnavailable: {
		{
			Command:     "lspbridge doctor",
			Safe:        true,
			Description: "Check that the analysis server binary is installed and resolvable",
		},
	},
	Timeout: {
		{
			Command:     "${retry_call}",
			Safe:        true,
			Description: "Retry the call; the deadline elapsed but the session is healthy",
		},
	},
}

// SuggestedFixes returns suggested fixes for an error kind
func SuggestedFixes(kind Kind) []FixAction {
	if fixes, ok := kindActions[kind]; ok {
		return fixes
	}
	return nil
}
