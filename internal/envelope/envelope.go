// Package envelope provides the uniform response wrapper for all bridge tool
// responses. Every operation returns exactly one of three tagged shapes:
// ok (with a payload), error (with a stable kind and message), or not_found
// (with a message). No other shape is ever emitted toward a caller.
package envelope

import (
	stderrors "errors"

	"lspbridge/internal/errors"
)

// Status is the envelope tag.
type Status string

const (
	// StatusOK indicates a successful operation with a payload.
	StatusOK Status = "ok"
	// StatusError indicates a failed operation with a stable error kind.
	StatusError Status = "error"
	// StatusNotFound indicates the operation succeeded but produced an empty
	// result set. Callers can distinguish "nothing there" from "found zero".
	StatusNotFound Status = "not_found"
)

// CurrentSchemaVersion is the current envelope schema version.
const CurrentSchemaVersion = "1.0"

// Response is the uniform envelope for all bridge tool responses.
type Response struct {
	SchemaVersion string      `json:"schemaVersion"`
	Status        Status      `json:"status"`
	Data          interface{} `json:"data,omitempty"`
	Kind          errors.Kind `json:"kind,omitempty"`
	Message       string      `json:"message,omitempty"`
	RemoteCode    int         `json:"remoteCode,omitempty"`
}

// Ok builds a success envelope carrying data.
func Ok(data interface{}) *Response {
	return &Response{
		SchemaVersion: CurrentSchemaVersion,
		Status:        StatusOK,
		Data:          data,
	}
}

// NotFound builds an empty-result envelope.
func NotFound(message string) *Response {
	return &Response{
		SchemaVersion: CurrentSchemaVersion,
		Status:        StatusNotFound,
		Kind:          errors.NotFound,
		Message:       message,
	}
}

// Error builds a failure envelope with an explicit kind.
func Error(kind errors.Kind, message string) *Response {
	return &Response{
		SchemaVersion: CurrentSchemaVersion,
		Status:        StatusError,
		Kind:          kind,
		Message:       message,
	}
}

// FromError builds a failure envelope from any error, extracting the kind
// from the chain. A NotFound kind maps to the not_found status so that the
// envelope tag stays in sync with the taxonomy.
func FromError(err error) *Response {
	kind := errors.KindOf(err)
	resp := &Response{
		SchemaVersion: CurrentSchemaVersion,
		Status:        StatusError,
		Kind:          kind,
		Message:       err.Error(),
	}
	if kind == errors.NotFound {
		resp.Status = StatusNotFound
	}
	var be *errors.BridgeError
	if stderrors.As(err, &be) {
		resp.Message = be.Message
		resp.RemoteCode = be.RemoteCode
	}
	return resp
}

// IsOK reports whether the envelope carries a successful payload.
func (r *Response) IsOK() bool {
	return r.Status == StatusOK
}
