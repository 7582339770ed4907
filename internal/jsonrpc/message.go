// Package jsonrpc implements the Content-Length framed JSON-RPC 2.0 codec
// used on the child analysis process's stdio streams.
//
// Frames are self-delimiting: a header block terminated by a blank line,
// then exactly Content-Length bytes of JSON body. The length counts bytes,
// not characters, and the header name is matched case-insensitively.
package jsonrpc

import (
	"encoding/json"
)

// Version is the JSON-RPC protocol version carried by every message.
const Version = "2.0"

// Message represents a JSON-RPC 2.0 message in either direction.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  interface{}     `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error represents a JSON-RPC error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// NewRequest builds a request message with an identifier.
func NewRequest(id int64, method string, params interface{}) *Message {
	return &Message{
		JSONRPC: Version,
		ID:      &id,
		Method:  method,
		Params:  params,
	}
}

// NewNotification builds a message with no identifier; no response is ever
// matched against it.
func NewNotification(method string, params interface{}) *Message {
	return &Message{
		JSONRPC: Version,
		Method:  method,
		Params:  params,
	}
}

// NewNullResponse builds an empty success response for a server-initiated
// request the bridge does not otherwise handle.
func NewNullResponse(id int64) *Message {
	return &Message{
		JSONRPC: Version,
		ID:      &id,
		Result:  json.RawMessage("null"),
	}
}

// IsResponse reports whether the message answers an earlier request: it has
// an identifier and no method.
func (m *Message) IsResponse() bool {
	return m.ID != nil && m.Method == ""
}

// IsNotification reports whether the message is a fire-and-forget
// notification.
func (m *Message) IsNotification() bool {
	return m.Method != "" && m.ID == nil
}

// IsCall reports whether the message is a server-initiated request that
// expects a reply.
func (m *Message) IsCall() bool {
	return m.Method != "" && m.ID != nil
}
