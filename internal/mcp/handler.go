package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"lspbridge/internal/envelope"
	"lspbridge/internal/errors"
)

// handleMessage processes one incoming message. Notifications return nil.
func (s *Server) handleMessage(ctx context.Context, msg *Message) *Message {
	if msg.IsRequest() {
		return s.handleRequest(ctx, msg)
	}
	if msg.IsNotification() {
		s.handleNotification(msg)
		return nil
	}
	return NewErrorMessage(msg.Id, InvalidRequest, "invalid message: not a request or notification")
}

func (s *Server) handleRequest(ctx context.Context, msg *Message) *Message {
	s.logger.Debug("handling request", "method", msg.Method, "id", msg.Id)

	switch msg.Method {
	case "initialize":
		params, ok := msg.Params.(map[string]interface{})
		if !ok {
			params = make(map[string]interface{})
		}
		return NewResultMessage(msg.Id, s.handleInitialize(params))
	case "tools/list":
		return NewResultMessage(msg.Id, map[string]interface{}{
			"tools": s.ToolDefinitions(),
		})
	case "tools/call":
		params, ok := msg.Params.(map[string]interface{})
		if !ok {
			return NewErrorMessage(msg.Id, InvalidParams, "invalid params: expected object")
		}
		result, err := s.handleCallTool(ctx, params)
		if err != nil {
			return NewErrorMessage(msg.Id, InternalError, err.Error())
		}
		return NewResultMessage(msg.Id, result)
	default:
		return NewErrorMessage(msg.Id, MethodNotFound, fmt.Sprintf("method not found: %s", msg.Method))
	}
}

func (s *Server) handleNotification(msg *Message) {
	switch msg.Method {
	case "notifications/initialized":
		s.logger.Info("client initialized")
	default:
		s.logger.Debug("unknown notification", "method", msg.Method)
	}
}

// handleCallTool executes a tool and packs its envelope into MCP content.
// Tool-level failures travel inside the envelope, not as JSON-RPC errors.
func (s *Server) handleCallTool(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	toolName, ok := params["name"].(string)
	if !ok {
		return nil, errors.Newf(errors.InvalidArgument, "tool name missing")
	}

	args, ok := params["arguments"].(map[string]interface{})
	if !ok {
		args = make(map[string]interface{})
	}

	handler, exists := s.tools[toolName]
	if !exists {
		return nil, errors.Newf(errors.NotFound, "unknown tool %q", toolName)
	}

	s.logger.Info("calling tool", "tool", toolName)

	resp := handler(ctx, args)
	return toolContent(resp)
}

func toolContent(resp *envelope.Response) (interface{}, error) {
	data, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("marshaling tool response: %w", err)
	}
	return map[string]interface{}{
		"content": []map[string]interface{}{
			{"type": "text", "text": string(data)},
		},
	}, nil
}
