package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"lspbridge/internal/bridge"
	"lspbridge/internal/edit"
	"lspbridge/internal/session"
	"lspbridge/internal/slogutil"
)

func newTestServer() *Server {
	logger := slogutil.NewDiscardLogger()
	b := bridge.New(session.NewRegistry(logger), edit.NewEngine(logger), logger)
	return NewServer("test", b, logger)
}

// runScript feeds newline-delimited requests to the server and returns one
// decoded message per response line.
func runScript(t *testing.T, requests ...string) []Message {
	t.Helper()
	s := newTestServer()
	var out bytes.Buffer
	s.SetStdin(strings.NewReader(strings.Join(requests, "\n") + "\n"))
	s.SetStdout(&out)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() = %v", err)
	}

	var messages []Message
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		if line == "" {
			continue
		}
		var msg Message
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			t.Fatalf("bad response line %q: %v", line, err)
		}
		messages = append(messages, msg)
	}
	return messages
}

func resultMap(t *testing.T, msg Message) map[string]interface{} {
	t.Helper()
	if msg.Error != nil {
		t.Fatalf("unexpected error response: %+v", msg.Error)
	}
	m, ok := msg.Result.(map[string]interface{})
	if !ok {
		t.Fatalf("result is %T, want object", msg.Result)
	}
	return m
}

// toolText extracts the envelope JSON from a tools/call result.
func toolText(t *testing.T, msg Message) map[string]interface{} {
	t.Helper()
	content := resultMap(t, msg)["content"].([]interface{})
	text := content[0].(map[string]interface{})["text"].(string)
	var env map[string]interface{}
	if err := json.Unmarshal([]byte(text), &env); err != nil {
		t.Fatalf("tool text is not JSON: %v", err)
	}
	return env
}

func TestInitializeHandshake(t *testing.T) {
	responses := runScript(t,
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"clientInfo":{"name":"test-client"}}}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
	)
	if len(responses) != 1 {
		t.Fatalf("got %d responses, want 1 (notifications get none)", len(responses))
	}
	result := resultMap(t, responses[0])
	if result["protocolVersion"] != "2024-11-05" {
		t.Errorf("protocolVersion = %v", result["protocolVersion"])
	}
	info := result["serverInfo"].(map[string]interface{})
	if info["name"] != "lspbridge" || info["version"] != "test" {
		t.Errorf("serverInfo = %v", info)
	}
}

func TestToolsListCoversEveryRegisteredTool(t *testing.T) {
	s := newTestServer()
	defs := s.ToolDefinitions()
	if len(defs) != len(s.tools) {
		t.Fatalf("%d definitions for %d registered tools", len(defs), len(s.tools))
	}
	for _, def := range defs {
		if _, ok := s.tools[def.Name]; !ok {
			t.Errorf("tool %q defined but not registered", def.Name)
		}
		if def.Description == "" {
			t.Errorf("tool %q has no description", def.Name)
		}
		if def.InputSchema["type"] != "object" {
			t.Errorf("tool %q schema type = %v", def.Name, def.InputSchema["type"])
		}
	}
}

func TestToolsListResponse(t *testing.T) {
	responses := runScript(t, `{"jsonrpc":"2.0","id":7,"method":"tools/list"}`)
	tools := resultMap(t, responses[0])["tools"].([]interface{})
	if len(tools) != 17 {
		t.Errorf("got %d tools, want 17", len(tools))
	}
	first := tools[0].(map[string]interface{})
	if first["name"] != "definition" {
		t.Errorf("first tool = %v", first["name"])
	}
}

func TestUnknownMethodIsRejected(t *testing.T) {
	responses := runScript(t, `{"jsonrpc":"2.0","id":2,"method":"prompts/list"}`)
	if responses[0].Error == nil || responses[0].Error.Code != MethodNotFound {
		t.Errorf("response = %+v, want method-not-found error", responses[0])
	}
}

func TestUnknownToolIsRejected(t *testing.T) {
	responses := runScript(t,
		`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"bogus","arguments":{}}}`)
	if responses[0].Error == nil || responses[0].Error.Code != InternalError {
		t.Errorf("response = %+v, want error", responses[0])
	}
	if !strings.Contains(responses[0].Error.Message, "bogus") {
		t.Errorf("error message %q does not name the tool", responses[0].Error.Message)
	}
}

func TestMissingArgumentsSurfaceInEnvelope(t *testing.T) {
	responses := runScript(t,
		`{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"definition","arguments":{}}}`)
	env := toolText(t, responses[0])
	if env["status"] != "error" {
		t.Errorf("status = %v, want error", env["status"])
	}
	if env["kind"] != "INVALID_ARGUMENT" {
		t.Errorf("kind = %v, want INVALID_ARGUMENT", env["kind"])
	}
}

func TestStatusToolWithNoSessions(t *testing.T) {
	responses := runScript(t,
		`{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"name":"status","arguments":{}}}`)
	env := toolText(t, responses[0])
	if env["status"] != "ok" {
		t.Fatalf("status = %v: %v", env["status"], env["message"])
	}
	data := env["data"].(map[string]interface{})
	if sessions := data["sessions"].([]interface{}); len(sessions) != 0 {
		t.Errorf("sessions = %v, want empty", sessions)
	}
}

func TestParseErrorContinuesLoop(t *testing.T) {
	responses := runScript(t,
		`{not json`,
		`{"jsonrpc":"2.0","id":6,"method":"tools/list"}`,
	)
	// The malformed line is logged and skipped; the next request still works.
	last := responses[len(responses)-1]
	if last.Error != nil {
		t.Fatalf("tools/list failed after parse error: %+v", last.Error)
	}
	if fmt.Sprintf("%v", last.Id) != "6" {
		t.Errorf("response id = %v, want 6", last.Id)
	}
}

func TestOversizedSchemasAreWellFormed(t *testing.T) {
	s := newTestServer()
	data, err := json.Marshal(s.ToolDefinitions())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if len(data) >= MaxMessageSize {
		t.Errorf("tool definitions (%d bytes) exceed the message cap", len(data))
	}
}
