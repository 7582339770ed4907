package mcp

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"os"

	"lspbridge/internal/bridge"
	"lspbridge/internal/envelope"
)

// ToolHandler executes one tool call and returns the uniform envelope.
type ToolHandler func(ctx context.Context, args map[string]interface{}) *envelope.Response

// Server speaks MCP over stdio and dispatches tool calls to the bridge.
type Server struct {
	stdin   io.Reader
	stdout  io.Writer
	scanner *bufio.Scanner
	logger  *slog.Logger
	version string
	bridge  *bridge.Bridge
	tools   map[string]ToolHandler
}

// NewServer creates an MCP server bound to a bridge.
func NewServer(version string, b *bridge.Bridge, logger *slog.Logger) *Server {
	s := &Server{
		stdin:   os.Stdin,
		stdout:  os.Stdout,
		logger:  logger,
		version: version,
		bridge:  b,
		tools:   make(map[string]ToolHandler),
	}
	s.registerTools()
	return s
}

// Start runs the message loop until the client closes the stream.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("mcp server starting", "version", s.version)

	for {
		msg, err := s.readMessage()
		if err != nil {
			if err == io.EOF {
				s.logger.Info("mcp server shutting down (EOF)")
				return nil
			}
			s.logger.Error("error reading message", "error", err)
			if msg != nil && msg.Id != nil {
				_ = s.writeError(msg.Id, ParseError, err.Error())
			}
			continue
		}

		response := s.handleMessage(ctx, msg)
		if response != nil {
			if err := s.writeMessage(response); err != nil {
				s.logger.Error("error writing response", "error", err)
			}
		}
	}
}

// SetStdin sets the input stream (for testing).
func (s *Server) SetStdin(r io.Reader) {
	s.stdin = r
	s.scanner = nil
}

// SetStdout sets the output stream (for testing).
func (s *Server) SetStdout(w io.Writer) {
	s.stdout = w
}
