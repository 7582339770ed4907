package mcp

// Tool is one tool exposed via MCP.
type Tool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema"`
}

func objectSchema(required []string, props map[string]interface{}) map[string]interface{} {
	schema := map[string]interface{}{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

var rootProp = map[string]interface{}{
	"type":        "string",
	"description": "Project root directory the language server session is keyed by",
}

var pathProp = map[string]interface{}{
	"type":        "string",
	"description": "File path, absolute or relative to the project root",
}

var lineProp = map[string]interface{}{
	"type":        "integer",
	"description": "1-based line number",
}

var columnProp = map[string]interface{}{
	"type":        "integer",
	"description": "1-based column number, counted in characters",
}

var proposalIdProp = map[string]interface{}{
	"type":        "string",
	"description": "Edit proposal id returned by rename or codeAction",
}

func positionSchema(extra map[string]interface{}) map[string]interface{} {
	props := map[string]interface{}{
		"root":   rootProp,
		"path":   pathProp,
		"line":   lineProp,
		"column": columnProp,
	}
	for k, v := range extra {
		props[k] = v
	}
	return props
}

// ToolDefinitions returns all tool definitions in dispatch order.
func (s *Server) ToolDefinitions() []Tool {
	return []Tool{
		{
			Name:        "definition",
			Description: "Find where the symbol at a position is defined",
			InputSchema: objectSchema([]string{"root", "path", "line", "column"}, positionSchema(nil)),
		},
		{
			Name:        "usages",
			Description: "Find every reference to the symbol at a position, including its declaration, ordered by file then position",
			InputSchema: objectSchema([]string{"root", "path", "line", "column"}, positionSchema(nil)),
		},
		{
			Name:        "hover",
			Description: "Get type information and documentation for the symbol at a position",
			InputSchema: objectSchema([]string{"root", "path", "line", "column"}, positionSchema(nil)),
		},
		{
			Name:        "completions",
			Description: "List completion candidates at a position",
			InputSchema: objectSchema([]string{"root", "path", "line", "column"}, positionSchema(map[string]interface{}{
				"limit": map[string]interface{}{
					"type":        "integer",
					"default":     20,
					"description": "Maximum number of candidates to return",
				},
			})),
		},
		{
			Name:        "diagnostics",
			Description: "Get the latest diagnostics for a file, waiting briefly for the first analysis pass",
			InputSchema: objectSchema([]string{"root", "path"}, map[string]interface{}{
				"root": rootProp,
				"path": pathProp,
			}),
		},
		{
			Name:        "search",
			Description: "Search project symbols by name",
			InputSchema: objectSchema([]string{"root", "query"}, map[string]interface{}{
				"root": rootProp,
				"query": map[string]interface{}{
					"type":        "string",
					"description": "Symbol name or substring to search for",
				},
			}),
		},
		{
			Name:        "fileSymbols",
			Description: "List the symbols declared in one file",
			InputSchema: objectSchema([]string{"root", "path"}, map[string]interface{}{
				"root": rootProp,
				"path": pathProp,
			}),
		},
		{
			Name:        "rename",
			Description: "Propose renaming the symbol at a position. Returns a proposal to preview and apply; nothing is written until applyEdit",
			InputSchema: objectSchema([]string{"root", "path", "line", "column", "newName"}, positionSchema(map[string]interface{}{
				"newName": map[string]interface{}{
					"type":        "string",
					"description": "The new symbol name",
				},
			})),
		},
		{
			Name:        "codeActions",
			Description: "List the code actions available at a position",
			InputSchema: objectSchema([]string{"root", "path", "line", "column"}, positionSchema(nil)),
		},
		{
			Name:        "codeAction",
			Description: "Propose applying one code action by its index from codeActions",
			InputSchema: objectSchema([]string{"root", "path", "line", "column", "index"}, positionSchema(map[string]interface{}{
				"index": map[string]interface{}{
					"type":        "integer",
					"description": "Zero-based index into the codeActions list",
				},
			})),
		},
		{
			Name:        "previewEdit",
			Description: "Render a unified diff preview of a pending edit proposal",
			InputSchema: objectSchema([]string{"proposalId"}, map[string]interface{}{
				"proposalId": proposalIdProp,
			}),
		},
		{
			Name:        "applyEdit",
			Description: "Apply a pending edit proposal to disk. All files are written or none are",
			InputSchema: objectSchema([]string{"root", "proposalId"}, map[string]interface{}{
				"root":       rootProp,
				"proposalId": proposalIdProp,
			}),
		},
		{
			Name:        "discardEdit",
			Description: "Discard a pending edit proposal without writing anything",
			InputSchema: objectSchema([]string{"proposalId"}, map[string]interface{}{
				"proposalId": proposalIdProp,
			}),
		},
		{
			Name:        "openDocument",
			Description: "Register a file with the language server for analysis",
			InputSchema: objectSchema([]string{"root", "path"}, map[string]interface{}{
				"root": rootProp,
				"path": pathProp,
			}),
		},
		{
			Name:        "closeDocument",
			Description: "Unregister a file from the language server",
			InputSchema: objectSchema([]string{"root", "path"}, map[string]interface{}{
				"root": rootProp,
				"path": pathProp,
			}),
		},
		{
			Name:        "status",
			Description: "Report every session's state, open documents, and pending edit proposals",
			InputSchema: objectSchema(nil, map[string]interface{}{}),
		},
		{
			Name:        "shutdownSession",
			Description: "Shut down the language server session for a project root",
			InputSchema: objectSchema([]string{"root"}, map[string]interface{}{
				"root": rootProp,
			}),
		},
	}
}

func (s *Server) registerTools() {
	s.tools["definition"] = s.handleDefinition
	s.tools["usages"] = s.handleUsages
	s.tools["hover"] = s.handleHover
	s.tools["completions"] = s.handleCompletions
	s.tools["diagnostics"] = s.handleDiagnostics
	s.tools["search"] = s.handleSearch
	s.tools["fileSymbols"] = s.handleFileSymbols
	s.tools["rename"] = s.handleRename
	s.tools["codeActions"] = s.handleCodeActions
	s.tools["codeAction"] = s.handleCodeAction
	s.tools["previewEdit"] = s.handlePreviewEdit
	s.tools["applyEdit"] = s.handleApplyEdit
	s.tools["discardEdit"] = s.handleDiscardEdit
	s.tools["openDocument"] = s.handleOpenDocument
	s.tools["closeDocument"] = s.handleCloseDocument
	s.tools["status"] = s.handleStatus
	s.tools["shutdownSession"] = s.handleShutdownSession
}
