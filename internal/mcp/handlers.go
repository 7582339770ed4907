package mcp

import (
	"context"

	"lspbridge/internal/bridge"
	"lspbridge/internal/envelope"
	"lspbridge/internal/errors"
)

func stringArg(args map[string]interface{}, key string) (string, *envelope.Response) {
	v, ok := args[key].(string)
	if !ok || v == "" {
		return "", envelope.FromError(errors.Newf(errors.InvalidArgument, "missing required argument %q", key))
	}
	return v, nil
}

// intArg accepts both float64 (JSON numbers) and int.
func intArg(args map[string]interface{}, key string) (int, bool) {
	switch v := args[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	}
	return 0, false
}

func positionArgs(args map[string]interface{}) (root, path string, pos bridge.Position, fail *envelope.Response) {
	if root, fail = stringArg(args, "root"); fail != nil {
		return
	}
	if path, fail = stringArg(args, "path"); fail != nil {
		return
	}
	line, ok := intArg(args, "line")
	if !ok {
		fail = envelope.FromError(errors.Newf(errors.InvalidArgument, "missing required argument %q", "line"))
		return
	}
	column, ok := intArg(args, "column")
	if !ok {
		fail = envelope.FromError(errors.Newf(errors.InvalidArgument, "missing required argument %q", "column"))
		return
	}
	pos = bridge.Position{Line: line, Column: column}
	return
}

func (s *Server) handleDefinition(ctx context.Context, args map[string]interface{}) *envelope.Response {
	root, path, pos, fail := positionArgs(args)
	if fail != nil {
		return fail
	}
	return s.bridge.Definition(ctx, root, path, pos)
}

func (s *Server) handleUsages(ctx context.Context, args map[string]interface{}) *envelope.Response {
	root, path, pos, fail := positionArgs(args)
	if fail != nil {
		return fail
	}
	return s.bridge.Usages(ctx, root, path, pos)
}

func (s *Server) handleHover(ctx context.Context, args map[string]interface{}) *envelope.Response {
	root, path, pos, fail := positionArgs(args)
	if fail != nil {
		return fail
	}
	return s.bridge.Hover(ctx, root, path, pos)
}

func (s *Server) handleCompletions(ctx context.Context, args map[string]interface{}) *envelope.Response {
	root, path, pos, fail := positionArgs(args)
	if fail != nil {
		return fail
	}
	limit, ok := intArg(args, "limit")
	if !ok {
		limit = 20
	}
	return s.bridge.Completions(ctx, root, path, pos, limit)
}

func (s *Server) handleDiagnostics(ctx context.Context, args map[string]interface{}) *envelope.Response {
	root, fail := stringArg(args, "root")
	if fail != nil {
		return fail
	}
	path, fail := stringArg(args, "path")
	if fail != nil {
		return fail
	}
	return s.bridge.Diagnostics(ctx, root, path)
}

func (s *Server) handleSearch(ctx context.Context, args map[string]interface{}) *envelope.Response {
	root, fail := stringArg(args, "root")
	if fail != nil {
		return fail
	}
	query, fail := stringArg(args, "query")
	if fail != nil {
		return fail
	}
	return s.bridge.Search(ctx, root, query)
}

func (s *Server) handleFileSymbols(ctx context.Context, args map[string]interface{}) *envelope.Response {
	root, fail := stringArg(args, "root")
	if fail != nil {
		return fail
	}
	path, fail := stringArg(args, "path")
	if fail != nil {
		return fail
	}
	return s.bridge.FileSymbols(ctx, root, path)
}

func (s *Server) handleRename(ctx context.Context, args map[string]interface{}) *envelope.Response {
	root, path, pos, fail := positionArgs(args)
	if fail != nil {
		return fail
	}
	newName, fail := stringArg(args, "newName")
	if fail != nil {
		return fail
	}
	return s.bridge.Rename(ctx, root, path, pos, newName)
}

func (s *Server) handleCodeActions(ctx context.Context, args map[string]interface{}) *envelope.Response {
	root, path, pos, fail := positionArgs(args)
	if fail != nil {
		return fail
	}
	return s.bridge.CodeActions(ctx, root, path, pos)
}

func (s *Server) handleCodeAction(ctx context.Context, args map[string]interface{}) *envelope.Response {
	root, path, pos, fail := positionArgs(args)
	if fail != nil {
		return fail
	}
	index, ok := intArg(args, "index")
	if !ok {
		return envelope.FromError(errors.Newf(errors.InvalidArgument, "missing required argument %q", "index"))
	}
	return s.bridge.CodeAction(ctx, root, path, pos, index)
}

func (s *Server) handlePreviewEdit(ctx context.Context, args map[string]interface{}) *envelope.Response {
	id, fail := stringArg(args, "proposalId")
	if fail != nil {
		return fail
	}
	return s.bridge.PreviewEdit(id)
}

func (s *Server) handleApplyEdit(ctx context.Context, args map[string]interface{}) *envelope.Response {
	root, fail := stringArg(args, "root")
	if fail != nil {
		return fail
	}
	id, fail := stringArg(args, "proposalId")
	if fail != nil {
		return fail
	}
	return s.bridge.ApplyEdit(ctx, root, id)
}

func (s *Server) handleDiscardEdit(ctx context.Context, args map[string]interface{}) *envelope.Response {
	id, fail := stringArg(args, "proposalId")
	if fail != nil {
		return fail
	}
	return s.bridge.DiscardEdit(id)
}

func (s *Server) handleOpenDocument(ctx context.Context, args map[string]interface{}) *envelope.Response {
	root, fail := stringArg(args, "root")
	if fail != nil {
		return fail
	}
	path, fail := stringArg(args, "path")
	if fail != nil {
		return fail
	}
	return s.bridge.OpenDocument(ctx, root, path)
}

func (s *Server) handleCloseDocument(ctx context.Context, args map[string]interface{}) *envelope.Response {
	root, fail := stringArg(args, "root")
	if fail != nil {
		return fail
	}
	path, fail := stringArg(args, "path")
	if fail != nil {
		return fail
	}
	return s.bridge.CloseDocument(ctx, root, path)
}

func (s *Server) handleStatus(ctx context.Context, args map[string]interface{}) *envelope.Response {
	return s.bridge.Status(ctx)
}

func (s *Server) handleShutdownSession(ctx context.Context, args map[string]interface{}) *envelope.Response {
	root, fail := stringArg(args, "root")
	if fail != nil {
		return fail
	}
	return s.bridge.ShutdownSession(ctx, root)
}
