package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"go.lsp.dev/protocol"
	"go.lsp.dev/uri"

	"lspbridge/internal/edit"
	"lspbridge/internal/envelope"
	"lspbridge/internal/errors"
	"lspbridge/internal/session"
)

// Rename asks the server to rename the symbol at a position and registers
// the resulting workspace edit as a proposal. Nothing touches disk until
// the proposal is applied.
func (b *Bridge) Rename(ctx context.Context, root, path string, pos Position, newName string) *envelope.Response {
	if newName == "" {
		return b.fail("rename", errors.Newf(errors.InvalidArgument, "newName must not be empty"))
	}
	s, err := b.sessionFor(root)
	if err != nil {
		return b.fail("rename", err)
	}
	docURI, wp, _, err := b.openForQuery(ctx, s, path, pos)
	if err != nil {
		return b.fail("rename", err)
	}

	// When the server advertises prepareRename, ask first so a rename on
	// empty space reports not_found instead of a server error. Servers
	// without the capability get the real request directly.
	if supportsPrepareRename(s.Capabilities()) {
		probe, err := s.Call(ctx, protocol.MethodTextDocumentPrepareRename, protocol.PrepareRenameParams{
			TextDocumentPositionParams: protocol.TextDocumentPositionParams{
				TextDocument: protocol.TextDocumentIdentifier{URI: docURI},
				Position:     wp,
			},
		})
		if err == nil && (len(probe) == 0 || string(probe) == "null") {
			return envelope.NotFound(fmt.Sprintf("nothing renameable at %s:%d:%d", path, pos.Line, pos.Column))
		}
	}

	raw, err := s.Call(ctx, protocol.MethodTextDocumentRename, protocol.RenameParams{
		TextDocumentPositionParams: protocol.TextDocumentPositionParams{
			TextDocument: protocol.TextDocumentIdentifier{URI: docURI},
			Position:     wp,
		},
		NewName: newName,
	})
	if err != nil {
		return b.fail("rename", err)
	}

	changes := decodeWorkspaceEdit(raw)
	if len(changes) == 0 {
		return envelope.NotFound(fmt.Sprintf("rename produced no edits at %s:%d:%d", path, pos.Line, pos.Column))
	}

	summary := fmt.Sprintf("rename to %q across %d file(s)", newName, len(changes))
	return b.propose(s, edit.KindRename, summary, changes)
}

// supportsPrepareRename reports whether the handshake announced the
// prepareRename request. The renameProvider capability is either a bare bool
// or an options object with a prepareProvider flag.
func supportsPrepareRename(caps protocol.ServerCapabilities) bool {
	opts, ok := caps.RenameProvider.(map[string]interface{})
	if !ok {
		return false
	}
	prepare, _ := opts["prepareProvider"].(bool)
	return prepare
}

// ActionEntry is one code action candidate, addressable by its index.
type ActionEntry struct {
	Index     int    `json:"index"`
	Title     string `json:"title"`
	Kind      string `json:"kind,omitempty"`
	Preferred bool   `json:"preferred,omitempty"`
	HasEdit   bool   `json:"hasEdit"`
}

// CodeActions lists the actions the server offers for a position.
func (b *Bridge) CodeActions(ctx context.Context, root, path string, pos Position) *envelope.Response {
	s, err := b.sessionFor(root)
	if err != nil {
		return b.fail("codeActions", err)
	}
	actions, err := b.fetchCodeActions(ctx, s, path, pos)
	if err != nil {
		return b.fail("codeActions", err)
	}
	if len(actions) == 0 {
		return envelope.NotFound(fmt.Sprintf("no code actions at %s:%d:%d", path, pos.Line, pos.Column))
	}

	entries := make([]ActionEntry, len(actions))
	for i, a := range actions {
		entries[i] = ActionEntry{
			Index:     i,
			Title:     a.Title,
			Kind:      string(a.Kind),
			Preferred: a.IsPreferred,
			HasEdit:   a.Edit != nil,
		}
	}
	return envelope.Ok(map[string]interface{}{
		"count":   len(entries),
		"actions": entries,
	})
}

// CodeAction turns the index-th action at a position into an edit proposal.
// The list is re-fetched, so the index refers to the most recent CodeActions
// result for the same position.
func (b *Bridge) CodeAction(ctx context.Context, root, path string, pos Position, index int) *envelope.Response {
	s, err := b.sessionFor(root)
	if err != nil {
		return b.fail("codeAction", err)
	}
	actions, err := b.fetchCodeActions(ctx, s, path, pos)
	if err != nil {
		return b.fail("codeAction", err)
	}
	if len(actions) == 0 {
		return envelope.NotFound(fmt.Sprintf("no code actions at %s:%d:%d", path, pos.Line, pos.Column))
	}
	if index < 0 || index >= len(actions) {
		return b.fail("codeAction", errors.Newf(errors.InvalidArgument,
			"action index %d out of range, %d action(s) available", index, len(actions)))
	}

	action := actions[index]
	if action.Edit == nil {
		return b.fail("codeAction", errors.Newf(errors.InvalidArgument,
			"action %q is command-only and cannot be applied as an edit", action.Title))
	}
	changes := flattenWorkspaceEdit(action.Edit)
	if len(changes) == 0 {
		return envelope.NotFound(fmt.Sprintf("action %q carries no edits", action.Title))
	}
	return b.propose(s, edit.KindCodeAction, action.Title, changes)
}

func (b *Bridge) fetchCodeActions(ctx context.Context, s *session.Session, path string, pos Position) ([]protocol.CodeAction, error) {
	docURI, wp, _, err := b.openForQuery(ctx, s, path, pos)
	if err != nil {
		return nil, err
	}

	// Cached diagnostics overlapping the position give the server context
	// for quick fixes.
	var actx protocol.CodeActionContext
	if diags, ok, _ := s.Diagnostics(ctx, path); ok {
		for _, d := range diags {
			if d.Range.Start.Line <= wp.Line && wp.Line <= d.Range.End.Line {
				actx.Diagnostics = append(actx.Diagnostics, d)
			}
		}
	}

	raw, err := s.Call(ctx, protocol.MethodTextDocumentCodeAction, protocol.CodeActionParams{
		TextDocument: protocol.TextDocumentIdentifier{URI: docURI},
		Range:        protocol.Range{Start: wp, End: wp},
		Context:      actx,
	})
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var actions []protocol.CodeAction
	if err := json.Unmarshal(raw, &actions); err != nil {
		return nil, errors.New(errors.ProtocolViolation, "malformed code action result", err)
	}
	return actions, nil
}

// decodeWorkspaceEdit parses a rename result into per-path edit lists keyed
// by absolute file path.
func decodeWorkspaceEdit(raw json.RawMessage) map[string][]protocol.TextEdit {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var we protocol.WorkspaceEdit
	if err := json.Unmarshal(raw, &we); err != nil {
		return nil
	}
	return flattenWorkspaceEdit(&we)
}

// flattenWorkspaceEdit merges the two WorkspaceEdit shapes, keyed changes
// and versioned document changes, into one map.
func flattenWorkspaceEdit(we *protocol.WorkspaceEdit) map[string][]protocol.TextEdit {
	out := make(map[string][]protocol.TextEdit)
	for u, edits := range we.Changes {
		if len(edits) > 0 {
			path := uri.URI(u).Filename()
			out[path] = append(out[path], edits...)
		}
	}
	for _, dc := range we.DocumentChanges {
		if len(dc.Edits) > 0 {
			path := uri.URI(dc.TextDocument.URI).Filename()
			out[path] = append(out[path], dc.Edits...)
		}
	}
	return out
}

// propose materializes per-file rewrites from wire edits and registers the
// proposal.
func (b *Bridge) propose(s *session.Session, kind edit.Kind, summary string, changes map[string][]protocol.TextEdit) *envelope.Response {
	files := make([]edit.FileChange, 0, len(changes))
	for path, edits := range changes {
		baseline := ""
		if doc, ok := s.Document(path); ok {
			baseline = doc.Content()
		} else if data, err := os.ReadFile(path); err == nil {
			baseline = string(data)
		}
		updated, err := edit.ApplyTextEdits(baseline, edits)
		if err != nil {
			return b.fail("propose", err)
		}
		files = append(files, edit.FileChange{
			Path:      path,
			Baseline:  baseline,
			Updated:   updated,
			EditCount: len(edits),
		})
	}

	p := b.engine.Propose(kind, summary, files)
	fileInfo := make([]map[string]interface{}, len(p.Files))
	for i, fc := range p.Files {
		fileInfo[i] = map[string]interface{}{"path": fc.Path, "edits": fc.EditCount}
	}
	return envelope.Ok(map[string]interface{}{
		"proposalId": p.ID,
		"kind":       p.Kind,
		"state":      p.State,
		"summary":    p.Summary,
		"files":      fileInfo,
	})
}

// PreviewEdit renders per-file diffs for a pending proposal.
func (b *Bridge) PreviewEdit(id string) *envelope.Response {
	previews, err := b.engine.Preview(id)
	if err != nil {
		return b.fail("previewEdit", err)
	}
	return envelope.Ok(map[string]interface{}{
		"proposalId": id,
		"files":      previews,
	})
}

// ApplyEdit writes a pending proposal to disk, all files or none.
func (b *Bridge) ApplyEdit(ctx context.Context, root, id string) *envelope.Response {
	s, err := b.sessionFor(root)
	if err != nil {
		return b.fail("applyEdit", err)
	}
	applied, err := b.engine.Apply(ctx, id, s)
	if err != nil {
		return b.fail("applyEdit", err)
	}
	return envelope.Ok(map[string]interface{}{
		"proposalId": id,
		"applied":    true,
		"files":      applied,
	})
}

// DiscardEdit drops a pending proposal without touching any file.
func (b *Bridge) DiscardEdit(id string) *envelope.Response {
	if err := b.engine.Discard(id); err != nil {
		return b.fail("discardEdit", err)
	}
	return envelope.Ok(map[string]interface{}{
		"proposalId": id,
		"discarded":  true,
	})
}
