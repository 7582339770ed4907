package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"go.lsp.dev/protocol"
	"go.lsp.dev/uri"

	"lspbridge/internal/envelope"
	"lspbridge/internal/errors"
	"lspbridge/internal/session"
)

// Definition resolves the definition sites of the symbol at a position.
func (b *Bridge) Definition(ctx context.Context, root, path string, pos Position) *envelope.Response {
	s, err := b.sessionFor(root)
	if err != nil {
		return b.fail("definition", err)
	}
	docURI, wp, _, err := b.openForQuery(ctx, s, path, pos)
	if err != nil {
		return b.fail("definition", err)
	}

	raw, err := s.Call(ctx, protocol.MethodTextDocumentDefinition, protocol.DefinitionParams{
		TextDocumentPositionParams: protocol.TextDocumentPositionParams{
			TextDocument: protocol.TextDocumentIdentifier{URI: docURI},
			Position:     wp,
		},
	})
	if err != nil {
		return b.fail("definition", err)
	}

	locs := decodeLocations(raw)
	if len(locs) == 0 {
		return envelope.NotFound(fmt.Sprintf("no definition found at %s:%d:%d", path, pos.Line, pos.Column))
	}
	return envelope.Ok(map[string]interface{}{"locations": b.publicLocations(s, locs)})
}

// Usages resolves every reference to the symbol at a position, including
// its declaration.
func (b *Bridge) Usages(ctx context.Context, root, path string, pos Position) *envelope.Response {
	s, err := b.sessionFor(root)
	if err != nil {
		return b.fail("usages", err)
	}
	docURI, wp, _, err := b.openForQuery(ctx, s, path, pos)
	if err != nil {
		return b.fail("usages", err)
	}

	raw, err := s.Call(ctx, protocol.MethodTextDocumentReferences, protocol.ReferenceParams{
		TextDocumentPositionParams: protocol.TextDocumentPositionParams{
			TextDocument: protocol.TextDocumentIdentifier{URI: docURI},
			Position:     wp,
		},
		Context: protocol.ReferenceContext{IncludeDeclaration: true},
	})
	if err != nil {
		return b.fail("usages", err)
	}

	locs := decodeLocations(raw)
	if len(locs) == 0 {
		return envelope.NotFound(fmt.Sprintf("no usages found at %s:%d:%d", path, pos.Line, pos.Column))
	}
	usages := b.publicLocations(s, locs)
	sortLocations(usages)
	return envelope.Ok(map[string]interface{}{
		"count":  len(usages),
		"usages": usages,
	})
}

// Hover returns the type and documentation text for a position.
func (b *Bridge) Hover(ctx context.Context, root, path string, pos Position) *envelope.Response {
	s, err := b.sessionFor(root)
	if err != nil {
		return b.fail("hover", err)
	}
	docURI, wp, m, err := b.openForQuery(ctx, s, path, pos)
	if err != nil {
		return b.fail("hover", err)
	}

	raw, err := s.Call(ctx, protocol.MethodTextDocumentHover, protocol.HoverParams{
		TextDocumentPositionParams: protocol.TextDocumentPositionParams{
			TextDocument: protocol.TextDocumentIdentifier{URI: docURI},
			Position:     wp,
		},
	})
	if err != nil {
		return b.fail("hover", err)
	}
	if len(raw) == 0 || string(raw) == "null" {
		return envelope.NotFound(fmt.Sprintf("nothing to show at %s:%d:%d", path, pos.Line, pos.Column))
	}

	var hover struct {
		Contents json.RawMessage `json:"contents"`
		Range    *protocol.Range `json:"range"`
	}
	if err := json.Unmarshal(raw, &hover); err != nil {
		return b.fail("hover", err)
	}
	text := hoverText(hover.Contents)
	if text == "" {
		return envelope.NotFound(fmt.Sprintf("nothing to show at %s:%d:%d", path, pos.Line, pos.Column))
	}

	data := map[string]interface{}{"contents": text}
	if hover.Range != nil {
		data["range"] = m.rangeFromWire(*hover.Range)
	}
	return envelope.Ok(data)
}

// CompletionEntry is one completion candidate.
type CompletionEntry struct {
	Label  string `json:"label"`
	Kind   string `json:"kind,omitempty"`
	Detail string `json:"detail,omitempty"`
}

var completionKindNames = map[int]string{
	1: "text", 2: "method", 3: "function", 4: "constructor", 5: "field",
	6: "variable", 7: "class", 8: "interface", 9: "module", 10: "property",
	11: "unit", 12: "value", 13: "enum", 14: "keyword", 15: "snippet",
	16: "color", 17: "file", 18: "reference", 19: "folder", 20: "enum member",
	21: "constant", 22: "struct", 23: "event", 24: "operator", 25: "type parameter",
}

// Completions lists completion candidates at a position, capped at limit
// when limit is positive.
func (b *Bridge) Completions(ctx context.Context, root, path string, pos Position, limit int) *envelope.Response {
	s, err := b.sessionFor(root)
	if err != nil {
		return b.fail("completions", err)
	}
	docURI, wp, _, err := b.openForQuery(ctx, s, path, pos)
	if err != nil {
		return b.fail("completions", err)
	}

	raw, err := s.Call(ctx, protocol.MethodTextDocumentCompletion, protocol.CompletionParams{
		TextDocumentPositionParams: protocol.TextDocumentPositionParams{
			TextDocument: protocol.TextDocumentIdentifier{URI: docURI},
			Position:     wp,
		},
	})
	if err != nil {
		return b.fail("completions", err)
	}

	items := decodeCompletionItems(raw)
	if len(items) == 0 {
		return envelope.NotFound(fmt.Sprintf("no completions at %s:%d:%d", path, pos.Line, pos.Column))
	}

	total := len(items)
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return envelope.Ok(map[string]interface{}{
		"total":       total,
		"completions": items,
	})
}

// decodeCompletionItems accepts both a CompletionList and a bare item array.
func decodeCompletionItems(raw json.RawMessage) []CompletionEntry {
	type wireItem struct {
		Label  string `json:"label"`
		Kind   int    `json:"kind"`
		Detail string `json:"detail"`
	}
	var items []wireItem

	var list struct {
		Items []wireItem `json:"items"`
	}
	if err := json.Unmarshal(raw, &list); err == nil && list.Items != nil {
		items = list.Items
	} else if err := json.Unmarshal(raw, &items); err != nil {
		return nil
	}

	out := make([]CompletionEntry, 0, len(items))
	for _, it := range items {
		out = append(out, CompletionEntry{
			Label:  it.Label,
			Kind:   completionKindNames[it.Kind],
			Detail: it.Detail,
		})
	}
	return out
}

// DiagnosticEntry is one published diagnostic in public coordinates.
type DiagnosticEntry struct {
	Range    Range  `json:"range"`
	Severity string `json:"severity"`
	Code     string `json:"code,omitempty"`
	Source   string `json:"source,omitempty"`
	Message  string `json:"message"`
}

// Diagnostics returns the latest pushed diagnostics for a file, waiting a
// bounded time for the first analysis pass.
func (b *Bridge) Diagnostics(ctx context.Context, root, path string) *envelope.Response {
	s, err := b.sessionFor(root)
	if err != nil {
		return b.fail("diagnostics", err)
	}
	diags, ok, err := s.Diagnostics(ctx, path)
	if err != nil {
		return b.fail("diagnostics", err)
	}
	if !ok {
		return envelope.NotFound(fmt.Sprintf("no diagnostics published for %s yet", path))
	}

	m := b.mapperFor(s, path)
	entries := make([]DiagnosticEntry, 0, len(diags))
	for _, d := range diags {
		entry := DiagnosticEntry{
			Range:    m.rangeFromWire(d.Range),
			Severity: severityName(d.Severity),
			Source:   d.Source,
			Message:  d.Message,
		}
		if d.Code != nil {
			entry.Code = fmt.Sprint(d.Code)
		}
		entries = append(entries, entry)
	}
	return envelope.Ok(map[string]interface{}{
		"path":        s.AbsPath(path),
		"count":       len(entries),
		"diagnostics": entries,
	})
}

// Symbol is one symbol hit in public coordinates.
type Symbol struct {
	Name      string `json:"name"`
	Kind      string `json:"kind"`
	Path      string `json:"path"`
	Range     Range  `json:"range"`
	Container string `json:"container,omitempty"`
}

// Search queries the project-wide symbol index and merges in symbols from
// open documents, de-duplicated by path, position, and kind, ordered by
// path then position.
func (b *Bridge) Search(ctx context.Context, root, query string) *envelope.Response {
	if query == "" {
		return b.fail("search", errors.Newf(errors.InvalidArgument, "query must not be empty"))
	}
	s, err := b.sessionFor(root)
	if err != nil {
		return b.fail("search", err)
	}
	if err := s.EnsureReady(ctx); err != nil {
		return b.fail("search", err)
	}

	raw, err := s.Call(ctx, protocol.MethodWorkspaceSymbol, protocol.WorkspaceSymbolParams{Query: query})
	if err != nil {
		return b.fail("search", err)
	}
	symbols := b.decodeSymbolInformation(s, raw)

	// Freshly opened documents may not be in the workspace index yet; ask
	// each open document directly and merge.
	for _, doc := range s.Documents() {
		raw, err := s.Call(ctx, protocol.MethodTextDocumentDocumentSymbol, protocol.DocumentSymbolParams{
			TextDocument: protocol.TextDocumentIdentifier{URI: doc.URI()},
		})
		if err != nil {
			b.logger.Debug("document symbol query failed", "path", doc.Path(), "error", err)
			continue
		}
		symbols = append(symbols, b.decodeDocumentSymbols(s, doc.Path(), raw, query)...)
	}

	symbols = dedupeSymbols(symbols)
	if len(symbols) == 0 {
		return envelope.NotFound(fmt.Sprintf("no symbols matching %q", query))
	}
	return envelope.Ok(map[string]interface{}{
		"count":   len(symbols),
		"symbols": symbols,
	})
}

// FileSymbols lists the symbols of a single file.
func (b *Bridge) FileSymbols(ctx context.Context, root, path string) *envelope.Response {
	s, err := b.sessionFor(root)
	if err != nil {
		return b.fail("fileSymbols", err)
	}
	doc, err := s.OpenDocument(ctx, path)
	if err != nil {
		return b.fail("fileSymbols", err)
	}

	raw, err := s.Call(ctx, protocol.MethodTextDocumentDocumentSymbol, protocol.DocumentSymbolParams{
		TextDocument: protocol.TextDocumentIdentifier{URI: doc.URI()},
	})
	if err != nil {
		return b.fail("fileSymbols", err)
	}

	symbols := b.decodeDocumentSymbols(s, doc.Path(), raw, "")
	sortSymbols(symbols)
	if len(symbols) == 0 {
		return envelope.NotFound(fmt.Sprintf("no symbols in %s", path))
	}
	return envelope.Ok(map[string]interface{}{
		"path":    doc.Path(),
		"count":   len(symbols),
		"symbols": symbols,
	})
}

// decodeSymbolInformation handles the flat workspace/symbol result shape.
func (b *Bridge) decodeSymbolInformation(s *session.Session, raw json.RawMessage) []Symbol {
	var infos []protocol.SymbolInformation
	if err := json.Unmarshal(raw, &infos); err != nil {
		return nil
	}
	out := make([]Symbol, 0, len(infos))
	for _, si := range infos {
		target := uri.URI(si.Location.URI)
		m := b.mapperForURI(s, target)
		out = append(out, Symbol{
			Name:      si.Name,
			Kind:      symbolKindName(si.Kind),
			Path:      target.Filename(),
			Range:     m.rangeFromWire(si.Location.Range),
			Container: si.ContainerName,
		})
	}
	return out
}

// decodeDocumentSymbols handles both documentSymbol result shapes: the
// hierarchical DocumentSymbol tree and the flat SymbolInformation list.
func (b *Bridge) decodeDocumentSymbols(s *session.Session, path string, raw json.RawMessage, query string) []Symbol {
	m := b.mapperFor(s, path)

	type node struct {
		Name           string              `json:"name"`
		Kind           protocol.SymbolKind `json:"kind"`
		SelectionRange protocol.Range      `json:"selectionRange"`
		Range          protocol.Range      `json:"range"`
		Location       *protocol.Location  `json:"location"`
		ContainerName  string              `json:"containerName"`
		Children       []json.RawMessage   `json:"children"`
	}
	var nodes []node
	if err := json.Unmarshal(raw, &nodes); err != nil {
		return nil
	}

	var out []Symbol
	var walk func(n node, container string)
	walk = func(n node, container string) {
		r := n.SelectionRange
		if n.Location != nil {
			// Flat shape: the position lives in the location.
			r = n.Location.Range
			container = n.ContainerName
		}
		// Document symbols are unfiltered by the server; apply the query
		// here. Workspace symbols arrive pre-matched.
		if query == "" || strings.Contains(strings.ToLower(n.Name), strings.ToLower(query)) {
			out = append(out, Symbol{
				Name:      n.Name,
				Kind:      symbolKindName(n.Kind),
				Path:      path,
				Range:     m.rangeFromWire(r),
				Container: container,
			})
		}
		for _, c := range n.Children {
			var child node
			if err := json.Unmarshal(c, &child); err == nil {
				walk(child, n.Name)
			}
		}
	}
	for _, n := range nodes {
		walk(n, "")
	}
	return out
}

// dedupeSymbols drops duplicate hits for one declaration seen through both
// the workspace index and an open document, keeping stable output order.
func dedupeSymbols(symbols []Symbol) []Symbol {
	sortSymbols(symbols)
	type key struct {
		path string
		pos  Position
		kind string
	}
	seen := make(map[key]bool, len(symbols))
	out := symbols[:0]
	for _, sym := range symbols {
		k := key{path: sym.Path, pos: sym.Range.Start, kind: sym.Kind}
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, sym)
	}
	return out
}

func sortSymbols(symbols []Symbol) {
	sort.SliceStable(symbols, func(i, j int) bool {
		if symbols[i].Path != symbols[j].Path {
			return symbols[i].Path < symbols[j].Path
		}
		if symbols[i].Range.Start.Line != symbols[j].Range.Start.Line {
			return symbols[i].Range.Start.Line < symbols[j].Range.Start.Line
		}
		return symbols[i].Range.Start.Column < symbols[j].Range.Start.Column
	})
}

func sortLocations(locs []Location) {
	sort.SliceStable(locs, func(i, j int) bool {
		if locs[i].Path != locs[j].Path {
			return locs[i].Path < locs[j].Path
		}
		if locs[i].Range.Start.Line != locs[j].Range.Start.Line {
			return locs[i].Range.Start.Line < locs[j].Range.Start.Line
		}
		return locs[i].Range.Start.Column < locs[j].Range.Start.Column
	})
}

// OpenDocument registers a file with the analysis server.
func (b *Bridge) OpenDocument(ctx context.Context, root, path string) *envelope.Response {
	s, err := b.sessionFor(root)
	if err != nil {
		return b.fail("openDocument", err)
	}
	doc, err := s.OpenDocument(ctx, path)
	if err != nil {
		return b.fail("openDocument", err)
	}
	return envelope.Ok(map[string]interface{}{
		"path":    doc.Path(),
		"version": doc.Version(),
	})
}

// CloseDocument unregisters a file.
func (b *Bridge) CloseDocument(ctx context.Context, root, path string) *envelope.Response {
	s, err := b.sessionFor(root)
	if err != nil {
		return b.fail("closeDocument", err)
	}
	if err := s.CloseDocument(ctx, path); err != nil {
		return b.fail("closeDocument", err)
	}
	return envelope.Ok(map[string]interface{}{"path": s.AbsPath(path), "closed": true})
}

// Status reports the state of every session plus pending edit proposals.
func (b *Bridge) Status(ctx context.Context) *envelope.Response {
	sessions := b.sessions.Sessions()
	states := make([]session.Status, 0, len(sessions))
	for _, s := range sessions {
		states = append(states, s.Snapshot())
	}
	sort.Slice(states, func(i, j int) bool { return states[i].Root < states[j].Root })

	proposals := b.engine.List()
	pending := make([]map[string]interface{}, 0, len(proposals))
	for _, p := range proposals {
		pending = append(pending, map[string]interface{}{
			"id":      p.ID,
			"kind":    p.Kind,
			"state":   p.State,
			"summary": p.Summary,
		})
	}
	return envelope.Ok(map[string]interface{}{
		"sessions":  states,
		"proposals": pending,
	})
}

// ShutdownSession tears down the session for a root.
func (b *Bridge) ShutdownSession(ctx context.Context, root string) *envelope.Response {
	if err := b.sessions.Shutdown(ctx, root); err != nil {
		return b.fail("shutdownSession", err)
	}
	return envelope.Ok(map[string]interface{}{"root": root, "stopped": true})
}
