// Package bridge is the tool façade: it translates high-level
// code-intelligence operations into LSP traffic against per-root sessions
// and wraps every outcome in the uniform response envelope.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"go.lsp.dev/protocol"
	"go.lsp.dev/uri"

	"lspbridge/internal/edit"
	"lspbridge/internal/envelope"
	"lspbridge/internal/session"
)

// Bridge exposes the tool operations. All methods return the envelope; no
// error ever escapes as a panic or a bare Go error.
type Bridge struct {
	sessions *session.Registry
	engine   *edit.Engine
	logger   *slog.Logger
}

// New creates a bridge over a session registry and an edit engine.
func New(registry *session.Registry, engine *edit.Engine, logger *slog.Logger) *Bridge {
	return &Bridge{sessions: registry, engine: engine, logger: logger}
}

// Location is a resolved source location in public coordinates.
type Location struct {
	Path  string `json:"path"`
	Range Range  `json:"range"`
}

func (b *Bridge) sessionFor(root string) (*session.Session, error) {
	return b.sessions.Get(root)
}

// mapperFor builds a coordinate mapper for a file, preferring the content
// the analysis server knows over what is on disk.
func (b *Bridge) mapperFor(s *session.Session, path string) *mapper {
	if doc, ok := s.Document(path); ok {
		return newMapper(doc.Content())
	}
	if data, err := os.ReadFile(s.AbsPath(path)); err == nil {
		return newMapper(string(data))
	}
	return nil
}

// mapperForURI is mapperFor keyed by a wire URI, used when responses point
// at files other than the queried one.
func (b *Bridge) mapperForURI(s *session.Session, u uri.URI) *mapper {
	return b.mapperFor(s, u.Filename())
}

// openForQuery registers the document if needed and returns its mapper and
// wire position for a public position.
func (b *Bridge) openForQuery(ctx context.Context, s *session.Session, path string, pos Position) (uri.URI, protocol.Position, *mapper, error) {
	doc, err := s.OpenDocument(ctx, path)
	if err != nil {
		return "", protocol.Position{}, nil, err
	}
	m := newMapper(doc.Content())
	wp, err := m.toWire(pos)
	if err != nil {
		return "", protocol.Position{}, nil, err
	}
	return doc.URI(), wp, m, nil
}

// decodeLocations accepts the three shapes servers return for location
// queries: a single Location, an array of Locations, or an array of
// LocationLinks.
func decodeLocations(raw json.RawMessage) []protocol.Location {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}

	var many []protocol.Location
	if err := json.Unmarshal(raw, &many); err == nil && len(many) > 0 && many[0].URI != "" {
		return many
	}

	var links []protocol.LocationLink
	if err := json.Unmarshal(raw, &links); err == nil && len(links) > 0 && links[0].TargetURI != "" {
		out := make([]protocol.Location, len(links))
		for i, l := range links {
			out[i] = protocol.Location{URI: l.TargetURI, Range: l.TargetSelectionRange}
		}
		return out
	}

	var one protocol.Location
	if err := json.Unmarshal(raw, &one); err == nil && one.URI != "" {
		return []protocol.Location{one}
	}
	return nil
}

// publicLocations converts wire locations, consulting each target file's
// content for the UTF-16 conversion.
func (b *Bridge) publicLocations(s *session.Session, locs []protocol.Location) []Location {
	out := make([]Location, 0, len(locs))
	for _, loc := range locs {
		m := b.mapperForURI(s, uri.URI(loc.URI))
		out = append(out, Location{
			Path:  uri.URI(loc.URI).Filename(),
			Range: m.rangeFromWire(loc.Range),
		})
	}
	return out
}

// hoverText flattens the contents shapes servers use: MarkupContent, a bare
// string, a marked string object, or an array of either.
func hoverText(raw json.RawMessage) string {
	var markup struct {
		Value string `json:"value"`
	}
	if err := json.Unmarshal(raw, &markup); err == nil && markup.Value != "" {
		return markup.Value
	}

	var plain string
	if err := json.Unmarshal(raw, &plain); err == nil {
		return plain
	}

	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err == nil {
		text := ""
		for _, p := range parts {
			if t := hoverText(p); t != "" {
				if text != "" {
					text += "\n"
				}
				text += t
			}
		}
		return text
	}
	return ""
}

func severityName(s protocol.DiagnosticSeverity) string {
	switch s {
	case protocol.DiagnosticSeverityError:
		return "error"
	case protocol.DiagnosticSeverityWarning:
		return "warning"
	case protocol.DiagnosticSeverityInformation:
		return "information"
	case protocol.DiagnosticSeverityHint:
		return "hint"
	default:
		return "error"
	}
}

var symbolKindNames = map[protocol.SymbolKind]string{
	protocol.SymbolKindFile:          "file",
	protocol.SymbolKindModule:        "module",
	protocol.SymbolKindNamespace:     "namespace",
	protocol.SymbolKindPackage:       "package",
	protocol.SymbolKindClass:         "class",
	protocol.SymbolKindMethod:        "method",
	protocol.SymbolKindProperty:      "property",
	protocol.SymbolKindField:         "field",
	protocol.SymbolKindConstructor:   "constructor",
	protocol.SymbolKindEnum:          "enum",
	protocol.SymbolKindInterface:     "interface",
	protocol.SymbolKindFunction:      "function",
	protocol.SymbolKindVariable:      "variable",
	protocol.SymbolKindConstant:      "constant",
	protocol.SymbolKindString:        "string",
	protocol.SymbolKindNumber:        "number",
	protocol.SymbolKindBoolean:       "boolean",
	protocol.SymbolKindArray:         "array",
	protocol.SymbolKindObject:        "object",
	protocol.SymbolKindKey:           "key",
	protocol.SymbolKindNull:          "null",
	protocol.SymbolKindEnumMember:    "enum member",
	protocol.SymbolKindStruct:        "struct",
	protocol.SymbolKindEvent:         "event",
	protocol.SymbolKindOperator:      "operator",
	protocol.SymbolKindTypeParameter: "type parameter",
}

func symbolKindName(k protocol.SymbolKind) string {
	if name, ok := symbolKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// fail logs and wraps an operation failure in the envelope.
func (b *Bridge) fail(op string, err error) *envelope.Response {
	b.logger.Warn("operation failed", "op", op, "error", err)
	return envelope.FromError(err)
}
