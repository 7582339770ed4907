package bridge

import (
	"strings"

	"go.lsp.dev/protocol"

	"lspbridge/internal/errors"
)

// Position is the public coordinate form: 1-based line, 1-based column
// counted in Unicode code points. The wire speaks 0-based lines and UTF-16
// code units; the façade converts at its boundary and nowhere else.
type Position struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// Range is a half-open span in public coordinates.
type Range struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// mapper converts between public and wire coordinates for one document's
// content. A nil mapper falls back to column identity, which is exact for
// ASCII lines.
type mapper struct {
	lines []string
}

func newMapper(content string) *mapper {
	if content == "" {
		return nil
	}
	lines := strings.Split(content, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSuffix(l, "\r")
	}
	return &mapper{lines: lines}
}

func utf16Units(r rune) int {
	if r > 0xFFFF {
		return 2
	}
	return 1
}

// toWire converts a public position to wire form. Columns past the end of
// the line clamp to the line end.
func (m *mapper) toWire(p Position) (protocol.Position, error) {
	if p.Line < 1 || p.Column < 1 {
		return protocol.Position{}, errors.Newf(errors.InvalidArgument,
			"position %d:%d is not 1-based", p.Line, p.Column)
	}
	line := p.Line - 1
	if m == nil || line >= len(m.lines) {
		return protocol.Position{Line: uint32(line), Character: uint32(p.Column - 1)}, nil
	}

	units := 0
	runes := 0
	for _, r := range m.lines[line] {
		if runes == p.Column-1 {
			break
		}
		runes++
		units += utf16Units(r)
	}
	return protocol.Position{Line: uint32(line), Character: uint32(units)}, nil
}

// fromWire converts a wire position back to public form.
func (m *mapper) fromWire(wp protocol.Position) Position {
	line := int(wp.Line)
	if m == nil || line >= len(m.lines) {
		return Position{Line: line + 1, Column: int(wp.Character) + 1}
	}

	units := 0
	runes := 0
	for _, r := range m.lines[line] {
		if units >= int(wp.Character) {
			break
		}
		units += utf16Units(r)
		runes++
	}
	return Position{Line: line + 1, Column: runes + 1}
}

func (m *mapper) rangeFromWire(wr protocol.Range) Range {
	return Range{Start: m.fromWire(wr.Start), End: m.fromWire(wr.End)}
}
