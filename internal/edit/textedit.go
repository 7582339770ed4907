package edit

import (
	"sort"
	"strings"

	"go.lsp.dev/protocol"

	"lspbridge/internal/errors"
)

// offsetFor converts a wire position (0-based line, UTF-16 code units) to a
// byte offset into content. Positions past the end of a line or past the
// last line clamp rather than fail; servers routinely point one past the
// final character.
func offsetFor(content string, pos protocol.Position) int {
	offset := 0
	for line := uint32(0); line < pos.Line; line++ {
		nl := strings.IndexByte(content[offset:], '\n')
		if nl < 0 {
			return len(content)
		}
		offset += nl + 1
	}

	units := uint32(0)
	for i, r := range content[offset:] {
		if units >= pos.Character || r == '\n' {
			return offset + i
		}
		if r > 0xFFFF {
			units += 2
		} else {
			units++
		}
	}
	return len(content)
}

// ApplyTextEdits rewrites content with the server's edits. Edits are applied
// bottom-up so earlier offsets stay valid; overlapping edits are rejected.
func ApplyTextEdits(content string, edits []protocol.TextEdit) (string, error) {
	if len(edits) == 0 {
		return content, nil
	}

	sorted := make([]protocol.TextEdit, len(edits))
	copy(sorted, edits)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i].Range.Start, sorted[j].Range.Start
		if a.Line != b.Line {
			return a.Line > b.Line
		}
		return a.Character > b.Character
	})

	out := content
	lastStart := len(content) + 1
	for _, e := range sorted {
		start := offsetFor(content, e.Range.Start)
		end := offsetFor(content, e.Range.End)
		if end < start {
			return "", errors.Newf(errors.InvalidArgument,
				"edit range ends before it starts at %d:%d", e.Range.Start.Line, e.Range.Start.Character)
		}
		if end > lastStart {
			return "", errors.Newf(errors.InvalidArgument,
				"overlapping edits at %d:%d", e.Range.Start.Line, e.Range.Start.Character)
		}
		out = out[:start] + e.NewText + out[end:]
		lastStart = start
	}
	return out, nil
}
