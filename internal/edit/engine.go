// Package edit implements the two-phase edit workflow: the analysis
// server's workspace edits become proposals that are previewed as diffs and
// applied to disk atomically, or discarded.
package edit

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sergi/go-diff/diffmatchpatch"

	"lspbridge/internal/errors"
	"lspbridge/internal/session"
)

// Kind classifies what produced a proposal.
type Kind string

const (
	KindRename     Kind = "rename"
	KindCodeAction Kind = "code-action"
)

// State is the proposal lifecycle state. A proposal ends in exactly one of
// applied or discarded; both are terminal.
type State string

const (
	StateProposed  State = "proposed"
	StatePreviewed State = "previewed"
	StateApplied   State = "applied"
	StateDiscarded State = "discarded"
)

// FileChange is one file's pending rewrite: the content the proposal was
// computed against and the content it produces.
type FileChange struct {
	Path      string
	Baseline  string
	Updated   string
	EditCount int
}

// Proposal is a pending edit held by the engine until applied or discarded.
type Proposal struct {
	ID        string
	Kind      Kind
	Summary   string
	State     State
	CreatedAt time.Time
	Files     []FileChange
}

// FilePreview is one file's diff in unidiff-style patch text.
type FilePreview struct {
	Path      string `json:"path"`
	Patch     string `json:"patch"`
	EditCount int    `json:"edits"`
}

// AppliedFile reports one file written by Apply.
type AppliedFile struct {
	Path    string `json:"path"`
	Version int32  `json:"version,omitempty"`
}

// Engine holds proposals and enforces their lifecycle.
type Engine struct {
	logger *slog.Logger

	mu        sync.Mutex
	proposals map[string]*Proposal
}

// NewEngine creates an empty proposal engine.
func NewEngine(logger *slog.Logger) *Engine {
	return &Engine{
		logger:    logger,
		proposals: make(map[string]*Proposal),
	}
}

// Propose registers a new proposal in the proposed state. Files are kept in
// path order so previews and applies are deterministic.
func (e *Engine) Propose(kind Kind, summary string, files []FileChange) *Proposal {
	p := &Proposal{
		ID:        uuid.NewString(),
		Kind:      kind,
		Summary:   summary,
		State:     StateProposed,
		CreatedAt: time.Now(),
		Files:     files,
	}
	sort.Slice(p.Files, func(i, j int) bool { return p.Files[i].Path < p.Files[j].Path })

	e.mu.Lock()
	e.proposals[p.ID] = p
	e.mu.Unlock()
	e.logger.Info("edit proposed", "id", p.ID, "kind", kind, "files", len(files))
	return p
}

// Get returns a proposal by id.
func (e *Engine) Get(id string) (*Proposal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.proposals[id]
	if !ok {
		return nil, errors.Newf(errors.NotFound, "no proposal %s", id)
	}
	return p, nil
}

// List returns all proposals, oldest first.
func (e *Engine) List() []*Proposal {
	e.mu.Lock()
	out := make([]*Proposal, 0, len(e.proposals))
	for _, p := range e.proposals {
		out = append(out, p)
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Preview renders per-file patches for a pending proposal and moves it to
// the previewed state. Previewing is repeatable until the proposal ends.
func (e *Engine) Preview(id string) ([]FilePreview, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.proposals[id]
	if !ok {
		return nil, errors.Newf(errors.NotFound, "no proposal %s", id)
	}
	if p.State == StateApplied || p.State == StateDiscarded {
		return nil, errors.Newf(errors.InvalidState, "proposal %s is already %s", id, p.State)
	}

	dmp := diffmatchpatch.New()
	previews := make([]FilePreview, 0, len(p.Files))
	for _, fc := range p.Files {
		patches := dmp.PatchMake(fc.Baseline, fc.Updated)
		previews = append(previews, FilePreview{
			Path:      fc.Path,
			Patch:     dmp.PatchToText(patches),
			EditCount: fc.EditCount,
		})
	}
	p.State = StatePreviewed
	return previews, nil
}

// Apply writes every file of a pending proposal to disk. The write is all
// or nothing: if any file fails, every file already written is restored to
// its baseline bytes before the error returns. On success each open
// document is synchronized with the analysis server and the proposal moves
// to the applied state.
func (e *Engine) Apply(ctx context.Context, id string, sess *session.Session) ([]AppliedFile, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.proposals[id]
	if !ok {
		return nil, errors.Newf(errors.NotFound, "no proposal %s", id)
	}
	if p.State == StateApplied || p.State == StateDiscarded {
		return nil, errors.Newf(errors.InvalidState, "proposal %s is already %s", id, p.State)
	}

	// Refuse to clobber files that moved under us since the proposal was
	// computed.
	for _, fc := range p.Files {
		current, err := os.ReadFile(fc.Path)
		if err != nil {
			// A file the proposal would create may not exist yet; its write
			// is still validated below.
			if fc.Baseline == "" {
				continue
			}
			return nil, errors.New(errors.InvalidState, fc.Path+" is no longer readable", err)
		}
		if string(current) != fc.Baseline {
			return nil, errors.Newf(errors.InvalidState, "%s changed since the proposal was created", fc.Path)
		}
	}

	written := make([]FileChange, 0, len(p.Files))
	for _, fc := range p.Files {
		if err := os.WriteFile(fc.Path, []byte(fc.Updated), fileMode(fc.Path)); err != nil {
			e.rollback(written)
			return nil, errors.New(errors.PartialApplyRolledBack,
				fmt.Sprintf("writing %s failed; %d earlier file(s) restored", fc.Path, len(written)), err)
		}
		written = append(written, fc)
	}

	applied := make([]AppliedFile, 0, len(p.Files))
	for _, fc := range p.Files {
		af := AppliedFile{Path: fc.Path}
		if _, open := sess.Document(fc.Path); open {
			doc, err := sess.SyncDocument(ctx, fc.Path, fc.Updated)
			if err != nil {
				e.logger.Warn("document sync after apply failed", "path", fc.Path, "error", err)
			} else {
				af.Version = doc.Version()
			}
		}
		applied = append(applied, af)
	}

	p.State = StateApplied
	e.logger.Info("edit applied", "id", p.ID, "files", len(applied))
	return applied, nil
}

// Discard ends a pending proposal without touching any file.
func (e *Engine) Discard(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.proposals[id]
	if !ok {
		return errors.Newf(errors.NotFound, "no proposal %s", id)
	}
	if p.State == StateApplied || p.State == StateDiscarded {
		return errors.Newf(errors.InvalidState, "proposal %s is already %s", id, p.State)
	}
	p.State = StateDiscarded
	e.logger.Info("edit discarded", "id", id)
	return nil
}

func (e *Engine) rollback(written []FileChange) {
	for _, fc := range written {
		if err := os.WriteFile(fc.Path, []byte(fc.Baseline), fileMode(fc.Path)); err != nil {
			e.logger.Error("rollback write failed", "path", fc.Path, "error", err)
		}
	}
}

func fileMode(path string) fs.FileMode {
	if info, err := os.Stat(path); err == nil {
		return info.Mode().Perm()
	}
	return 0o644
}
