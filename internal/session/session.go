// Package session manages the lifetime of analysis server sessions: one per
// project root, lazily initialized, with an open-document table and a
// push-diagnostics cache.
package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.lsp.dev/protocol"
	"go.lsp.dev/uri"

	"lspbridge/internal/config"
	"lspbridge/internal/errors"
	"lspbridge/internal/rpc"
)

// State is the session lifecycle state.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateInitializing  State = "initializing"
	StateReady         State = "ready"
	StateFailed        State = "failed"
	StateShuttingDown  State = "shutting_down"
)

// Session drives one analysis server for one project root. All public
// methods are safe for concurrent use.
type Session struct {
	root    string
	cfg     *config.Config
	backend Backend
	logger  *slog.Logger
	diags   *diagCache

	mu        sync.Mutex
	state     State
	transport Transport
	conn      *rpc.Conn
	caps      protocol.ServerCapabilities
	docs      map[string]*Document
	ready     chan struct{}
	initErr   error
}

// NewSession creates an uninitialized session. The first call that needs the
// analysis server triggers the handshake.
func NewSession(root string, cfg *config.Config, backend Backend, logger *slog.Logger) *Session {
	return &Session{
		root:    root,
		cfg:     cfg,
		backend: backend,
		logger:  logger.With("root", root),
		diags:   newDiagCache(),
		state:   StateUninitialized,
		docs:    make(map[string]*Document),
	}
}

// Root returns the canonicalized project root.
func (s *Session) Root() string {
	return s.root
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Capabilities returns the capabilities announced by the server during the
// handshake. Zero value before the session is ready.
func (s *Session) Capabilities() protocol.ServerCapabilities {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.caps
}

// LanguageID returns the configured language identifier for didOpen.
func (s *Session) LanguageID() string {
	return s.cfg.Server.LanguageID
}

// EnsureReady makes the session usable, performing the initialization
// handshake if needed. Concurrent callers during initialization coalesce
// onto the single in-flight handshake; exactly one initialize request is
// sent per process generation.
func (s *Session) EnsureReady(ctx context.Context) error {
	for {
		s.mu.Lock()
		switch s.state {
		case StateReady:
			if s.conn != nil && s.conn.Err() == nil {
				s.mu.Unlock()
				return nil
			}
			// The connection died since the last call. Next handshake is
			// gated by the supervisor's backoff window.
			s.state = StateFailed
		case StateShuttingDown:
			s.mu.Unlock()
			return errors.Newf(errors.InvalidState, "session for %s is shutting down", s.root)
		case StateInitializing:
			ch := s.ready
			s.mu.Unlock()
			select {
			case <-ch:
				// The handshake this caller coalesced onto is over; share
				// its outcome instead of attempting another one.
				s.mu.Lock()
				st, initErr := s.state, s.initErr
				s.mu.Unlock()
				if st == StateReady {
					return nil
				}
				if initErr != nil {
					return initErr
				}
				continue
			case <-ctx.Done():
				return errors.Newf(errors.Timeout, "timed out waiting for session initialization")
			}
		}

		// Uninitialized or failed: this caller owns the handshake.
		s.state = StateInitializing
		s.initErr = nil
		s.ready = make(chan struct{})
		ch := s.ready
		s.mu.Unlock()

		err := s.initialize(ctx)

		s.mu.Lock()
		if err != nil {
			s.state = StateFailed
			s.initErr = err
		} else if s.state == StateInitializing {
			s.state = StateReady
		}
		close(ch)
		s.mu.Unlock()
		return err
	}
}

// initialize spawns a fresh process generation and runs the handshake:
// initialize request, capability capture, initialized notification, then
// re-registration of any documents that were open before a restart.
func (s *Session) initialize(ctx context.Context) error {
	t, err := s.backend.Start(s.root)
	if err != nil {
		return err
	}
	conn := rpc.NewConn(t.Stdin(), t.Stdout(), t.Generation(), s.logger)

	ictx, cancel := context.WithTimeout(ctx, time.Duration(s.cfg.Timeouts.InitializeMs)*time.Millisecond)
	defer cancel()

	params := protocol.InitializeParams{
		ProcessID:    int32(os.Getpid()),
		RootURI:      uri.File(s.root),
		Capabilities: protocol.ClientCapabilities{},
	}
	raw, err := conn.Call(ictx, protocol.MethodInitialize, params)
	if err != nil {
		s.abandonGeneration(t)
		return errors.New(errors.BackendUnavailable, "initialize handshake failed", err)
	}
	var result protocol.InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		s.abandonGeneration(t)
		return errors.New(errors.ProtocolViolation, "malformed initialize result", err)
	}
	if err := conn.Notify(protocol.MethodInitialized, protocol.InitializedParams{}); err != nil {
		s.abandonGeneration(t)
		return err
	}

	s.mu.Lock()
	s.transport = t
	s.conn = conn
	s.caps = result.Capabilities
	reopen := make([]*Document, 0, len(s.docs))
	for _, d := range s.docs {
		reopen = append(reopen, d)
	}
	s.mu.Unlock()

	go s.watch(t, conn)
	go s.consume(conn)
	s.backend.NoteHealthy()
	s.logger.Info("session ready", "generation", t.Generation(), "documents", len(reopen))

	// A fresh generation knows nothing about previously open documents.
	for _, d := range reopen {
		if err := s.sendOpen(conn, d, d.update(d.Content(), d.Dirty())); err != nil {
			s.logger.Warn("failed to re-register document", "path", d.Path(), "error", err)
		}
	}
	return nil
}

func (s *Session) abandonGeneration(t Transport) {
	grace := time.Duration(s.cfg.Timeouts.ShutdownGraceMs) * time.Millisecond
	_ = t.Stop(grace)
	s.backend.NoteUnexpectedExit(t)
}

// watch observes the generation until either the process exits or the
// connection fails, then marks the session failed so the next call performs
// a fresh handshake.
func (s *Session) watch(t Transport, conn *rpc.Conn) {
	exited := false
	select {
	case <-t.Done():
		exited = true
		conn.Fail(errors.Newf(errors.BackendUnavailable,
			"analysis server exited (generation %d)", t.Generation()))
	case <-conn.Done():
	}

	s.mu.Lock()
	shuttingDown := s.state == StateShuttingDown
	if s.conn == conn && !shuttingDown {
		s.state = StateFailed
	}
	s.mu.Unlock()

	if shuttingDown {
		return
	}
	if !exited {
		// The connection failed while the process kept running, for
		// example after a framing violation. The generation is unusable
		// either way, so reap the process instead of leaking it.
		grace := time.Duration(s.cfg.Timeouts.ShutdownGraceMs) * time.Millisecond
		_ = t.Stop(grace)
	}
	s.backend.NoteUnexpectedExit(t)
	s.logger.Warn("analysis server connection lost", "generation", t.Generation(), "error", conn.Err())
}

// consume routes unsolicited server notifications. Diagnostics feed the
// snapshot cache; everything else is logged and dropped.
func (s *Session) consume(conn *rpc.Conn) {
	for n := range conn.Notifications() {
		switch n.Method {
		case protocol.MethodTextDocumentPublishDiagnostics:
			var p protocol.PublishDiagnosticsParams
			if err := json.Unmarshal(n.Params, &p); err != nil {
				s.logger.Warn("malformed diagnostics notification", "error", err)
				continue
			}
			s.diags.set(p.URI.Filename(), p.Diagnostics)
		default:
			s.logger.Debug("ignoring server notification", "method", n.Method)
		}
	}
}

// Call sends a correlated request through a ready session, bounded by the
// configured request deadline.
func (s *Session) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	if err := s.EnsureReady(ctx); err != nil {
		return nil, err
	}
	conn := s.currentConn()
	if conn == nil {
		return nil, errors.Newf(errors.BackendUnavailable, "no connection for %s", s.root)
	}
	cctx, cancel := context.WithTimeout(ctx, time.Duration(s.cfg.Timeouts.RequestMs)*time.Millisecond)
	defer cancel()
	return conn.Call(cctx, method, params)
}

// Notify sends a fire-and-forget notification through a ready session.
func (s *Session) Notify(ctx context.Context, method string, params interface{}) error {
	if err := s.EnsureReady(ctx); err != nil {
		return err
	}
	conn := s.currentConn()
	if conn == nil {
		return errors.Newf(errors.BackendUnavailable, "no connection for %s", s.root)
	}
	return conn.Notify(method, params)
}

func (s *Session) currentConn() *rpc.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// AbsPath resolves a possibly root-relative path to an absolute one.
func (s *Session) AbsPath(path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(s.root, path)
}

// Document returns the open-document handle for a path, if registered.
func (s *Session) Document(path string) (*Document, bool) {
	abs := s.AbsPath(path)
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[abs]
	return d, ok
}

// Documents returns the open-document handles ordered by path.
func (s *Session) Documents() []*Document {
	s.mu.Lock()
	docs := make([]*Document, 0, len(s.docs))
	for _, d := range s.docs {
		docs = append(docs, d)
	}
	s.mu.Unlock()
	sort.Slice(docs, func(i, j int) bool { return docs[i].Path() < docs[j].Path() })
	return docs
}

// OpenDocument registers a file with the analysis server, reading its
// content from disk. Re-registering an already open document refreshes its
// content from disk with a version bump instead of a close/reopen cycle.
func (s *Session) OpenDocument(ctx context.Context, path string) (*Document, error) {
	if err := s.EnsureReady(ctx); err != nil {
		return nil, err
	}
	abs := s.AbsPath(path)

	content, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Newf(errors.NotFound, "no such file: %s", abs)
		}
		return nil, errors.New(errors.InternalError, "reading "+abs, err)
	}

	s.mu.Lock()
	doc, exists := s.docs[abs]
	if !exists {
		doc = newDocument(abs, string(content), s.cfg.Server.LanguageID)
		s.docs[abs] = doc
	}
	conn := s.conn
	s.mu.Unlock()

	if exists {
		return doc, s.sendChange(conn, doc, doc.update(string(content), false))
	}
	return doc, s.sendOpen(conn, doc, doc.Version())
}

// UpdateDocument pushes new content for an open document to the analysis
// server with a full-text change and a version bump. The document becomes
// dirty: its tracked content is ahead of the file on disk.
func (s *Session) UpdateDocument(ctx context.Context, path, content string) (*Document, error) {
	return s.pushContent(ctx, path, content, true)
}

// SyncDocument pushes content that was just written to disk, so the tracked
// content and the file agree and the document stays clean.
func (s *Session) SyncDocument(ctx context.Context, path, content string) (*Document, error) {
	return s.pushContent(ctx, path, content, false)
}

func (s *Session) pushContent(ctx context.Context, path, content string, dirty bool) (*Document, error) {
	if err := s.EnsureReady(ctx); err != nil {
		return nil, err
	}
	doc, ok := s.Document(path)
	if !ok {
		return nil, errors.Newf(errors.InvalidState, "document not open: %s", s.AbsPath(path))
	}
	return doc, s.sendChange(s.currentConn(), doc, doc.update(content, dirty))
}

// CloseDocument unregisters a document and drops its diagnostics snapshot.
func (s *Session) CloseDocument(ctx context.Context, path string) error {
	abs := s.AbsPath(path)
	s.mu.Lock()
	doc, ok := s.docs[abs]
	if ok {
		delete(s.docs, abs)
	}
	conn := s.conn
	s.mu.Unlock()
	if !ok {
		return errors.Newf(errors.NotFound, "document not open: %s", abs)
	}
	s.diags.drop(abs)
	if conn == nil || conn.Err() != nil {
		return nil
	}
	return conn.Notify(protocol.MethodTextDocumentDidClose, protocol.DidCloseTextDocumentParams{
		TextDocument: protocol.TextDocumentIdentifier{URI: doc.URI()},
	})
}

func (s *Session) sendOpen(conn *rpc.Conn, doc *Document, version int32) error {
	return conn.Notify(protocol.MethodTextDocumentDidOpen, protocol.DidOpenTextDocumentParams{
		TextDocument: protocol.TextDocumentItem{
			URI:        doc.URI(),
			LanguageID: protocol.LanguageIdentifier(doc.languageID),
			Version:    version,
			Text:       doc.Content(),
		},
	})
}

func (s *Session) sendChange(conn *rpc.Conn, doc *Document, version int32) error {
	return conn.Notify(protocol.MethodTextDocumentDidChange, protocol.DidChangeTextDocumentParams{
		TextDocument: protocol.VersionedTextDocumentIdentifier{
			TextDocumentIdentifier: protocol.TextDocumentIdentifier{URI: doc.URI()},
			Version:                version,
		},
		ContentChanges: []protocol.TextDocumentContentChangeEvent{{Text: doc.Content()}},
	})
}

// Diagnostics returns the latest pushed snapshot for a file, registering it
// first if needed. When no snapshot has arrived yet the call blocks up to
// the configured wait for the first analysis pass; absence after the wait is
// reported with ok=false, not an error.
func (s *Session) Diagnostics(ctx context.Context, path string) ([]protocol.Diagnostic, bool, error) {
	abs := s.AbsPath(path)
	if _, ok := s.Document(abs); !ok {
		if _, err := s.OpenDocument(ctx, abs); err != nil {
			return nil, false, err
		}
	}
	if snap, ok := s.diags.get(abs); ok {
		return snap, true, nil
	}

	wait := time.Duration(s.cfg.Diagnostics.FirstSnapshotWaitMs) * time.Millisecond
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-s.diags.wait(abs):
		snap, ok := s.diags.get(abs)
		return snap, ok, nil
	case <-timer.C:
		return nil, false, nil
	case <-ctx.Done():
		return nil, false, errors.Newf(errors.Timeout, "timed out waiting for diagnostics of %s", abs)
	}
}

// DocumentStatus is one row of the session status report.
type DocumentStatus struct {
	Path        string `json:"path"`
	Version     int32  `json:"version"`
	Dirty       bool   `json:"dirty"`
	Diagnostics int    `json:"diagnostics"`
}

// Status describes the session for the status tool.
type Status struct {
	Root       string           `json:"root"`
	State      State            `json:"state"`
	Generation uint64           `json:"generation,omitempty"`
	Documents  []DocumentStatus `json:"documents"`
}

// Snapshot reports the session's current state without touching the child
// process.
func (s *Session) Snapshot() Status {
	s.mu.Lock()
	st := Status{Root: s.root, State: s.state}
	if s.transport != nil {
		st.Generation = s.transport.Generation()
	}
	docs := make([]*Document, 0, len(s.docs))
	for _, d := range s.docs {
		docs = append(docs, d)
	}
	s.mu.Unlock()

	sort.Slice(docs, func(i, j int) bool { return docs[i].Path() < docs[j].Path() })
	st.Documents = make([]DocumentStatus, 0, len(docs))
	for _, d := range docs {
		snap, _ := s.diags.get(d.Path())
		st.Documents = append(st.Documents, DocumentStatus{
			Path:        d.Path(),
			Version:     d.Version(),
			Dirty:       d.Dirty(),
			Diagnostics: len(snap),
		})
	}
	return st
}

// Close shuts the session down: polite shutdown request and exit
// notification bounded by the grace period, then process stop. Close is
// terminal; the session never leaves the shutting_down state.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateShuttingDown {
		s.mu.Unlock()
		return nil
	}
	s.state = StateShuttingDown
	conn, t := s.conn, s.transport
	s.mu.Unlock()

	grace := time.Duration(s.cfg.Timeouts.ShutdownGraceMs) * time.Millisecond
	if conn != nil && conn.Err() == nil {
		sctx, cancel := context.WithTimeout(ctx, grace)
		if _, err := conn.Call(sctx, protocol.MethodShutdown, nil); err != nil {
			s.logger.Debug("shutdown request failed", "error", err)
		}
		cancel()
		_ = conn.Notify(protocol.MethodExit, nil)
	}
	if t != nil {
		return s.backend.Stop(t)
	}
	return nil
}
