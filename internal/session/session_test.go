package session

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.lsp.dev/protocol"
	"go.lsp.dev/uri"

	"lspbridge/internal/config"
	"lspbridge/internal/errors"
	"lspbridge/internal/jsonrpc"
	"lspbridge/internal/slogutil"
)

// fakeTransport is an in-memory stand-in for one child process generation.
type fakeTransport struct {
	gen    uint64
	stdin  io.WriteCloser
	stdout io.Reader
	done   chan struct{}
	once   sync.Once
}

func (t *fakeTransport) Generation() uint64     { return t.gen }
func (t *fakeTransport) Stdin() io.WriteCloser  { return t.stdin }
func (t *fakeTransport) Stdout() io.Reader      { return t.stdout }
func (t *fakeTransport) Done() <-chan struct{}  { return t.done }
func (t *fakeTransport) Stop(time.Duration) error {
	t.stdin.Close()
	t.exit()
	return nil
}

func (t *fakeTransport) exit() {
	t.once.Do(func() { close(t.done) })
}

// fakeLSP speaks framed JSON-RPC on the far side of a fake transport,
// answering the handshake and recording notifications.
type fakeLSP struct {
	backend *fakeBackend
	dec     *jsonrpc.Decoder
	out     io.WriteCloser
	tr      *fakeTransport

	mu            sync.Mutex
	notifications []string
	openedURIs    []uri.URI
	initDelay     time.Duration
	pushOnOpen    bool
	failInit      bool
}

func (f *fakeLSP) run() {
	for {
		msg, err := f.dec.Decode()
		if err != nil {
			f.out.Close()
			f.tr.exit()
			return
		}
		switch {
		case msg.IsCall():
			f.handleCall(msg)
		case msg.IsNotification():
			f.handleNotification(msg)
		}
	}
}

func (f *fakeLSP) handleCall(msg *jsonrpc.Message) {
	var result json.RawMessage
	switch msg.Method {
	case "initialize":
		f.mu.Lock()
		delay, fail := f.initDelay, f.failInit
		f.mu.Unlock()
		if delay > 0 {
			time.Sleep(delay)
		}
		f.backend.mu.Lock()
		f.backend.initCount++
		f.backend.mu.Unlock()
		if fail {
			id := *msg.ID
			_ = jsonrpc.Encode(f.out, &jsonrpc.Message{JSONRPC: jsonrpc.Version, ID: &id,
				Error: &jsonrpc.Error{Code: -32603, Message: "failed to load workspace"}})
			return
		}
		result = json.RawMessage(`{"capabilities":{"hoverProvider":true}}`)
	default:
		result = json.RawMessage(`null`)
	}
	id := *msg.ID
	_ = jsonrpc.Encode(f.out, &jsonrpc.Message{JSONRPC: jsonrpc.Version, ID: &id, Result: result})
}

func (f *fakeLSP) handleNotification(msg *jsonrpc.Message) {
	f.mu.Lock()
	f.notifications = append(f.notifications, msg.Method)
	push := false
	var target uri.URI
	if msg.Method == "textDocument/didOpen" {
		data, _ := json.Marshal(msg.Params)
		var p protocol.DidOpenTextDocumentParams
		_ = json.Unmarshal(data, &p)
		f.openedURIs = append(f.openedURIs, p.TextDocument.URI)
		if f.pushOnOpen {
			push = true
			target = p.TextDocument.URI
		}
	}
	f.mu.Unlock()

	if push {
		f.publishDiagnostics(target, 1)
	}
	if msg.Method == "exit" {
		f.out.Close()
		f.tr.exit()
	}
}

func (f *fakeLSP) publishDiagnostics(target uri.URI, count int) {
	diags := make([]protocol.Diagnostic, count)
	for i := range diags {
		diags[i] = protocol.Diagnostic{Message: "unresolved name", Severity: protocol.DiagnosticSeverityError}
	}
	_ = jsonrpc.Encode(f.out, jsonrpc.NewNotification("textDocument/publishDiagnostics",
		protocol.PublishDiagnosticsParams{URI: protocol.DocumentURI(target), Diagnostics: diags}))
}

func (f *fakeLSP) sawNotification(method string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.notifications {
		if m == method {
			return true
		}
	}
	return false
}

// crash simulates the child process dying without warning.
func (f *fakeLSP) crash() {
	f.out.Close()
	f.tr.exit()
}

// corruptStream writes bytes that are not a valid frame, while the process
// itself keeps running.
func (f *fakeLSP) corruptStream() {
	_, _ = io.WriteString(f.out, "garbage without a header\r\n\r\n")
}

type fakeBackend struct {
	mu         sync.Mutex
	starts     int
	initCount  int
	servers    []*fakeLSP
	initDelay  time.Duration
	pushOnOpen bool
	failInit   bool
}

func (b *fakeBackend) Start(root string) (Transport, error) {
	toSrvR, toSrvW := io.Pipe()
	fromSrvR, fromSrvW := io.Pipe()

	b.mu.Lock()
	b.starts++
	tr := &fakeTransport{gen: uint64(b.starts), stdin: toSrvW, stdout: fromSrvR, done: make(chan struct{})}
	srv := &fakeLSP{backend: b, dec: jsonrpc.NewDecoder(toSrvR), out: fromSrvW, tr: tr,
		initDelay: b.initDelay, pushOnOpen: b.pushOnOpen, failInit: b.failInit}
	b.servers = append(b.servers, srv)
	b.mu.Unlock()

	go srv.run()
	return tr, nil
}

func (b *fakeBackend) Stop(t Transport) error    { return t.Stop(0) }
func (b *fakeBackend) NoteUnexpectedExit(Transport) {}
func (b *fakeBackend) NoteHealthy()                 {}

func (b *fakeBackend) server(i int) *fakeLSP {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.servers[i]
}

func (b *fakeBackend) counts() (starts, inits int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.starts, b.initCount
}

func newTestSession(t *testing.T, backend *fakeBackend) (*Session, string) {
	t.Helper()
	root := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Diagnostics.FirstSnapshotWaitMs = 200
	s := NewSession(root, cfg, backend, slogutil.NewDiscardLogger())
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s, root
}

func writeFile(t *testing.T, root, name, content string) string {
	t.Helper()
	path := filepath.Join(root, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestEnsureReadyCoalescesConcurrentCallers(t *testing.T) {
	backend := &fakeBackend{initDelay: 100 * time.Millisecond}
	s, _ := newTestSession(t, backend)

	const n = 10
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.EnsureReady(context.Background()); err != nil {
				t.Errorf("EnsureReady: %v", err)
			}
		}()
	}
	wg.Wait()

	starts, inits := backend.counts()
	if starts != 1 {
		t.Errorf("process started %d times, want 1", starts)
	}
	if inits != 1 {
		t.Errorf("initialize sent %d times, want 1", inits)
	}
	if s.State() != StateReady {
		t.Errorf("state = %v, want ready", s.State())
	}
}

func TestOpenDocumentSendsDidOpenOnce(t *testing.T) {
	backend := &fakeBackend{}
	s, root := newTestSession(t, backend)
	path := writeFile(t, root, "main.py", "print('hi')\n")

	doc, err := s.OpenDocument(context.Background(), path)
	if err != nil {
		t.Fatalf("OpenDocument: %v", err)
	}
	if doc.Version() != 1 {
		t.Errorf("version = %d, want 1", doc.Version())
	}

	// Re-registering refreshes with a didChange and a version bump.
	writeFile(t, root, "main.py", "print('bye')\n")
	doc2, err := s.OpenDocument(context.Background(), path)
	if err != nil {
		t.Fatalf("re-open: %v", err)
	}
	if doc2 != doc {
		t.Error("re-open created a new handle")
	}
	if doc.Version() != 2 {
		t.Errorf("version after re-open = %d, want 2", doc.Version())
	}
	if doc.Content() != "print('bye')\n" {
		t.Errorf("content not refreshed: %q", doc.Content())
	}

	srv := backend.server(0)
	if !srv.sawNotification("textDocument/didOpen") {
		t.Error("no didOpen sent")
	}
	deadline := time.Now().Add(2 * time.Second)
	for !srv.sawNotification("textDocument/didChange") && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !srv.sawNotification("textDocument/didChange") {
		t.Error("no didChange sent for re-registration")
	}
}

func TestOpenDocumentMissingFile(t *testing.T) {
	backend := &fakeBackend{}
	s, root := newTestSession(t, backend)

	_, err := s.OpenDocument(context.Background(), filepath.Join(root, "absent.py"))
	if errors.KindOf(err) != errors.NotFound {
		t.Errorf("kind = %v, want NOT_FOUND", errors.KindOf(err))
	}
}

func TestDiagnosticsWaitsForFirstSnapshot(t *testing.T) {
	backend := &fakeBackend{pushOnOpen: true}
	s, root := newTestSession(t, backend)
	path := writeFile(t, root, "broken.py", "undefined_name\n")

	diags, ok, err := s.Diagnostics(context.Background(), path)
	if err != nil {
		t.Fatalf("Diagnostics: %v", err)
	}
	if !ok {
		t.Fatal("no snapshot arrived within the wait")
	}
	if len(diags) != 1 || diags[0].Message != "unresolved name" {
		t.Errorf("unexpected snapshot: %+v", diags)
	}
}

func TestDiagnosticsBoundedWaitExpires(t *testing.T) {
	backend := &fakeBackend{} // never pushes
	s, root := newTestSession(t, backend)
	path := writeFile(t, root, "quiet.py", "x = 1\n")

	start := time.Now()
	_, ok, err := s.Diagnostics(context.Background(), path)
	if err != nil {
		t.Fatalf("Diagnostics: %v", err)
	}
	if ok {
		t.Fatal("snapshot reported present with nothing pushed")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("wait was unbounded: %v", elapsed)
	}
}

func TestCrashFailsSessionAndNextCallRecovers(t *testing.T) {
	backend := &fakeBackend{}
	s, root := newTestSession(t, backend)
	path := writeFile(t, root, "main.py", "x = 1\n")

	if _, err := s.OpenDocument(context.Background(), path); err != nil {
		t.Fatalf("OpenDocument: %v", err)
	}

	backend.server(0).crash()

	// The watcher marks the session failed once it observes the exit.
	deadline := time.Now().Add(2 * time.Second)
	for s.State() != StateFailed && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if s.State() != StateFailed {
		t.Fatalf("state = %v, want failed", s.State())
	}

	// The next call performs a fresh handshake and re-registers the
	// document in the new generation.
	if _, err := s.Call(context.Background(), "textDocument/hover", nil); err != nil {
		t.Fatalf("call after crash: %v", err)
	}
	starts, _ := backend.counts()
	if starts != 2 {
		t.Errorf("starts = %d, want 2", starts)
	}

	// The watcher for generation 2 must see the new didOpen.
	deadline = time.Now().Add(2 * time.Second)
	for !backend.server(1).sawNotification("textDocument/didOpen") && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !backend.server(1).sawNotification("textDocument/didOpen") {
		t.Error("document not re-registered after restart")
	}
	if doc, ok := s.Document(path); !ok || doc.Version() < 2 {
		t.Errorf("re-registered document version not bumped: %+v", doc)
	}
}

func TestCorruptStreamStopsGeneration(t *testing.T) {
	backend := &fakeBackend{}
	s, _ := newTestSession(t, backend)

	if err := s.EnsureReady(context.Background()); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}

	// A framing violation kills the connection, but the process keeps
	// running until the watcher reaps it.
	srv := backend.server(0)
	srv.corruptStream()

	select {
	case <-srv.tr.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("generation left running after framing violation")
	}

	deadline := time.Now().Add(2 * time.Second)
	for s.State() != StateFailed && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if s.State() != StateFailed {
		t.Errorf("state = %v, want failed", s.State())
	}
}

func TestHandshakeFailureSharedWithWaiters(t *testing.T) {
	backend := &fakeBackend{initDelay: 100 * time.Millisecond, failInit: true}
	s, _ := newTestSession(t, backend)

	const n = 8
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.EnsureReady(context.Background())
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if errors.KindOf(err) != errors.BackendUnavailable {
			t.Errorf("kind = %v, want BACKEND_UNAVAILABLE", errors.KindOf(err))
		}
	}

	// Waiters coalesced onto the failed handshake must not retry it
	// themselves.
	starts, inits := backend.counts()
	if starts != 1 {
		t.Errorf("process started %d times, want 1", starts)
	}
	if inits != 1 {
		t.Errorf("initialize sent %d times, want 1", inits)
	}
	if s.State() != StateFailed {
		t.Errorf("state = %v, want failed", s.State())
	}
}

func TestSyncDocumentKeepsDocumentClean(t *testing.T) {
	backend := &fakeBackend{}
	s, root := newTestSession(t, backend)
	path := writeFile(t, root, "main.py", "x = 1\n")

	doc, err := s.OpenDocument(context.Background(), path)
	if err != nil {
		t.Fatalf("OpenDocument: %v", err)
	}

	if _, err := s.UpdateDocument(context.Background(), path, "x = 2\n"); err != nil {
		t.Fatalf("UpdateDocument: %v", err)
	}
	if !doc.Dirty() {
		t.Error("update did not mark the document dirty")
	}

	// Content that was just flushed to disk leaves the document clean.
	if _, err := s.SyncDocument(context.Background(), path, "x = 3\n"); err != nil {
		t.Fatalf("SyncDocument: %v", err)
	}
	if doc.Dirty() {
		t.Error("synced document still reported dirty")
	}
	if doc.Version() != 3 {
		t.Errorf("version = %d, want 3", doc.Version())
	}
}

func TestCloseSendsShutdownAndExit(t *testing.T) {
	backend := &fakeBackend{}
	s, _ := newTestSession(t, backend)

	if err := s.EnsureReady(context.Background()); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if s.State() != StateShuttingDown {
		t.Errorf("state = %v, want shutting_down", s.State())
	}
	deadline := time.Now().Add(2 * time.Second)
	for !backend.server(0).sawNotification("exit") && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !backend.server(0).sawNotification("exit") {
		t.Error("no exit notification sent")
	}
	if err := s.EnsureReady(context.Background()); errors.KindOf(err) != errors.InvalidState {
		t.Errorf("EnsureReady after close: kind = %v, want INVALID_STATE", errors.KindOf(err))
	}
}

func TestCloseDocumentDropsState(t *testing.T) {
	backend := &fakeBackend{pushOnOpen: true}
	s, root := newTestSession(t, backend)
	path := writeFile(t, root, "main.py", "x = 1\n")

	if _, _, err := s.Diagnostics(context.Background(), path); err != nil {
		t.Fatalf("Diagnostics: %v", err)
	}
	if err := s.CloseDocument(context.Background(), path); err != nil {
		t.Fatalf("CloseDocument: %v", err)
	}
	if _, ok := s.Document(path); ok {
		t.Error("document still registered after close")
	}
	if _, ok := s.diags.get(s.AbsPath(path)); ok {
		t.Error("diagnostics snapshot survived close")
	}
	if err := s.CloseDocument(context.Background(), path); errors.KindOf(err) != errors.NotFound {
		t.Errorf("double close kind = %v, want NOT_FOUND", errors.KindOf(err))
	}
}
