package session

import (
	"sync"

	"go.lsp.dev/protocol"
	"go.lsp.dev/uri"
)

// Document tracks one file registered with the analysis server: its absolute
// path, the content the server was last told about, and a version counter
// that only ever moves forward.
type Document struct {
	mu         sync.Mutex
	path       string
	uri        uri.URI
	languageID string
	version    int32
	content    string
	dirty      bool
}

func newDocument(path, content, languageID string) *Document {
	return &Document{
		path:       path,
		uri:        uri.File(path),
		languageID: languageID,
		version:    1,
		content:    content,
	}
}

// Path returns the document's absolute path.
func (d *Document) Path() string {
	return d.path
}

// URI returns the document's file URI.
func (d *Document) URI() uri.URI {
	return d.uri
}

// Version returns the current synchronization version.
func (d *Document) Version() int32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.version
}

// Content returns the content the analysis server currently knows.
func (d *Document) Content() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.content
}

// Dirty reports whether the tracked content has diverged from what was
// originally opened from disk.
func (d *Document) Dirty() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dirty
}

// update replaces the tracked content and bumps the version, returning the
// new version for the change notification.
func (d *Document) update(content string, dirty bool) int32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.version++
	d.content = content
	d.dirty = dirty
	return d.version
}

// diagCache holds the most recent pushed diagnostics snapshot per file and
// lets callers block for the first arrival. Snapshots replace, never merge.
type diagCache struct {
	mu      sync.Mutex
	snaps   map[string][]protocol.Diagnostic
	waiters map[string]chan struct{}
}

func newDiagCache() *diagCache {
	return &diagCache{
		snaps:   make(map[string][]protocol.Diagnostic),
		waiters: make(map[string]chan struct{}),
	}
}

// get returns the latest snapshot for a path. An empty snapshot (file became
// clean) is present, not missing.
func (c *diagCache) get(path string) ([]protocol.Diagnostic, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap, ok := c.snaps[path]
	return snap, ok
}

// wait returns a channel that is closed once a snapshot for path exists.
func (c *diagCache) wait(path string) <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.snaps[path]; ok {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	ch, ok := c.waiters[path]
	if !ok {
		ch = make(chan struct{})
		c.waiters[path] = ch
	}
	return ch
}

// set records a snapshot and releases anyone blocked on its first arrival.
func (c *diagCache) set(path string, diags []protocol.Diagnostic) {
	if diags == nil {
		diags = []protocol.Diagnostic{}
	}
	c.mu.Lock()
	c.snaps[path] = diags
	if ch, ok := c.waiters[path]; ok {
		close(ch)
		delete(c.waiters, path)
	}
	c.mu.Unlock()
}

// drop forgets the snapshot for a path, typically after didClose.
func (c *diagCache) drop(path string) {
	c.mu.Lock()
	delete(c.snaps, path)
	c.mu.Unlock()
}
