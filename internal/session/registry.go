package session

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"lspbridge/internal/config"
	"lspbridge/internal/errors"
	"lspbridge/internal/process"
)

// Registry holds at most one session per canonicalized project root.
type Registry struct {
	logger *slog.Logger

	// NewBackend overrides how transports are created for new sessions.
	// Nil means a supervised child process; tests substitute in-memory
	// pipes. Set before the first Get.
	NewBackend func(cfg *config.Config) Backend

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates an empty session registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// Canonicalize resolves a root to its canonical absolute form so that
// distinct spellings of the same directory share one session. Symlinks are
// resolved when possible.
func Canonicalize(root string) (string, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", errors.New(errors.InvalidArgument, "cannot resolve root "+root, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", errors.Newf(errors.InvalidArgument, "project root does not exist: %s", abs)
	}
	if !info.IsDir() {
		return "", errors.Newf(errors.InvalidArgument, "project root is not a directory: %s", abs)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}
	return filepath.Clean(abs), nil
}

// Get returns the session for a root, creating it on first use. Creation is
// cheap; the analysis server starts only when the session is first needed.
func (r *Registry) Get(root string) (*Session, error) {
	canon, err := Canonicalize(root)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[canon]; ok {
		return s, nil
	}

	cfg, err := config.Load(canon)
	if err != nil {
		return nil, err
	}
	var backend Backend
	if r.NewBackend != nil {
		backend = r.NewBackend(cfg)
	} else {
		backend = NewProcessBackend(process.NewSupervisor(cfg, r.logger))
	}
	s := NewSession(canon, cfg, backend, r.logger)
	r.sessions[canon] = s
	r.logger.Info("session registered", "root", canon)
	return s, nil
}

// Lookup returns the session for a root without creating one.
func (r *Registry) Lookup(root string) (*Session, bool) {
	canon, err := Canonicalize(root)
	if err != nil {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[canon]
	return s, ok
}

// Shutdown closes and removes the session for a root.
func (r *Registry) Shutdown(ctx context.Context, root string) error {
	canon, err := Canonicalize(root)
	if err != nil {
		return err
	}
	r.mu.Lock()
	s, ok := r.sessions[canon]
	if ok {
		delete(r.sessions, canon)
	}
	r.mu.Unlock()
	if !ok {
		return errors.Newf(errors.NotFound, "no session for %s", canon)
	}
	return s.Close(ctx)
}

// Sessions returns all registered sessions.
func (r *Registry) Sessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// CloseAll tears down every session, typically at server exit.
func (r *Registry) CloseAll(ctx context.Context) {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		if err := s.Close(ctx); err != nil {
			r.logger.Warn("session close failed", "root", s.Root(), "error", err)
		}
	}
}
