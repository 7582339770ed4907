package session

import (
	"io"
	"time"

	"lspbridge/internal/process"
)

// Transport is one generation of the child analysis process as the session
// sees it: a stdio pair plus exit observation.
type Transport interface {
	Generation() uint64
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Done() <-chan struct{}
	Stop(grace time.Duration) error
}

// Backend manages transport lifecycles for a session. The production
// implementation wraps the process supervisor; tests substitute in-memory
// pipes.
type Backend interface {
	Start(root string) (Transport, error)
	Stop(t Transport) error
	NoteUnexpectedExit(t Transport)
	NoteHealthy()
}

type processBackend struct {
	sup *process.Supervisor
}

// NewProcessBackend adapts a process supervisor to the Backend interface.
func NewProcessBackend(sup *process.Supervisor) Backend {
	return &processBackend{sup: sup}
}

func (b *processBackend) Start(root string) (Transport, error) {
	h, err := b.sup.Start(root)
	if err != nil {
		return nil, err
	}
	return h, nil
}

func (b *processBackend) Stop(t Transport) error {
	return b.sup.Stop(t.(*process.Handle))
}

func (b *processBackend) NoteUnexpectedExit(t Transport) {
	b.sup.NoteUnexpectedExit(t.(*process.Handle))
}

func (b *processBackend) NoteHealthy() {
	b.sup.NoteHealthy()
}
