// Package process owns the child analysis process lifecycle: spawning,
// stdio pipe wiring, liveness, graceful stop, and the restart backoff
// policy applied after unexpected exits.
package process

import (
	"bufio"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"lspbridge/internal/config"
	"lspbridge/internal/errors"
)

// Handle represents one generation of the child analysis process. A handle
// is never reused: after the process exits, a new generation must be
// started and identifiers from the dead generation are never matched
// against the new one's traffic.
type Handle struct {
	generation uint64
	root       string

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	done    chan struct{}
	waitErr error

	stopOnce sync.Once
}

// Generation returns the process generation number, unique per supervisor.
func (h *Handle) Generation() uint64 {
	return h.generation
}

// Root returns the project root the process is bound to.
func (h *Handle) Root() string {
	return h.root
}

// Stdin returns the child's input stream.
func (h *Handle) Stdin() io.WriteCloser {
	return h.stdin
}

// Stdout returns the child's output stream.
func (h *Handle) Stdout() io.Reader {
	return h.stdout
}

// Done is closed when the process has exited, expectedly or not.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// IsAlive reports process liveness.
func (h *Handle) IsAlive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Stop requests graceful termination: close the input stream, wait up to
// grace for exit, then force-kill. Safe to call more than once.
func (h *Handle) Stop(grace time.Duration) error {
	var err error
	h.stopOnce.Do(func() {
		if h.stdin != nil {
			_ = h.stdin.Close()
		}

		select {
		case <-h.done:
			return
		case <-time.After(grace):
		}

		if h.cmd.Process != nil {
			_ = h.cmd.Process.Kill()
		}
		<-h.done
		err = h.waitErr
	})
	return err
}

// Supervisor spawns and tracks child process generations for one server
// configuration. After an unexpected exit, the next Start is held back by
// an exponential backoff window.
type Supervisor struct {
	serverCfg config.ServerConfig
	grace     time.Duration
	logger    *slog.Logger

	mu            sync.Mutex
	generation    uint64
	backoff       *backoff.ExponentialBackOff
	nextRestartAt time.Time
}

// NewSupervisor creates a supervisor from configuration.
func NewSupervisor(cfg *config.Config, logger *slog.Logger) *Supervisor {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Duration(cfg.Restart.InitialBackoffMs) * time.Millisecond
	b.MaxInterval = time.Duration(cfg.Restart.MaxBackoffMs) * time.Millisecond
	b.RandomizationFactor = 0

	return &Supervisor{
		serverCfg: cfg.Server,
		grace:     time.Duration(cfg.Timeouts.ShutdownGraceMs) * time.Millisecond,
		logger:    logger,
		backoff:   b,
	}
}

// Resolve verifies the configured analysis server executable can be found.
func (s *Supervisor) Resolve() (string, error) {
	path, err := exec.LookPath(s.serverCfg.Command)
	if err != nil {
		return "", errors.Newf(errors.BackendUnavailable,
			"analysis server executable %q not found in PATH", s.serverCfg.Command)
	}
	return path, nil
}

// Start spawns a new child process generation bound to root and returns its
// handle once the stdio pipes are connected. Starts inside a backoff window
// fail with BACKEND_UNAVAILABLE without spawning.
func (s *Supervisor) Start(root string) (*Handle, error) {
	s.mu.Lock()
	if wait := time.Until(s.nextRestartAt); wait > 0 {
		s.mu.Unlock()
		return nil, errors.Newf(errors.BackendUnavailable,
			"analysis server in restart backoff, retry in %s", wait.Round(time.Millisecond))
	}
	s.generation++
	gen := s.generation
	s.mu.Unlock()

	cmd := exec.Command(s.serverCfg.Command, s.serverCfg.Args...)
	cmd.Dir = root

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.New(errors.BackendUnavailable, "creating stdin pipe", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.New(errors.BackendUnavailable, "creating stdout pipe", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, errors.New(errors.BackendUnavailable, "creating stderr pipe", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, errors.New(errors.BackendUnavailable, "spawning analysis server", err)
	}

	h := &Handle{
		generation: gen,
		root:       root,
		cmd:        cmd,
		stdin:      stdin,
		stdout:     stdout,
		done:       make(chan struct{}),
	}

	go s.drainStderr(gen, stderr)
	go func() {
		h.waitErr = cmd.Wait()
		close(h.done)
	}()

	s.logger.Info("analysis server started",
		"command", s.serverCfg.Command,
		"root", root,
		"generation", gen,
	)

	return h, nil
}

// Stop gracefully terminates the handle using the configured grace period.
func (s *Supervisor) Stop(h *Handle) error {
	return h.Stop(s.grace)
}

// NoteUnexpectedExit records a process death that was not requested. It arms
// the backoff window for the next Start.
func (s *Supervisor) NoteUnexpectedExit(h *Handle) {
	s.mu.Lock()
	wait := s.backoff.NextBackOff()
	s.nextRestartAt = time.Now().Add(wait)
	s.mu.Unlock()

	s.logger.Warn("analysis server exited unexpectedly",
		"generation", h.generation,
		"nextRestartIn", wait.String(),
	)
}

// NoteHealthy resets the restart backoff after a successful handshake.
func (s *Supervisor) NoteHealthy() {
	s.mu.Lock()
	s.backoff.Reset()
	s.nextRestartAt = time.Time{}
	s.mu.Unlock()
}

// drainStderr logs the child's stderr line by line. The analysis server
// uses it for human-readable progress and crash output.
func (s *Supervisor) drainStderr(gen uint64, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		s.logger.Debug("analysis server stderr", "generation", gen, "line", scanner.Text())
	}
}
