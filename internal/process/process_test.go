package process

import (
	"testing"
	"time"

	"lspbridge/internal/config"
	"lspbridge/internal/errors"
	"lspbridge/internal/slogutil"
)

func testConfig(command string, args ...string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Server.Command = command
	cfg.Server.Args = args
	cfg.Timeouts.ShutdownGraceMs = 500
	cfg.Restart.InitialBackoffMs = 50
	cfg.Restart.MaxBackoffMs = 200
	return cfg
}

func TestStartAndStop(t *testing.T) {
	s := NewSupervisor(testConfig("cat"), slogutil.NewDiscardLogger())

	h, err := s.Start(t.TempDir())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !h.IsAlive() {
		t.Error("process should be alive after start")
	}
	if h.Generation() != 1 {
		t.Errorf("Generation = %d, want 1", h.Generation())
	}

	// cat exits when stdin closes, so Stop is graceful.
	if err := s.Stop(h); err != nil {
		t.Errorf("Stop: %v", err)
	}
	if h.IsAlive() {
		t.Error("process should be dead after stop")
	}
}

func TestStopForceKillsAfterGrace(t *testing.T) {
	// sleep ignores stdin close; Stop must escalate to kill.
	s := NewSupervisor(testConfig("sleep", "600"), slogutil.NewDiscardLogger())

	h, err := s.Start(t.TempDir())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	done := make(chan struct{})
	go func() {
		_ = s.Stop(h)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not terminate a stdin-ignoring process")
	}
	if h.IsAlive() {
		t.Error("process still alive after forced stop")
	}
}

func TestGenerationsIncrease(t *testing.T) {
	s := NewSupervisor(testConfig("cat"), slogutil.NewDiscardLogger())

	h1, err := s.Start(t.TempDir())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	_ = s.Stop(h1)

	h2, err := s.Start(t.TempDir())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = s.Stop(h2) }()

	if h2.Generation() <= h1.Generation() {
		t.Errorf("generation did not increase: %d then %d", h1.Generation(), h2.Generation())
	}
}

func TestDoneClosesOnProcessExit(t *testing.T) {
	s := NewSupervisor(testConfig("true"), slogutil.NewDiscardLogger())

	h, err := s.Start(t.TempDir())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Done not closed after process exit")
	}
	if h.IsAlive() {
		t.Error("IsAlive should be false after exit")
	}
}

func TestBackoffBlocksImmediateRestart(t *testing.T) {
	cfg := testConfig("true")
	cfg.Restart.InitialBackoffMs = 60000
	s := NewSupervisor(cfg, slogutil.NewDiscardLogger())

	h, err := s.Start(t.TempDir())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-h.Done()
	s.NoteUnexpectedExit(h)

	_, err = s.Start(t.TempDir())
	if err == nil {
		t.Fatal("expected Start to fail inside backoff window")
	}
	if errors.KindOf(err) != errors.BackendUnavailable {
		t.Errorf("kind = %v, want BACKEND_UNAVAILABLE", errors.KindOf(err))
	}
}

func TestNoteHealthyClearsBackoff(t *testing.T) {
	cfg := testConfig("cat")
	cfg.Restart.InitialBackoffMs = 60000
	s := NewSupervisor(cfg, slogutil.NewDiscardLogger())

	h, err := s.Start(t.TempDir())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.NoteUnexpectedExit(h)
	_ = s.Stop(h)
	s.NoteHealthy()

	h2, err := s.Start(t.TempDir())
	if err != nil {
		t.Fatalf("Start after NoteHealthy: %v", err)
	}
	_ = s.Stop(h2)
}

func TestResolveMissingExecutable(t *testing.T) {
	s := NewSupervisor(testConfig("definitely-not-a-real-binary-xyz"), slogutil.NewDiscardLogger())
	if _, err := s.Resolve(); err == nil {
		t.Fatal("expected Resolve to fail for missing executable")
	} else if errors.KindOf(err) != errors.BackendUnavailable {
		t.Errorf("kind = %v, want BACKEND_UNAVAILABLE", errors.KindOf(err))
	}
}
