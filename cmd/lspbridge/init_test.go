package main

import (
	"os"
	"path/filepath"
	"testing"

	"lspbridge/internal/config"
)

func TestInitWritesDefaultConfig(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	if err := runInit(initCmd, nil); err != nil {
		t.Fatalf("runInit() = %v", err)
	}

	configPath := filepath.Join(dir, config.ConfigDirName, "config.yaml")
	if _, err := os.Stat(configPath); err != nil {
		t.Fatalf("config not written: %v", err)
	}

	cfg, err := config.Load(dir)
	if err != nil {
		t.Fatalf("written config does not load: %v", err)
	}
	if cfg.Server.Command != "ty" {
		t.Errorf("server.command = %q, want default", cfg.Server.Command)
	}
}

func TestInitIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	if err := runInit(initCmd, nil); err != nil {
		t.Fatalf("first runInit() = %v", err)
	}
	if err := runInit(initCmd, nil); err != nil {
		t.Fatalf("second runInit() = %v", err)
	}
}

func TestDoctorRejectsMissingRoot(t *testing.T) {
	origRoot := doctorRoot
	defer func() { doctorRoot = origRoot }()

	doctorRoot = filepath.Join(t.TempDir(), "nope")
	if err := runDoctor(doctorCmd, nil); err == nil {
		t.Error("runDoctor() = nil, want error for missing root")
	}
}
