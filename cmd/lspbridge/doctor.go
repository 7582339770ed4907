package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"lspbridge/internal/config"
	"lspbridge/internal/process"
	"lspbridge/internal/slogutil"
)

var doctorRoot string

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Diagnose configuration and environment issues",
	Long: `Check that a project root is usable: the directory exists, its
configuration loads, and the configured language server binary is on PATH.`,
	RunE: runDoctor,
}

func init() {
	doctorCmd.Flags().StringVar(&doctorRoot, "root", ".", "Project root to check")
	rootCmd.AddCommand(doctorCmd)
}

type doctorCheck struct {
	name string
	run  func() (string, error)
}

func runDoctor(cmd *cobra.Command, args []string) error {
	root, err := filepath.Abs(doctorRoot)
	if err != nil {
		return err
	}

	var cfg *config.Config
	checks := []doctorCheck{
		{
			name: "project root",
			run: func() (string, error) {
				info, err := os.Stat(root)
				if err != nil {
					return "", err
				}
				if !info.IsDir() {
					return "", fmt.Errorf("%s is not a directory", root)
				}
				return root, nil
			},
		},
		{
			name: "configuration",
			run: func() (string, error) {
				loaded, err := config.Load(root)
				if err != nil {
					return "", err
				}
				cfg = loaded
				path := filepath.Join(root, config.ConfigDirName, "config.yaml")
				if _, err := os.Stat(path); err != nil {
					return "defaults (no config file; run 'lspbridge init' to create one)", nil
				}
				return path, nil
			},
		},
		{
			name: "language server binary",
			run: func() (string, error) {
				if cfg == nil {
					return "", fmt.Errorf("skipped: configuration did not load")
				}
				sup := process.NewSupervisor(cfg, slogutil.NewDiscardLogger())
				return sup.Resolve()
			},
		},
	}

	failed := 0
	for _, check := range checks {
		detail, err := check.run()
		if err != nil {
			failed++
			fmt.Printf("✗ %s: %v\n", check.name, err)
			continue
		}
		fmt.Printf("✓ %s: %s\n", check.name, detail)
	}

	if failed > 0 {
		return fmt.Errorf("%d check(s) failed", failed)
	}
	fmt.Println("\nAll checks passed.")
	return nil
}
