package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"lspbridge/internal/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize lspbridge configuration",
	Long:  "Creates a .lspbridge/ directory with the default configuration in the current directory",
	RunE:  runInit,
}

func init() {
	initCmd.Flags().BoolVarP(&initForce, "force", "f", false, "Overwrite an existing configuration")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getting current directory: %w", err)
	}

	configPath := filepath.Join(cwd, config.ConfigDirName, "config.yaml")
	if _, err := os.Stat(configPath); err == nil && !initForce {
		// Already initialized is success, so repeated init stays CI-friendly.
		fmt.Println("lspbridge already initialized.")
		fmt.Printf("Configuration at: %s\n", configPath)
		fmt.Println("\nRun 'lspbridge init --force' to overwrite.")
		return nil
	}

	if err := config.DefaultConfig().Save(cwd); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	fmt.Println("lspbridge initialized successfully!")
	fmt.Printf("Configuration written to: %s\n", configPath)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Edit server.command if your language server is not 'ty'")
	fmt.Println("  2. Run 'lspbridge doctor' to check your setup")
	fmt.Println("  3. Run 'lspbridge serve' from your MCP client")
	return nil
}
