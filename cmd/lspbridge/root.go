package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"lspbridge/internal/slogutil"
	"lspbridge/internal/version"
)

var (
	logLevelFlag string
	logFileFlag  string
)

var rootCmd = &cobra.Command{
	Use:   "lspbridge",
	Short: "lspbridge - MCP gateway to language servers",
	Long: `lspbridge exposes code intelligence (go-to-definition, references, hover,
completion, diagnostics, rename, code actions) as MCP tool calls, driving a
language server process over LSP stdio on behalf of the client.`,
	Version: version.Version,
}

func init() {
	rootCmd.SetVersionTemplate("lspbridge version {{.Version}}\n")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "info",
		"Log level: debug, info, warn, or error")
	rootCmd.PersistentFlags().StringVar(&logFileFlag, "log-file", "",
		"Log file path (default: stderr; stdout is reserved for protocol frames)")
}

// newLogger builds the process logger from the global flags. The returned
// closer is nil when logging to stderr.
func newLogger() (*slog.Logger, *os.File, error) {
	level := slogutil.LevelFromString(logLevelFlag)
	if logFileFlag != "" {
		return slogutil.NewFileLogger(logFileFlag, level)
	}
	return slogutil.NewLogger(os.Stderr, level), nil, nil
}
