package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"lspbridge/internal/bridge"
	"lspbridge/internal/edit"
	"lspbridge/internal/mcp"
	"lspbridge/internal/session"
	"lspbridge/internal/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve MCP tool calls over stdio",
	Long: `Start the MCP server on stdin/stdout. Tool calls spawn and drive language
server sessions keyed by project root; sessions are torn down on exit.

Logs go to stderr or --log-file, never stdout.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	logger, logFile, err := newLogger()
	if err != nil {
		return err
	}
	if logFile != nil {
		defer logFile.Close()
	}

	registry := session.NewRegistry(logger)
	b := bridge.New(registry, edit.NewEngine(logger), logger)
	server := mcp.NewServer(version.Info(), b, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start(ctx)
	}()

	select {
	case err := <-serverErr:
		closeSessions(registry)
		return err
	case sig := <-shutdown:
		logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
		closeSessions(registry)
	}
	return nil
}

// closeSessions shuts down every language server with a bounded grace period.
func closeSessions(registry *session.Registry) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	registry.CloseAll(ctx)
}
