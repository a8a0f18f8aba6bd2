package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"orchd/internal/app"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "orchd:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "orchd",
		Short: "Dynamic tool orchestrator for MCP servers",
		Long: `orchd aggregates upstream MCP servers behind a single stdio endpoint,
plans multi-tool workflows on demand, and runs the generated scripts
in a sandboxed interpreter. Tools it cannot orchestrate are surfaced
through vector search over the upstream catalog.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "orchd.yaml", "configuration file")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Start the orchestrator on stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := newLogger()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			// Stdio carries the MCP session, so shutdown rides on
			// signals rather than EOF alone.
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return app.New(logger).Serve(ctx, app.ServeConfig{ConfigPath: configPath})
		},
	}

	validate := &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration file and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := newLogger()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			return app.New(logger).ValidateConfig(cmd.Context(), app.ValidateConfig{ConfigPath: configPath})
		},
	}

	root.AddCommand(serve, validate)
	return root
}

// newLogger builds the bootstrap logger. Serve swaps in a logger at
// the configured observability level once the config is loaded.
func newLogger() (*zap.Logger, error) {
	return zap.NewProduction()
}
