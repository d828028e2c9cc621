package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"snowscope/internal/server"
)

// serveCmd starts the MCP stdio server explicitly (the root command does
// the same when invoked with no subcommand).
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the MCP stdio server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	s, err := server.New(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	logger.Info("snowscope serving on stdio",
		zap.String("profile", cfg.Snowflake.Profile),
		zap.String("catalog_dir", cfg.Catalog.Dir))
	return s.ServeStdio(cmd.Context())
}
