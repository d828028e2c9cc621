package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"snowscope/internal/catalog"
	"snowscope/internal/server"
)

var (
	catalogOutputDir    string
	catalogDatabase     string
	catalogAccountScope bool
	catalogIncludeDDL   bool
	catalogFormat       string
	catalogConcurrency  int
	catalogForceFull    bool
)

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Build or inspect the metadata catalog without an MCP client",
}

var catalogBuildCmd = &cobra.Command{
	Use:   "build",
	Short: "Run one catalog build (full or incremental)",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := server.New(cfg)
		if err != nil {
			return err
		}
		defer s.Close()

		result, serr := s.Registry().Dispatch(cmd.Context(), "build_catalog", map[string]interface{}{
			"output_dir":      catalogOutputDir,
			"database":        catalogDatabase,
			"account_scope":   catalogAccountScope,
			"include_ddl":     catalogIncludeDDL,
			"format":          catalogFormat,
			"max_concurrency": catalogConcurrency,
			"force_full":      catalogForceFull,
		})
		if serr != nil {
			return serr
		}

		build := result.(*catalog.BuildResult)
		logger.Info("catalog build finished",
			zap.String("status", string(build.Status)),
			zap.Int("changes", build.Changes),
			zap.Int("total_objects", build.Metadata.TotalObjects))
		return printJSON(result)
	},
}

var catalogSummaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Print catalog statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := catalogOutputDir
		if dir == "" {
			dir = cfg.Catalog.Dir
		}
		summary, err := catalog.Summarize(dir)
		if err != nil {
			return err
		}
		return printJSON(summary)
	},
}

func init() {
	catalogCmd.AddCommand(catalogBuildCmd)
	catalogCmd.AddCommand(catalogSummaryCmd)

	catalogCmd.PersistentFlags().StringVarP(&catalogOutputDir, "output-dir", "o", "", "catalog directory (default from config)")
	catalogBuildCmd.Flags().StringVarP(&catalogDatabase, "database", "d", "", "restrict to one database")
	catalogBuildCmd.Flags().BoolVar(&catalogAccountScope, "account-scope", false, "harvest every visible database")
	catalogBuildCmd.Flags().BoolVar(&catalogIncludeDDL, "include-ddl", true, "fetch DDL text")
	catalogBuildCmd.Flags().StringVar(&catalogFormat, "format", "jsonl", "record format: json or jsonl")
	catalogBuildCmd.Flags().IntVar(&catalogConcurrency, "max-concurrency", 4, "Snowflake call worker cap")
	catalogBuildCmd.Flags().BoolVar(&catalogForceFull, "force-full", false, "skip change detection")
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to render result: %w", err)
	}
	return nil
}
