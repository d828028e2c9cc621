// snowscope is a Snowflake metadata and data-operations MCP server.
//
// Run without arguments to start the stdio JSON-RPC server. The catalog and
// lineage subcommands expose the same internals for offline use.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"snowscope/internal/config"
	"snowscope/internal/logging"
)

var (
	// Global flags
	verbose     bool
	configPath  string
	profileName string

	// Logger
	logger *zap.Logger

	// Loaded configuration, available to all subcommands.
	cfg *config.Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "snowscope",
	Short: "snowscope - Snowflake metadata & lineage MCP server",
	Long: `snowscope exposes safe Snowflake query execution, an incremental
metadata catalog and a SQL-derived lineage graph to AI assistants over MCP
(stdio JSON-RPC).

Run without arguments to start the MCP server. stdout carries the protocol;
all logging goes to stderr and .snowscope/logs/.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// stdout belongs to the MCP transport; zap writes to stderr only.
		zcfg := zap.NewProductionConfig()
		zcfg.OutputPaths = []string{"stderr"}
		zcfg.ErrorOutputPaths = []string{"stderr"}
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		ws, _ := os.Getwd()
		if err := logging.Setup(ws); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to initialize file logging: %v\n", err)
		}
		if err := logging.InitAudit(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to initialize audit logging: %v\n", err)
		}

		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if profileName != "" {
			cfg.Snowflake.Profile = profileName
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAudit()
		logging.Shutdown()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd, args)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging to stderr")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default .snowscope/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&profileName, "profile", "", "credential profile (overrides SNOWFLAKE_PROFILE)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(catalogCmd)
	rootCmd.AddCommand(lineageCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
