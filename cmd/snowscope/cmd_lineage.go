package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"snowscope/internal/lineage"
	"snowscope/internal/sqlparse"
)

var (
	lineageDirection  string
	lineageDepth      int
	lineageFormat     string
	lineageCatalogDir string
)

// lineageCmd queries lineage directly from a catalog directory; no
// Snowflake connection is needed.
var lineageCmd = &cobra.Command{
	Use:   "lineage <object_name>",
	Short: "Trace an object's upstream/downstream dependencies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := lineageCatalogDir
		if dir == "" {
			dir = cfg.Catalog.Dir
		}

		var opts []lineage.EngineOption
		if cfg.Lineage.Dir != "" {
			if store, err := lineage.OpenStore(cfg.Lineage.Dir); err == nil {
				opts = append(opts, lineage.WithStore(store))
			}
		}
		engine := lineage.NewEngine(sqlparse.New(), opts...)
		defer engine.Close()

		result, err := engine.Query(lineage.QueryRequest{
			CatalogDir: dir,
			ObjectName: args[0],
			Direction:  lineage.Direction(lineageDirection),
			Depth:      lineageDepth,
			Format:     lineageFormat,
		})
		if err != nil {
			return err
		}
		if lineageFormat == "json" {
			return printJSON(result)
		}
		fmt.Println(result.Rendered)
		if result.ParseFailedCount > 0 {
			fmt.Printf("(%d objects had unparseable SQL)\n", result.ParseFailedCount)
		}
		return nil
	},
}

func init() {
	lineageCmd.Flags().StringVar(&lineageDirection, "direction", "both", "upstream, downstream or both")
	lineageCmd.Flags().IntVar(&lineageDepth, "depth", 3, "traversal depth (1-10)")
	lineageCmd.Flags().StringVar(&lineageFormat, "format", "text", "text or json")
	lineageCmd.Flags().StringVar(&lineageCatalogDir, "catalog-dir", "", "catalog directory (default from config)")
}
