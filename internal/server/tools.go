package server

import (
	"context"

	"snowscope/internal/catalog"
	"snowscope/internal/health"
	"snowscope/internal/lineage"
	"snowscope/internal/query"
)

// contextProps are the session-override arguments shared by query tools.
func contextProps() map[string]Property {
	return map[string]Property{
		"warehouse": {Type: "string", Description: "Warehouse override for this call"},
		"database":  {Type: "string", Description: "Database override for this call"},
		"schema":    {Type: "string", Description: "Schema override for this call"},
		"role":      {Type: "string", Description: "Role override for this call"},
	}
}

func withContextProps(props map[string]Property) map[string]Property {
	for name, prop := range contextProps() {
		props[name] = prop
	}
	return props
}

// registerTools declares the full tool surface.
func (s *Server) registerTools() {
	s.registry.MustRegister(&Tool{
		Name:        "execute_query",
		Description: "Execute a read-only SQL statement on Snowflake. Destructive DDL/DML is blocked.",
		Schema: ToolSchema{
			Required: []string{"statement"},
			Properties: withContextProps(map[string]Property{
				"statement": {Type: "string", Description: "A single SQL statement"},
				"timeout_seconds": {
					Type: "integer", Description: "Per-call timeout (default 120)",
					Minimum: floatPtr(1), Maximum: floatPtr(3600),
				},
				"verbose_errors": {Type: "boolean", Description: "Include the full error cause chain"},
			}),
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return s.query.ExecuteQuery(ctx, query.Request{
				Statement:      stringArg(args, "statement", ""),
				Session:        s.sessionFromArgs(args),
				TimeoutSeconds: optionalIntArg(args, "timeout_seconds"),
				VerboseErrors:  boolArg(args, "verbose_errors", false),
			})
		},
	})

	s.registry.MustRegister(&Tool{
		Name:        "preview_table",
		Description: "Fetch the first rows of a table via SELECT * ... LIMIT n.",
		Schema: ToolSchema{
			Required: []string{"table_name"},
			Properties: withContextProps(map[string]Property{
				"table_name": {Type: "string", Description: "Table name, optionally schema- or fully qualified"},
				"limit": {
					Type: "integer", Description: "Row limit (default 100)",
					Minimum: floatPtr(1), Maximum: floatPtr(1000),
				},
			}),
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return s.query.PreviewTable(ctx,
				stringArg(args, "table_name", ""),
				intArg(args, "limit", 0),
				s.sessionFromArgs(args))
		},
	})

	s.registry.MustRegister(&Tool{
		Name:         "build_catalog",
		Description:  "Build or incrementally refresh the on-disk metadata catalog.",
		ResourceGate: "catalog",
		Schema: ToolSchema{
			Properties: map[string]Property{
				"output_dir":    {Type: "string", Description: "Catalog directory (default from CATALOG_DIR)"},
				"database":      {Type: "string", Description: "Restrict the build to one database"},
				"account_scope": {Type: "boolean", Description: "Harvest every visible database"},
				"include_ddl":   {Type: "boolean", Description: "Fetch DDL text for objects"},
				"format": {
					Type: "string", Description: "Record file format",
					Enum: []interface{}{"json", "jsonl"},
				},
				"max_concurrency": {
					Type: "integer", Description: "Worker cap for Snowflake calls",
					Minimum: floatPtr(1), Maximum: floatPtr(32),
				},
				"force_full": {Type: "boolean", Description: "Skip change detection and rebuild"},
			},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return s.builder.Build(ctx, catalog.Options{
				OutputDir:      stringArg(args, "output_dir", s.cfg.Catalog.Dir),
				Database:       stringArg(args, "database", ""),
				AccountScope:   boolArg(args, "account_scope", false),
				IncludeDDL:     boolArg(args, "include_ddl", s.cfg.Catalog.IncludeDDL),
				Format:         stringArg(args, "format", "jsonl"),
				MaxConcurrency: intArg(args, "max_concurrency", 0),
				ForceFull:      boolArg(args, "force_full", false),
			})
		},
	})

	s.registry.MustRegister(&Tool{
		Name:        "get_catalog_summary",
		Description: "Summarize an existing catalog: object and column counts, build times.",
		Schema: ToolSchema{
			Properties: map[string]Property{
				"catalog_dir": {Type: "string", Description: "Catalog directory (default from CATALOG_DIR)"},
			},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return catalog.Summarize(stringArg(args, "catalog_dir", s.cfg.Catalog.Dir))
		},
	})

	s.registry.MustRegister(&Tool{
		Name:         "query_lineage",
		Description:  "Trace upstream/downstream dependencies of an object from parsed SQL.",
		ResourceGate: "lineage",
		Schema: ToolSchema{
			Required: []string{"object_name"},
			Properties: map[string]Property{
				"object_name": {Type: "string", Description: "Object name; partial names resolve when unambiguous"},
				"direction": {
					Type: "string", Description: "Traversal direction (default both)",
					Enum: []interface{}{"upstream", "downstream", "both"},
				},
				"depth": {
					Type: "integer", Description: "Traversal depth (default 3)",
					Minimum: floatPtr(1), Maximum: floatPtr(10),
				},
				"format": {
					Type: "string", Description: "Output format",
					Enum: []interface{}{"text", "json"},
				},
				"catalog_dir": {Type: "string", Description: "Catalog directory (default from CATALOG_DIR)"},
			},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return s.lineage.Query(lineage.QueryRequest{
				CatalogDir: stringArg(args, "catalog_dir", s.cfg.Catalog.Dir),
				ObjectName: stringArg(args, "object_name", ""),
				Direction:  lineage.Direction(stringArg(args, "direction", "both")),
				Depth:      intArg(args, "depth", 3),
				Format:     stringArg(args, "format", "text"),
			})
		},
	})

	s.registry.MustRegister(&Tool{
		Name:         "build_dependency_graph",
		Description:  "Render the catalog-wide dependency graph as JSON or Graphviz DOT.",
		ResourceGate: "dependency_graph",
		Schema: ToolSchema{
			Properties: map[string]Property{
				"database": {Type: "string", Description: "Scope to one database"},
				"schema":   {Type: "string", Description: "Scope to one schema"},
				"format": {
					Type: "string", Description: "Output format",
					Enum: []interface{}{"json", "dot"},
				},
				"catalog_dir": {Type: "string", Description: "Catalog directory (default from CATALOG_DIR)"},
			},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return s.lineage.DependencyGraph(lineage.DependencyGraphRequest{
				CatalogDir: stringArg(args, "catalog_dir", s.cfg.Catalog.Dir),
				Database:   stringArg(args, "database", ""),
				Schema:     stringArg(args, "schema", ""),
				Format:     stringArg(args, "format", "json"),
			})
		},
	})

	s.registry.MustRegister(&Tool{
		Name:        "test_connection",
		Description: "Verify Snowflake connectivity and report the session context.",
		Schema:      ToolSchema{},
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return s.testConnection(ctx)
		},
	})

	s.registry.MustRegister(&Tool{
		Name:        "health_check",
		Description: "Composite health report over profile, connection and resources.",
		Schema:      ToolSchema{},
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return s.monitor.HealthCheck(), nil
		},
	})

	s.registry.MustRegister(&Tool{
		Name:        "check_profile_config",
		Description: "Validate the active credential profile and list alternatives.",
		Schema:      ToolSchema{},
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return s.validator.Validate(s.cfg.Snowflake.Profile), nil
		},
	})

	s.registry.MustRegister(&Tool{
		Name:        "get_resource_status",
		Description: "Report availability of every gated resource.",
		Schema:      ToolSchema{},
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return s.supervisor.AllStatuses(), nil
		},
	})

	s.registry.MustRegister(&Tool{
		Name:        "check_resource_dependencies",
		Description: "Explain why a resource is available or blocked.",
		Schema: ToolSchema{
			Properties: map[string]Property{
				"resource_name": {Type: "string", Description: "Resource to inspect (all when omitted)"},
			},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			name := stringArg(args, "resource_name", "")
			if name == "" {
				return s.supervisor.AllStatuses(), nil
			}
			info, err := s.supervisor.Status(name)
			if err != nil {
				return nil, err
			}
			return map[string]health.ResourceInfo{name: info}, nil
		},
	})
}
