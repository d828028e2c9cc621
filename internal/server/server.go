package server

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"snowscope/internal/catalog"
	"snowscope/internal/circuit"
	"snowscope/internal/clock"
	"snowscope/internal/config"
	"snowscope/internal/executor"
	"snowscope/internal/health"
	"snowscope/internal/lineage"
	"snowscope/internal/logging"
	"snowscope/internal/profile"
	"snowscope/internal/query"
	"snowscope/internal/safety"
	"snowscope/internal/snowerr"
	"snowscope/internal/sqlparse"
)

// serverVersion is reported in the MCP handshake.
const serverVersion = "1.2.0"

// Server bundles every component behind the tool surface.
type Server struct {
	cfg *config.Config
	clk clock.Clock

	validator  *profile.Validator
	ex         executor.Executor
	breaker    *circuit.Breaker
	query      *query.Service
	builder    *catalog.Builder
	lineage    *lineage.Engine
	monitor    *health.Monitor
	supervisor *health.Supervisor
	registry   *Registry

	activeProfile *profile.Profile
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithExecutor injects an executor (tests). Without it the server opens a
// live gosnowflake pool for the configured profile.
func WithExecutor(ex executor.Executor) ServerOption {
	return func(s *Server) { s.ex = ex }
}

// WithServerClock injects a clock (tests).
func WithServerClock(clk clock.Clock) ServerOption {
	return func(s *Server) { s.clk = clk }
}

// New wires a Server from configuration.
func New(cfg *config.Config, opts ...ServerOption) (*Server, error) {
	s := &Server{cfg: cfg, clk: clock.System}
	for _, opt := range opts {
		opt(s)
	}

	s.validator = profile.NewValidator(cfg.Snowflake.ConfigPath,
		profile.WithTTL(cfg.Health.CacheTTL))

	if s.ex == nil {
		p, err := s.validator.Load(cfg.Snowflake.Profile)
		if err != nil {
			return nil, snowerr.Wrap(snowerr.CategoryProfile, err,
				"could not load profile %q", cfg.Snowflake.Profile).
				WithData("available_profiles", s.validator.Validate("").AvailableProfiles)
		}
		s.activeProfile = p
		live, err := executor.NewSnowflake(p)
		if err != nil {
			return nil, err
		}
		s.ex = live
	}

	s.breaker = circuit.New(circuit.Settings{
		Name:             cfg.Snowflake.Profile,
		FailureThreshold: cfg.Circuit.FailureThreshold,
		RecoveryTimeout:  cfg.Circuit.RecoveryTimeout,
		IsExpected: func(err error) bool {
			cat := snowerr.CategoryOf(err)
			return cat == snowerr.CategoryConnection || cat == snowerr.CategoryTimeout
		},
		Clock: s.clk,
	})

	session := executor.Session{
		Warehouse: cfg.Snowflake.Warehouse,
		Database:  cfg.Snowflake.Database,
		Schema:    cfg.Snowflake.Schema,
		Role:      cfg.Snowflake.Role,
	}

	gate := safety.NewGate(sqlparse.New())
	s.query = query.NewService(gate, s.breaker, s.ex, cfg.Query)
	// Builder calls share the breaker state with the query path.
	s.builder = catalog.NewBuilder(&breakeredExecutor{ex: s.ex, br: s.breaker},
		session, cfg.Catalog, catalog.WithClock(s.clk))

	var lineageOpts []lineage.EngineOption
	if cfg.Lineage.Dir != "" {
		store, err := lineage.OpenStore(cfg.Lineage.Dir)
		if err != nil {
			logging.LineageWarn("lineage cache disabled: %v", err)
		} else {
			lineageOpts = append(lineageOpts, lineage.WithStore(store))
		}
	}
	s.lineage = lineage.NewEngine(sqlparse.New(), lineageOpts...)

	s.monitor = health.NewMonitor(
		health.WithClock(s.clk),
		health.WithProbeTimeout(cfg.Health.ProbeTimeout))
	s.supervisor = health.NewSupervisor(
		health.WithSupervisorClock(s.clk),
		health.WithResourceTTL(cfg.Health.ResourceCacheTTL))
	s.registerHealthChecks()
	s.registerDependencies()

	s.registry = NewRegistry(s.supervisor)
	s.registerTools()

	logging.Boot("server wired: %d tools, profile %s", s.registry.Count(), cfg.Snowflake.Profile)
	return s, nil
}

// Close releases backend resources.
func (s *Server) Close() error {
	if s.lineage != nil {
		s.lineage.Close()
	}
	if s.ex != nil {
		return s.ex.Close()
	}
	return nil
}

// Registry exposes the tool registry (tests, CLI reuse).
func (s *Server) Registry() *Registry { return s.registry }

// registerHealthChecks wires the profile/connection/resources components.
func (s *Server) registerHealthChecks() {
	ttl := s.cfg.Health.CacheTTL

	s.monitor.Register("profile", ttl, func(ctx context.Context) health.ComponentReport {
		v := s.validator.Validate(s.cfg.Snowflake.Profile)
		if v.Valid {
			return health.ComponentReport{Status: health.StatusHealthy}
		}
		return health.ComponentReport{
			Status: health.StatusUnhealthy,
			Reason: strings.Join(v.Errors, "; "),
		}
	})

	s.monitor.Register("connection", ttl, func(ctx context.Context) health.ComponentReport {
		if s.breaker.Status().State == circuit.StateOpen {
			return health.ComponentReport{Status: health.StatusDegraded, Reason: "circuit breaker open"}
		}
		if err := s.ex.Ping(ctx); err != nil {
			return health.ComponentReport{
				Status: health.StatusUnhealthy,
				Reason: snowerr.Classify(err).Message,
			}
		}
		return health.ComponentReport{Status: health.StatusHealthy}
	})

	s.monitor.Register("resources", ttl, func(ctx context.Context) health.ComponentReport {
		var blocked []string
		for name, info := range s.supervisor.AllStatuses() {
			if !info.Available && name != "cortex_search" {
				blocked = append(blocked, name)
			}
		}
		if len(blocked) == 0 {
			return health.ComponentReport{Status: health.StatusHealthy}
		}
		return health.ComponentReport{
			Status: health.StatusDegraded,
			Reason: "unavailable: " + strings.Join(blocked, ", "),
		}
	})
}

// registerDependencies wires the resource DAG's leaf checks.
func (s *Server) registerDependencies() {
	s.supervisor.RegisterDependency("profile", func() (bool, string) {
		v := s.validator.Validate(s.cfg.Snowflake.Profile)
		if v.Valid {
			return true, ""
		}
		return false, "profile invalid: " + strings.Join(v.Errors, "; ")
	})

	s.supervisor.RegisterDependency("connection", func() (bool, string) {
		if s.breaker.Status().State == circuit.StateOpen {
			return false, "circuit breaker is open"
		}
		return true, ""
	})

	s.supervisor.RegisterDependency("catalog", func() (bool, string) {
		md, err := catalog.ReadMetadata(s.cfg.Catalog.Dir)
		if err != nil {
			return false, fmt.Sprintf("catalog metadata unreadable: %v", err)
		}
		if md == nil {
			return false, "no catalog built yet; run build_catalog"
		}
		return true, ""
	})

	s.supervisor.RegisterDependency("cortex_enabled", func() (bool, string) {
		if s.cfg.Health.CortexEnabled {
			return true, ""
		}
		return false, "cortex search is disabled (set CORTEX_ENABLED=true)"
	})
}

// ServeStdio runs the MCP stdio loop until the context ends.
func (s *Server) ServeStdio(ctx context.Context) error {
	m := mcpserver.NewMCPServer(
		"snowscope",
		serverVersion,
		mcpserver.WithRecovery(),
	)
	for _, name := range s.registry.Names() {
		tool := s.registry.Get(name)
		m.AddTool(s.mcpTool(tool), s.mcpHandler(tool.Name))
	}

	logging.Session("MCP stdio server starting (%d tools)", s.registry.Count())
	return mcpserver.ServeStdio(m)
}

// mcpTool converts a registry tool into an mcp-go declaration.
func (s *Server) mcpTool(t *Tool) mcp.Tool {
	toolOpts := []mcp.ToolOption{mcp.WithDescription(t.Description)}
	for name, prop := range t.Schema.Properties {
		var propOpts []mcp.PropertyOption
		propOpts = append(propOpts, mcp.Description(prop.Description))
		if isRequired(t.Schema, name) {
			propOpts = append(propOpts, mcp.Required())
		}
		switch prop.Type {
		case "string":
			toolOpts = append(toolOpts, mcp.WithString(name, propOpts...))
		case "integer", "number":
			toolOpts = append(toolOpts, mcp.WithNumber(name, propOpts...))
		case "boolean":
			toolOpts = append(toolOpts, mcp.WithBoolean(name, propOpts...))
		}
	}
	return mcp.NewTool(t.Name, toolOpts...)
}

func isRequired(schema ToolSchema, name string) bool {
	for _, r := range schema.Required {
		if r == name {
			return true
		}
	}
	return false
}

// mcpHandler adapts registry dispatch to the mcp-go handler signature.
// Failures are returned as an error envelope in the tool result so clients
// see the stable code and structured data.
func (s *Server) mcpHandler(name string) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		result, serr := s.registry.Dispatch(ctx, name, request.GetArguments())
		if serr != nil {
			envelope := map[string]interface{}{
				"code":    serr.Code(),
				"message": serr.Message,
				"data":    errorData(serr),
			}
			payload, err := json.Marshal(envelope)
			if err != nil {
				return mcp.NewToolResultError(serr.Error()), nil
			}
			return mcp.NewToolResultError(string(payload)), nil
		}

		payload, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s result: %w", name, err)
		}
		return mcp.NewToolResultText(string(payload)), nil
	}
}

// errorData assembles the error.data payload from a classified error.
func errorData(serr *snowerr.Error) map[string]interface{} {
	data := make(map[string]interface{}, len(serr.Data)+3)
	for k, v := range serr.Data {
		data[k] = v
	}
	if len(serr.Suggestions) > 0 {
		data["suggestions"] = serr.Suggestions
	}
	if serr.Context != (snowerr.Context{}) {
		data["context"] = serr.Context
	}
	data["category"] = string(serr.Category)
	return data
}

// sessionFromArgs builds per-call session overrides, layering tool
// arguments over configured defaults.
func (s *Server) sessionFromArgs(args map[string]interface{}) executor.Session {
	return executor.Session{
		Warehouse: stringArg(args, "warehouse", s.cfg.Snowflake.Warehouse),
		Database:  stringArg(args, "database", s.cfg.Snowflake.Database),
		Schema:    stringArg(args, "schema", s.cfg.Snowflake.Schema),
		Role:      stringArg(args, "role", s.cfg.Snowflake.Role),
	}
}

// connectionInfo is the test_connection result.
type connectionInfo struct {
	Status           string `json:"status"`
	Profile          string `json:"profile"`
	Account          string `json:"account"`
	User             string `json:"user"`
	Warehouse        string `json:"warehouse"`
	Database         string `json:"database"`
	Role             string `json:"role"`
	SnowflakeVersion string `json:"snowflake_version"`
	ResponseTimeMs   int64  `json:"response_time_ms"`
}

// testConnection probes the backend through the full executor path.
func (s *Server) testConnection(ctx context.Context) (*connectionInfo, error) {
	start := time.Now()
	res, err := s.query.ExecuteQuery(ctx, query.Request{
		Statement: "SELECT CURRENT_VERSION(), CURRENT_WAREHOUSE(), CURRENT_DATABASE(), CURRENT_ROLE(), CURRENT_USER()",
	})
	if err != nil {
		return nil, err
	}

	info := &connectionInfo{
		Status:         "connected",
		Profile:        s.cfg.Snowflake.Profile,
		ResponseTimeMs: time.Since(start).Milliseconds(),
	}
	if s.activeProfile != nil {
		info.Account = s.activeProfile.Account
	}
	if len(res.Rows) > 0 {
		row := res.Rows[0]
		get := func(i int) string {
			if i < len(row) {
				return executor.Stringify(row[i])
			}
			return ""
		}
		info.SnowflakeVersion = get(0)
		info.Warehouse = get(1)
		info.Database = get(2)
		info.Role = get(3)
		info.User = get(4)
	}
	return info, nil
}
