// Package server exposes the snowscope tool surface over MCP.
//
// The Registry maps tool names to handlers and JSON schemas, validates
// arguments, consults the resource supervisor, and translates every failure
// into the structured error envelope before it reaches the transport.
package server

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"snowscope/internal/health"
	"snowscope/internal/logging"
	"snowscope/internal/snowerr"
)

// Property describes a single parameter property for JSON schema.
type Property struct {
	Type        string        `json:"type"`
	Description string        `json:"description"`
	Default     interface{}   `json:"default,omitempty"`
	Enum        []interface{} `json:"enum,omitempty"`
	Minimum     *float64      `json:"minimum,omitempty"`
	Maximum     *float64      `json:"maximum,omitempty"`
}

// ToolSchema defines the JSON schema for tool arguments.
type ToolSchema struct {
	// Required lists parameters that must be provided.
	Required []string `json:"required"`

	// Properties describes each parameter.
	Properties map[string]Property `json:"properties"`
}

// HandlerFunc executes a tool with validated arguments.
type HandlerFunc func(ctx context.Context, args map[string]interface{}) (interface{}, error)

// Tool defines one MCP tool.
type Tool struct {
	// Name is the unique identifier for the tool.
	Name string

	// Description explains what the tool does.
	Description string

	// Schema defines the expected arguments.
	Schema ToolSchema

	// Handler runs the tool.
	Handler HandlerFunc

	// ResourceGate names the resource this tool needs ("" for none). The
	// supervisor is consulted before the handler runs.
	ResourceGate string
}

// Validate checks if the tool definition is valid.
func (t *Tool) Validate() error {
	if t.Name == "" {
		return ErrToolNameEmpty
	}
	if t.Handler == nil {
		return ErrToolHandlerNil
	}
	return nil
}

// Registry holds all available tools and dispatches calls.
// It is thread-safe and supports registration at runtime.
type Registry struct {
	mu         sync.RWMutex
	tools      map[string]*Tool
	supervisor *health.Supervisor
}

// NewRegistry creates an empty registry gated by the supervisor.
func NewRegistry(supervisor *health.Supervisor) *Registry {
	return &Registry{
		tools:      make(map[string]*Tool),
		supervisor: supervisor,
	}
}

// Register adds a tool to the registry.
// Returns an error if a tool with the same name already exists.
func (r *Registry) Register(tool *Tool) error {
	if err := tool.Validate(); err != nil {
		return fmt.Errorf("invalid tool: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[tool.Name]; exists {
		return fmt.Errorf("%w: %s", ErrToolAlreadyRegistered, tool.Name)
	}
	r.tools[tool.Name] = tool

	logging.ToolsDebug("registered tool: %s (gate=%q)", tool.Name, tool.ResourceGate)
	return nil
}

// MustRegister registers a tool and panics on error.
// Use this for static tool registration at startup.
func (r *Registry) MustRegister(tool *Tool) {
	if err := r.Register(tool); err != nil {
		panic(fmt.Sprintf("failed to register tool %s: %v", tool.Name, err))
	}
}

// Get returns a tool by name, or nil if not found.
func (r *Registry) Get(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Dispatch validates, gates and runs a tool call. Every failure comes back
// as a *snowerr.Error ready for the wire envelope.
func (r *Registry) Dispatch(ctx context.Context, name string, args map[string]interface{}) (interface{}, *snowerr.Error) {
	requestID := uuid.NewString()[:8]
	start := time.Now()
	reqLog := logging.Tag(logging.CategoryTools, requestID)
	reqLog.Info("dispatch %s", name)

	tool := r.Get(name)
	if tool == nil {
		return nil, snowerr.New(snowerr.CategoryNotFound, "unknown tool %q", name).
			WithData("known_tools", r.Names())
	}

	if args == nil {
		args = map[string]interface{}{}
	}
	if err := validateArgs(tool.Schema, args); err != nil {
		reqLog.Warn("argument validation failed: %v", err)
		logging.AuditTool(requestID, name, false, time.Since(start).Milliseconds(), err.Error())
		return nil, err
	}

	if tool.ResourceGate != "" {
		if err := r.supervisor.Require(tool.ResourceGate); err != nil {
			se := snowerr.Classify(err)
			reqLog.Warn("resource gate %s blocked: %v", tool.ResourceGate, se)
			logging.AuditTool(requestID, name, false, time.Since(start).Milliseconds(), se.Error())
			return nil, se
		}
	}

	result, err := tool.Handler(ctx, args)
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		se := snowerr.Classify(err)
		if se.Context.Operation == "" {
			se.Context.Operation = name
		}
		reqLog.Error("%s failed after %dms: %v", name, elapsed, se)
		logging.AuditTool(requestID, name, false, elapsed, se.Error())
		return nil, se
	}

	reqLog.Info("%s completed in %dms", name, elapsed)
	logging.AuditTool(requestID, name, true, elapsed, "")
	return result, nil
}

// validateArgs checks required parameters, types, bounds and enums. The
// first offending path is reported.
func validateArgs(schema ToolSchema, args map[string]interface{}) *snowerr.Error {
	for _, required := range schema.Required {
		if _, ok := args[required]; !ok {
			return snowerr.New(snowerr.CategoryInvalidArgs, "missing required argument %q", required).
				WithData("path", required)
		}
	}

	// Stable iteration so the "first offending path" is deterministic.
	names := make([]string, 0, len(args))
	for name := range args {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		prop, known := schema.Properties[name]
		if !known {
			return snowerr.New(snowerr.CategoryInvalidArgs, "unknown argument %q", name).
				WithData("path", name)
		}
		if err := validateValue(name, prop, args[name]); err != nil {
			return err
		}
	}
	return nil
}

func validateValue(path string, prop Property, value interface{}) *snowerr.Error {
	if value == nil {
		return nil
	}
	switch prop.Type {
	case "string":
		s, ok := value.(string)
		if !ok {
			return typeError(path, "string", value)
		}
		if len(prop.Enum) > 0 && !enumContains(prop.Enum, s) {
			return snowerr.New(snowerr.CategoryInvalidArgs,
				"argument %q must be one of %v, got %q", path, prop.Enum, s).
				WithData("path", path)
		}
	case "integer", "number":
		n, ok := asFloat(value)
		if !ok {
			return typeError(path, prop.Type, value)
		}
		if prop.Type == "integer" && n != float64(int64(n)) {
			return typeError(path, "integer", value)
		}
		if prop.Minimum != nil && n < *prop.Minimum {
			return snowerr.New(snowerr.CategoryInvalidArgs,
				"argument %q must be >= %v, got %v", path, *prop.Minimum, n).
				WithData("path", path)
		}
		if prop.Maximum != nil && n > *prop.Maximum {
			return snowerr.New(snowerr.CategoryInvalidArgs,
				"argument %q must be <= %v, got %v", path, *prop.Maximum, n).
				WithData("path", path)
		}
	case "boolean":
		if _, ok := value.(bool); !ok {
			return typeError(path, "boolean", value)
		}
	}
	return nil
}

func typeError(path, want string, got interface{}) *snowerr.Error {
	return snowerr.New(snowerr.CategoryInvalidArgs,
		"argument %q must be a %s, got %T", path, want, got).
		WithData("path", path)
}

func enumContains(enum []interface{}, s string) bool {
	for _, v := range enum {
		if str, ok := v.(string); ok && strings.EqualFold(str, s) {
			return true
		}
	}
	return false
}

// asFloat normalizes the numeric types JSON decoding produces.
func asFloat(value interface{}) (float64, bool) {
	switch n := value.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// Argument accessors for handlers (arguments are already validated).

func stringArg(args map[string]interface{}, name, fallback string) string {
	if v, ok := args[name].(string); ok && v != "" {
		return v
	}
	return fallback
}

func boolArg(args map[string]interface{}, name string, fallback bool) bool {
	if v, ok := args[name].(bool); ok {
		return v
	}
	return fallback
}

func intArg(args map[string]interface{}, name string, fallback int) int {
	if v, ok := asFloat(args[name]); ok {
		return int(v)
	}
	return fallback
}

func optionalIntArg(args map[string]interface{}, name string) *int {
	if _, present := args[name]; !present {
		return nil
	}
	if v, ok := asFloat(args[name]); ok {
		n := int(v)
		return &n
	}
	return nil
}

func floatPtr(f float64) *float64 { return &f }
