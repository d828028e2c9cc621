// Package logging provides the file-based diagnostic log for snowscope.
//
// All categories share one daily log file under .snowscope/logs/; every
// line carries its category tag, so a single tail shows the whole server
// and per-category filtering happens at emit time, not via separate files.
// Logging is off unless the logging section of .snowscope/config.yaml
// enables it.
//
// The MCP transport owns stdout, so nothing in this package may ever write
// there; file sinks and stderr only.
package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Category tags a log line with the subsystem it came from.
type Category string

const (
	// Core categories
	CategoryBoot    Category = "boot"    // Boot/initialization
	CategorySession Category = "session" // MCP session lifecycle
	CategoryTools   Category = "tools"   // Tool dispatch and argument validation

	// Executor path categories
	CategoryExecutor Category = "executor" // Snowflake statement execution
	CategoryQuery    Category = "query"    // Query service (execute_query, preview_table)
	CategorySafety   Category = "safety"   // SQL safety verdicts
	CategoryCircuit  Category = "circuit"  // Circuit breaker transitions

	// Metadata categories
	CategoryCatalog Category = "catalog" // Catalog builds, change detection
	CategoryLineage Category = "lineage" // Lineage graph construction and queries

	// Supervision categories
	CategoryHealth    Category = "health"    // Health monitor probes
	CategoryResources Category = "resources" // Resource gating decisions
	CategoryProfile   Category = "profile"   // Profile validation
)

// Level orders log severities.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "info"
	}
}

func parseLevel(s string) Level {
	switch s {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Options controls the sink. The zero value disables logging entirely.
type Options struct {
	// Enabled turns file logging on.
	Enabled bool `yaml:"debug_mode"`

	// Categories filters by category name. Nil admits every category;
	// a present-and-false entry mutes that category.
	Categories map[string]bool `yaml:"categories"`

	// Level is the minimum severity written ("debug", "info", ...).
	Level string `yaml:"level"`

	// JSONFormat emits one JSON object per line instead of text.
	JSONFormat bool `yaml:"json_format"`
}

// sink is the single shared writer. One mutex covers filtering, rotation
// and the write itself; log volume here is diagnostic, not hot-path.
type sink struct {
	mu sync.Mutex

	opts     Options
	minLevel Level
	dir      string // logs directory; "" until Setup

	file *os.File
	day  string // rotation key, yyyy-mm-dd of the open file
}

// std is the process-wide sink.
var std sink

// Setup points the sink at a workspace and loads its options from
// .snowscope/config.yaml. A missing config file means logging stays off.
func Setup(workspace string) error {
	if workspace == "" {
		return fmt.Errorf("workspace path required")
	}

	opts, err := LoadOptions(workspace)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] Warning: could not load config: %v\n", err)
		opts = Options{}
	}
	return Apply(filepath.Join(workspace, ".snowscope", "logs"), opts)
}

// LoadOptions reads the logging section of .snowscope/config.yaml.
func LoadOptions(workspace string) (Options, error) {
	var wrapper struct {
		Logging Options `yaml:"logging"`
	}
	data, err := os.ReadFile(filepath.Join(workspace, ".snowscope", "config.yaml"))
	if err != nil {
		if os.IsNotExist(err) {
			return Options{}, nil
		}
		return Options{}, err
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return Options{}, fmt.Errorf("failed to parse config: %w", err)
	}
	return wrapper.Logging, nil
}

// Apply configures the sink directly. Used by Setup and by tests.
func Apply(dir string, opts Options) error {
	std.mu.Lock()
	defer std.mu.Unlock()

	std.closeLocked()
	std.opts = opts
	std.minLevel = parseLevel(opts.Level)
	std.dir = dir

	if !opts.Enabled {
		return nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	std.writeLocked(CategoryBoot, LevelInfo, "=== snowscope logging enabled ===", nil)
	std.writeLocked(CategoryBoot, LevelInfo, fmt.Sprintf("logs directory: %s", dir), nil)
	std.writeLocked(CategoryBoot, LevelInfo, fmt.Sprintf("minimum level: %s", std.minLevel), nil)
	return nil
}

// Enabled reports whether file logging is on.
func Enabled() bool {
	std.mu.Lock()
	defer std.mu.Unlock()
	return std.opts.Enabled
}

// On reports whether a category currently emits.
func On(cat Category) bool {
	std.mu.Lock()
	defer std.mu.Unlock()
	return std.admitsLocked(cat, LevelError)
}

// Shutdown flushes and closes the sink.
func Shutdown() {
	std.mu.Lock()
	defer std.mu.Unlock()
	std.closeLocked()
}

func (s *sink) closeLocked() {
	if s.file != nil {
		s.file.Close()
		s.file = nil
		s.day = ""
	}
}

// admitsLocked applies the enabled/category/level filters.
func (s *sink) admitsLocked(cat Category, lvl Level) bool {
	if !s.opts.Enabled || s.dir == "" {
		return false
	}
	if lvl < s.minLevel {
		return false
	}
	if s.opts.Categories != nil {
		if on, listed := s.opts.Categories[string(cat)]; listed && !on {
			return false
		}
	}
	return true
}

// rotateLocked reopens the shared file when the day rolls over. The file
// is opened lazily on first admitted write, not at setup.
func (s *sink) rotateLocked(now time.Time) error {
	day := now.Format("2006-01-02")
	if s.file != nil && s.day == day {
		return nil
	}
	s.closeLocked()

	path := filepath.Join(s.dir, "snowscope-"+day+".log")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	s.file = file
	s.day = day
	return nil
}

// line is the JSON shape of one log entry.
type line struct {
	Timestamp int64                  `json:"ts"` // Unix milliseconds
	Category  string                 `json:"cat"`
	Level     string                 `json:"lvl"`
	Message   string                 `json:"msg"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// writeLocked formats and appends one entry. Errors are swallowed after a
// stderr note; diagnostics must never take the server down.
func (s *sink) writeLocked(cat Category, lvl Level, msg string, fields map[string]interface{}) {
	now := time.Now()
	if err := s.rotateLocked(now); err != nil {
		fmt.Fprintf(os.Stderr, "[logging] Warning: %v\n", err)
		return
	}

	if s.opts.JSONFormat {
		data, err := json.Marshal(line{
			Timestamp: now.UnixMilli(),
			Category:  string(cat),
			Level:     lvl.String(),
			Message:   msg,
			Fields:    fields,
		})
		if err == nil {
			s.file.Write(append(data, '\n'))
			return
		}
		// Fall through to text on marshal failure.
	}

	stamp := now.Format("2006-01-02 15:04:05.000")
	if len(fields) > 0 {
		fmt.Fprintf(s.file, "%s [%s] %s: %s | %v\n", stamp, lvl, cat, msg, fields)
	} else {
		fmt.Fprintf(s.file, "%s [%s] %s: %s\n", stamp, lvl, cat, msg)
	}
}

// emit is the single entry point every helper funnels through.
func emit(cat Category, lvl Level, format string, args ...interface{}) {
	std.mu.Lock()
	defer std.mu.Unlock()
	if !std.admitsLocked(cat, lvl) {
		return
	}
	std.writeLocked(cat, lvl, fmt.Sprintf(format, args...), nil)
}

// emitFields is emit with structured fields attached.
func emitFields(cat Category, lvl Level, msg string, fields map[string]interface{}) {
	std.mu.Lock()
	defer std.mu.Unlock()
	if !std.admitsLocked(cat, lvl) {
		return
	}
	std.writeLocked(cat, lvl, msg, fields)
}

// =============================================================================
// CONVENIENCE FUNCTIONS - category-scoped logging without any handle
// =============================================================================

// Boot logs to the boot category
func Boot(format string, args ...interface{}) {
	emit(CategoryBoot, LevelInfo, format, args...)
}

// BootDebug logs debug to the boot category
func BootDebug(format string, args ...interface{}) {
	emit(CategoryBoot, LevelDebug, format, args...)
}

// BootError logs error to the boot category
func BootError(format string, args ...interface{}) {
	emit(CategoryBoot, LevelError, format, args...)
}

// Session logs to the session category
func Session(format string, args ...interface{}) {
	emit(CategorySession, LevelInfo, format, args...)
}

// Tools logs to the tools category
func Tools(format string, args ...interface{}) {
	emit(CategoryTools, LevelInfo, format, args...)
}

// ToolsDebug logs debug to the tools category
func ToolsDebug(format string, args ...interface{}) {
	emit(CategoryTools, LevelDebug, format, args...)
}

// ToolsError logs error to the tools category
func ToolsError(format string, args ...interface{}) {
	emit(CategoryTools, LevelError, format, args...)
}

// Executor logs to the executor category
func Executor(format string, args ...interface{}) {
	emit(CategoryExecutor, LevelInfo, format, args...)
}

// ExecutorDebug logs debug to the executor category
func ExecutorDebug(format string, args ...interface{}) {
	emit(CategoryExecutor, LevelDebug, format, args...)
}

// Query logs to the query category
func Query(format string, args ...interface{}) {
	emit(CategoryQuery, LevelInfo, format, args...)
}

// QueryDebug logs debug to the query category
func QueryDebug(format string, args ...interface{}) {
	emit(CategoryQuery, LevelDebug, format, args...)
}

// Safety logs to the safety category
func Safety(format string, args ...interface{}) {
	emit(CategorySafety, LevelInfo, format, args...)
}

// Circuit logs to the circuit category
func Circuit(format string, args ...interface{}) {
	emit(CategoryCircuit, LevelInfo, format, args...)
}

// CircuitWarn logs warning to the circuit category
func CircuitWarn(format string, args ...interface{}) {
	emit(CategoryCircuit, LevelWarn, format, args...)
}

// Catalog logs to the catalog category
func Catalog(format string, args ...interface{}) {
	emit(CategoryCatalog, LevelInfo, format, args...)
}

// CatalogDebug logs debug to the catalog category
func CatalogDebug(format string, args ...interface{}) {
	emit(CategoryCatalog, LevelDebug, format, args...)
}

// CatalogWarn logs warning to the catalog category
func CatalogWarn(format string, args ...interface{}) {
	emit(CategoryCatalog, LevelWarn, format, args...)
}

// CatalogError logs error to the catalog category
func CatalogError(format string, args ...interface{}) {
	emit(CategoryCatalog, LevelError, format, args...)
}

// Lineage logs to the lineage category
func Lineage(format string, args ...interface{}) {
	emit(CategoryLineage, LevelInfo, format, args...)
}

// LineageDebug logs debug to the lineage category
func LineageDebug(format string, args ...interface{}) {
	emit(CategoryLineage, LevelDebug, format, args...)
}

// LineageWarn logs warning to the lineage category
func LineageWarn(format string, args ...interface{}) {
	emit(CategoryLineage, LevelWarn, format, args...)
}

// Health logs to the health category
func Health(format string, args ...interface{}) {
	emit(CategoryHealth, LevelInfo, format, args...)
}

// HealthDebug logs debug to the health category
func HealthDebug(format string, args ...interface{}) {
	emit(CategoryHealth, LevelDebug, format, args...)
}

// Resources logs to the resources category
func Resources(format string, args ...interface{}) {
	emit(CategoryResources, LevelInfo, format, args...)
}

// ResourcesDebug logs debug to the resources category
func ResourcesDebug(format string, args ...interface{}) {
	emit(CategoryResources, LevelDebug, format, args...)
}

// Profile logs to the profile category
func Profile(format string, args ...interface{}) {
	emit(CategoryProfile, LevelInfo, format, args...)
}

// ProfileDebug logs debug to the profile category
func ProfileDebug(format string, args ...interface{}) {
	emit(CategoryProfile, LevelDebug, format, args...)
}

// =============================================================================
// TAGGED LOGGING - correlating one tool call across categories
// =============================================================================

// Tagged carries a correlation tag and accumulated fields. Values are
// immutable; With returns a copy so a Tagged can fan out safely.
type Tagged struct {
	cat    Category
	fields map[string]interface{}
}

// Tag creates a Tagged logger carrying a request correlation ID.
func Tag(cat Category, requestID string) Tagged {
	return Tagged{cat: cat, fields: map[string]interface{}{"req": requestID}}
}

// With returns a copy with one more field attached.
func (t Tagged) With(key string, value interface{}) Tagged {
	fields := make(map[string]interface{}, len(t.fields)+1)
	for k, v := range t.fields {
		fields[k] = v
	}
	fields[key] = value
	return Tagged{cat: t.cat, fields: fields}
}

func (t Tagged) Debug(format string, args ...interface{}) {
	emitFields(t.cat, LevelDebug, fmt.Sprintf(format, args...), t.fields)
}

func (t Tagged) Info(format string, args ...interface{}) {
	emitFields(t.cat, LevelInfo, fmt.Sprintf(format, args...), t.fields)
}

func (t Tagged) Warn(format string, args ...interface{}) {
	emitFields(t.cat, LevelWarn, fmt.Sprintf(format, args...), t.fields)
}

func (t Tagged) Error(format string, args ...interface{}) {
	emitFields(t.cat, LevelError, fmt.Sprintf(format, args...), t.fields)
}

// =============================================================================
// SPANS - operation timing
// =============================================================================

// Span measures one operation from Begin to End.
type Span struct {
	cat   Category
	op    string
	start time.Time
}

// Begin starts timing an operation.
func Begin(cat Category, op string) Span {
	return Span{cat: cat, op: op, start: time.Now()}
}

// End logs the elapsed time at debug level and returns it.
func (s Span) End() time.Duration {
	elapsed := time.Since(s.start)
	emit(s.cat, LevelDebug, "%s took %v", s.op, elapsed)
	return elapsed
}

// EndInfo logs the elapsed time at info level.
func (s Span) EndInfo() time.Duration {
	elapsed := time.Since(s.start)
	emit(s.cat, LevelInfo, "%s took %v", s.op, elapsed)
	return elapsed
}

// EndWarnOver warns when the operation overran the threshold; otherwise it
// logs at debug level.
func (s Span) EndWarnOver(threshold time.Duration) time.Duration {
	elapsed := time.Since(s.start)
	if elapsed > threshold {
		emit(s.cat, LevelWarn, "%s took %v (threshold %v)", s.op, elapsed, threshold)
	} else {
		emit(s.cat, LevelDebug, "%s took %v", s.op, elapsed)
	}
	return elapsed
}
