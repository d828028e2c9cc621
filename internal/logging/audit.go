// Package logging: audit logging for tool calls and builds.
// Audit events are JSON lines under .snowscope/logs/ so an operator can
// replay what the server did to Snowflake and when.
package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AuditEventType defines the type of audit event.
type AuditEventType string

const (
	// Tool dispatch -> one complete or error event per MCP call (AuditTool);
	// the registry does not emit tool_invoke
	AuditToolInvoke   AuditEventType = "tool_invoke"
	AuditToolComplete AuditEventType = "tool_complete"
	AuditToolError    AuditEventType = "tool_error"

	// Safety gate decisions
	AuditSafetyAllow AuditEventType = "safety_allow"
	AuditSafetyBlock AuditEventType = "safety_block"

	// Circuit breaker transitions
	AuditCircuitTransition AuditEventType = "circuit_transition"

	// Catalog builds
	AuditBuildStart    AuditEventType = "build_start"
	AuditBuildComplete AuditEventType = "build_complete"
	AuditBuildAbort    AuditEventType = "build_abort"

	// Lineage graph lifecycle
	AuditGraphBuilt       AuditEventType = "graph_built"
	AuditGraphInvalidated AuditEventType = "graph_invalidated"
)

// AuditEvent represents a structured audit log entry.
type AuditEvent struct {
	Timestamp  int64                  `json:"ts"` // Unix milliseconds
	EventType  AuditEventType         `json:"event"`
	Category   string                 `json:"cat"`
	RequestID  string                 `json:"req,omitempty"`
	Target     string                 `json:"target,omitempty"` // Tool name, object FQN, catalog dir
	Success    bool                   `json:"success"`
	DurationMs int64                  `json:"dur_ms,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Message    string                 `json:"msg,omitempty"`
	Fields     map[string]interface{} `json:"fields,omitempty"`
}

var (
	auditFile *os.File
	auditMu   sync.Mutex
)

// InitAudit initializes the audit logging system.
func InitAudit() error {
	if !Enabled() {
		return nil
	}

	std.mu.Lock()
	dir := std.dir
	std.mu.Unlock()

	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile != nil {
		return nil // Already initialized
	}

	date := time.Now().Format("2006-01-02")
	auditPath := filepath.Join(dir, fmt.Sprintf("%s_audit.log", date))

	file, err := os.OpenFile(auditPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to create audit log: %w", err)
	}
	auditFile = file

	header := fmt.Sprintf("# Audit log started at %s\n", time.Now().Format(time.RFC3339))
	auditFile.WriteString(header)

	return nil
}

// CloseAudit closes the audit log file.
func CloseAudit() {
	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile != nil {
		auditFile.Close()
		auditFile = nil
	}
}

// Emit writes a single audit event. No-op when audit logging is disabled.
func Emit(event AuditEvent) {
	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile == nil {
		return
	}

	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	auditFile.Write(append(data, '\n'))
}

// AuditTool records a completed tool call.
func AuditTool(requestID, tool string, success bool, durMs int64, errMsg string) {
	event := AuditEvent{
		EventType:  AuditToolComplete,
		Category:   string(CategoryTools),
		RequestID:  requestID,
		Target:     tool,
		Success:    success,
		DurationMs: durMs,
		Error:      errMsg,
	}
	if !success {
		event.EventType = AuditToolError
	}
	Emit(event)
}

// AuditSafety records a safety gate decision for a statement.
func AuditSafety(requestID, category string, allowed bool, reason string) {
	event := AuditEvent{
		EventType: AuditSafetyBlock,
		Category:  string(CategorySafety),
		RequestID: requestID,
		Success:   allowed,
		Message:   reason,
		Fields:    map[string]interface{}{"statement_category": category},
	}
	if allowed {
		event.EventType = AuditSafetyAllow
	}
	Emit(event)
}

// AuditCircuit records a breaker state transition.
func AuditCircuit(backend, from, to string) {
	Emit(AuditEvent{
		EventType: AuditCircuitTransition,
		Category:  string(CategoryCircuit),
		Target:    backend,
		Success:   to == "closed",
		Fields:    map[string]interface{}{"from": from, "to": to},
	})
}

// AuditBuild records the outcome of a catalog build.
func AuditBuild(buildID, outputDir, status string, objects int, durMs int64, errMsg string) {
	event := AuditEvent{
		EventType:  AuditBuildComplete,
		Category:   string(CategoryCatalog),
		RequestID:  buildID,
		Target:     outputDir,
		Success:    errMsg == "",
		DurationMs: durMs,
		Error:      errMsg,
		Fields:     map[string]interface{}{"status": status, "objects": objects},
	}
	if errMsg != "" {
		event.EventType = AuditBuildAbort
	}
	Emit(event)
}
