// Package catalog builds and refreshes the on-disk Snowflake metadata
// catalog. The builder owns every file under its output directory,
// including the _catalog_metadata.json sidecar; nothing else writes there.
package catalog

import (
	"strings"
	"time"
)

// ObjectKind tags the kind of a Snowflake object.
type ObjectKind string

const (
	KindTable            ObjectKind = "table"
	KindView             ObjectKind = "view"
	KindMaterializedView ObjectKind = "materialized_view"
	KindDynamicTable     ObjectKind = "dynamic_table"
	KindExternalTable    ObjectKind = "external_table"
	KindStage            ObjectKind = "stage"
	KindFunction         ObjectKind = "function"
	KindProcedure        ObjectKind = "procedure"
	KindTask             ObjectKind = "task"
)

// HasSQL reports whether objects of this kind carry a SQL definition worth
// feeding to the lineage engine.
func (k ObjectKind) HasSQL() bool {
	switch k {
	case KindView, KindMaterializedView, KindDynamicTable, KindProcedure, KindTask:
		return true
	}
	return false
}

// ObjectRef is a fully qualified Snowflake object reference. Comparison is
// case-insensitive; the canonical form is uppercase.
type ObjectRef struct {
	Database string     `json:"database"`
	Schema   string     `json:"schema"`
	Name     string     `json:"name"`
	Kind     ObjectKind `json:"kind"`
}

// Canonical returns the uppercase dotted form DB.SCHEMA.NAME.
func (r ObjectRef) Canonical() string {
	return strings.ToUpper(r.Database) + "." + strings.ToUpper(r.Schema) + "." + strings.ToUpper(r.Name)
}

// Key identifies the object for upserts: canonical name plus kind.
func (r ObjectRef) Key() string {
	return r.Canonical() + "#" + string(r.Kind)
}

// Equal compares two references case-insensitively, ignoring kind.
func (r ObjectRef) Equal(other ObjectRef) bool {
	return r.Canonical() == other.Canonical()
}

// Column describes one column of a table or view.
type Column struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
	Comment  string `json:"comment,omitempty"`
}

// Entry is the per-object catalog record. Only the ObjectRef is guaranteed;
// missing DDL degrades lineage but is permitted.
type Entry struct {
	ObjectRef

	Columns []Column          `json:"columns,omitempty"`
	DDL     string            `json:"ddl,omitempty"`
	LastDDL time.Time         `json:"last_ddl,omitempty"`
	Owner   string            `json:"owner,omitempty"`
	Comment string            `json:"comment,omitempty"`
	Tags    map[string]string `json:"tags,omitempty"`

	// RowCount is populated for tables only.
	RowCount int64 `json:"row_count,omitempty"`
}

// Metadata is the persisted _catalog_metadata.json sidecar.
// Invariant: LastFullRefresh <= LastBuild.
type Metadata struct {
	LastBuild       time.Time `json:"last_build"`
	LastFullRefresh time.Time `json:"last_full_refresh"`
	Databases       []string  `json:"databases"`
	TotalObjects    int       `json:"total_objects"`
	Version         string    `json:"version"`
	SchemaCount     int       `json:"schema_count"`
	TableCount      int       `json:"table_count"`
}

// BuildStatus is the outcome classification of a build.
type BuildStatus string

const (
	StatusUpToDate    BuildStatus = "up_to_date"
	StatusIncremental BuildStatus = "incremental_update"
	StatusFullRefresh BuildStatus = "full_refresh"
)

// BuildResult is returned by every successful build.
type BuildResult struct {
	Status         BuildStatus `json:"status"`
	LastBuild      time.Time   `json:"last_build"`
	Changes        int         `json:"changes"`
	ChangedObjects []string    `json:"changed_objects,omitempty"`
	Metadata       Metadata    `json:"metadata"`
	Warnings       []string    `json:"warnings,omitempty"`
}

// Options configures a build.
type Options struct {
	// OutputDir is the catalog directory.
	OutputDir string

	// Database scopes the build to one database. Empty with AccountScope
	// set harvests every visible database.
	Database     string
	AccountScope bool

	// IncludeDDL fetches DDL text for each object.
	IncludeDDL bool

	// Format selects "jsonl" (default) or "json" record files.
	Format string

	// MaxConcurrency caps simultaneous Snowflake calls (min 1).
	MaxConcurrency int

	// ForceFull skips change detection.
	ForceFull bool
}

// Summary aggregates catalog statistics for get_catalog_summary.
type Summary struct {
	Databases       int       `json:"databases"`
	Schemas         int       `json:"schemas"`
	Tables          int       `json:"tables"`
	Views           int       `json:"views"`
	Columns         int       `json:"columns"`
	Functions       int       `json:"functions"`
	Procedures      int       `json:"procedures"`
	Tasks           int       `json:"tasks"`
	DynamicTables   int       `json:"dynamic_tables"`
	LastBuild       time.Time `json:"last_build"`
	LastFullRefresh time.Time `json:"last_full_refresh"`
}
