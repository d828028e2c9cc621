package catalog

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"snowscope/internal/executor"
	"snowscope/internal/logging"
)

// harvester runs the metadata queries for one build.
type harvester struct {
	ex      executor.Executor
	session executor.Session
}

// rowset is a column-name addressable query result.
type rowset struct {
	index map[string]int
	rows  [][]string
}

func (h *harvester) query(ctx context.Context, statement string) (*rowset, error) {
	cols, rows, err := executor.QueryStrings(ctx, h.ex, statement, executor.Options{Session: h.session})
	if err != nil {
		return nil, err
	}
	index := make(map[string]int, len(cols))
	for i, c := range cols {
		index[strings.ToUpper(c)] = i
	}
	return &rowset{index: index, rows: rows}, nil
}

func (r *rowset) get(row []string, column string) string {
	i, ok := r.index[strings.ToUpper(column)]
	if !ok || i >= len(row) {
		return ""
	}
	return row[i]
}

// quote double-quotes an identifier for interpolation into metadata queries.
func quote(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// quoteLiteral single-quotes a string literal.
func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// tsLiteral renders a timestamp for comparison against TIMESTAMP_LTZ columns.
func tsLiteral(t time.Time) string {
	return fmt.Sprintf("TO_TIMESTAMP_TZ('%s')", t.UTC().Format(time.RFC3339Nano))
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999 -0700 MST", "2006-01-02 15:04:05.999"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// listDatabases enumerates databases in scope.
func (h *harvester) listDatabases(ctx context.Context, opts Options) ([]string, error) {
	if !opts.AccountScope && opts.Database != "" {
		return []string{strings.ToUpper(opts.Database)}, nil
	}
	rs, err := h.query(ctx, "SELECT DATABASE_NAME FROM SNOWFLAKE.INFORMATION_SCHEMA.DATABASES ORDER BY DATABASE_NAME")
	if err != nil {
		return nil, err
	}
	var names []string
	for _, row := range rs.rows {
		if name := rs.get(row, "DATABASE_NAME"); name != "" {
			names = append(names, name)
		}
	}
	return names, nil
}

// listSchemas enumerates a database's schemas.
func (h *harvester) listSchemas(ctx context.Context, db string) ([]string, error) {
	stmt := fmt.Sprintf(
		"SELECT SCHEMA_NAME FROM %s.INFORMATION_SCHEMA.SCHEMATA WHERE SCHEMA_NAME <> 'INFORMATION_SCHEMA' ORDER BY SCHEMA_NAME",
		quote(db))
	rs, err := h.query(ctx, stmt)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, row := range rs.rows {
		if name := rs.get(row, "SCHEMA_NAME"); name != "" {
			names = append(names, name)
		}
	}
	return names, nil
}

// listRelations harvests tables, views, materialized views and external
// tables for one database from INFORMATION_SCHEMA.TABLES + VIEWS + COLUMNS.
func (h *harvester) listRelations(ctx context.Context, db string) ([]Entry, error) {
	span := logging.Begin(logging.CategoryCatalog, "listRelations "+db)
	defer span.End()

	stmt := fmt.Sprintf(
		"SELECT TABLE_SCHEMA, TABLE_NAME, TABLE_TYPE, ROW_COUNT, COMMENT, LAST_DDL FROM %s.INFORMATION_SCHEMA.TABLES WHERE TABLE_SCHEMA <> 'INFORMATION_SCHEMA'",
		quote(db))
	rs, err := h.query(ctx, stmt)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(rs.rows))
	for _, row := range rs.rows {
		kind := relationKind(rs.get(row, "TABLE_TYPE"))
		e := Entry{
			ObjectRef: ObjectRef{
				Database: db,
				Schema:   rs.get(row, "TABLE_SCHEMA"),
				Name:     rs.get(row, "TABLE_NAME"),
				Kind:     kind,
			},
			Comment: rs.get(row, "COMMENT"),
			LastDDL: parseTime(rs.get(row, "LAST_DDL")),
		}
		if kind == KindTable || kind == KindExternalTable {
			if n, err := strconv.ParseInt(rs.get(row, "ROW_COUNT"), 10, 64); err == nil {
				e.RowCount = n
			}
		}
		entries = append(entries, e)
	}

	if err := h.attachViewDefinitions(ctx, db, entries); err != nil {
		return nil, err
	}
	if err := h.attachColumns(ctx, db, entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func relationKind(tableType string) ObjectKind {
	switch strings.ToUpper(tableType) {
	case "VIEW":
		return KindView
	case "MATERIALIZED VIEW":
		return KindMaterializedView
	case "EXTERNAL TABLE":
		return KindExternalTable
	default:
		return KindTable
	}
}

// attachViewDefinitions copies VIEW_DEFINITION text onto view entries so
// lineage does not depend on GET_DDL grants.
func (h *harvester) attachViewDefinitions(ctx context.Context, db string, entries []Entry) error {
	stmt := fmt.Sprintf(
		"SELECT TABLE_SCHEMA, TABLE_NAME, VIEW_DEFINITION FROM %s.INFORMATION_SCHEMA.VIEWS WHERE TABLE_SCHEMA <> 'INFORMATION_SCHEMA'",
		quote(db))
	rs, err := h.query(ctx, stmt)
	if err != nil {
		return err
	}
	defs := make(map[string]string, len(rs.rows))
	for _, row := range rs.rows {
		key := strings.ToUpper(rs.get(row, "TABLE_SCHEMA") + "." + rs.get(row, "TABLE_NAME"))
		defs[key] = rs.get(row, "VIEW_DEFINITION")
	}
	for i := range entries {
		if entries[i].Kind != KindView && entries[i].Kind != KindMaterializedView {
			continue
		}
		key := strings.ToUpper(entries[i].Schema + "." + entries[i].Name)
		if def := defs[key]; def != "" && entries[i].DDL == "" {
			entries[i].DDL = def
		}
	}
	return nil
}

// attachColumns loads INFORMATION_SCHEMA.COLUMNS for the database and
// distributes them onto the matching entries in ordinal order.
func (h *harvester) attachColumns(ctx context.Context, db string, entries []Entry) error {
	stmt := fmt.Sprintf(
		"SELECT TABLE_SCHEMA, TABLE_NAME, COLUMN_NAME, DATA_TYPE, IS_NULLABLE, COMMENT FROM %s.INFORMATION_SCHEMA.COLUMNS WHERE TABLE_SCHEMA <> 'INFORMATION_SCHEMA' ORDER BY TABLE_SCHEMA, TABLE_NAME, ORDINAL_POSITION",
		quote(db))
	rs, err := h.query(ctx, stmt)
	if err != nil {
		return err
	}

	byKey := make(map[string]*Entry, len(entries))
	for i := range entries {
		key := strings.ToUpper(entries[i].Schema + "." + entries[i].Name)
		byKey[key] = &entries[i]
	}
	for _, row := range rs.rows {
		key := strings.ToUpper(rs.get(row, "TABLE_SCHEMA") + "." + rs.get(row, "TABLE_NAME"))
		e, ok := byKey[key]
		if !ok {
			continue
		}
		e.Columns = append(e.Columns, Column{
			Name:     rs.get(row, "COLUMN_NAME"),
			Type:     rs.get(row, "DATA_TYPE"),
			Nullable: strings.EqualFold(rs.get(row, "IS_NULLABLE"), "YES"),
			Comment:  rs.get(row, "COMMENT"),
		})
	}
	return nil
}

// listRoutines harvests functions and procedures for one database.
func (h *harvester) listRoutines(ctx context.Context, db string) ([]Entry, error) {
	var entries []Entry

	fstmt := fmt.Sprintf(
		"SELECT FUNCTION_SCHEMA, FUNCTION_NAME, FUNCTION_DEFINITION, COMMENT FROM %s.INFORMATION_SCHEMA.FUNCTIONS",
		quote(db))
	rs, err := h.query(ctx, fstmt)
	if err != nil {
		return nil, err
	}
	for _, row := range rs.rows {
		entries = append(entries, Entry{
			ObjectRef: ObjectRef{
				Database: db,
				Schema:   rs.get(row, "FUNCTION_SCHEMA"),
				Name:     rs.get(row, "FUNCTION_NAME"),
				Kind:     KindFunction,
			},
			DDL:     rs.get(row, "FUNCTION_DEFINITION"),
			Comment: rs.get(row, "COMMENT"),
		})
	}

	pstmt := fmt.Sprintf(
		"SELECT PROCEDURE_SCHEMA, PROCEDURE_NAME, PROCEDURE_DEFINITION, COMMENT FROM %s.INFORMATION_SCHEMA.PROCEDURES",
		quote(db))
	rs, err = h.query(ctx, pstmt)
	if err != nil {
		return nil, err
	}
	for _, row := range rs.rows {
		entries = append(entries, Entry{
			ObjectRef: ObjectRef{
				Database: db,
				Schema:   rs.get(row, "PROCEDURE_SCHEMA"),
				Name:     rs.get(row, "PROCEDURE_NAME"),
				Kind:     KindProcedure,
			},
			DDL:     rs.get(row, "PROCEDURE_DEFINITION"),
			Comment: rs.get(row, "COMMENT"),
		})
	}
	return entries, nil
}

// listShowObjects harvests kinds only exposed through SHOW commands.
func (h *harvester) listShowObjects(ctx context.Context, db string) ([]Entry, error) {
	var entries []Entry

	rs, err := h.query(ctx, "SHOW DYNAMIC TABLES IN DATABASE "+quote(db))
	if err == nil {
		for _, row := range rs.rows {
			entries = append(entries, Entry{
				ObjectRef: ObjectRef{
					Database: db,
					Schema:   rs.get(row, "SCHEMA_NAME"),
					Name:     rs.get(row, "NAME"),
					Kind:     KindDynamicTable,
				},
				DDL:     rs.get(row, "TEXT"),
				Owner:   rs.get(row, "OWNER"),
				Comment: rs.get(row, "COMMENT"),
			})
		}
	} else {
		// Older editions have no dynamic tables; treat as empty.
		logging.CatalogDebug("SHOW DYNAMIC TABLES failed for %s: %v", db, err)
	}

	rs, err = h.query(ctx, "SHOW TASKS IN DATABASE "+quote(db))
	if err == nil {
		for _, row := range rs.rows {
			entries = append(entries, Entry{
				ObjectRef: ObjectRef{
					Database: db,
					Schema:   rs.get(row, "SCHEMA_NAME"),
					Name:     rs.get(row, "NAME"),
					Kind:     KindTask,
				},
				DDL:     rs.get(row, "DEFINITION"),
				Owner:   rs.get(row, "OWNER"),
				Comment: rs.get(row, "COMMENT"),
			})
		}
	} else {
		logging.CatalogDebug("SHOW TASKS failed for %s: %v", db, err)
	}
	return entries, nil
}

// fetchDDL retrieves the full DDL text for one object via GET_DDL.
func (h *harvester) fetchDDL(ctx context.Context, ref ObjectRef) (string, error) {
	objType := ddlObjectType(ref.Kind)
	fqn := fmt.Sprintf("%s.%s.%s", quote(ref.Database), quote(ref.Schema), quote(ref.Name))
	stmt := fmt.Sprintf("SELECT GET_DDL('%s', %s)", objType, quoteLiteral(fqn))
	rs, err := h.query(ctx, stmt)
	if err != nil {
		return "", err
	}
	if len(rs.rows) == 0 || len(rs.rows[0]) == 0 {
		return "", nil
	}
	return rs.rows[0][0], nil
}

func ddlObjectType(kind ObjectKind) string {
	switch kind {
	case KindView, KindMaterializedView:
		return "VIEW"
	case KindDynamicTable:
		return "DYNAMIC_TABLE"
	case KindFunction:
		return "FUNCTION"
	case KindProcedure:
		return "PROCEDURE"
	case KindTask:
		return "TASK"
	default:
		return "TABLE"
	}
}

// changedSince runs the primary change probe: INFORMATION_SCHEMA.TABLES
// rows whose LAST_DDL advanced past the anchor.
func (h *harvester) changedSince(ctx context.Context, db string, anchor time.Time) ([]ObjectRef, error) {
	stmt := fmt.Sprintf(
		"SELECT TABLE_SCHEMA, TABLE_NAME, TABLE_TYPE FROM %s.INFORMATION_SCHEMA.TABLES WHERE TABLE_SCHEMA <> 'INFORMATION_SCHEMA' AND LAST_DDL > %s",
		quote(db), tsLiteral(anchor))
	rs, err := h.query(ctx, stmt)
	if err != nil {
		return nil, err
	}
	var refs []ObjectRef
	for _, row := range rs.rows {
		refs = append(refs, ObjectRef{
			Database: db,
			Schema:   rs.get(row, "TABLE_SCHEMA"),
			Name:     rs.get(row, "TABLE_NAME"),
			Kind:     relationKind(rs.get(row, "TABLE_TYPE")),
		})
	}
	return refs, nil
}

// lateArrivals runs the ACCOUNT_USAGE safety-margin probe: rows whose
// LAST_ALTERED falls inside (anchor - margin, anchor], excluding tombstones.
func (h *harvester) lateArrivals(ctx context.Context, databases []string, anchor time.Time, margin time.Duration) ([]ObjectRef, error) {
	stmt := fmt.Sprintf(
		"SELECT TABLE_CATALOG, TABLE_SCHEMA, TABLE_NAME FROM SNOWFLAKE.ACCOUNT_USAGE.TABLES WHERE DELETED IS NULL AND LAST_ALTERED > %s AND LAST_ALTERED <= %s AND TABLE_CATALOG IN (%s)",
		tsLiteral(anchor.Add(-margin)), tsLiteral(anchor), literalList(databases))
	rs, err := h.query(ctx, stmt)
	if err != nil {
		return nil, err
	}
	var refs []ObjectRef
	for _, row := range rs.rows {
		refs = append(refs, ObjectRef{
			Database: rs.get(row, "TABLE_CATALOG"),
			Schema:   rs.get(row, "TABLE_SCHEMA"),
			Name:     rs.get(row, "TABLE_NAME"),
			Kind:     KindTable,
		})
	}
	return refs, nil
}

// tombstonesSince finds objects deleted after the anchor. A rename shows up
// here as a tombstone for the old name plus a LAST_DDL advance for the new.
func (h *harvester) tombstonesSince(ctx context.Context, databases []string, anchor time.Time) ([]ObjectRef, error) {
	stmt := fmt.Sprintf(
		"SELECT TABLE_CATALOG, TABLE_SCHEMA, TABLE_NAME FROM SNOWFLAKE.ACCOUNT_USAGE.TABLES WHERE DELETED IS NOT NULL AND DELETED > %s AND TABLE_CATALOG IN (%s)",
		tsLiteral(anchor), literalList(databases))
	rs, err := h.query(ctx, stmt)
	if err != nil {
		return nil, err
	}
	var refs []ObjectRef
	for _, row := range rs.rows {
		refs = append(refs, ObjectRef{
			Database: rs.get(row, "TABLE_CATALOG"),
			Schema:   rs.get(row, "TABLE_SCHEMA"),
			Name:     rs.get(row, "TABLE_NAME"),
			Kind:     KindTable,
		})
	}
	return refs, nil
}

func literalList(values []string) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = quoteLiteral(strings.ToUpper(v))
	}
	return strings.Join(parts, ", ")
}
