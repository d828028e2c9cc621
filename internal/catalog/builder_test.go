package catalog

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"snowscope/internal/clock"
	"snowscope/internal/config"
	"snowscope/internal/executor"
	"snowscope/internal/snowerr"
)

// fixtureExecutor stubs the metadata queries for a one-database warehouse:
// ANALYTICS.PUBLIC with tables ORDERS and RAW_ORDERS and view REV_REPORT.
func fixtureExecutor() *executor.Fake {
	lastDDL := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	return executor.NewFake().
		// Change probe must be registered before the generic TABLES listing.
		StubRows(`LAST_DDL >`, []string{"TABLE_SCHEMA", "TABLE_NAME", "TABLE_TYPE"}, nil).
		StubRows(`ROW_COUNT.*INFORMATION_SCHEMA\.TABLES`,
			[]string{"TABLE_SCHEMA", "TABLE_NAME", "TABLE_TYPE", "ROW_COUNT", "COMMENT", "LAST_DDL"},
			[][]interface{}{
				{"PUBLIC", "ORDERS", "BASE TABLE", int64(120), "orders fact", lastDDL},
				{"PUBLIC", "RAW_ORDERS", "BASE TABLE", int64(300), "", lastDDL},
				{"PUBLIC", "REV_REPORT", "VIEW", nil, "", lastDDL},
			}).
		StubRows(`INFORMATION_SCHEMA\.SCHEMATA`,
			[]string{"SCHEMA_NAME"},
			[][]interface{}{{"PUBLIC"}}).
		StubRows(`INFORMATION_SCHEMA\.VIEWS`,
			[]string{"TABLE_SCHEMA", "TABLE_NAME", "VIEW_DEFINITION"},
			[][]interface{}{
				{"PUBLIC", "REV_REPORT", "CREATE VIEW REV_REPORT AS SELECT * FROM ORDERS"},
			}).
		StubRows(`INFORMATION_SCHEMA\.COLUMNS`,
			[]string{"TABLE_SCHEMA", "TABLE_NAME", "COLUMN_NAME", "DATA_TYPE", "IS_NULLABLE", "COMMENT"},
			[][]interface{}{
				{"PUBLIC", "ORDERS", "ID", "NUMBER", "NO", ""},
				{"PUBLIC", "ORDERS", "AMOUNT", "NUMBER", "YES", ""},
				{"PUBLIC", "RAW_ORDERS", "PAYLOAD", "VARIANT", "YES", ""},
			})
}

func newTestBuilder(ex executor.Executor, clk clock.Clock) *Builder {
	cfg := config.DefaultConfig().Catalog
	return NewBuilder(ex, executor.Session{}, cfg, WithClock(clk))
}

func buildOpts(dir string) Options {
	return Options{OutputDir: dir, Database: "ANALYTICS", MaxConcurrency: 2}
}

func TestFirstBuildIsFullRefresh(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	b := newTestBuilder(fixtureExecutor(), clk)

	res, err := b.Build(context.Background(), buildOpts(dir))
	require.NoError(t, err)

	assert.Equal(t, StatusFullRefresh, res.Status)
	assert.Equal(t, 3, res.Changes)
	assert.Equal(t, res.Metadata.LastBuild, res.Metadata.LastFullRefresh)
	assert.Contains(t, res.ChangedObjects, "ANALYTICS.PUBLIC.ORDERS")

	md, err := ReadMetadata(dir)
	require.NoError(t, err)
	require.NotNil(t, md)
	assert.Equal(t, 3, md.TotalObjects)
	assert.Equal(t, 2, md.TableCount)
	assert.Equal(t, 1, md.SchemaCount)
	assert.Equal(t, []string{"ANALYTICS"}, md.Databases)

	// Object-count invariant: metadata equals records on disk.
	st := newStore(dir, "jsonl")
	total := 0
	for _, stem := range RecordStems {
		entries, err := st.readRecords(stem)
		require.NoError(t, err)
		total += len(entries)
	}
	assert.Equal(t, md.TotalObjects, total)
}

func TestIdempotentIncrementalIsUpToDate(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	b := newTestBuilder(fixtureExecutor(), clk)

	first, err := b.Build(context.Background(), buildOpts(dir))
	require.NoError(t, err)

	clk.Advance(time.Hour)
	second, err := b.Build(context.Background(), buildOpts(dir))
	require.NoError(t, err)

	assert.Equal(t, StatusUpToDate, second.Status)
	assert.Equal(t, 0, second.Changes)
	assert.True(t, second.LastBuild.After(first.LastBuild))
	assert.Equal(t, first.Metadata.LastFullRefresh, second.Metadata.LastFullRefresh)

	// Timestamps stay monotonic and correctly ordered.
	md, err := ReadMetadata(dir)
	require.NoError(t, err)
	assert.False(t, md.LastFullRefresh.After(md.LastBuild))
}

func TestIncrementalUpsertsChangedObjects(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	_, err := newTestBuilder(fixtureExecutor(), clk).Build(context.Background(), buildOpts(dir))
	require.NoError(t, err)

	clk.Advance(time.Hour)

	// Second build observes a changed REV_REPORT.
	changed := executor.NewFake().
		StubRows(`LAST_DDL >`, []string{"TABLE_SCHEMA", "TABLE_NAME", "TABLE_TYPE"},
			[][]interface{}{{"PUBLIC", "REV_REPORT", "VIEW"}})
	changed.
		StubRows(`ROW_COUNT.*INFORMATION_SCHEMA\.TABLES`,
			[]string{"TABLE_SCHEMA", "TABLE_NAME", "TABLE_TYPE", "ROW_COUNT", "COMMENT", "LAST_DDL"},
			[][]interface{}{
				{"PUBLIC", "ORDERS", "BASE TABLE", int64(120), "", time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)},
				{"PUBLIC", "RAW_ORDERS", "BASE TABLE", int64(300), "", time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)},
				{"PUBLIC", "REV_REPORT", "VIEW", nil, "updated", time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)},
			}).
		StubRows(`INFORMATION_SCHEMA\.SCHEMATA`, []string{"SCHEMA_NAME"}, [][]interface{}{{"PUBLIC"}}).
		StubRows(`INFORMATION_SCHEMA\.VIEWS`,
			[]string{"TABLE_SCHEMA", "TABLE_NAME", "VIEW_DEFINITION"},
			[][]interface{}{{"PUBLIC", "REV_REPORT", "CREATE VIEW REV_REPORT AS SELECT * FROM ORDERS, DIM_DATE"}}).
		StubRows(`INFORMATION_SCHEMA\.COLUMNS`,
			[]string{"TABLE_SCHEMA", "TABLE_NAME", "COLUMN_NAME", "DATA_TYPE", "IS_NULLABLE", "COMMENT"}, nil)

	res, err := newTestBuilder(changed, clk).Build(context.Background(), buildOpts(dir))
	require.NoError(t, err)

	assert.Equal(t, StatusIncremental, res.Status)
	assert.Equal(t, 1, res.Changes)
	assert.Equal(t, []string{"ANALYTICS.PUBLIC.REV_REPORT"}, res.ChangedObjects)

	// The view's new definition landed; untouched tables survive.
	st := newStore(dir, "jsonl")
	views, err := st.readRecords("views")
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Contains(t, views[0].DDL, "DIM_DATE")

	tables, err := st.readRecords("tables")
	require.NoError(t, err)
	assert.Len(t, tables, 2)
}

func TestTombstoneRemovesRecord(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	_, err := newTestBuilder(fixtureExecutor(), clk).Build(context.Background(), buildOpts(dir))
	require.NoError(t, err)

	clk.Advance(time.Hour)

	dropped := executor.NewFake().
		StubRows(`LAST_DDL >`, []string{"TABLE_SCHEMA", "TABLE_NAME", "TABLE_TYPE"}, nil).
		StubRows(`DELETED IS NOT NULL`,
			[]string{"TABLE_CATALOG", "TABLE_SCHEMA", "TABLE_NAME"},
			[][]interface{}{{"ANALYTICS", "PUBLIC", "RAW_ORDERS"}}).
		StubRows(`ACCOUNT_USAGE`, []string{"TABLE_CATALOG", "TABLE_SCHEMA", "TABLE_NAME"}, nil)

	res, err := newTestBuilder(dropped, clk).Build(context.Background(), buildOpts(dir))
	require.NoError(t, err)

	assert.Equal(t, StatusIncremental, res.Status)
	assert.Contains(t, res.ChangedObjects, "ANALYTICS.PUBLIC.RAW_ORDERS")

	tables, err := newStore(dir, "jsonl").readRecords("tables")
	require.NoError(t, err)
	require.Len(t, tables, 1)
	assert.Equal(t, "ORDERS", tables[0].Name)

	md, err := ReadMetadata(dir)
	require.NoError(t, err)
	assert.Equal(t, 2, md.TotalObjects)
}

func TestAccountUsagePermissionDegrades(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	_, err := newTestBuilder(fixtureExecutor(), clk).Build(context.Background(), buildOpts(dir))
	require.NoError(t, err)

	clk.Advance(time.Hour)

	gated := executor.NewFake().
		StubRows(`LAST_DDL >`, []string{"TABLE_SCHEMA", "TABLE_NAME", "TABLE_TYPE"}, nil).
		StubErr(`ACCOUNT_USAGE`, snowerr.New(snowerr.CategoryPermission, "no IMPORTED PRIVILEGES"))

	res, err := newTestBuilder(gated, clk).Build(context.Background(), buildOpts(dir))
	require.NoError(t, err)

	assert.Equal(t, StatusUpToDate, res.Status)
	require.NotEmpty(t, res.Warnings)
	assert.Contains(t, res.Warnings[0], "ACCOUNT_USAGE")
}

func TestPrimaryProbeFailureFallsBackToFullRefresh(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	_, err := newTestBuilder(fixtureExecutor(), clk).Build(context.Background(), buildOpts(dir))
	require.NoError(t, err)

	clk.Advance(time.Hour)

	broken := executor.NewFake().
		StubErr(`LAST_DDL >`, snowerr.New(snowerr.CategoryUnknown, "probe exploded")).
		StubRows(`ROW_COUNT.*INFORMATION_SCHEMA\.TABLES`,
			[]string{"TABLE_SCHEMA", "TABLE_NAME", "TABLE_TYPE", "ROW_COUNT", "COMMENT", "LAST_DDL"},
			[][]interface{}{{"PUBLIC", "ORDERS", "BASE TABLE", int64(1), "", time.Now()}}).
		StubRows(`INFORMATION_SCHEMA\.SCHEMATA`, []string{"SCHEMA_NAME"}, [][]interface{}{{"PUBLIC"}}).
		StubRows(`INFORMATION_SCHEMA\.VIEWS`, []string{"TABLE_SCHEMA", "TABLE_NAME", "VIEW_DEFINITION"}, nil).
		StubRows(`INFORMATION_SCHEMA\.COLUMNS`, []string{"TABLE_SCHEMA", "TABLE_NAME", "COLUMN_NAME", "DATA_TYPE", "IS_NULLABLE", "COMMENT"}, nil)

	res, err := newTestBuilder(broken, clk).Build(context.Background(), buildOpts(dir))
	require.NoError(t, err)

	assert.Equal(t, StatusFullRefresh, res.Status)
	require.NotEmpty(t, res.Warnings)
	assert.Contains(t, res.Warnings[0], "change detection failed")
}

func TestForceFullSkipsChangeDetection(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	_, err := newTestBuilder(fixtureExecutor(), clk).Build(context.Background(), buildOpts(dir))
	require.NoError(t, err)

	clk.Advance(time.Minute)
	opts := buildOpts(dir)
	opts.ForceFull = true
	res, err := newTestBuilder(fixtureExecutor(), clk).Build(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, StatusFullRefresh, res.Status)
}

func TestStaleFullRefreshThresholdForcesRebuild(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	_, err := newTestBuilder(fixtureExecutor(), clk).Build(context.Background(), buildOpts(dir))
	require.NoError(t, err)

	clk.Advance(8 * 24 * time.Hour)
	res, err := newTestBuilder(fixtureExecutor(), clk).Build(context.Background(), buildOpts(dir))
	require.NoError(t, err)
	assert.Equal(t, StatusFullRefresh, res.Status)
}

func TestConcurrentBuildFailsFast(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, lockFile), []byte("12345\n"), 0644))

	clk := clock.NewFake(time.Now())
	_, err := newTestBuilder(fixtureExecutor(), clk).Build(context.Background(), buildOpts(dir))

	se := snowerr.As(err)
	require.NotNil(t, se)
	assert.Equal(t, snowerr.CategoryResource, se.Category)
	assert.Equal(t, "resource_busy", se.Data["kind"])
}

func TestLockReleasedAfterBuild(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewFake(time.Now())
	b := newTestBuilder(fixtureExecutor(), clk)

	_, err := b.Build(context.Background(), buildOpts(dir))
	require.NoError(t, err)

	_, statErr := os.Stat(filepath.Join(dir, lockFile))
	assert.True(t, os.IsNotExist(statErr))

	// A second build can acquire the lock again.
	_, err = b.Build(context.Background(), buildOpts(dir))
	require.NoError(t, err)
}

func TestCancelledBuildPreservesPriorSnapshot(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	_, err := newTestBuilder(fixtureExecutor(), clk).Build(context.Background(), buildOpts(dir))
	require.NoError(t, err)
	before, err := ReadMetadata(dir)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	clk.Advance(time.Hour)
	opts := buildOpts(dir)
	opts.ForceFull = true
	_, err = newTestBuilder(fixtureExecutor(), clk).Build(ctx, opts)
	require.Error(t, err)

	after, err := ReadMetadata(dir)
	require.NoError(t, err)
	assert.Equal(t, before.LastBuild, after.LastBuild)
}

func TestSummarize(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	_, err := newTestBuilder(fixtureExecutor(), clk).Build(context.Background(), buildOpts(dir))
	require.NoError(t, err)

	s, err := Summarize(dir)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Databases)
	assert.Equal(t, 1, s.Schemas)
	assert.Equal(t, 2, s.Tables)
	assert.Equal(t, 1, s.Views)
	assert.Equal(t, 3, s.Columns)
}

func TestSummarizeMissingCatalog(t *testing.T) {
	_, err := Summarize(t.TempDir())
	se := snowerr.As(err)
	require.NotNil(t, se)
	assert.Equal(t, snowerr.CategoryResource, se.Category)
}

func TestJSONFormatRoundTrip(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	opts := buildOpts(dir)
	opts.Format = "json"

	_, err := newTestBuilder(fixtureExecutor(), clk).Build(context.Background(), opts)
	require.NoError(t, err)

	// Files use the .json extension and parse as arrays.
	_, statErr := os.Stat(filepath.Join(dir, "tables.json"))
	require.NoError(t, statErr)

	entries, err := newStore(dir, "json").readRecords("tables")
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestIncludeDDLWritesFiles(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	opts := buildOpts(dir)
	opts.IncludeDDL = true

	_, err := newTestBuilder(fixtureExecutor(), clk).Build(context.Background(), opts)
	require.NoError(t, err)

	ddlPath := filepath.Join(dir, "ddl", "ANALYTICS", "PUBLIC", "REV_REPORT.sql")
	data, err := os.ReadFile(ddlPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "SELECT * FROM ORDERS")
}
