package lineage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"snowscope/internal/catalog"
	"snowscope/internal/clock"
	"snowscope/internal/config"
	"snowscope/internal/executor"
	"snowscope/internal/snowerr"
	"snowscope/internal/sqlparse"
)

func ref(db, schema, name string, kind catalog.ObjectKind) catalog.ObjectRef {
	return catalog.ObjectRef{Database: db, Schema: schema, Name: name, Kind: kind}
}

// fixtureEntries models the REV_REPORT <- ORDERS <- RAW_ORDERS chain.
func fixtureEntries() []catalog.Entry {
	return []catalog.Entry{
		{ObjectRef: ref("ANALYTICS", "PUBLIC", "RAW_ORDERS", catalog.KindTable)},
		{
			ObjectRef: ref("ANALYTICS", "PUBLIC", "ORDERS", catalog.KindView),
			DDL:       "CREATE VIEW ORDERS AS SELECT * FROM RAW_ORDERS WHERE amount > 0",
		},
		{
			ObjectRef: ref("ANALYTICS", "PUBLIC", "REV_REPORT", catalog.KindView),
			DDL:       "CREATE VIEW REV_REPORT AS SELECT sum(amount) FROM ORDERS",
		},
	}
}

func buildFixtureGraph(t *testing.T) *Graph {
	t.Helper()
	return BuildGraph(fixtureEntries(), time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), sqlparse.New())
}

func TestBuildGraphEdges(t *testing.T) {
	g := buildFixtureGraph(t)

	assert.Equal(t, 3, g.NodeCount())
	assert.Equal(t, 2, g.EdgeCount())
	assert.Equal(t, 0, g.ParseFailedCount)

	edges := g.Edges()
	require.Len(t, edges, 2)
	assert.Equal(t, "ANALYTICS.PUBLIC.ORDERS", edges[0].Src)
	assert.Equal(t, "ANALYTICS.PUBLIC.RAW_ORDERS", edges[0].Dst)
	assert.Equal(t, EdgeReadsFrom, edges[0].Kind)
	assert.Equal(t, 1.0, edges[0].Confidence)
}

func TestUpstreamTraversalDepthOrder(t *testing.T) {
	g := buildFixtureGraph(t)

	sub := g.Traverse("ANALYTICS.PUBLIC.REV_REPORT", DirectionUpstream, 2)
	require.Len(t, sub.NodesInDepthOrder, 3)
	assert.Equal(t, "ANALYTICS.PUBLIC.REV_REPORT", sub.NodesInDepthOrder[0].Node.Canonical())
	assert.Equal(t, 0, sub.NodesInDepthOrder[0].Depth)
	assert.Equal(t, "ANALYTICS.PUBLIC.ORDERS", sub.NodesInDepthOrder[1].Node.Canonical())
	assert.Equal(t, 1, sub.NodesInDepthOrder[1].Depth)
	assert.Equal(t, "ANALYTICS.PUBLIC.RAW_ORDERS", sub.NodesInDepthOrder[2].Node.Canonical())
	assert.Equal(t, 2, sub.NodesInDepthOrder[2].Depth)
}

func TestDepthBoundsTraversal(t *testing.T) {
	g := buildFixtureGraph(t)
	sub := g.Traverse("ANALYTICS.PUBLIC.REV_REPORT", DirectionUpstream, 1)
	assert.Len(t, sub.NodesInDepthOrder, 2)
}

func TestDownstreamTraversal(t *testing.T) {
	g := buildFixtureGraph(t)
	sub := g.Traverse("ANALYTICS.PUBLIC.RAW_ORDERS", DirectionDownstream, 5)
	require.Len(t, sub.NodesInDepthOrder, 3)
	assert.Equal(t, "ANALYTICS.PUBLIC.ORDERS", sub.NodesInDepthOrder[1].Node.Canonical())
	assert.Equal(t, "ANALYTICS.PUBLIC.REV_REPORT", sub.NodesInDepthOrder[2].Node.Canonical())
}

func TestCycleSafety(t *testing.T) {
	entries := []catalog.Entry{
		{
			ObjectRef: ref("DB", "S", "A", catalog.KindView),
			DDL:       "CREATE VIEW A AS SELECT * FROM B",
		},
		{
			ObjectRef: ref("DB", "S", "B", catalog.KindView),
			DDL:       "CREATE VIEW B AS SELECT * FROM A",
		},
	}
	g := BuildGraph(entries, time.Now(), sqlparse.New())

	sub := g.Traverse("DB.S.A", DirectionBoth, 10)
	// Reachable set is {A, B}; the cycle never yields more nodes.
	assert.Len(t, sub.NodesInDepthOrder, 2)
}

func TestSelfLoopRecordedNotTraversed(t *testing.T) {
	entries := []catalog.Entry{
		{
			ObjectRef: ref("DB", "S", "A", catalog.KindView),
			DDL:       "CREATE VIEW A AS SELECT * FROM A",
		},
	}
	g := BuildGraph(entries, time.Now(), sqlparse.New())
	assert.Equal(t, 1, g.EdgeCount())

	sub := g.Traverse("DB.S.A", DirectionUpstream, 5)
	assert.Len(t, sub.NodesInDepthOrder, 1)
}

func TestExternalReferenceRetained(t *testing.T) {
	entries := []catalog.Entry{
		{
			ObjectRef: ref("DB", "S", "V", catalog.KindView),
			DDL:       "CREATE VIEW V AS SELECT * FROM OTHERDB.RAW.EVENTS",
		},
	}
	g := BuildGraph(entries, time.Now(), sqlparse.New())

	node, ok := g.Node("OTHERDB.RAW.EVENTS")
	require.True(t, ok)
	assert.True(t, node.External)

	sub := g.Traverse("DB.S.V", DirectionUpstream, 1)
	require.Len(t, sub.NodesInDepthOrder, 2)
	assert.True(t, sub.NodesInDepthOrder[1].Node.External)
}

func TestAmbiguousReferenceSplitsConfidence(t *testing.T) {
	entries := []catalog.Entry{
		{ObjectRef: ref("DB", "S1", "T", catalog.KindTable)},
		{ObjectRef: ref("DB", "S2", "T", catalog.KindTable)},
		{
			ObjectRef: ref("DB", "S3", "V", catalog.KindView),
			DDL:       "CREATE VIEW V AS SELECT * FROM T",
		},
	}
	g := BuildGraph(entries, time.Now(), sqlparse.New())

	edges := g.Edges()
	require.Len(t, edges, 2)
	assert.Equal(t, 0.5, edges[0].Confidence)
	assert.Equal(t, 0.5, edges[1].Confidence)
}

func TestSameSchemaPreferred(t *testing.T) {
	entries := []catalog.Entry{
		{ObjectRef: ref("DB", "S1", "T", catalog.KindTable)},
		{ObjectRef: ref("DB", "S2", "T", catalog.KindTable)},
		{
			ObjectRef: ref("DB", "S1", "V", catalog.KindView),
			DDL:       "CREATE VIEW V AS SELECT * FROM T",
		},
	}
	g := BuildGraph(entries, time.Now(), sqlparse.New())

	edges := g.Edges()
	require.Len(t, edges, 1)
	assert.Equal(t, "DB.S1.T", edges[0].Dst)
	assert.Equal(t, 1.0, edges[0].Confidence)
}

func TestCrossDatabaseResolution(t *testing.T) {
	entries := []catalog.Entry{
		{ObjectRef: ref("RAW", "EVENTS", "CLICKS", catalog.KindTable)},
		{
			ObjectRef: ref("ANALYTICS", "PUBLIC", "V", catalog.KindView),
			DDL:       "CREATE VIEW V AS SELECT * FROM RAW.EVENTS.CLICKS",
		},
	}
	g := BuildGraph(entries, time.Now(), sqlparse.New())
	edges := g.Edges()
	require.Len(t, edges, 1)
	assert.Equal(t, "RAW.EVENTS.CLICKS", edges[0].Dst)

	node, _ := g.Node("RAW.EVENTS.CLICKS")
	assert.False(t, node.External)
}

func TestParseFailureMarksNodeAndContinues(t *testing.T) {
	entries := []catalog.Entry{
		{ObjectRef: ref("DB", "S", "GOOD", catalog.KindView), DDL: "CREATE VIEW GOOD AS SELECT * FROM T"},
		{ObjectRef: ref("DB", "S", "BAD", catalog.KindView), DDL: "   "},
		{ObjectRef: ref("DB", "S", "T", catalog.KindTable)},
	}
	g := BuildGraph(entries, time.Now(), sqlparse.New())

	assert.Equal(t, 1, g.ParseFailedCount)
	bad, _ := g.Node("DB.S.BAD")
	assert.True(t, bad.ParseFailed)
	// GOOD still produced its edge.
	assert.Equal(t, 1, g.EdgeCount())
}

func TestIsomorphicRebuild(t *testing.T) {
	ts := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	g1 := BuildGraph(fixtureEntries(), ts, sqlparse.New())
	g2 := BuildGraph(fixtureEntries(), ts, sqlparse.New())

	assert.Equal(t, g1.NodeCount(), g2.NodeCount())
	assert.Equal(t, g1.Edges(), g2.Edges())
}

// buildCatalogDir produces a real catalog directory via the builder fixtures.
func buildCatalogDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	lastDDL := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	fake := executor.NewFake().
		StubRows(`LAST_DDL >`, []string{"TABLE_SCHEMA", "TABLE_NAME", "TABLE_TYPE"}, nil).
		StubRows(`ROW_COUNT.*INFORMATION_SCHEMA\.TABLES`,
			[]string{"TABLE_SCHEMA", "TABLE_NAME", "TABLE_TYPE", "ROW_COUNT", "COMMENT", "LAST_DDL"},
			[][]interface{}{
				{"PUBLIC", "RAW_ORDERS", "BASE TABLE", int64(10), "", lastDDL},
				{"PUBLIC", "ORDERS", "VIEW", nil, "", lastDDL},
				{"PUBLIC", "REV_REPORT", "VIEW", nil, "", lastDDL},
			}).
		StubRows(`INFORMATION_SCHEMA\.SCHEMATA`, []string{"SCHEMA_NAME"}, [][]interface{}{{"PUBLIC"}}).
		StubRows(`INFORMATION_SCHEMA\.VIEWS`,
			[]string{"TABLE_SCHEMA", "TABLE_NAME", "VIEW_DEFINITION"},
			[][]interface{}{
				{"PUBLIC", "ORDERS", "CREATE VIEW ORDERS AS SELECT * FROM RAW_ORDERS"},
				{"PUBLIC", "REV_REPORT", "CREATE VIEW REV_REPORT AS SELECT * FROM ORDERS"},
			}).
		StubRows(`INFORMATION_SCHEMA\.COLUMNS`,
			[]string{"TABLE_SCHEMA", "TABLE_NAME", "COLUMN_NAME", "DATA_TYPE", "IS_NULLABLE", "COMMENT"}, nil)

	b := catalog.NewBuilder(fake, executor.Session{}, config.DefaultConfig().Catalog,
		catalog.WithClock(clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))))
	_, err := b.Build(context.Background(), catalog.Options{OutputDir: dir, Database: "ANALYTICS"})
	require.NoError(t, err)
	return dir
}

func TestEngineQueryUpstreamScenario(t *testing.T) {
	dir := buildCatalogDir(t)
	e := NewEngine(sqlparse.New())
	defer e.Close()

	res, err := e.Query(QueryRequest{
		CatalogDir: dir,
		ObjectName: "REV_REPORT",
		Direction:  DirectionUpstream,
		Depth:      2,
	})
	require.NoError(t, err)

	var names []string
	for _, tn := range res.Subgraph.NodesInDepthOrder {
		names = append(names, tn.Node.Ref.Name)
	}
	assert.Equal(t, []string{"REV_REPORT", "ORDERS", "RAW_ORDERS"}, names)
	assert.NotEmpty(t, res.Rendered)
}

func TestEngineDepthBounds(t *testing.T) {
	dir := buildCatalogDir(t)
	e := NewEngine(sqlparse.New())
	defer e.Close()

	for _, bad := range []int{0, 11} {
		_, err := e.Query(QueryRequest{CatalogDir: dir, ObjectName: "ORDERS", Direction: DirectionUpstream, Depth: bad})
		se := snowerr.As(err)
		require.NotNil(t, se, "depth %d", bad)
		assert.Equal(t, snowerr.CategoryInvalidArgs, se.Category)
	}

	_, err := e.Query(QueryRequest{CatalogDir: dir, ObjectName: "ORDERS", Direction: DirectionUpstream, Depth: 10})
	assert.NoError(t, err)
}

func TestEngineUnknownObjectSuggestsCandidates(t *testing.T) {
	dir := buildCatalogDir(t)
	e := NewEngine(sqlparse.New())
	defer e.Close()

	_, err := e.Query(QueryRequest{CatalogDir: dir, ObjectName: "REV_REPROT", Direction: DirectionUpstream, Depth: 2})
	se := snowerr.As(err)
	require.NotNil(t, se)
	assert.Equal(t, snowerr.CategoryNotFound, se.Category)
	candidates, ok := se.Data["candidates"].([]string)
	require.True(t, ok)
	assert.Contains(t, candidates[0], "REV_REPORT")
}

func TestEngineMissingCatalog(t *testing.T) {
	e := NewEngine(sqlparse.New())
	defer e.Close()

	_, err := e.Query(QueryRequest{CatalogDir: t.TempDir(), ObjectName: "X", Direction: DirectionUpstream, Depth: 2})
	se := snowerr.As(err)
	require.NotNil(t, se)
	assert.Equal(t, snowerr.CategoryResource, se.Category)
}

func TestEngineCachesGraphPerBuild(t *testing.T) {
	dir := buildCatalogDir(t)
	e := NewEngine(sqlparse.New())
	defer e.Close()

	g1, err := e.Graph(dir)
	require.NoError(t, err)
	g2, err := e.Graph(dir)
	require.NoError(t, err)
	assert.Same(t, g1, g2)

	// Invalidate drops the cached graph; the rebuilt graph carries the
	// catalog's current last_build.
	md, err := catalog.ReadMetadata(dir)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	e.Invalidate(dir)
	g3, err := e.Graph(dir)
	require.NoError(t, err)
	assert.Equal(t, md.LastBuild.UTC(), g3.CatalogLastBuild.UTC())
}

func TestStoreRoundTrip(t *testing.T) {
	store, err := OpenStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	ts := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	g := BuildGraph(fixtureEntries(), ts, sqlparse.New())
	require.NoError(t, store.Save("/cat", g))

	loaded, err := store.Load("/cat", ts)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, g.NodeCount(), loaded.NodeCount())
	assert.Equal(t, g.Edges(), loaded.Edges())

	// A different last_build misses.
	miss, err := store.Load("/cat", ts.Add(time.Hour))
	require.NoError(t, err)
	assert.Nil(t, miss)
}

func TestDependencyGraphDOT(t *testing.T) {
	dir := buildCatalogDir(t)
	e := NewEngine(sqlparse.New())
	defer e.Close()

	res, err := e.DependencyGraph(DependencyGraphRequest{CatalogDir: dir, Format: "dot"})
	require.NoError(t, err)
	assert.Contains(t, res.DOT, "digraph lineage")
	assert.Contains(t, res.DOT, `"ANALYTICS.PUBLIC.ORDERS" -> "ANALYTICS.PUBLIC.RAW_ORDERS"`)
	assert.Equal(t, 3, res.NodeCount)
	assert.Equal(t, 2, res.EdgeCount)
}

func TestDependencyGraphJSONScoped(t *testing.T) {
	dir := buildCatalogDir(t)
	e := NewEngine(sqlparse.New())
	defer e.Close()

	res, err := e.DependencyGraph(DependencyGraphRequest{
		CatalogDir: dir,
		Database:   "ANALYTICS",
		Schema:     "PUBLIC",
		Format:     "json",
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.NodeCount)
	assert.Len(t, res.Edges, 2)
}
