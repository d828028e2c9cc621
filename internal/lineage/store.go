package lineage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	// Pure-Go sqlite driver, registered as "sqlite".
	_ "modernc.org/sqlite"

	"snowscope/internal/catalog"
	"snowscope/internal/logging"
)

// Store persists lineage graphs in a sqlite database under LINEAGE_DIR so a
// server restart does not re-parse an unchanged catalog.
type Store struct {
	db *sql.DB
}

// OpenStore opens (creating if needed) the edge cache in dir.
func OpenStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create lineage dir %s: %w", dir, err)
	}
	path := filepath.Join(dir, "lineage.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open lineage cache %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	logging.Lineage("edge cache opened at %s", path)
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS lineage_nodes (
	catalog_dir TEXT NOT NULL,
	last_build  TEXT NOT NULL,
	canonical   TEXT NOT NULL,
	database_   TEXT NOT NULL,
	schema_     TEXT NOT NULL,
	name        TEXT NOT NULL,
	kind        TEXT NOT NULL,
	external    INTEGER NOT NULL DEFAULT 0,
	parse_failed INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (catalog_dir, canonical)
);
CREATE TABLE IF NOT EXISTS lineage_edges (
	catalog_dir TEXT NOT NULL,
	last_build  TEXT NOT NULL,
	src         TEXT NOT NULL,
	dst         TEXT NOT NULL,
	kind        TEXT NOT NULL,
	confidence  REAL NOT NULL,
	PRIMARY KEY (catalog_dir, src, dst, kind)
);
CREATE INDEX IF NOT EXISTS idx_edges_dst ON lineage_edges (catalog_dir, dst);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to migrate lineage cache: %w", err)
	}
	return nil
}

// Close releases the database.
func (s *Store) Close() error { return s.db.Close() }

// Save replaces the cached graph for a catalog directory.
func (s *Store) Save(catalogDir string, g *Graph) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM lineage_nodes WHERE catalog_dir = ?`, catalogDir); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM lineage_edges WHERE catalog_dir = ?`, catalogDir); err != nil {
		return err
	}

	build := g.CatalogLastBuild.UTC().Format(time.RFC3339Nano)
	nodeStmt, err := tx.Prepare(`INSERT OR REPLACE INTO lineage_nodes
		(catalog_dir, last_build, canonical, database_, schema_, name, kind, external, parse_failed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer nodeStmt.Close()
	for _, n := range g.Nodes() {
		_, err := nodeStmt.Exec(catalogDir, build, n.Canonical(),
			n.Ref.Database, n.Ref.Schema, n.Ref.Name, string(n.Ref.Kind),
			boolToInt(n.External), boolToInt(n.ParseFailed))
		if err != nil {
			return err
		}
	}

	edgeStmt, err := tx.Prepare(`INSERT OR REPLACE INTO lineage_edges
		(catalog_dir, last_build, src, dst, kind, confidence)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer edgeStmt.Close()
	for _, e := range g.Edges() {
		if _, err := edgeStmt.Exec(catalogDir, build, e.Src, e.Dst, string(e.Kind), e.Confidence); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	logging.LineageDebug("edge cache saved for %s (%d nodes, %d edges)", catalogDir, g.NodeCount(), g.EdgeCount())
	return nil
}

// Load restores the cached graph for a catalog directory if its recorded
// last_build matches. Returns (nil, nil) on a miss.
func (s *Store) Load(catalogDir string, lastBuild time.Time) (*Graph, error) {
	build := lastBuild.UTC().Format(time.RFC3339Nano)

	rows, err := s.db.Query(`SELECT canonical, database_, schema_, name, kind, external, parse_failed, last_build
		FROM lineage_nodes WHERE catalog_dir = ?`, catalogDir)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	g := newGraph(lastBuild)
	found := false
	for rows.Next() {
		var canonical, db, schema, name, kind, recordedBuild string
		var external, parseFailed int
		if err := rows.Scan(&canonical, &db, &schema, &name, &kind, &external, &parseFailed, &recordedBuild); err != nil {
			return nil, err
		}
		if recordedBuild != build {
			// Stale cache: the catalog moved since this snapshot.
			return nil, nil
		}
		found = true
		node := g.addNode(catalog.ObjectRef{
			Database: db, Schema: schema, Name: name, Kind: catalog.ObjectKind(kind),
		}, external != 0)
		if parseFailed != 0 {
			node.ParseFailed = true
			g.ParseFailedCount++
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}

	edgeRows, err := s.db.Query(`SELECT src, dst, kind, confidence
		FROM lineage_edges WHERE catalog_dir = ?`, catalogDir)
	if err != nil {
		return nil, err
	}
	defer edgeRows.Close()
	for edgeRows.Next() {
		var src, dst, kind string
		var confidence float64
		if err := edgeRows.Scan(&src, &dst, &kind, &confidence); err != nil {
			return nil, err
		}
		g.addEdge(strings.ToUpper(src), strings.ToUpper(dst), EdgeKind(kind), confidence)
	}
	return g, edgeRows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
