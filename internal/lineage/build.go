package lineage

import (
	"strings"
	"time"

	"snowscope/internal/catalog"
	"snowscope/internal/logging"
	"snowscope/internal/sqlparse"
)

// BuildGraph constructs a lineage graph from catalog entries. Objects whose
// SQL fails to parse are marked parse_failed and skipped; construction never
// aborts on a single object.
func BuildGraph(entries []catalog.Entry, lastBuild time.Time, parser sqlparse.Parser) *Graph {
	span := logging.Begin(logging.CategoryLineage, "BuildGraph")
	defer span.EndInfo()

	g := newGraph(lastBuild)
	resolver := newResolver(entries)

	// Every catalog object is a node, SQL or not.
	for _, e := range entries {
		g.addNode(e.ObjectRef, false)
	}

	for _, e := range entries {
		if !e.Kind.HasSQL() || e.DDL == "" {
			continue
		}
		result, err := parser.Parse(e.DDL)
		if err != nil || result == nil {
			g.nodes[e.Canonical()].ParseFailed = true
			g.ParseFailedCount++
			logging.LineageWarn("parse failed for %s: %v", e.Canonical(), err)
			continue
		}

		refs := referencedObjects(result, parser, e.DDL)
		for _, ref := range refs {
			candidates := resolver.resolve(ref, e.ObjectRef)
			if len(candidates) == 0 {
				// Unresolvable references stay in the graph, flagged external.
				ext := externalRef(ref, e.ObjectRef)
				if ext.Canonical() == e.Canonical() {
					continue
				}
				g.addNode(ext, true)
				g.addEdge(e.Canonical(), ext.Canonical(), EdgeReadsFrom, 1.0)
				continue
			}
			confidence := 1.0 / float64(len(candidates))
			for _, c := range candidates {
				g.addEdge(e.Canonical(), c.Canonical(), EdgeReadsFrom, confidence)
			}
		}
	}

	logging.Lineage("graph built: %d nodes, %d edges, %d parse failures",
		g.NodeCount(), g.EdgeCount(), g.ParseFailedCount)
	return g
}

// referencedObjects extracts references from a parsed definition. View DDL
// wraps the SELECT in CREATE VIEW ... AS; when the top-level parse yields no
// references, retry on the text after AS.
func referencedObjects(result *sqlparse.Result, parser sqlparse.Parser, ddl string) []sqlparse.ObjectName {
	if len(result.Referenced) > 0 {
		return result.Referenced
	}
	idx := findSelectStart(ddl)
	if idx < 0 {
		return nil
	}
	inner, err := parser.Parse(ddl[idx:])
	if err != nil || inner == nil {
		return nil
	}
	return inner.Referenced
}

// findSelectStart locates the defining SELECT/WITH inside a CREATE statement.
func findSelectStart(ddl string) int {
	upper := strings.ToUpper(ddl)
	if !strings.HasPrefix(strings.TrimSpace(upper), "CREATE") {
		return -1
	}
	for _, kw := range []string{" AS SELECT", " AS WITH", "\nAS SELECT", "\nAS WITH", " AS\nSELECT", " AS\nWITH", " AS (SELECT"} {
		if idx := strings.Index(upper, kw); idx >= 0 {
			return idx + 3 // keep the keyword, drop " AS"
		}
	}
	return -1
}

// resolver resolves possibly-partial references against the catalog.
type resolver struct {
	// byName maps NAME -> refs, bySchemaName maps SCHEMA.NAME -> refs,
	// byFull maps DB.SCHEMA.NAME -> refs.
	byName       map[string][]catalog.ObjectRef
	bySchemaName map[string][]catalog.ObjectRef
	byFull       map[string][]catalog.ObjectRef
}

func newResolver(entries []catalog.Entry) *resolver {
	r := &resolver{
		byName:       make(map[string][]catalog.ObjectRef),
		bySchemaName: make(map[string][]catalog.ObjectRef),
		byFull:       make(map[string][]catalog.ObjectRef),
	}
	for _, e := range entries {
		name := strings.ToUpper(e.Name)
		schemaName := strings.ToUpper(e.Schema) + "." + name
		full := e.Canonical()
		r.byName[name] = append(r.byName[name], e.ObjectRef)
		r.bySchemaName[schemaName] = append(r.bySchemaName[schemaName], e.ObjectRef)
		r.byFull[full] = append(r.byFull[full], e.ObjectRef)
	}
	return r
}

// resolve applies the resolution order: exact canonical match; default the
// referrer's database; prefer same-schema; otherwise return every candidate
// (the caller splits confidence).
func (r *resolver) resolve(ref sqlparse.ObjectName, from catalog.ObjectRef) []catalog.ObjectRef {
	name := strings.ToUpper(ref.Name)

	// Fully qualified: exact match only.
	if ref.Database != "" && ref.Schema != "" {
		full := strings.ToUpper(ref.Database) + "." + strings.ToUpper(ref.Schema) + "." + name
		return dedupeRefs(r.byFull[full])
	}

	// schema.name: default to the referrer's database first.
	if ref.Schema != "" {
		full := strings.ToUpper(from.Database) + "." + strings.ToUpper(ref.Schema) + "." + name
		if refs := r.byFull[full]; len(refs) > 0 {
			return dedupeRefs(refs)
		}
		return dedupeRefs(r.bySchemaName[strings.ToUpper(ref.Schema)+"."+name])
	}

	// Bare name: same schema wins, then same database, then anything.
	sameSchema := strings.ToUpper(from.Database) + "." + strings.ToUpper(from.Schema) + "." + name
	if refs := r.byFull[sameSchema]; len(refs) > 0 {
		return dedupeRefs(refs)
	}
	var sameDB []catalog.ObjectRef
	for _, c := range r.byName[name] {
		if strings.EqualFold(c.Database, from.Database) {
			sameDB = append(sameDB, c)
		}
	}
	if len(sameDB) > 0 {
		return dedupeRefs(sameDB)
	}
	return dedupeRefs(r.byName[name])
}

// dedupeRefs collapses kind-variants of the same canonical name.
func dedupeRefs(refs []catalog.ObjectRef) []catalog.ObjectRef {
	seen := make(map[string]bool, len(refs))
	var out []catalog.ObjectRef
	for _, ref := range refs {
		key := ref.Canonical()
		if !seen[key] {
			seen[key] = true
			out = append(out, ref)
		}
	}
	return out
}

// externalRef shapes an unresolved reference into a node, defaulting missing
// qualifiers from the referring object.
func externalRef(ref sqlparse.ObjectName, from catalog.ObjectRef) catalog.ObjectRef {
	db := ref.Database
	if db == "" {
		db = from.Database
	}
	schema := ref.Schema
	if schema == "" {
		schema = from.Schema
	}
	return catalog.ObjectRef{
		Database: strings.ToUpper(db),
		Schema:   strings.ToUpper(schema),
		Name:     strings.ToUpper(ref.Name),
		Kind:     catalog.KindTable,
	}
}
