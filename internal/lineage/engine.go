package lineage

import (
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"snowscope/internal/catalog"
	"snowscope/internal/logging"
	"snowscope/internal/snowerr"
	"snowscope/internal/sqlparse"
)

// Engine owns graph construction, caching and queries.
type Engine struct {
	parser sqlparse.Parser
	store  *Store // optional on-disk edge cache

	mu     sync.RWMutex
	graphs map[string]*Graph // catalog dir -> cached graph

	watcher   *fsnotify.Watcher
	watched   map[string]bool
	watcherWG sync.WaitGroup
	closed    chan struct{}
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithStore attaches an on-disk edge cache.
func WithStore(store *Store) EngineOption {
	return func(e *Engine) { e.store = store }
}

// NewEngine creates an Engine. The fsnotify watcher invalidates cached
// graphs when another process rewrites a catalog's metadata sidecar.
func NewEngine(parser sqlparse.Parser, opts ...EngineOption) *Engine {
	e := &Engine{
		parser:  parser,
		graphs:  make(map[string]*Graph),
		watched: make(map[string]bool),
		closed:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logging.LineageWarn("fsnotify unavailable, relying on metadata polling: %v", err)
		return e
	}
	e.watcher = watcher
	e.watcherWG.Add(1)
	go e.watchLoop()
	return e
}

// Close stops the watcher and the store.
func (e *Engine) Close() error {
	close(e.closed)
	if e.watcher != nil {
		e.watcher.Close()
		e.watcherWG.Wait()
	}
	if e.store != nil {
		return e.store.Close()
	}
	return nil
}

func (e *Engine) watchLoop() {
	defer e.watcherWG.Done()
	for {
		select {
		case <-e.closed:
			return
		case event, ok := <-e.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, catalog.MetadataFile) {
				continue
			}
			dir := strings.TrimSuffix(strings.TrimSuffix(event.Name, catalog.MetadataFile), "/")
			e.mu.Lock()
			if _, ok := e.graphs[dir]; ok {
				delete(e.graphs, dir)
				logging.Lineage("catalog %s changed on disk, graph invalidated", dir)
				logging.Emit(logging.AuditEvent{
					EventType: logging.AuditGraphInvalidated,
					Category:  string(logging.CategoryLineage),
					Target:    dir,
					Success:   true,
				})
			}
			e.mu.Unlock()
		case err, ok := <-e.watcher.Errors:
			if !ok {
				return
			}
			logging.LineageWarn("watcher error: %v", err)
		}
	}
}

// Graph returns the lineage graph for a catalog directory, building it on
// first use and whenever the catalog's last_build advances. Concurrent
// queries keep whatever graph reference they already hold.
func (e *Engine) Graph(catalogDir string) (*Graph, error) {
	md, err := catalog.ReadMetadata(catalogDir)
	if err != nil {
		return nil, snowerr.Wrap(snowerr.CategoryResource, err, "catalog metadata unreadable in %s", catalogDir)
	}
	if md == nil {
		return nil, snowerr.New(snowerr.CategoryResource, "no catalog found in %s", catalogDir).
			WithData("missing_dependencies", []string{"catalog"}).
			WithSuggestions("Run build_catalog first")
	}

	e.mu.RLock()
	cached, ok := e.graphs[catalogDir]
	e.mu.RUnlock()
	if ok && cached.CatalogLastBuild.Equal(md.LastBuild) {
		return cached, nil
	}

	// Try the on-disk edge cache before re-parsing the whole catalog.
	if e.store != nil {
		if g, err := e.store.Load(catalogDir, md.LastBuild); err == nil && g != nil {
			e.cache(catalogDir, g)
			logging.Lineage("graph for %s restored from edge cache", catalogDir)
			return g, nil
		}
	}

	entries, md, err := catalog.LoadEntries(catalogDir)
	if err != nil {
		return nil, err
	}
	g := BuildGraph(entries, md.LastBuild, e.parser)

	if e.store != nil {
		if err := e.store.Save(catalogDir, g); err != nil {
			logging.LineageWarn("failed to persist edge cache: %v", err)
		}
	}
	e.cache(catalogDir, g)
	logging.Emit(logging.AuditEvent{
		EventType: logging.AuditGraphBuilt,
		Category:  string(logging.CategoryLineage),
		Target:    catalogDir,
		Success:   true,
	})
	return g, nil
}

func (e *Engine) cache(dir string, g *Graph) {
	e.mu.Lock()
	e.graphs[dir] = g
	e.mu.Unlock()

	if e.watcher != nil {
		e.mu.Lock()
		if !e.watched[dir] {
			if err := e.watcher.Add(dir); err == nil {
				e.watched[dir] = true
			}
		}
		e.mu.Unlock()
	}
}

// Invalidate drops the cached graph for a directory (all when dir is "").
func (e *Engine) Invalidate(dir string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if dir == "" {
		e.graphs = make(map[string]*Graph)
		return
	}
	delete(e.graphs, dir)
}

// QueryRequest parameterizes query_lineage.
type QueryRequest struct {
	CatalogDir string
	ObjectName string
	Direction  Direction
	Depth      int
	Format     string // "text" or "json"
}

// QueryResult is the answer to a lineage query.
type QueryResult struct {
	Object           string    `json:"object"`
	Direction        Direction `json:"direction"`
	Depth            int       `json:"depth"`
	Subgraph         *Subgraph `json:"subgraph"`
	ParseFailedCount int       `json:"parse_failed_count,omitempty"`
	Rendered         string    `json:"rendered,omitempty"`
}

// Query resolves the object name, traverses and renders.
func (e *Engine) Query(req QueryRequest) (*QueryResult, error) {
	if req.Depth < 1 || req.Depth > 10 {
		return nil, snowerr.New(snowerr.CategoryInvalidArgs,
			"depth must be between 1 and 10, got %d", req.Depth).
			WithData("path", "depth")
	}
	switch req.Direction {
	case DirectionUpstream, DirectionDownstream, DirectionBoth:
	case "":
		req.Direction = DirectionBoth
	default:
		return nil, snowerr.New(snowerr.CategoryInvalidArgs,
			"direction must be upstream, downstream or both, got %q", req.Direction).
			WithData("path", "direction")
	}

	g, err := e.Graph(req.CatalogDir)
	if err != nil {
		return nil, err
	}

	canonical, err := resolveQueryName(g, req.ObjectName)
	if err != nil {
		return nil, err
	}

	sub := g.Traverse(canonical, req.Direction, req.Depth)
	result := &QueryResult{
		Object:           canonical,
		Direction:        req.Direction,
		Depth:            req.Depth,
		Subgraph:         sub,
		ParseFailedCount: g.ParseFailedCount,
	}
	if req.Format != "json" {
		result.Rendered = renderText(sub, req.Direction)
	}
	logging.Lineage("query %s %s depth=%d: %d nodes", canonical, req.Direction, req.Depth, len(sub.NodesInDepthOrder))
	return result, nil
}

// resolveQueryName maps caller input to a canonical node key. Exactly one
// case-insensitive match is required; zero yields NotFound with suggestions,
// several yields Ambiguous with candidates.
func resolveQueryName(g *Graph, input string) (string, error) {
	name := strings.ToUpper(strings.TrimSpace(input))
	if name == "" {
		return "", snowerr.New(snowerr.CategoryInvalidArgs, "object_name must not be empty").
			WithData("path", "object_name")
	}

	if _, ok := g.nodes[name]; ok {
		return name, nil
	}

	var matches []string
	for key := range g.nodes {
		if key == name ||
			strings.HasSuffix(key, "."+name) {
			matches = append(matches, key)
		}
	}
	sort.Strings(matches)

	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return "", snowerr.New(snowerr.CategoryNotFound, "object %q not found in catalog", input).
			WithData("candidates", closestNames(g, name, 5)).
			WithSuggestions("Check the name, or rebuild the catalog if the object is new")
	default:
		return "", snowerr.New(snowerr.CategoryAmbiguous, "object %q is ambiguous", input).
			WithData("candidates", matches)
	}
}

// closestNames returns the top-n case-insensitive near-matches by edit
// distance on the bare object name.
func closestNames(g *Graph, name string, n int) []string {
	type scored struct {
		key  string
		dist int
	}
	var all []scored
	for key, node := range g.nodes {
		bare := strings.ToUpper(node.Ref.Name)
		all = append(all, scored{key: key, dist: levenshtein(bare, name)})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].dist != all[j].dist {
			return all[i].dist < all[j].dist
		}
		return all[i].key < all[j].key
	})
	var out []string
	for i := 0; i < len(all) && i < n; i++ {
		out = append(out, all[i].key)
	}
	return out
}

// levenshtein computes edit distance with the classic two-row method.
func levenshtein(a, b string) int {
	if a == b {
		return 0
	}
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := 0; j <= len(b); j++ {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min3(curr[j-1]+1, prev[j]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
