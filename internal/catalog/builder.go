package catalog

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"snowscope/internal/clock"
	"snowscope/internal/config"
	"snowscope/internal/executor"
	"snowscope/internal/logging"
	"snowscope/internal/snowerr"
)

// catalogVersion is stamped into the metadata sidecar.
const catalogVersion = "2"

// Builder produces and refreshes the on-disk catalog.
type Builder struct {
	ex      executor.Executor
	session executor.Session
	cfg     config.CatalogConfig
	clk     clock.Clock
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithClock injects a clock (tests).
func WithClock(clk clock.Clock) BuilderOption {
	return func(b *Builder) { b.clk = clk }
}

// NewBuilder creates a Builder over the given executor.
func NewBuilder(ex executor.Executor, session executor.Session, cfg config.CatalogConfig, opts ...BuilderOption) *Builder {
	b := &Builder{ex: ex, session: session, cfg: cfg, clk: clock.System}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build runs one catalog build, deciding between full refresh and
// incremental update. Exactly one build may run per output directory.
func (b *Builder) Build(ctx context.Context, opts Options) (*BuildResult, error) {
	b.applyDefaults(&opts)

	release, err := acquireLock(opts.OutputDir)
	if err != nil {
		return nil, err
	}
	defer release()

	buildID := uuid.NewString()
	start := time.Now()
	logging.Catalog("build %s starting in %s (db=%q account_scope=%v force_full=%v)",
		buildID, opts.OutputDir, opts.Database, opts.AccountScope, opts.ForceFull)

	md, mdErr := ReadMetadata(opts.OutputDir)

	var result *BuildResult
	switch {
	case opts.ForceFull:
		result, err = b.fullRefresh(ctx, opts, nil)
	case mdErr != nil:
		logging.CatalogWarn("metadata unreadable, forcing full refresh: %v", mdErr)
		result, err = b.fullRefresh(ctx, opts, []string{fmt.Sprintf("metadata was unreadable: %v", mdErr)})
	case md == nil:
		result, err = b.fullRefresh(ctx, opts, nil)
	case b.clk.Now().Sub(md.LastFullRefresh) > b.cfg.FullRefreshThreshold:
		logging.Catalog("last full refresh %s is past threshold, rebuilding", md.LastFullRefresh.Format(time.RFC3339))
		result, err = b.fullRefresh(ctx, opts, nil)
	default:
		result, err = b.incremental(ctx, opts, md)
	}

	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		logging.CatalogError("build %s failed after %dms: %v", buildID, elapsed, err)
		logging.AuditBuild(buildID, opts.OutputDir, "", 0, elapsed, err.Error())
		return nil, err
	}
	logging.Catalog("build %s finished: %s, %d changes, %d objects",
		buildID, result.Status, result.Changes, result.Metadata.TotalObjects)
	logging.AuditBuild(buildID, opts.OutputDir, string(result.Status), result.Metadata.TotalObjects, elapsed, "")
	return result, nil
}

func (b *Builder) applyDefaults(opts *Options) {
	if opts.OutputDir == "" {
		opts.OutputDir = b.cfg.Dir
	}
	if opts.MaxConcurrency < 1 {
		opts.MaxConcurrency = b.cfg.MaxConcurrency
	}
	if opts.MaxConcurrency < 1 {
		opts.MaxConcurrency = 1
	}
	if opts.Format == "" {
		opts.Format = "jsonl"
	}
	if opts.Database == "" && !opts.AccountScope {
		opts.AccountScope = true
	}
}

// fullRefresh enumerates every object in scope and rewrites the catalog.
func (b *Builder) fullRefresh(ctx context.Context, opts Options, warnings []string) (*BuildResult, error) {
	h := &harvester{ex: b.ex, session: b.session}

	databases, err := h.listDatabases(ctx, opts)
	if err != nil {
		return nil, snowerr.Classify(err).WithContext(snowerr.Context{Operation: "build_catalog"})
	}
	if len(databases) == 0 {
		return nil, snowerr.New(snowerr.CategoryNotFound, "no databases visible in scope")
	}

	var (
		mu       sync.Mutex
		entries  []Entry
		schemas  []SchemaRecord
		progress atomic.Int64
	)
	addWarning := func(format string, args ...interface{}) {
		mu.Lock()
		warnings = append(warnings, fmt.Sprintf(format, args...))
		mu.Unlock()
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(opts.MaxConcurrency)

	for _, db := range databases {
		db := db
		eg.Go(func() error {
			if err := egCtx.Err(); err != nil {
				return err
			}

			names, err := h.listSchemas(egCtx, db)
			if err != nil {
				// A single database failure never aborts the build.
				addWarning("failed to list schemas in %s: %v", db, err)
				return nil
			}
			dbEntries, err := b.harvestDatabase(egCtx, h, db, addWarning)
			if err != nil {
				return err // only context cancellation propagates
			}

			mu.Lock()
			for _, name := range names {
				schemas = append(schemas, SchemaRecord{Database: db, Name: name})
			}
			entries = append(entries, dbEntries...)
			mu.Unlock()

			done := progress.Add(1)
			logging.Catalog("harvested %s (%d/%d databases)", db, done, len(databases))
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		// Cooperative cancellation: leave the prior snapshot untouched.
		return nil, snowerr.Classify(err).WithContext(snowerr.Context{Operation: "build_catalog"})
	}

	if opts.IncludeDDL {
		warnings = b.fetchMissingDDL(ctx, h, entries, opts.MaxConcurrency, warnings)
		if err := ctx.Err(); err != nil {
			return nil, snowerr.Classify(err).WithContext(snowerr.Context{Operation: "build_catalog"})
		}
	}

	now := b.clk.Now()
	md := b.composeMetadata(databases, schemas, entries, now, now)
	if err := b.writeSnapshot(opts, databases, schemas, entries, md); err != nil {
		return nil, err
	}

	changed := make([]string, 0, len(entries))
	for _, e := range entries {
		changed = append(changed, e.Canonical())
	}
	sort.Strings(changed)

	return &BuildResult{
		Status:         StatusFullRefresh,
		LastBuild:      now,
		Changes:        len(entries),
		ChangedObjects: changed,
		Metadata:       md,
		Warnings:       warnings,
	}, nil
}

// harvestDatabase collects every entry for one database. Partial failures
// are reported through addWarning; only context errors propagate.
func (b *Builder) harvestDatabase(ctx context.Context, h *harvester, db string, addWarning func(string, ...interface{})) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var entries []Entry
	relations, err := h.listRelations(ctx, db)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		addWarning("failed to list relations in %s: %v", db, err)
	} else {
		entries = append(entries, relations...)
	}

	routines, err := h.listRoutines(ctx, db)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		addWarning("failed to list routines in %s: %v", db, err)
	} else {
		entries = append(entries, routines...)
	}

	showObjects, err := h.listShowObjects(ctx, db)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		addWarning("failed to list tasks/dynamic tables in %s: %v", db, err)
	} else {
		entries = append(entries, showObjects...)
	}
	return entries, nil
}

// fetchMissingDDL fans out GET_DDL calls in a bounded pool for entries that
// carry SQL but have none yet.
func (b *Builder) fetchMissingDDL(ctx context.Context, h *harvester, entries []Entry, maxConcurrency int, warnings []string) []string {
	var mu sync.Mutex
	var fetched atomic.Int64

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(maxConcurrency)

	for i := range entries {
		if !entries[i].Kind.HasSQL() || entries[i].DDL != "" {
			continue
		}
		i := i
		eg.Go(func() error {
			if err := egCtx.Err(); err != nil {
				return err
			}
			ddl, err := h.fetchDDL(egCtx, entries[i].ObjectRef)
			if err != nil {
				if egCtx.Err() != nil {
					return egCtx.Err()
				}
				mu.Lock()
				warnings = append(warnings, fmt.Sprintf("DDL fetch failed for %s: %v", entries[i].Canonical(), err))
				mu.Unlock()
				return nil
			}
			entries[i].DDL = ddl
			fetched.Add(1)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		mu.Lock()
		warnings = append(warnings, fmt.Sprintf("DDL fetching interrupted: %v", err))
		mu.Unlock()
	}
	logging.Catalog("fetched DDL for %d objects", fetched.Load())
	return warnings
}

// incremental applies the hybrid change-detection window and upserts only
// the change set.
func (b *Builder) incremental(ctx context.Context, opts Options, md *Metadata) (*BuildResult, error) {
	h := &harvester{ex: b.ex, session: b.session}
	anchor := md.LastBuild

	databases := md.Databases
	if !opts.AccountScope && opts.Database != "" {
		databases = []string{strings.ToUpper(opts.Database)}
	}
	if len(databases) == 0 {
		return b.fullRefresh(ctx, opts, []string{"metadata carried no databases; rebuilt"})
	}

	var warnings []string

	// Primary probe: INFORMATION_SCHEMA LAST_DDL. Failure falls back to a
	// full refresh.
	changeSet := make(map[string]ObjectRef)
	for _, db := range databases {
		refs, err := h.changedSince(ctx, db, anchor)
		if err != nil {
			if ctx.Err() != nil {
				return nil, snowerr.Classify(ctx.Err())
			}
			logging.CatalogWarn("primary change probe failed for %s, falling back to full refresh: %v", db, err)
			return b.fullRefresh(ctx, opts, []string{fmt.Sprintf("change detection failed for %s: %v", db, err)})
		}
		for _, ref := range refs {
			changeSet[ref.Canonical()] = ref
		}
	}

	// Safety margin probe: ACCOUNT_USAGE. Permission or configuration
	// failures degrade to the primary probe only.
	late, err := h.lateArrivals(ctx, databases, anchor, b.cfg.AccountUsageSafetyMargin)
	if err != nil {
		cat := snowerr.CategoryOf(err)
		if cat == snowerr.CategoryPermission || cat == snowerr.CategoryConfiguration || cat == snowerr.CategoryNotFound {
			warnings = append(warnings, fmt.Sprintf("ACCOUNT_USAGE probe unavailable, using primary probe only: %v", err))
			logging.CatalogWarn("ACCOUNT_USAGE safety probe degraded: %v", err)
		} else if ctx.Err() != nil {
			return nil, snowerr.Classify(ctx.Err())
		} else {
			warnings = append(warnings, fmt.Sprintf("ACCOUNT_USAGE probe failed: %v", err))
		}
	}
	for _, ref := range late {
		if _, ok := changeSet[ref.Canonical()]; !ok {
			changeSet[ref.Canonical()] = ref
		}
	}

	var tombstones []ObjectRef
	if err == nil {
		tombstones, err = h.tombstonesSince(ctx, databases, anchor)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("tombstone probe failed: %v", err))
			tombstones = nil
		}
	}

	now := b.clk.Now()

	if len(changeSet) == 0 && len(tombstones) == 0 {
		// Nothing moved; refresh the build timestamp only.
		fresh := *md
		fresh.LastBuild = now
		if err := writeMetadata(opts.OutputDir, fresh); err != nil {
			return nil, err
		}
		return &BuildResult{
			Status:    StatusUpToDate,
			LastBuild: now,
			Changes:   0,
			Metadata:  fresh,
			Warnings:  warnings,
		}, nil
	}

	return b.applyIncremental(ctx, opts, md, h, changeSet, tombstones, warnings, now)
}

// applyIncremental merges the change set into the existing catalog files.
func (b *Builder) applyIncremental(ctx context.Context, opts Options, md *Metadata, h *harvester,
	changeSet map[string]ObjectRef, tombstones []ObjectRef, warnings []string, now time.Time) (*BuildResult, error) {

	st := newStore(opts.OutputDir, opts.Format)

	existing := make(map[string]Entry)
	for _, stem := range RecordStems {
		records, err := st.readRecords(stem)
		if err != nil {
			logging.CatalogWarn("existing %s records unreadable, falling back to full refresh: %v", stem, err)
			return b.fullRefresh(ctx, opts, append(warnings, fmt.Sprintf("existing %s records unreadable: %v", stem, err)))
		}
		for _, e := range records {
			existing[e.Key()] = e
		}
	}

	prevSchemas, err := st.readSchemas()
	if err != nil {
		return b.fullRefresh(ctx, opts, append(warnings, fmt.Sprintf("schemas.jsonl unreadable: %v", err)))
	}
	knownSchemas := make(map[string]bool, len(prevSchemas))
	for _, sc := range prevSchemas {
		knownSchemas[strings.ToUpper(sc.Database+"."+sc.Name)] = true
	}

	// Affected databases are re-harvested; upserts are limited to the
	// change set, new schemas, and the SHOW/routine kinds that have no
	// LAST_DDL-based change signal.
	affected := make(map[string]bool)
	for _, ref := range changeSet {
		affected[strings.ToUpper(ref.Database)] = true
	}

	var changedObjects []string
	var changedEntries []*Entry
	schemas := prevSchemas

	for db := range affected {
		names, err := h.listSchemas(ctx, db)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("failed to list schemas in %s: %v", db, err))
			continue
		}
		for _, name := range names {
			key := strings.ToUpper(db + "." + name)
			if !knownSchemas[key] {
				knownSchemas[key] = true
				schemas = append(schemas, SchemaRecord{Database: db, Name: name})
			}
		}

		dbEntries, err := b.harvestDatabase(ctx, h, db, func(format string, args ...interface{}) {
			warnings = append(warnings, fmt.Sprintf(format, args...))
		})
		if err != nil {
			return nil, snowerr.Classify(err).WithContext(snowerr.Context{Operation: "build_catalog"})
		}

		// Routines, tasks and dynamic tables carry no change signal:
		// replace this database's records with the fresh harvest.
		for key, e := range existing {
			if strings.EqualFold(e.Database, db) && isUnsignaledKind(e.Kind) {
				delete(existing, key)
			}
		}

		for _, e := range dbEntries {
			_, inChangeSet := changeSet[e.Canonical()]
			newSchema := !schemaExisted(prevSchemas, e.Database, e.Schema)
			if !inChangeSet && !newSchema && !isUnsignaledKind(e.Kind) {
				continue
			}
			entry := e
			existing[entry.Key()] = entry
			if inChangeSet || newSchema {
				changedObjects = append(changedObjects, entry.Canonical())
				stored := existing[entry.Key()]
				changedEntries = append(changedEntries, &stored)
			}
		}
	}

	// Tombstoned objects disappear regardless of recorded kind.
	deleted := 0
	for _, ref := range tombstones {
		canonical := ref.Canonical()
		for key, e := range existing {
			if e.Canonical() == canonical {
				delete(existing, key)
				deleted++
				changedObjects = append(changedObjects, canonical)
			}
		}
	}

	entries := make([]Entry, 0, len(existing))
	for _, e := range existing {
		entries = append(entries, e)
	}

	if opts.IncludeDDL {
		warnings = b.fetchMissingDDL(ctx, h, entries, opts.MaxConcurrency, warnings)
	}
	if err := ctx.Err(); err != nil {
		return nil, snowerr.Classify(err).WithContext(snowerr.Context{Operation: "build_catalog"})
	}

	newMD := b.composeMetadata(md.Databases, schemas, entries, now, md.LastFullRefresh)
	if err := b.writeSnapshot(opts, md.Databases, schemas, entries, newMD); err != nil {
		return nil, err
	}

	sort.Strings(changedObjects)
	changedObjects = dedupeStrings(changedObjects)
	logging.Catalog("incremental update applied: %d changed, %d deleted", len(changedEntries), deleted)

	return &BuildResult{
		Status:         StatusIncremental,
		LastBuild:      now,
		Changes:        len(changedObjects),
		ChangedObjects: changedObjects,
		Metadata:       newMD,
		Warnings:       warnings,
	}, nil
}

// isUnsignaledKind reports kinds with no LAST_DDL change signal.
func isUnsignaledKind(kind ObjectKind) bool {
	switch kind {
	case KindFunction, KindProcedure, KindTask, KindDynamicTable:
		return true
	}
	return false
}

func schemaExisted(schemas []SchemaRecord, db, name string) bool {
	for _, sc := range schemas {
		if strings.EqualFold(sc.Database, db) && strings.EqualFold(sc.Name, name) {
			return true
		}
	}
	return false
}

// composeMetadata derives the sidecar from the in-memory snapshot.
func (b *Builder) composeMetadata(databases []string, schemas []SchemaRecord, entries []Entry, lastBuild, lastFull time.Time) Metadata {
	tableCount := 0
	for _, e := range entries {
		if e.Kind == KindTable || e.Kind == KindExternalTable {
			tableCount++
		}
	}
	upper := make([]string, len(databases))
	for i, db := range databases {
		upper[i] = strings.ToUpper(db)
	}
	sort.Strings(upper)
	return Metadata{
		LastBuild:       lastBuild,
		LastFullRefresh: lastFull,
		Databases:       upper,
		TotalObjects:    len(entries),
		Version:         catalogVersion,
		SchemaCount:     len(schemas),
		TableCount:      tableCount,
	}
}

// writeSnapshot persists record files, listings and finally the metadata
// sidecar. The sidecar rename is the commit point.
func (b *Builder) writeSnapshot(opts Options, databases []string, schemas []SchemaRecord, entries []Entry, md Metadata) error {
	st := newStore(opts.OutputDir, opts.Format)

	byStem := make(map[string][]Entry, len(RecordStems))
	for _, stem := range RecordStems {
		byStem[stem] = []Entry{}
	}
	for _, e := range entries {
		stem, ok := recordFiles[e.Kind]
		if !ok {
			continue
		}
		byStem[stem] = append(byStem[stem], e)
	}

	for _, stem := range RecordStems {
		if err := st.writeRecords(stem, byStem[stem]); err != nil {
			return fmt.Errorf("failed to write %s records: %w", stem, err)
		}
	}
	if err := st.writeDatabases(databases); err != nil {
		return fmt.Errorf("failed to write databases.json: %w", err)
	}
	if err := st.writeSchemas(schemas); err != nil {
		return fmt.Errorf("failed to write schemas.jsonl: %w", err)
	}

	if opts.IncludeDDL {
		for _, e := range entries {
			if e.DDL == "" {
				continue
			}
			if err := st.writeDDL(e.ObjectRef, e.DDL); err != nil {
				return fmt.Errorf("failed to write DDL for %s: %w", e.Canonical(), err)
			}
		}
	}

	if err := writeMetadata(opts.OutputDir, md); err != nil {
		return fmt.Errorf("failed to write %s: %w", MetadataFile, err)
	}
	return nil
}

func dedupeStrings(sorted []string) []string {
	out := sorted[:0]
	for i, s := range sorted {
		if i == 0 || sorted[i-1] != s {
			out = append(out, s)
		}
	}
	return out
}
