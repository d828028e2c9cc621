package catalog

import (
	"snowscope/internal/snowerr"
)

// Summarize aggregates statistics for an existing catalog directory.
func Summarize(dir string) (*Summary, error) {
	md, err := ReadMetadata(dir)
	if err != nil {
		return nil, snowerr.Wrap(snowerr.CategoryResource, err, "catalog metadata unreadable in %s", dir)
	}
	if md == nil {
		return nil, snowerr.New(snowerr.CategoryResource, "no catalog found in %s", dir).
			WithData("missing_dependencies", []string{"catalog"}).
			WithSuggestions("Run build_catalog first")
	}

	st := newStore(dir, "jsonl")
	summary := &Summary{
		LastBuild:       md.LastBuild,
		LastFullRefresh: md.LastFullRefresh,
		Schemas:         md.SchemaCount,
	}

	dbs, err := st.readDatabases()
	if err != nil {
		return nil, err
	}
	summary.Databases = len(dbs)

	for _, stem := range RecordStems {
		entries, err := st.readRecords(stem)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			summary.Columns += len(e.Columns)
			switch e.Kind {
			case KindTable, KindExternalTable:
				summary.Tables++
			case KindView, KindMaterializedView:
				summary.Views++
			case KindFunction:
				summary.Functions++
			case KindProcedure:
				summary.Procedures++
			case KindTask:
				summary.Tasks++
			case KindDynamicTable:
				summary.DynamicTables++
			}
		}
	}
	return summary, nil
}

// LoadEntries reads every record in a catalog directory. Used by the
// lineage engine.
func LoadEntries(dir string) ([]Entry, *Metadata, error) {
	md, err := ReadMetadata(dir)
	if err != nil {
		return nil, nil, snowerr.Wrap(snowerr.CategoryResource, err, "catalog metadata unreadable in %s", dir)
	}
	if md == nil {
		return nil, nil, snowerr.New(snowerr.CategoryResource, "no catalog found in %s", dir).
			WithData("missing_dependencies", []string{"catalog"}).
			WithSuggestions("Run build_catalog first")
	}

	st := newStore(dir, "jsonl")
	var entries []Entry
	for _, stem := range RecordStems {
		records, err := st.readRecords(stem)
		if err != nil {
			return nil, nil, err
		}
		entries = append(entries, records...)
	}
	return entries, md, nil
}
