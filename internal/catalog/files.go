package catalog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"snowscope/internal/logging"
	"snowscope/internal/snowerr"
)

// MetadataFile is the catalog sidecar name.
const MetadataFile = "_catalog_metadata.json"

// lockFile guards the catalog directory against concurrent builders.
const lockFile = ".catalog.lock"

// recordFiles maps object kinds to their record file stem. Materialized
// views live with views, external tables with tables; stages are not
// harvested (absent from most editions' INFORMATION_SCHEMA).
var recordFiles = map[ObjectKind]string{
	KindTable:            "tables",
	KindExternalTable:    "tables",
	KindView:             "views",
	KindMaterializedView: "views",
	KindDynamicTable:     "dynamic_tables",
	KindFunction:         "functions",
	KindProcedure:        "procedures",
	KindTask:             "tasks",
}

// RecordStems lists the record file stems in a stable order.
var RecordStems = []string{"tables", "views", "dynamic_tables", "functions", "procedures", "tasks"}

// store handles record file IO for one catalog directory.
type store struct {
	dir    string
	format string // "jsonl" or "json"
}

func newStore(dir, format string) *store {
	if format != "json" {
		format = "jsonl"
	}
	return &store{dir: dir, format: format}
}

func (s *store) path(stem string) string {
	return filepath.Join(s.dir, stem+"."+s.format)
}

// writeRecords writes entries for one stem atomically (temp then rename).
func (s *store) writeRecords(stem string, entries []Entry) error {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key() < entries[j].Key() })

	var data []byte
	if s.format == "json" {
		var err error
		data, err = json.MarshalIndent(entries, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal %s records: %w", stem, err)
		}
	} else {
		var b strings.Builder
		for _, e := range entries {
			line, err := json.Marshal(e)
			if err != nil {
				return fmt.Errorf("failed to marshal %s record %s: %w", stem, e.Canonical(), err)
			}
			b.Write(line)
			b.WriteByte('\n')
		}
		data = []byte(b.String())
	}
	return atomicWrite(s.path(stem), data)
}

// readRecords loads the entries for one stem. A missing file is empty.
func (s *store) readRecords(stem string) ([]Entry, error) {
	// Accept either format on read so a format switch does not orphan data.
	for _, format := range []string{s.format, otherFormat(s.format)} {
		path := filepath.Join(s.dir, stem+"."+format)
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		if format == "json" {
			var entries []Entry
			if err := json.Unmarshal(data, &entries); err != nil {
				return nil, fmt.Errorf("failed to parse %s: %w", path, err)
			}
			return entries, nil
		}
		return parseJSONL(path, data)
	}
	return nil, nil
}

func parseJSONL(path string, data []byte) ([]Entry, error) {
	var entries []Entry
	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			return nil, fmt.Errorf("failed to parse %s line %d: %w", path, lineNo, err)
		}
		entries = append(entries, e)
	}
	return entries, scanner.Err()
}

func otherFormat(format string) string {
	if format == "json" {
		return "jsonl"
	}
	return "json"
}

// writeDatabases writes the databases.json listing.
func (s *store) writeDatabases(names []string) error {
	sort.Strings(names)
	data, err := json.MarshalIndent(names, "", "  ")
	if err != nil {
		return err
	}
	return atomicWrite(filepath.Join(s.dir, "databases.json"), data)
}

func (s *store) readDatabases() ([]string, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, "databases.json"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return nil, fmt.Errorf("failed to parse databases.json: %w", err)
	}
	return names, nil
}

// writeSchemas writes the schemas.jsonl records ({database, name} per line).
func (s *store) writeSchemas(schemas []SchemaRecord) error {
	sort.Slice(schemas, func(i, j int) bool {
		if schemas[i].Database != schemas[j].Database {
			return schemas[i].Database < schemas[j].Database
		}
		return schemas[i].Name < schemas[j].Name
	})
	var b strings.Builder
	for _, sc := range schemas {
		line, err := json.Marshal(sc)
		if err != nil {
			return err
		}
		b.Write(line)
		b.WriteByte('\n')
	}
	return atomicWrite(filepath.Join(s.dir, "schemas.jsonl"), []byte(b.String()))
}

func (s *store) readSchemas() ([]SchemaRecord, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, "schemas.jsonl"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var schemas []SchemaRecord
	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var sc SchemaRecord
		if err := json.Unmarshal([]byte(line), &sc); err != nil {
			return nil, fmt.Errorf("failed to parse schemas.jsonl: %w", err)
		}
		schemas = append(schemas, sc)
	}
	return schemas, scanner.Err()
}

// SchemaRecord is one line of schemas.jsonl.
type SchemaRecord struct {
	Database string `json:"database"`
	Name     string `json:"name"`
}

// writeDDL writes one object's DDL under ddl/<db>/<schema>/<name>.sql.
func (s *store) writeDDL(ref ObjectRef, ddl string) error {
	dir := filepath.Join(s.dir, "ddl", ref.Database, ref.Schema)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return atomicWrite(filepath.Join(dir, ref.Name+".sql"), []byte(ddl))
}

// ReadMetadata loads the sidecar. Returns nil (no error) when absent and an
// error only for unreadable or malformed files.
func ReadMetadata(dir string) (*Metadata, error) {
	data, err := os.ReadFile(filepath.Join(dir, MetadataFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var md Metadata
	if err := json.Unmarshal(data, &md); err != nil {
		return nil, fmt.Errorf("malformed %s: %w", MetadataFile, err)
	}
	return &md, nil
}

// writeMetadata commits the sidecar atomically. This is the build's commit
// point: readers treat the catalog as whatever the sidecar describes.
func writeMetadata(dir string, md Metadata) error {
	data, err := json.MarshalIndent(md, "", "  ")
	if err != nil {
		return err
	}
	return atomicWrite(filepath.Join(dir, MetadataFile), data)
}

// atomicWrite writes via a temp file in the same directory then renames.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to rename %s into place: %w", tmpName, err)
	}
	return nil
}

// acquireLock takes the single-writer lock for a catalog directory.
// A held lock fails fast; the caller surfaces ResourceBusy.
func acquireLock(dir string) (release func(), err error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, lockFile)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			return nil, snowerr.New(snowerr.CategoryResource,
				"a catalog build is already running for %s", dir).
				WithData("kind", "resource_busy").
				WithSuggestions("Wait for the running build, or remove a stale " + lockFile + " if no build is active")
		}
		return nil, err
	}
	fmt.Fprintf(f, "%d\n", os.Getpid())
	f.Close()
	logging.CatalogDebug("acquired build lock %s", path)

	return func() {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logging.CatalogWarn("failed to release build lock %s: %v", path, err)
		}
	}, nil
}
