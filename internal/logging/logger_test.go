package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func useSink(t *testing.T, opts Options) string {
	t.Helper()
	dir := t.TempDir()
	if err := Apply(dir, opts); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	t.Cleanup(func() {
		Shutdown()
		Apply("", Options{})
	})
	return dir
}

// readLog concatenates everything written to the sink directory.
func readLog(t *testing.T, dir string) string {
	t.Helper()
	Shutdown() // flush and close before reading
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	var b strings.Builder
	for _, e := range entries {
		data, _ := os.ReadFile(filepath.Join(dir, e.Name()))
		b.Write(data)
	}
	return b.String()
}

func TestDisabledSinkWritesNothing(t *testing.T) {
	dir := useSink(t, Options{})

	Catalog("should go nowhere")
	if out := readLog(t, dir); out != "" {
		t.Errorf("expected no output, got %q", out)
	}
}

func TestSetupWithoutConfigStaysOff(t *testing.T) {
	ws := t.TempDir()
	if err := Setup(ws); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	t.Cleanup(func() {
		Shutdown()
		Apply("", Options{})
	})

	if Enabled() {
		t.Error("expected logging off without a config file")
	}
	if _, err := os.Stat(filepath.Join(ws, ".snowscope", "logs")); !os.IsNotExist(err) {
		t.Error("logs directory should not exist when logging is off")
	}
}

func TestSharedFileCarriesCategoryTags(t *testing.T) {
	dir := useSink(t, Options{Enabled: true, Level: "debug"})

	Catalog("harvested %d objects", 42)
	Lineage("graph built")

	out := readLog(t, dir)
	if !strings.Contains(out, "catalog: harvested 42 objects") {
		t.Errorf("catalog line missing or untagged: %s", out)
	}
	if !strings.Contains(out, "lineage: graph built") {
		t.Errorf("lineage line missing or untagged: %s", out)
	}

	// One shared daily file, not one per category.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("expected a single shared log file, got %d", len(entries))
	}
	if name := entries[0].Name(); !strings.HasPrefix(name, "snowscope-") {
		t.Errorf("unexpected log file name %s", name)
	}
}

func TestCategoryMuting(t *testing.T) {
	dir := useSink(t, Options{
		Enabled:    true,
		Level:      "debug",
		Categories: map[string]bool{"lineage": false},
	})

	Catalog("kept")
	Lineage("muted")
	Query("unlisted categories default on")

	out := readLog(t, dir)
	if !strings.Contains(out, "kept") {
		t.Errorf("catalog line missing: %s", out)
	}
	if strings.Contains(out, "muted") {
		t.Errorf("muted category leaked: %s", out)
	}
	if !strings.Contains(out, "unlisted categories default on") {
		t.Errorf("unlisted category was muted: %s", out)
	}
}

func TestLevelFloor(t *testing.T) {
	dir := useSink(t, Options{Enabled: true, Level: "warn"})

	QueryDebug("debug line")
	Query("info line")
	CatalogWarn("warn line")

	out := readLog(t, dir)
	if strings.Contains(out, "debug line") || strings.Contains(out, "info line") {
		t.Errorf("below-floor lines leaked: %s", out)
	}
	if !strings.Contains(out, "warn line") {
		t.Errorf("warn line missing: %s", out)
	}
}

func TestJSONFormat(t *testing.T) {
	dir := useSink(t, Options{Enabled: true, Level: "info", JSONFormat: true})

	Health("probe ok")

	out := readLog(t, dir)
	if !strings.Contains(out, `"cat":"health"`) || !strings.Contains(out, `"msg":"probe ok"`) {
		t.Errorf("expected JSON line, got %s", out)
	}
}

func TestTaggedCarriesRequestID(t *testing.T) {
	dir := useSink(t, Options{Enabled: true, Level: "info"})

	Tag(CategoryTools, "abc123").With("tool", "execute_query").Info("dispatched")

	out := readLog(t, dir)
	if !strings.Contains(out, "abc123") || !strings.Contains(out, "execute_query") {
		t.Errorf("tagged fields missing: %s", out)
	}
}

func TestTaggedWithIsCopyOnWrite(t *testing.T) {
	base := Tag(CategoryTools, "r1")
	derived := base.With("k", "v")

	if _, ok := base.fields["k"]; ok {
		t.Error("With mutated the base Tagged")
	}
	if derived.fields["k"] != "v" {
		t.Error("derived Tagged lost its field")
	}
}

func TestSpanEndWarnOver(t *testing.T) {
	dir := useSink(t, Options{Enabled: true, Level: "warn"})

	sp := Begin(CategoryExecutor, "slow op")
	time.Sleep(2 * time.Millisecond)
	sp.EndWarnOver(time.Millisecond)

	fast := Begin(CategoryExecutor, "fast op")
	fast.EndWarnOver(time.Minute)

	out := readLog(t, dir)
	if !strings.Contains(out, "slow op") || !strings.Contains(out, "threshold") {
		t.Errorf("overrun warning missing: %s", out)
	}
	if strings.Contains(out, "fast op") {
		t.Errorf("under-threshold span should stay at debug: %s", out)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":   LevelDebug,
		"info":    LevelInfo,
		"warn":    LevelWarn,
		"warning": LevelWarn,
		"error":   LevelError,
		"":        LevelInfo,
		"bogus":   LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestLoadOptionsReadsLoggingSection(t *testing.T) {
	ws := t.TempDir()
	dir := filepath.Join(ws, ".snowscope")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	content := "logging:\n  debug_mode: true\n  level: warn\n  json_format: true\n"
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	opts, err := LoadOptions(ws)
	if err != nil {
		t.Fatalf("LoadOptions failed: %v", err)
	}
	if !opts.Enabled || opts.Level != "warn" || !opts.JSONFormat {
		t.Errorf("unexpected options: %+v", opts)
	}
}
