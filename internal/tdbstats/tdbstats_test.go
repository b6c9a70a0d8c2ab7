package tdbstats_test

import (
	"bytes"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/calvinalkan/tdb/internal/tdbstats"
	"github.com/calvinalkan/tdb/pkg/tdb"
)

func openStore(t *testing.T, records map[string]string) *tdb.DB {
	t.Helper()

	db, err := tdb.Open(tdb.Options{Path: filepath.Join(t.TempDir(), "stats.tdb"), HashSize: 7})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	t.Cleanup(func() { _ = db.Close() })

	for k, v := range records {
		if err := db.Store([]byte(k), []byte(v), tdb.Insert); err != nil {
			t.Fatalf("Store(%q): %v", k, err)
		}
	}

	return db
}

func gather(t *testing.T, c prometheus.Collector) map[string]*dto.MetricFamily {
	t.Helper()

	registry := prometheus.NewRegistry()
	registry.MustRegister(c)

	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}

	byName := make(map[string]*dto.MetricFamily, len(families))
	for _, mf := range families {
		byName[mf.GetName()] = mf
	}

	return byName
}

func value(m *dto.Metric) float64 {
	if m.GetGauge() != nil {
		return m.GetGauge().GetValue()
	}

	return m.GetCounter().GetValue()
}

func labelValue(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}

	return ""
}

func Test_Collector_Exports_Summary_When_Scraped(t *testing.T) {
	t.Parallel()

	db := openStore(t, map[string]string{"a": "1", "bb": "22", "ccc": "333"})

	want, err := db.Summary()
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}

	families := gather(t, tdbstats.NewCollector(db, nil))

	single := map[string]float64{
		"tdb_records":         3,
		"tdb_hash_chains":     7,
		"tdb_file_size_bytes": float64(want.FileSize),
		"tdb_generation":      float64(want.Generation),
		"tdb_free_records":    float64(want.FreeRecords),
	}

	for name, v := range single {
		mf, ok := families[name]
		if !ok {
			t.Fatalf("family %s missing", name)
		}

		m := mf.GetMetric()[0]
		if got := value(m); got != v {
			t.Fatalf("%s = %v, want %v", name, got, v)
		}

		if got := labelValue(m, "path"); got != db.Path() {
			t.Fatalf("%s path label = %q, want %q", name, got, db.Path())
		}
	}

	kinds := make(map[string]float64)
	for _, m := range families["tdb_bytes"].GetMetric() {
		kinds[labelValue(m, "kind")] = value(m)
	}

	if kinds["key"] != 6 || kinds["data"] != 6 {
		t.Fatalf("tdb_bytes = %v, want key=6 data=6", kinds)
	}

	if got := value(families["tdb_scrape_errors_total"].GetMetric()[0]); got != 0 {
		t.Fatalf("scrape errors = %v, want 0", got)
	}
}

type failingSource struct{}

func (failingSource) Path() string { return "/broken.tdb" }

func (failingSource) Summary() (tdb.Summary, error) {
	return tdb.Summary{}, errors.New("boom")
}

func Test_Collector_Counts_Error_When_Summary_Fails(t *testing.T) {
	t.Parallel()

	c := tdbstats.NewCollector(failingSource{}, nil)

	gather(t, c)
	families := gather(t, c)

	if len(families) != 1 {
		t.Fatalf("families = %d, want only the error counter", len(families))
	}

	if got := value(families["tdb_scrape_errors_total"].GetMetric()[0]); got != 2 {
		t.Fatalf("scrape errors = %v, want 2", got)
	}
}

func Test_WriteText_Renders_Exposition_Format_When_Called(t *testing.T) {
	t.Parallel()

	db := openStore(t, map[string]string{"k": "v"})

	var buf bytes.Buffer
	if err := tdbstats.WriteText(&buf, db, nil); err != nil {
		t.Fatalf("WriteText: %v", err)
	}

	out := buf.String()

	for _, want := range []string{
		"# HELP tdb_records Number of stored records",
		"# TYPE tdb_records gauge",
		`tdb_records{path="` + db.Path() + `"} 1`,
		"# TYPE tdb_generation counter",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}
