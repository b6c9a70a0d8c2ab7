// test_helpers_test.go - Shared helpers for tdb tests.

package tdb_test

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/calvinalkan/tdb/pkg/tdb"
)

func testPath(tb testing.TB) string {
	tb.Helper()

	return filepath.Join(tb.TempDir(), "test.tdb")
}

// openTest opens path and closes it when the test ends.
func openTest(tb testing.TB, opts tdb.Options) *tdb.DB {
	tb.Helper()

	db, err := tdb.Open(opts)
	if err != nil {
		tb.Fatalf("Open(%s): %v", opts.Path, err)
	}

	tb.Cleanup(func() { _ = db.Close() })

	return db
}

func mustStore(tb testing.TB, db *tdb.DB, key, data string) {
	tb.Helper()

	if err := db.Store([]byte(key), []byte(data), tdb.Replace); err != nil {
		tb.Fatalf("Store(%q): %v", key, err)
	}
}

func mustFetch(tb testing.TB, db *tdb.DB, key string) string {
	tb.Helper()

	data, err := db.Fetch([]byte(key))
	if err != nil {
		tb.Fatalf("Fetch(%q): %v", key, err)
	}

	return string(data)
}

func requireNotFound(tb testing.TB, db *tdb.DB, key string) {
	tb.Helper()

	_, err := db.Fetch([]byte(key))
	if !errors.Is(err, tdb.ErrNotFound) {
		tb.Fatalf("Fetch(%q) error = %v, want ErrNotFound", key, err)
	}
}

// requireClean fails the test if Check reports any violation.
func requireClean(tb testing.TB, db *tdb.DB) *tdb.Report {
	tb.Helper()

	report, err := db.Check(tdb.CheckOptions{})
	if err != nil {
		tb.Fatalf("Check: %v", err)
	}

	if !report.OK() {
		tb.Fatalf("Check found %d violation(s): %v", len(report.Violations), report.Violations)
	}

	return report
}

// contents returns every record via Traverse.
func contents(tb testing.TB, db *tdb.DB) map[string]string {
	tb.Helper()

	got := make(map[string]string)

	_, err := db.Traverse(func(key, data []byte) tdb.Action {
		got[string(key)] = string(data)

		return tdb.Continue
	})
	if err != nil {
		tb.Fatalf("Traverse: %v", err)
	}

	return got
}

func hasViolation(report *tdb.Report, inv tdb.Invariant) bool {
	return slices.ContainsFunc(report.Violations, func(v tdb.Violation) bool {
		return v.Invariant == inv
	})
}

// keysInDistinctChains returns two keys that hash to different chains.
func keysInDistinctChains(tb testing.TB, db *tdb.DB) ([]byte, []byte) {
	tb.Helper()

	first := []byte("key-0")
	chain := tdb.ChainOfForTesting(db, first)

	for i := 1; i < 1000; i++ {
		k := fmt.Appendf(nil, "key-%d", i)
		if tdb.ChainOfForTesting(db, k) != chain {
			return first, k
		}
	}

	tb.Fatal("no two keys in distinct chains")

	return nil, nil
}

// patchFile overwrites b at off in the closed file at path.
func patchFile(tb testing.TB, path string, off uint64, b []byte) {
	tb.Helper()

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		tb.Fatalf("open: %v", err)
	}

	defer func() { _ = f.Close() }()

	if _, err := f.WriteAt(b, int64(off)); err != nil {
		tb.Fatalf("write at %d: %v", off, err)
	}
}

func u32(order binary.ByteOrder, v uint32) []byte {
	b := make([]byte, 4)
	order.PutUint32(b, v)

	return b
}

func u64(order binary.ByteOrder, v uint64) []byte {
	b := make([]byte, 8)
	order.PutUint64(b, v)

	return b
}

// crashing runs fn and reports whether it stopped at a simulated crash.
func crashing(tb testing.TB, fn func() error) (crashed bool) {
	tb.Helper()

	defer func() {
		if r := recover(); r != nil {
			if !tdb.IsSimulatedCrash(r) {
				panic(r)
			}

			crashed = true
		}
	}()

	if err := fn(); err != nil {
		tb.Fatalf("unexpected error: %v", err)
	}

	return false
}
