package tdb_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/calvinalkan/tdb/pkg/tdb"
)

// corruptFirstRecord stores a single key, closes the file, applies patch to
// it and reopens it.
func corruptFirstRecord(t *testing.T, key string, patch func(path string, db *tdb.DB, recs uint64)) *tdb.DB {
	t.Helper()

	path := testPath(t)

	db, err := tdb.Open(tdb.Options{Path: path})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	mustStore(t, db, key, "value")
	requireClean(t, db)

	recs := tdb.RecordsOffsetForTesting(db)
	if head := tdb.ChainHeadForTesting(db, tdb.ChainOfForTesting(db, []byte(key))); head != recs {
		t.Fatalf("first record at %d, want %d", head, recs)
	}

	_ = db.Close()

	patch(path, db, recs)

	return openTest(t, tdb.Options{Path: path})
}

func check(t *testing.T, db *tdb.DB, opts tdb.CheckOptions) *tdb.Report {
	t.Helper()

	report, err := db.Check(opts)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}

	return report
}

func Test_Check_Reports_RecordDecode_When_Magic_Overwritten(t *testing.T) {
	t.Parallel()

	db := corruptFirstRecord(t, "k", func(path string, db *tdb.DB, recs uint64) {
		patchFile(t, path, recs+tdb.RecordMagicOffsetForTesting, u32(db.ByteOrder(), 0xdeadbeef))
	})

	report := check(t, db, tdb.CheckOptions{})
	if !hasViolation(report, tdb.InvariantRecordDecode) {
		t.Fatalf("violations = %v, want %s", report.Violations, tdb.InvariantRecordDecode)
	}

	if report.Violations[0].Offset != tdb.RecordsOffsetForTesting(db) {
		t.Fatalf("first violation at %d, want %d", report.Violations[0].Offset, tdb.RecordsOffsetForTesting(db))
	}

	if !errors.Is(report.Err(), tdb.ErrCorrupt) {
		t.Fatalf("Report.Err = %v, want ErrCorrupt", report.Err())
	}

	if _, err := db.Fetch([]byte("k")); !errors.Is(err, tdb.ErrCorrupt) {
		t.Fatalf("Fetch of damaged record = %v, want ErrCorrupt", err)
	}

	if _, err := db.Summary(); !errors.Is(err, tdb.ErrCorrupt) {
		t.Fatalf("Summary of damaged file = %v, want ErrCorrupt", err)
	}
}

func Test_Check_Reports_ChainHash_When_Stored_Hash_Wrong(t *testing.T) {
	t.Parallel()

	db := corruptFirstRecord(t, "k", func(path string, db *tdb.DB, recs uint64) {
		patchFile(t, path, recs+tdb.RecordHashOffsetForTesting, u32(db.ByteOrder(), tdb.DefaultHash([]byte("k"))+1))
	})

	report := check(t, db, tdb.CheckOptions{})
	if !hasViolation(report, tdb.InvariantChainHash) {
		t.Fatalf("violations = %v, want %s", report.Violations, tdb.InvariantChainHash)
	}

	if _, err := db.Fetch([]byte("k")); !errors.Is(err, tdb.ErrCorrupt) {
		t.Fatalf("Fetch = %v, want ErrCorrupt", err)
	}
}

func Test_Check_Reports_Orphan_When_Chain_Head_Cleared(t *testing.T) {
	t.Parallel()

	db := corruptFirstRecord(t, "k", func(path string, db *tdb.DB, _ uint64) {
		chain := tdb.ChainOfForTesting(db, []byte("k"))
		patchFile(t, path, tdb.HeaderSizeForTesting+8*uint64(chain), u64(db.ByteOrder(), 0))
	})

	report := check(t, db, tdb.CheckOptions{})
	if !hasViolation(report, tdb.InvariantOrphan) {
		t.Fatalf("violations = %v, want %s", report.Violations, tdb.InvariantOrphan)
	}

	requireNotFound(t, db, "k")
}

func Test_Check_Reports_ChainMembership_When_Chain_Loops(t *testing.T) {
	t.Parallel()

	db := corruptFirstRecord(t, "k", func(path string, db *tdb.DB, recs uint64) {
		patchFile(t, path, recs+tdb.RecordNextOffsetForTesting, u64(db.ByteOrder(), recs))
	})

	report := check(t, db, tdb.CheckOptions{})
	if !hasViolation(report, tdb.InvariantChainMembership) {
		t.Fatalf("violations = %v, want %s", report.Violations, tdb.InvariantChainMembership)
	}

	// A lookup that misses walks the loop until the step bound.
	chain := tdb.ChainOfForTesting(db, []byte("k"))

	for i := range 10000 {
		k := fmt.Appendf(nil, "other-%d", i)
		if tdb.ChainOfForTesting(db, k) != chain {
			continue
		}

		if _, err := db.Fetch(k); !errors.Is(err, tdb.ErrCorrupt) {
			t.Fatalf("Fetch in looping chain = %v, want ErrCorrupt", err)
		}

		return
	}

	t.Fatal("no second key in the looping chain")
}

func Test_Check_Reports_Validate_When_Hook_Rejects_Record(t *testing.T) {
	t.Parallel()

	db := openTest(t, tdb.Options{Path: testPath(t)})
	mustStore(t, db, "good", "ok")
	mustStore(t, db, "bad", "reject")

	report := check(t, db, tdb.CheckOptions{
		Validate: func(key, data []byte) error {
			if string(data) == "reject" {
				return fmt.Errorf("record %q rejected", key)
			}

			return nil
		},
	})

	if len(report.Violations) != 1 || report.Violations[0].Invariant != tdb.InvariantValidate {
		t.Fatalf("violations = %v, want one %s", report.Violations, tdb.InvariantValidate)
	}

	if report.Records != 2 {
		t.Fatalf("records = %d, want 2", report.Records)
	}
}
