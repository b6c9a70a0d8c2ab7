package tdb_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/calvinalkan/tdb/pkg/tdb"
)

func Test_Open_Creates_Empty_Store_When_File_Missing(t *testing.T) {
	t.Parallel()

	db := openTest(t, tdb.Options{Path: testPath(t), HashSize: 17})

	if db.HashSize() != 17 {
		t.Fatalf("HashSize = %d, want 17", db.HashSize())
	}

	report := requireClean(t, db)
	if report.Records != 0 {
		t.Fatalf("new store has %d records", report.Records)
	}
}

func Test_Open_Ignores_HashSize_When_File_Exists(t *testing.T) {
	t.Parallel()

	path := testPath(t)

	db, err := tdb.Open(tdb.Options{Path: path, HashSize: 5})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	mustStore(t, db, "k", "v")
	_ = db.Close()

	reopened := openTest(t, tdb.Options{Path: path, HashSize: 999})

	if reopened.HashSize() != 5 {
		t.Fatalf("HashSize = %d, want 5", reopened.HashSize())
	}

	if got := mustFetch(t, reopened, "k"); got != "v" {
		t.Fatalf("Fetch = %q, want %q", got, "v")
	}
}

func Test_Open_Returns_ErrInvalidInput_When_Options_Invalid(t *testing.T) {
	t.Parallel()

	path := testPath(t)

	cases := map[string]tdb.Options{
		"NoPath":             {},
		"HashSizeTooLarge":   {Path: path, HashSize: 1<<24 + 1},
		"UnknownWriteback":   {Path: path, Writeback: tdb.WritebackMode(7)},
		"ReadOnlyAndClear":   {Path: path, ReadOnly: true, ClearIfFirst: true},
		"ReadOnlyAndConvert": {Path: path, ReadOnly: true, Convert: true},
	}

	for name, opts := range cases {
		if _, err := tdb.Open(opts); !errors.Is(err, tdb.ErrInvalidInput) {
			t.Fatalf("%s: Open error = %v, want ErrInvalidInput", name, err)
		}
	}
}

func Test_Open_Returns_ErrExists_When_Exclusive_And_File_Exists(t *testing.T) {
	t.Parallel()

	path := testPath(t)

	openTest(t, tdb.Options{Path: path, Exclusive: true})

	if _, err := tdb.Open(tdb.Options{Path: path, Exclusive: true}); !errors.Is(err, tdb.ErrExists) {
		t.Fatalf("second exclusive Open = %v, want ErrExists", err)
	}
}

func Test_Open_Returns_ErrHashMismatch_When_Hash_Differs(t *testing.T) {
	t.Parallel()

	path := testPath(t)

	db, err := tdb.Open(tdb.Options{Path: path, Hash: tdb.MurmurHash})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	mustStore(t, db, "k", "v")
	_ = db.Close()

	if _, err := tdb.Open(tdb.Options{Path: path}); !errors.Is(err, tdb.ErrHashMismatch) {
		t.Fatalf("Open with default hash = %v, want ErrHashMismatch", err)
	}

	reopened := openTest(t, tdb.Options{Path: path, Hash: tdb.MurmurHash})

	if got := mustFetch(t, reopened, "k"); got != "v" {
		t.Fatalf("Fetch = %q, want %q", got, "v")
	}
}

func Test_Open_Rejects_File_When_Header_Is_Foreign_Or_Damaged(t *testing.T) {
	t.Parallel()

	order := binary.LittleEndian

	cases := []struct {
		name    string
		content func() []byte
		want    error
	}{
		{
			name:    "ArbitraryFile",
			content: func() []byte { return bytes.Repeat([]byte("not a tdb file\n"), 100) },
			want:    tdb.ErrCorrupt,
		},
		{
			name:    "TooShort",
			content: func() []byte { return []byte("TDB") },
			want:    tdb.ErrCorrupt,
		},
		{
			name: "LegacyLocking",
			content: func() []byte {
				return tdb.EncodeHeaderForTesting(order, 7, func(_, legacy *uint32) { *legacy = 1 })
			},
			want: tdb.ErrIncompatible,
		},
		{
			name: "UnknownFlag",
			content: func() []byte {
				return tdb.EncodeHeaderForTesting(order, 7, func(flags, _ *uint32) { *flags |= 1 << 9 })
			},
			want: tdb.ErrIncompatible,
		},
		{
			name: "ChecksumMismatch",
			content: func() []byte {
				h := tdb.EncodeHeaderForTesting(order, 7, func(_, _ *uint32) {})
				h[0x18]++ // hash size

				return h
			},
			want: tdb.ErrCorrupt,
		},
		{
			name: "UnsupportedVersion",
			content: func() []byte {
				h := tdb.EncodeHeaderForTesting(order, 7, func(_, _ *uint32) {})
				copy(h[0x10:], u32(order, 0x12345678))

				return h
			},
			want: tdb.ErrIncompatible,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			path := testPath(t)
			content := tc.content()

			if len(content) == tdb.HeaderSizeForTesting {
				// Room for a 7-chain hash table.
				content = append(content, make([]byte, 64)...)
			}

			if err := os.WriteFile(path, content, 0o600); err != nil {
				t.Fatalf("write: %v", err)
			}

			_, err := tdb.Open(tdb.Options{Path: path})
			if !errors.Is(err, tc.want) {
				t.Fatalf("Open error = %v, want %v", err, tc.want)
			}

			// The file is left untouched.
			got, _ := os.ReadFile(path)
			if !bytes.Equal(got, content) {
				t.Fatal("Open modified a rejected file")
			}
		})
	}
}

func Test_Open_Logs_Warning_When_Legacy_Format_Rejected(t *testing.T) {
	t.Parallel()

	path := testPath(t)
	header := tdb.EncodeHeaderForTesting(binary.LittleEndian, 7, func(_, legacy *uint32) { *legacy = 1 })

	if err := os.WriteFile(path, append(header, make([]byte, 64)...), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	var logs bytes.Buffer

	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	if _, err := tdb.Open(tdb.Options{Path: path, Logger: logger}); !errors.Is(err, tdb.ErrIncompatible) {
		t.Fatalf("Open = %v, want ErrIncompatible", err)
	}

	if !strings.Contains(logs.String(), "level=WARN") || !strings.Contains(logs.String(), "rwlock") {
		t.Fatalf("missing legacy warning, logs:\n%s", logs.String())
	}
}

func Test_Open_Reads_Swapped_Byte_Order_When_Created_With_Convert(t *testing.T) {
	t.Parallel()

	nativePath, swappedPath := testPath(t), testPath(t)

	native, err := tdb.Open(tdb.Options{Path: nativePath, HashSize: 13})
	if err != nil {
		t.Fatalf("Open native: %v", err)
	}

	swapped, err := tdb.Open(tdb.Options{Path: swappedPath, HashSize: 13, Convert: true})
	if err != nil {
		t.Fatalf("Open swapped: %v", err)
	}

	if native.ByteOrder() == swapped.ByteOrder() {
		t.Fatalf("both files use %v", native.ByteOrder())
	}

	for i := range 300 {
		k, v := fmt.Sprintf("key-%d", i), strings.Repeat("v", i)

		for _, db := range []*tdb.DB{native, swapped} {
			mustStore(t, db, k, v)

			if i%3 == 0 {
				if err := db.Delete([]byte(k)); err != nil {
					t.Fatalf("Delete: %v", err)
				}
			}
		}
	}

	_ = native.Close()
	_ = swapped.Close()

	// Reopen without Convert: the recorded order wins.
	nativeRe := openTest(t, tdb.Options{Path: nativePath})
	swappedRe := openTest(t, tdb.Options{Path: swappedPath})

	if swappedRe.ByteOrder() == nativeRe.ByteOrder() {
		t.Fatal("reopened swapped file in native order")
	}

	if diff := cmp.Diff(contents(t, nativeRe), contents(t, swappedRe)); diff != "" {
		t.Fatalf("swapped file decodes differently (-native +swapped):\n%s", diff)
	}

	nativeSum, _ := nativeRe.Summary()
	swappedSum, _ := swappedRe.Summary()

	if nativeSum.FileSize != swappedSum.FileSize || nativeSum.FreeBytes != swappedSum.FreeBytes {
		t.Fatalf("layouts differ: native %d/%d bytes, swapped %d/%d", nativeSum.FileSize, nativeSum.FreeBytes, swappedSum.FileSize, swappedSum.FreeBytes)
	}

	requireClean(t, swappedRe)
}

func Test_Open_Clears_Store_When_ClearIfFirst_And_No_Other_Handle(t *testing.T) {
	t.Parallel()

	path := testPath(t)

	first, err := tdb.Open(tdb.Options{Path: path, ClearIfFirst: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	mustStore(t, first, "k", "v")

	// A concurrent opener is not first; the content survives.
	second, err := tdb.Open(tdb.Options{Path: path, ClearIfFirst: true})
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}

	if got := mustFetch(t, second, "k"); got != "v" {
		t.Fatalf("second handle sees %q, want %q", got, "v")
	}

	_ = second.Close()
	_ = first.Close()

	// The flag is recorded in the file, so it applies without the option.
	reopened := openTest(t, tdb.Options{Path: path})
	requireNotFound(t, reopened, "k")
	requireClean(t, reopened)
}

func Test_Open_Keeps_Store_When_Created_Without_ClearIfFirst(t *testing.T) {
	t.Parallel()

	path := testPath(t)

	db, err := tdb.Open(tdb.Options{Path: path})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	mustStore(t, db, "k", "v")
	_ = db.Close()

	reopened := openTest(t, tdb.Options{Path: path})

	if got := mustFetch(t, reopened, "k"); got != "v" {
		t.Fatalf("Fetch = %q, want %q", got, "v")
	}
}

func Test_Operations_Work_When_Locking_Disabled(t *testing.T) {
	t.Parallel()

	db := openTest(t, tdb.Options{Path: testPath(t), DisableLocking: true})

	mustStore(t, db, "k", "v")

	if err := db.Begin(); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	mustStore(t, db, "k2", "v2")

	if err := db.Cancel(); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	requireNotFound(t, db, "k2")
	requireClean(t, db)
}
