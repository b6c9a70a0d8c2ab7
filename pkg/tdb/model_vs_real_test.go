package tdb_test

import (
	"bytes"
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/tdb/pkg/tdb"
	"github.com/calvinalkan/tdb/pkg/tdb/model"
)

// Test_Store_Matches_Model_When_Running_Random_Operations drives the real
// store and the in-memory model with the same random operations, including
// committed and cancelled transactions, and compares every result.
func Test_Store_Matches_Model_When_Running_Random_Operations(t *testing.T) {
	t.Parallel()

	for _, seed := range []uint64{1, 2, 3, 42} {
		t.Run(fmt.Sprintf("seed=%d", seed), func(t *testing.T) {
			t.Parallel()

			rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
			path := testPath(t)
			file := model.NewFile()

			db := openTest(t, tdb.Options{Path: path, HashSize: 31})
			ref := model.Open(file)

			randKey := func() []byte { return fmt.Appendf(nil, "k%d", rng.IntN(150)) }
			randValue := func() []byte { return bytes.Repeat([]byte{byte(rng.IntN(256))}, rng.IntN(300)) }

			for step := range 3000 {
				switch op := rng.IntN(100); {
				case op < 35:
					k, v := randKey(), randValue()
					mode := tdb.StoreMode(rng.IntN(3))
					requireSameErr(t, ref.Store(k, v, mode), db.Store(k, v, mode), "step %d: Store(%s, %v)", step, k, mode)
				case op < 55:
					k := randKey()
					want, wantErr := ref.Fetch(k)
					got, gotErr := db.Fetch(k)
					requireSameErr(t, wantErr, gotErr, "step %d: Fetch(%s)", step, k)

					if wantErr == nil {
						require.Equal(t, want, got, "step %d: Fetch(%s)", step, k)
					}
				case op < 70:
					k := randKey()
					requireSameErr(t, ref.Delete(k), db.Delete(k), "step %d: Delete(%s)", step, k)
				case op < 78:
					k, v := randKey(), randValue()
					requireSameErr(t, ref.Append(k, v), db.Append(k, v), "step %d: Append(%s)", step, k)
				case op < 84:
					k := randKey()
					want, _ := ref.Exists(k)
					got, err := db.Exists(k)
					require.NoError(t, err)
					require.Equal(t, want, got, "step %d: Exists(%s)", step, k)
				case op < 89:
					requireSameErr(t, ref.Begin(), db.Begin(), "step %d: Begin", step)
				case op < 94:
					requireSameErr(t, ref.Commit(), db.Commit(), "step %d: Commit", step)
				case op < 97:
					requireSameErr(t, ref.Cancel(), db.Cancel(), "step %d: Cancel", step)
				default:
					require.NoError(t, db.Close(), "step %d: Close", step)
					require.NoError(t, ref.Close())

					db = openTest(t, tdb.Options{Path: path})
					ref = model.Open(file)
				}

				if step%250 == 0 {
					requireClean(t, db)
				}
			}

			if diff := cmp.Diff(ref.Contents(), contents(t, db)); diff != "" {
				t.Fatalf("final contents (-model +real):\n%s", diff)
			}

			requireClean(t, db)
		})
	}
}

func requireSameErr(t *testing.T, want, got error, msgAndArgs ...any) {
	t.Helper()

	if want == nil {
		require.NoError(t, got, msgAndArgs...)

		return
	}

	require.ErrorIs(t, got, want, msgAndArgs...)
}
