package model_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/tdb/pkg/tdb"
	"github.com/calvinalkan/tdb/pkg/tdb/model"
)

func Test_Model_Store_Enforces_Mode_When_Key_Present_Or_Absent(t *testing.T) {
	t.Parallel()

	db := model.Open(model.NewFile())

	require.ErrorIs(t, db.Store([]byte("k"), []byte("v"), tdb.Modify), tdb.ErrNotFound, "Modify on missing key")
	require.NoError(t, db.Store([]byte("k"), []byte("v1"), tdb.Insert), "Insert on missing key")
	require.ErrorIs(t, db.Store([]byte("k"), []byte("v2"), tdb.Insert), tdb.ErrExists, "Insert on existing key")
	require.NoError(t, db.Store([]byte("k"), []byte("v3"), tdb.Modify), "Modify on existing key")

	got, err := db.Fetch([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v3"), got)
}

func Test_Model_Cancel_Restores_State_When_Transaction_Active(t *testing.T) {
	t.Parallel()

	db := model.Open(model.NewFile())
	require.NoError(t, db.Store([]byte("a"), []byte("1"), tdb.Replace))

	require.NoError(t, db.Begin())
	require.ErrorIs(t, db.Begin(), tdb.ErrAlreadyActive)
	require.NoError(t, db.Store([]byte("b"), []byte("2"), tdb.Insert))
	require.NoError(t, db.Delete([]byte("a")))
	require.NoError(t, db.Cancel())

	if diff := cmp.Diff(map[string]string{"a": "1"}, db.Contents()); diff != "" {
		t.Fatalf("contents after cancel mismatch (-want +got):\n%s", diff)
	}

	require.ErrorIs(t, db.Commit(), tdb.ErrNoActiveTransaction)
}

func Test_Model_Close_Discards_Transaction_When_Still_Active(t *testing.T) {
	t.Parallel()

	file := model.NewFile()
	db := model.Open(file)

	require.NoError(t, db.Begin())
	require.NoError(t, db.Append([]byte("x"), []byte("yz")))
	require.NoError(t, db.Close())

	reopened := model.Open(file)
	assert.Equal(t, 0, reopened.Len())

	_, err := reopened.Fetch([]byte("x"))
	require.ErrorIs(t, err, tdb.ErrNotFound)
}
