package badgerdb

import (
	"path/filepath"
	"testing"

	"github.com/jemcash/jnoded/database/engine"
	"github.com/stretchr/testify/require"
)

func TestSuiteBadgerDB(t *testing.T) {
	engine.TestSuiteEngine(t, func() engine.Engine {
		db, err := NewDB(filepath.Join(t.TempDir(), "badgerdb"))
		require.NoError(t, err)
		return db
	})
}

func TestIteratorMoves(t *testing.T) {
	db, err := NewDB(t.TempDir())
	require.NoError(t, err)
	defer db.Close()

	tx, err := db.Transaction()
	require.NoError(t, err)
	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, tx.Put([]byte(k), []byte("v"+k)))
	}
	require.NoError(t, tx.Commit())

	snap, err := db.Snapshot()
	require.NoError(t, err)
	defer snap.Release()

	iter := snap.NewIterator(&engine.Range{})
	require.False(t, iter.Prev())
	require.True(t, iter.Last())
	require.Equal(t, []byte("c"), iter.Key())
	require.True(t, iter.Prev())
	require.Equal(t, []byte("vb"), iter.Value())
	require.True(t, iter.Seek([]byte("bb")))
	require.Equal(t, []byte("c"), iter.Key())
	require.False(t, iter.Next())
	require.Nil(t, iter.Key())
	require.True(t, iter.First())
	require.Equal(t, []byte("a"), iter.Key())
	iter.Release()
	require.ErrorIs(t, iter.Error(), engine.ErrIterReleased)
}
