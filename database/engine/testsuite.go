package engine

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestSuiteEngine runs the behaviour every backend must share.  newEngine
// must return a fresh, empty store on each call.
func TestSuiteEngine(t *testing.T, newEngine func() Engine) {
	t.Run("TransactionSnapshot", func(t *testing.T) {
		e := newEngine()
		defer e.Close()

		tx, err := e.Transaction()
		require.NoError(t, err)

		key := []byte("jnodeman")
		value := []byte("blob")
		require.NoError(t, tx.Put(key, value))

		// Uncommitted writes are invisible.
		snap, err := e.Snapshot()
		require.NoError(t, err)
		has, err := snap.Has(key)
		require.NoError(t, err)
		require.False(t, has)
		got, err := snap.Get(key)
		require.ErrorIs(t, err, ErrNotFound)
		require.Nil(t, got)
		snap.Release()

		require.NoError(t, tx.Commit())
		tx.Discard()

		snap, err = e.Snapshot()
		require.NoError(t, err)
		got, err = snap.Get(key)
		require.NoError(t, err)
		require.Equal(t, value, got)
		has, err = snap.Has(key)
		require.NoError(t, err)
		require.True(t, has)
		snap.Release()
	})

	t.Run("Delete", func(t *testing.T) {
		e := newEngine()
		defer e.Close()

		tx, err := e.Transaction()
		require.NoError(t, err)
		require.NoError(t, tx.Put([]byte("a"), []byte("1")))
		require.NoError(t, tx.Put([]byte("b"), []byte("2")))
		require.NoError(t, tx.Commit())

		tx, err = e.Transaction()
		require.NoError(t, err)
		require.NoError(t, tx.Delete([]byte("a")))
		require.NoError(t, tx.Put([]byte("b"), []byte("3")))
		require.NoError(t, tx.Commit())

		snap, err := e.Snapshot()
		require.NoError(t, err)
		defer snap.Release()
		has, err := snap.Has([]byte("a"))
		require.NoError(t, err)
		require.False(t, has)
		got, err := snap.Get([]byte("b"))
		require.NoError(t, err)
		require.Equal(t, []byte("3"), got)
	})

	t.Run("Iterator", func(t *testing.T) {
		abc := map[string]string{"key1": "value1", "key2": "value2", "key3": "value3"}
		tests := []struct {
			name   string
			kvs    map[string]string
			r      *Range
			expect [][2]string
		}{
			{"before", abc, &Range{Start: []byte("key0"), Limit: []byte("key1")}, nil},
			{"first", abc, &Range{Start: []byte("key0"), Limit: []byte("key2")}, [][2]string{{"key1", "value1"}}},
			{"limit excluded", abc, &Range{Start: []byte("key1"), Limit: []byte("key3")},
				[][2]string{{"key1", "value1"}, {"key2", "value2"}}},
			{"between keys", abc, &Range{Start: []byte("key10"), Limit: []byte("key30")},
				[][2]string{{"key2", "value2"}, {"key3", "value3"}}},
			{"empty", abc, &Range{Start: []byte("key2"), Limit: []byte("key2")}, nil},
			{"prefix", map[string]string{"key10": "value10", "key11": "value11", "key20": "value20", "key21": "value21"},
				BytesPrefix([]byte("key1")), [][2]string{{"key10", "value10"}, {"key11", "value11"}}},
		}

		for _, test := range tests {
			t.Run(test.name, func(t *testing.T) {
				e := newEngine()
				defer e.Close()

				tx, err := e.Transaction()
				require.NoError(t, err)
				for k, v := range test.kvs {
					require.NoError(t, tx.Put([]byte(k), []byte(v)))
				}
				require.NoError(t, tx.Commit())

				snap, err := e.Snapshot()
				require.NoError(t, err)
				defer snap.Release()

				iter := snap.NewIterator(test.r)
				defer iter.Release()
				var idx int
				for iter.Next() {
					require.Less(t, idx, len(test.expect), "unexpected key %s", iter.Key())
					require.Equal(t, []byte(test.expect[idx][0]), iter.Key())
					require.Equal(t, []byte(test.expect[idx][1]), iter.Value())
					idx++
				}
				require.Equal(t, len(test.expect), idx)
				require.NoError(t, iter.Error())
			})
		}
	})

	t.Run("Walk", func(t *testing.T) {
		e := newEngine()
		defer e.Close()

		tx, err := e.Transaction()
		require.NoError(t, err)
		for _, k := range []string{"blob/jnodeman", "blob/payments", "meta"} {
			require.NoError(t, tx.Put([]byte(k), []byte("v")))
		}
		require.NoError(t, tx.Commit())

		snap, err := e.Snapshot()
		require.NoError(t, err)
		defer snap.Release()

		// A nil range covers the whole store.
		iter := snap.NewIterator(nil)
		var n int
		for iter.Next() {
			n++
		}
		require.Equal(t, 3, n)
		iter.Release()

		iter = snap.NewIterator(BytesPrefix([]byte("blob/")))
		defer iter.Release()
		require.False(t, iter.Prev())
		require.True(t, iter.Last())
		require.Equal(t, []byte("blob/payments"), iter.Key())
		require.True(t, iter.Prev())
		require.Equal(t, []byte("blob/jnodeman"), iter.Key())
		require.False(t, iter.Prev())
		require.True(t, iter.Seek([]byte("blob/k")))
		require.Equal(t, []byte("blob/payments"), iter.Key())
		require.False(t, iter.Next())
		require.Nil(t, iter.Key())
		require.True(t, iter.First())
		require.Equal(t, []byte("v"), iter.Value())
	})

	t.Run("Close", func(t *testing.T) {
		e := newEngine()

		tx, err := e.Transaction()
		require.NoError(t, err)
		tx.Discard()
		tx.Discard()
		require.Error(t, tx.Commit())

		snap, err := e.Snapshot()
		require.NoError(t, err)
		iter := snap.NewIterator(&Range{})
		require.NoError(t, iter.Error())
		iter.Release()
		iter.Release()

		snap.Release()
		snap.Release()
		_, err = snap.Get([]byte("key"))
		require.Error(t, err)

		require.NoError(t, e.Close())
		require.Error(t, e.Close())

		_, err = e.Transaction()
		require.Error(t, err)
		_, err = e.Snapshot()
		require.Error(t, err)
	})
}
