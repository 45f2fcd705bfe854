package pebbledb

import (
	"path/filepath"
	"testing"

	"github.com/jemcash/jnoded/database/engine"
	"github.com/stretchr/testify/require"
)

func TestSuitePebbleDB(t *testing.T) {
	engine.TestSuiteEngine(t, func() engine.Engine {
		db, err := NewDB(filepath.Join(t.TempDir(), "pebbledb"), true, 0, 0)
		require.NoError(t, err)
		return db
	})
}
