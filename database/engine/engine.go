// Package engine abstracts the ordered key/value stores jnoded can keep its
// state in.  Backends live in the leveldb, pebbledb and badgerdb
// subpackages and are exercised by TestSuiteEngine.
package engine

import "errors"

// ErrNotFound is returned by Snapshot.Get for keys that are not stored.
var ErrNotFound = errors.New("engine: key not found")

// Engine is an open key/value store.
type Engine interface {
	// Transaction starts a write batch.  Nothing is visible to snapshots
	// until Commit returns.
	Transaction() (Transaction, error)

	// Snapshot returns a consistent read view of the committed data.
	Snapshot() (Snapshot, error)

	// Close releases the store.  Closing twice returns an error.
	Close() error
}

// Transaction is a batch of writes.
type Transaction interface {
	Put(key, value []byte) error
	Delete(key []byte) error
	Commit() error

	// Discard drops the batch.  It is safe to call more than once and
	// after Commit.
	Discard()
}

// Snapshot is a read only view.  Get returns ErrNotFound for missing keys.
// A nil Range passed to NewIterator covers every key.
type Snapshot interface {
	Get(key []byte) ([]byte, error)
	Has(key []byte) (bool, error)
	NewIterator(*Range) Iterator
	Releaser
}

// Releaser is implemented by views holding backend resources.
type Releaser interface {
	Release()
}
