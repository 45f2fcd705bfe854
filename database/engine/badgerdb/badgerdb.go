// Package badgerdb is the dgraph-io/badger engine backend.
package badgerdb

import (
	"errors"
	"sync/atomic"

	"github.com/btcsuite/btclog"
	"github.com/dgraph-io/badger"
	"github.com/jemcash/jnoded/database/engine"
)

var (
	ErrDbClosed         = errors.New("badgerdb: closed")
	ErrTxClosed         = errors.New("badgerdb: transaction already closed")
	ErrSnapshotReleased = errors.New("badgerdb: snapshot released")
)

// log receives badger's own output.
var log = btclog.Disabled

// UseLogger sets the logger badger reports through for databases opened
// afterwards.
func UseLogger(logger btclog.Logger) {
	log = logger
}

// badgerLogger adapts a btclog.Logger to badger.Logger.
type badgerLogger struct {
	btclog.Logger
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.Warnf(format, args...)
}

// NewDB opens the database in directory dbPath, creating it if needed.
// Values are kept next to the keys.
func NewDB(dbPath string) (engine.Engine, error) {
	opts := badger.DefaultOptions(dbPath)
	opts.SyncWrites = true
	opts.Logger = badgerLogger{log}
	handle, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &DB{db: handle}, nil
}

// DB wraps a badger handle and refuses use after Close.
type DB struct {
	db     *badger.DB
	closed atomic.Bool
}

func (d *DB) Transaction() (engine.Transaction, error) {
	if d.closed.Load() {
		return nil, ErrDbClosed
	}
	return &Transaction{txn: d.db.NewTransaction(true)}, nil
}

func (d *DB) Snapshot() (engine.Snapshot, error) {
	if d.closed.Load() {
		return nil, ErrDbClosed
	}
	return &Snapshot{txn: d.db.NewTransaction(false)}, nil
}

func (d *DB) Close() error {
	if d.closed.Swap(true) {
		return ErrDbClosed
	}
	return d.db.Close()
}

// Transaction is a read-write badger transaction.
type Transaction struct {
	txn      *badger.Txn
	released bool
}

func (t *Transaction) Put(key, value []byte) error {
	if t.released {
		return ErrTxClosed
	}
	// badger keeps references to the slices until commit.
	k := append([]byte(nil), key...)
	v := append([]byte(nil), value...)
	return t.txn.Set(k, v)
}

func (t *Transaction) Delete(key []byte) error {
	if t.released {
		return ErrTxClosed
	}
	return t.txn.Delete(append([]byte(nil), key...))
}

func (t *Transaction) Commit() error {
	if t.released {
		return ErrTxClosed
	}
	t.released = true
	return t.txn.Commit()
}

func (t *Transaction) Discard() {
	if !t.released {
		t.released = true
		t.txn.Discard()
	}
}

// Snapshot is a read-only badger transaction.
type Snapshot struct {
	txn      *badger.Txn
	released bool
}

func (s *Snapshot) Get(key []byte) ([]byte, error) {
	if s.released {
		return nil, ErrSnapshotReleased
	}
	item, err := s.txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, engine.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

func (s *Snapshot) Has(key []byte) (bool, error) {
	if s.released {
		return false, ErrSnapshotReleased
	}
	_, err := s.txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

// NewIterator collects the pairs of r up front.  badger iterators only
// move one way, and the jnode state is small.
func (s *Snapshot) NewIterator(r *engine.Range) engine.Iterator {
	if s.released {
		return &Iterator{err: ErrSnapshotReleased, pos: -1}
	}
	it := s.txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()

	iter := &Iterator{pos: -1}
	if r != nil && r.Start != nil {
		it.Seek(r.Start)
	} else {
		it.Rewind()
	}
	for ; it.Valid(); it.Next() {
		item := it.Item()
		key := item.KeyCopy(nil)
		if !r.Contains(key) {
			break
		}
		value, err := item.ValueCopy(nil)
		if err != nil {
			iter.err = err
			break
		}
		iter.keys = append(iter.keys, key)
		iter.values = append(iter.values, value)
	}
	return iter
}

func (s *Snapshot) Release() {
	if !s.released {
		s.released = true
		s.txn.Discard()
	}
}
