// Package leveldb is the goleveldb engine backend, the default store.
package leveldb

import (
	"errors"
	"sync/atomic"

	"github.com/jemcash/jnoded/database/engine"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/filter"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var (
	ErrDbClosed = errors.New("leveldb: closed")
	ErrTxDone   = errors.New("leveldb: batch already committed or discarded")
)

// NewDB opens the database at dbPath.  When create is set an existing
// database is an error.
func NewDB(dbPath string, create bool) (engine.Engine, error) {
	opts := opt.Options{
		ErrorIfExist: create,
		Strict:       opt.DefaultStrict,
		Compression:  opt.SnappyCompression,
		Filter:       filter.NewBloomFilter(10),
	}
	ldb, err := leveldb.OpenFile(dbPath, &opts)
	if err != nil {
		return nil, err
	}
	return &DB{ldb: ldb}, nil
}

// DB wraps a goleveldb handle.
type DB struct {
	ldb    *leveldb.DB
	closed atomic.Bool
}

// Transaction starts a write batch.  Batches are applied with a single
// synced write on Commit, so several may be open at once.
func (d *DB) Transaction() (engine.Transaction, error) {
	if d.closed.Load() {
		return nil, ErrDbClosed
	}
	return &batch{db: d.ldb}, nil
}

func (d *DB) Snapshot() (engine.Snapshot, error) {
	if d.closed.Load() {
		return nil, ErrDbClosed
	}
	snap, err := d.ldb.GetSnapshot()
	if err != nil {
		return nil, err
	}
	return &snapshot{snap: snap}, nil
}

func (d *DB) Close() error {
	if d.closed.Swap(true) {
		return ErrDbClosed
	}
	return d.ldb.Close()
}

type batch struct {
	db   *leveldb.DB
	b    leveldb.Batch
	done bool
}

func (t *batch) Put(key, value []byte) error {
	if t.done {
		return ErrTxDone
	}
	t.b.Put(key, value)
	return nil
}

func (t *batch) Delete(key []byte) error {
	if t.done {
		return ErrTxDone
	}
	t.b.Delete(key)
	return nil
}

func (t *batch) Commit() error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	return t.db.Write(&t.b, &opt.WriteOptions{Sync: true})
}

func (t *batch) Discard() {
	t.done = true
	t.b.Reset()
}

type snapshot struct {
	snap *leveldb.Snapshot
}

func (s *snapshot) Get(key []byte) ([]byte, error) {
	value, err := s.snap.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, engine.ErrNotFound
	}
	return value, err
}

func (s *snapshot) Has(key []byte) (bool, error) {
	return s.snap.Has(key, nil)
}

// NewIterator returns the goleveldb iterator itself, which already moves
// both ways and starts before the first pair.
func (s *snapshot) NewIterator(r *engine.Range) engine.Iterator {
	var slice *util.Range
	if r != nil {
		slice = &util.Range{Start: r.Start, Limit: r.Limit}
	}
	return s.snap.NewIterator(slice, nil)
}

func (s *snapshot) Release() {
	s.snap.Release()
}
