// Package pebbledb is the cockroachdb/pebble engine backend.
package pebbledb

import (
	"errors"
	"runtime"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/bloom"
	"github.com/jemcash/jnoded/database/engine"
)

var (
	ErrDbClosed         = errors.New("pebbledb: closed")
	ErrTxClosed         = errors.New("pebbledb: transaction already closed")
	ErrSnapshotReleased = errors.New("pebbledb: snapshot released")
)

// Defaults used when NewDB is passed zero sizes.  The jnode state is a few
// megabytes, far below what a block database needs.
const (
	DefaultCache   = 8
	DefaultHandles = 16
)

// NewDB opens the database at dbPath with a cache of cache megabytes and at
// most handles open files.
func NewDB(dbPath string, create bool, cache, handles int) (engine.Engine, error) {
	if cache <= 0 {
		cache = DefaultCache
	}
	if handles <= 0 {
		handles = DefaultHandles
	}

	c := pebble.NewCache(int64(cache) << 20)
	defer c.Unref()
	opts := &pebble.Options{
		Cache:                    c,
		ErrorIfExists:            create,
		MaxOpenFiles:             handles,
		MaxConcurrentCompactions: runtime.NumCPU,
	}
	for size := int64(2 << 20); size <= 32<<20; size *= 2 {
		opts.Levels = append(opts.Levels, pebble.LevelOptions{
			TargetFileSize: size,
			FilterPolicy:   bloom.FilterPolicy(10),
		})
	}
	opts.Experimental.ReadSamplingMultiplier = -1
	db, err := pebble.Open(dbPath, opts)
	if err != nil {
		return nil, err
	}
	return &DB{db: db}, nil
}

// DB wraps a pebble handle and refuses use after Close.
type DB struct {
	db     *pebble.DB
	closed atomic.Bool
}

func (d *DB) Transaction() (engine.Transaction, error) {
	if d.closed.Load() {
		return nil, ErrDbClosed
	}
	return &batch{b: d.db.NewBatch()}, nil
}

func (d *DB) Snapshot() (engine.Snapshot, error) {
	if d.closed.Load() {
		return nil, ErrDbClosed
	}
	return &snapshot{snap: d.db.NewSnapshot()}, nil
}

func (d *DB) Close() error {
	if d.closed.Swap(true) {
		return ErrDbClosed
	}
	return d.db.Close()
}

// batch collects writes in a pebble batch.  Commit syncs the WAL.
type batch struct {
	b    *pebble.Batch
	done bool
}

func (t *batch) Put(key, value []byte) error {
	if t.done {
		return ErrTxClosed
	}
	return t.b.Set(key, value, nil)
}

func (t *batch) Delete(key []byte) error {
	if t.done {
		return ErrTxClosed
	}
	return t.b.Delete(key, nil)
}

func (t *batch) Commit() error {
	if t.done {
		return ErrTxClosed
	}
	t.done = true
	err := t.b.Commit(pebble.Sync)
	t.b.Close()
	return err
}

func (t *batch) Discard() {
	if !t.done {
		t.done = true
		t.b.Close()
	}
}

type snapshot struct {
	snap     *pebble.Snapshot
	released bool
}

func (s *snapshot) Get(key []byte) ([]byte, error) {
	if s.released {
		return nil, ErrSnapshotReleased
	}
	value, closer, err := s.snap.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, engine.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), value...), nil
}

func (s *snapshot) Has(key []byte) (bool, error) {
	_, err := s.Get(key)
	if errors.Is(err, engine.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s *snapshot) NewIterator(r *engine.Range) engine.Iterator {
	if s.released {
		return &iterator{err: ErrSnapshotReleased}
	}
	var opts pebble.IterOptions
	if r != nil {
		opts.LowerBound, opts.UpperBound = r.Start, r.Limit
	}
	it, err := s.snap.NewIter(&opts)
	if err != nil {
		return &iterator{err: err}
	}
	return &iterator{it: it}
}

func (s *snapshot) Release() {
	if !s.released {
		s.released = true
		s.snap.Close()
	}
}

// iterator adapts a pebble iterator, which has no position before the
// first key, to engine.Iterator.  Next on a fresh iterator moves to the
// first pair.
type iterator struct {
	it       *pebble.Iterator
	started  bool
	released bool
	err      error
}

func (i *iterator) usable() bool {
	return i.it != nil && !i.released
}

func (i *iterator) First() bool {
	if !i.usable() {
		return false
	}
	i.started = true
	return i.it.First()
}

func (i *iterator) Last() bool {
	if !i.usable() {
		return false
	}
	i.started = true
	return i.it.Last()
}

func (i *iterator) Seek(key []byte) bool {
	if !i.usable() {
		return false
	}
	i.started = true
	return i.it.SeekGE(key)
}

func (i *iterator) Next() bool {
	if !i.started {
		return i.First()
	}
	if !i.usable() {
		return false
	}
	return i.it.Next()
}

func (i *iterator) Prev() bool {
	if !i.started || !i.usable() {
		return false
	}
	return i.it.Prev()
}

func (i *iterator) Valid() bool {
	return i.started && i.usable() && i.it.Valid()
}

func (i *iterator) Key() []byte {
	if !i.Valid() {
		return nil
	}
	return i.it.Key()
}

func (i *iterator) Value() []byte {
	if !i.Valid() {
		return nil
	}
	return i.it.Value()
}

func (i *iterator) Error() error {
	switch {
	case i.released:
		return engine.ErrIterReleased
	case i.err != nil:
		return i.err
	case i.it == nil:
		return nil
	}
	return i.it.Error()
}

func (i *iterator) Release() {
	if i.released {
		return
	}
	i.released = true
	if i.it != nil {
		i.it.Close()
	}
}
