package badgerdb

import (
	"bytes"
	"sort"

	"github.com/jemcash/jnoded/database/engine"
)

// Iterator walks pairs copied out of a snapshot.  pos is -1 before the
// first pair and len(keys) after the last.
type Iterator struct {
	keys     [][]byte
	values   [][]byte
	pos      int
	err      error
	released bool
}

func (i *Iterator) move(pos int) bool {
	if i.released || i.err != nil {
		return false
	}
	switch {
	case pos < 0:
		i.pos = -1
	case pos >= len(i.keys):
		i.pos = len(i.keys)
	default:
		i.pos = pos
	}
	return i.Valid()
}

func (i *Iterator) First() bool { return i.move(0) }
func (i *Iterator) Last() bool  { return i.move(len(i.keys) - 1) }
func (i *Iterator) Next() bool  { return i.move(i.pos + 1) }

func (i *Iterator) Prev() bool {
	if i.pos < 0 {
		return false
	}
	return i.move(i.pos - 1)
}

func (i *Iterator) Seek(key []byte) bool {
	return i.move(sort.Search(len(i.keys), func(n int) bool {
		return bytes.Compare(i.keys[n], key) >= 0
	}))
}

func (i *Iterator) Valid() bool {
	return !i.released && i.pos >= 0 && i.pos < len(i.keys)
}

func (i *Iterator) Error() error {
	if i.released {
		return engine.ErrIterReleased
	}
	return i.err
}

func (i *Iterator) Key() []byte {
	if !i.Valid() {
		return nil
	}
	return i.keys[i.pos]
}

func (i *Iterator) Value() []byte {
	if !i.Valid() {
		return nil
	}
	return i.values[i.pos]
}

func (i *Iterator) Release() {
	i.released = true
	i.keys, i.values = nil, nil
}
