package engine

import "errors"

// Iterator walks the key/value pairs of a Range in key order.  A fresh
// iterator is positioned before the first pair.
type Iterator interface {
	// First moves to the first pair and reports whether it exists.
	First() bool

	// Last moves to the last pair and reports whether it exists.
	Last() bool

	// Seek moves to the first pair whose key is greater than or equal to
	// key.  The argument may be modified after Seek returns.
	Seek(key []byte) bool

	// Next moves to the next pair.  It returns false once exhausted.
	Next() bool

	// Prev moves to the previous pair.  It returns false once exhausted.
	Prev() bool

	Valid() bool

	// Error returns any accumulated error.  Exhaustion is not an error.
	Error() error

	// Key returns the current key, or nil when the iterator is not
	// positioned.  The slice is only valid until the iterator moves.
	Key() []byte

	// Value returns the current value, or nil when the iterator is not
	// positioned.  The slice is only valid until the iterator moves.
	Value() []byte

	Releaser
}

// ErrIterReleased is returned by Error after Release.
var ErrIterReleased = errors.New("iterator: iterator released")

// Range is a key range.
type Range struct {
	// Start of the key range, included in the range.
	Start []byte

	// Limit of the key range, not included in the range.  A nil limit
	// leaves the range unbounded.
	Limit []byte
}

// Contains reports whether key falls inside r.
func (r *Range) Contains(key []byte) bool {
	if r == nil {
		return true
	}
	if r.Start != nil && string(key) < string(r.Start) {
		return false
	}
	return r.Limit == nil || string(key) < string(r.Limit)
}

// BytesPrefix returns the key range holding every key with the given prefix.
func BytesPrefix(prefix []byte) *Range {
	var limit []byte
	for i := len(prefix) - 1; i >= 0; i-- {
		c := prefix[i]
		if c < 0xff {
			limit = make([]byte, i+1)
			copy(limit, prefix)
			limit[i] = c + 1
			break
		}
	}
	return &Range{prefix, limit}
}
