package jnodeman

import (
	"sort"

	"github.com/btcsuite/btcd/wire"
	"github.com/jemcash/jnoded/jnode"
)

// Index maps jnode collateral outpoints to small integers and back.  It is
// append only: handles stay stable until the index is rebuilt.
type Index struct {
	forward map[wire.OutPoint]int
	reverse map[int]wire.OutPoint
}

// NewIndex returns an empty index.
func NewIndex() *Index {
	return &Index{
		forward: make(map[wire.OutPoint]int),
		reverse: make(map[int]wire.OutPoint),
	}
}

// Size returns the number of handles handed out.
func (x *Index) Size() int {
	return len(x.forward)
}

// Add assigns the next handle to op unless it already has one.
func (x *Index) Add(op wire.OutPoint) {
	if _, ok := x.forward[op]; ok {
		return
	}
	n := len(x.forward)
	x.forward[op] = n
	x.reverse[n] = op
}

// Get returns the handle of op, or -1.
func (x *Index) Get(op wire.OutPoint) int {
	n, ok := x.forward[op]
	if !ok {
		return -1
	}
	return n
}

// Outpoint returns the outpoint with handle n.
func (x *Index) Outpoint(n int) (wire.OutPoint, bool) {
	op, ok := x.reverse[n]
	return op, ok
}

// Clear drops every handle.
func (x *Index) Clear() {
	x.forward = make(map[wire.OutPoint]int)
	x.reverse = make(map[int]wire.OutPoint)
}

func (x *Index) clone() *Index {
	c := NewIndex()
	for op, n := range x.forward {
		c.forward[op] = n
		c.reverse[n] = op
	}
	return c
}

// sortedOutpoints returns the indexed outpoints in handle order.
func (x *Index) sortedOutpoints() []wire.OutPoint {
	ops := make([]wire.OutPoint, 0, len(x.forward))
	for n := 0; n < len(x.reverse); n++ {
		if op, ok := x.reverse[n]; ok {
			ops = append(ops, op)
		}
	}
	return ops
}

// load replaces the index with the persisted forward map and rebuilds the
// reverse side.
func (x *Index) load(forward map[wire.OutPoint]int) {
	x.forward = forward
	x.reverse = make(map[int]wire.OutPoint, len(forward))
	for op, n := range forward {
		x.reverse[n] = op
	}
}

// byOutpoint sorts outpoints in raw byte order.
type byOutpoint []wire.OutPoint

func (s byOutpoint) Len() int      { return len(s) }
func (s byOutpoint) Swap(i, j int) { s[i], s[j] = s[j], s[i] }
func (s byOutpoint) Less(i, j int) bool {
	return jnode.CompareOutPoints(&s[i], &s[j]) < 0
}

func sortOutpoints(ops []wire.OutPoint) {
	sort.Sort(byOutpoint(ops))
}
