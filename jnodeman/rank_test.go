package jnodeman_test

import (
	"testing"

	"github.com/btcsuite/btcd/wire"
	"github.com/jemcash/jnoded/internal/jnodetest"
	"github.com/jemcash/jnoded/jnode"
	"github.com/stretchr/testify/require"
)

func addEnabled(t *testing.T, h *harness, first, last byte) []*jnodetest.Jnode {
	t.Helper()
	var jns []*jnodetest.Jnode
	for n := first; n <= last; n++ {
		jn, e := enabledJnode(h.chain, n)
		require.True(t, h.m.Add(e))
		jns = append(jns, jn)
	}
	return jns
}

func TestRanksDeterministic(t *testing.T) {
	h := newHarness(newTestChain(), nil)
	addEnabled(t, h, 1, 6)

	height := testTip - 5
	scores := h.m.Scores(height, 0, true)
	require.Len(t, scores, 6)
	require.Equal(t, scores, h.m.Scores(height, 0, true))

	// Another block orders the entries differently but still ranks all.
	require.Len(t, h.m.Scores(height-1, 0, true), 6)

	for i, op := range scores {
		require.Equal(t, i+1, h.m.JnodeRank(op, height, 0, true))
		info, ok := h.m.JnodeByRank(i+1, height, 0, true)
		require.True(t, ok)
		require.Equal(t, op, info.Vin.PreviousOutPoint)
	}

	ranks := h.m.Ranks(height, 0)
	require.Len(t, ranks, 6)
	for i, r := range ranks {
		require.Equal(t, i+1, r.Rank)
		require.Equal(t, scores[i], r.Info.Vin.PreviousOutPoint)
	}

	_, ok := h.m.JnodeByRank(7, height, 0, true)
	require.False(t, ok)
	require.Equal(t, -1, h.m.JnodeRank(wire.OutPoint{Index: 9}, height, 0, true))
	require.Equal(t, -1, h.m.JnodeRank(scores[0], testTip+10, 0, true))
	require.Empty(t, h.m.Scores(height, jnode.ProtocolVersion+1, true))
}

func TestNextInQueueForPayment(t *testing.T) {
	chain := newTestChain()
	h := newHarness(chain, nil)
	var want wire.OutPoint
	for n := byte(1); n <= 12; n++ {
		jn, e := enabledJnode(chain, n)
		e.BlockLastPaid = 100 + int32(n)
		if n == 1 {
			want = jn.Vin.PreviousOutPoint
		}
		require.True(t, h.m.Add(e))
	}

	// With twelve jnodes only the one paid longest ago competes.
	for _, filter := range []bool{true, false} {
		info, count := h.m.NextInQueueForPayment(testTip+1, filter)
		require.Equal(t, 12, count)
		require.NotNil(t, info)
		require.Equal(t, want, info.Vin.PreviousOutPoint)
	}
}

func TestNextInQueueSkipsYoungCollateral(t *testing.T) {
	chain := newTestChain()
	h := newHarness(chain, nil)
	// Thirty jnodes but collateral only twenty one blocks deep.
	addEnabled(t, h, 1, 30)

	info, count := h.m.NextInQueueForPayment(testTip+1, false)
	require.Nil(t, info)
	require.Zero(t, count)
}

func TestFindRandomNotInVec(t *testing.T) {
	h := newHarness(newTestChain(), nil)
	jns := addEnabled(t, h, 1, 3)

	exclude := []wire.OutPoint{jns[0].Vin.PreviousOutPoint, jns[2].Vin.PreviousOutPoint}
	info, ok := h.m.FindRandomNotInVec(exclude, -1)
	require.True(t, ok)
	require.Equal(t, jns[1].Vin, info.Vin)

	exclude = append(exclude, jns[1].Vin.PreviousOutPoint)
	_, ok = h.m.FindRandomNotInVec(exclude, -1)
	require.False(t, ok)
}
