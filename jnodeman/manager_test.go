package jnodeman_test

import (
	"testing"

	"github.com/btcsuite/btcd/wire"
	"github.com/jemcash/jnoded/internal/jnodetest"
	"github.com/jemcash/jnoded/jnode"
	"github.com/jemcash/jnoded/jnodeman"
	"github.com/jemcash/jnoded/netparams"
	"github.com/jemcash/jnoded/payments"
	"github.com/stretchr/testify/require"
)

var _ payments.Registry = (*jnodeman.Manager)(nil)

func TestAddAndLookup(t *testing.T) {
	chain := newTestChain()
	h := newHarness(chain, nil)

	var jns []*jnodetest.Jnode
	for n := byte(1); n <= 3; n++ {
		jn, e := enabledJnode(chain, n)
		require.True(t, h.m.Add(e))
		jns = append(jns, jn)
	}
	_, dup := enabledJnode(chain, 1)
	require.False(t, h.m.Add(dup))

	require.Equal(t, 3, h.m.Size())
	require.Equal(t, 3, h.m.Count(-1))
	require.Equal(t, 3, h.m.CountEnabled(-1))
	require.Equal(t, 0, h.m.CountEnabled(jnode.ProtocolVersion+1))
	require.Equal(t, 3, h.m.CountByIP(jnodeman.NetIPv4))
	require.Equal(t, 0, h.m.CountByIP(jnodeman.NetIPv6))

	op := jns[1].Vin.PreviousOutPoint
	require.True(t, h.m.Has(op))
	e, ok := h.m.Get(op)
	require.True(t, ok)
	require.Equal(t, jns[1].Addr, e.Addr)

	info, ok := h.m.JnodeInfoByPubKey(jns[2].Pub)
	require.True(t, ok)
	require.Equal(t, jns[2].Vin, info.Vin)

	info, ok = h.m.JnodeInfoByPayee(jnode.PayToPubKeyHashScript(jns[0].CollateralPub))
	require.True(t, ok)
	require.Equal(t, jns[0].Vin, info.Vin)

	_, ok = h.m.JnodeInfo(wire.OutPoint{Index: 7})
	require.False(t, ok)

	list := h.m.FullList()
	require.Len(t, list, 3)
	for i := 1; i < len(list); i++ {
		a, b := list[i-1].Outpoint(), list[i].Outpoint()
		require.Negative(t, jnode.CompareOutPoints(&a, &b))
	}

	// Handles are dense and stable.
	seen := make(map[int]bool)
	for _, jn := range jns {
		n, rebuilt := h.m.JnodeIndex(jn.Vin.PreviousOutPoint)
		require.False(t, rebuilt)
		require.GreaterOrEqual(t, n, 0)
		require.Less(t, n, 3)
		seen[n] = true
		back, _, ok := h.m.JnodeByIndex(n)
		require.True(t, ok)
		require.Equal(t, jn.Vin.PreviousOutPoint, back)
	}
	require.Len(t, seen, 3)
}

// TestBroadcastOrdering checks that applying an older and a newer broadcast
// leaves the same entry as the newer one alone, and that an older broadcast
// arriving second is rejected.
func TestBroadcastOrdering(t *testing.T) {
	chain := newTestChain()
	jn := jnodetest.NewJnode(chain, &netparams.MainNetParams, 1, testNow-3600)
	b1 := jn.Broadcast
	b2, err := jnode.CreateBroadcast(jn.Vin, jn.Addr, jn.CollateralKey,
		jn.CollateralPub, jn.Key, jn.Pub, chain, &netparams.MainNetParams,
		testNow-1800)
	require.NoError(t, err)
	op := jn.Vin.PreviousOutPoint
	peer := jnodetest.NewPeer(1, jnodetest.Addr(200))

	both := newHarness(chain, nil)
	require.NoError(t, both.m.ProcessMessage(peer, b1))
	require.NoError(t, both.m.ProcessMessage(peer, b2))

	alone := newHarness(chain, nil)
	require.NoError(t, alone.m.ProcessMessage(peer, b2))

	e1, ok := both.m.Get(op)
	require.True(t, ok)
	e2, ok := alone.m.Get(op)
	require.True(t, ok)
	require.Equal(t, e2.SigTime, e1.SigTime)
	require.Equal(t, e2.Sig, e1.Sig)
	require.Equal(t, e2.LastPing, e1.LastPing)
	require.Equal(t, e2.Addr, e1.Addr)
	require.Equal(t, e2.PubKeyJnode, e1.PubKeyJnode)
	require.Equal(t, e2.ProtocolVersion, e1.ProtocolVersion)
	require.Equal(t, 1, both.m.Size())

	// The replaced broadcast is no longer served.
	_, ok = both.m.SeenBroadcast(b1.Hash())
	require.False(t, ok)
	_, ok = both.m.SeenBroadcast(b2.Hash())
	require.True(t, ok)
	require.Len(t, both.transport.RelayedOfType(jnode.InvTypeAnnounce), 2)

	// Newer first, then the older one: rejected without penalty.
	err = alone.m.ProcessMessage(peer, b1)
	require.True(t, jnode.IsErrorCode(err, jnode.ErrStaleBroadcast))
	e, _ := alone.m.Get(op)
	require.Equal(t, b2.SigTime, e.SigTime)
	require.Zero(t, alone.transport.TotalMisbehavior(peer.ID()))
	require.Len(t, alone.transport.RelayedOfType(jnode.InvTypeAnnounce), 1)
}

func TestBroadcastBadSignature(t *testing.T) {
	chain := newTestChain()
	h := newHarness(chain, nil)
	jn := jnodetest.NewJnode(chain, &netparams.MainNetParams, 1, testNow)
	b := *jn.Broadcast
	b.ProtocolVersion++
	peer := jnodetest.NewPeer(1, jnodetest.Addr(200))

	err := h.m.ProcessMessage(peer, &b)
	require.True(t, jnode.IsErrorCode(err, jnode.ErrBadSignature))
	require.Equal(t, 0, h.m.Size())
	require.Equal(t, jnode.DoSScore(err), h.transport.TotalMisbehavior(peer.ID()))
}

// TestAnnounceThenPing follows a new jnode from its announcement to the
// enabled state.
func TestAnnounceThenPing(t *testing.T) {
	chain := newTestChain()
	h := newHarness(chain, nil)
	jn := jnodetest.NewJnode(chain, h.params, 1, testNow)
	op := jn.Vin.PreviousOutPoint
	peer := jnodetest.NewPeer(1, jnodetest.Addr(200))

	var added int
	h.m.Subscribe(func(n *jnodeman.Notification) {
		if n.Type == jnodeman.NTJnodesAdded {
			added++
		}
	})

	require.NoError(t, h.m.ProcessMessage(peer, jn.Broadcast))
	require.Equal(t, 1, added)
	require.Len(t, h.transport.Known, 1)

	h.clock.Advance(1)
	h.m.CheckJnode(op, true)
	state, ok := h.m.JnodeState(op)
	require.True(t, ok)
	require.Equal(t, jnode.StatePreEnabled, state)

	h.clock.Advance(jnode.MinPingSeconds)
	ping := jn.Ping(chain, testNow+1+jnode.MinPingSeconds)
	require.NoError(t, h.m.ProcessMessage(peer, ping))
	state, _ = h.m.JnodeState(op)
	require.Equal(t, jnode.StateEnabled, state)
	require.Len(t, h.transport.RelayedOfType(jnode.InvTypePing), 1)
	require.True(t, h.m.IsJnodePingedWithin(op, jnode.MinPingSeconds, -1))

	// The seen broadcast carries the new ping.
	seen, ok := h.m.SeenBroadcast(jn.Broadcast.Hash())
	require.True(t, ok)
	require.Equal(t, ping.SigTime, seen.LastPing.SigTime)

	// Duplicates are dropped silently.
	require.NoError(t, h.m.ProcessMessage(peer, ping))
	require.Len(t, h.transport.RelayedOfType(jnode.InvTypePing), 1)
	require.True(t, h.m.HaveInventory(wire.NewInvVect(jnode.InvTypePing, ptr(ping.Hash()))))
}

func TestPingUnknownJnode(t *testing.T) {
	chain := newTestChain()
	h := newHarness(chain, nil)
	jn := jnodetest.NewJnode(chain, h.params, 1, testNow)
	peer := jnodetest.NewPeer(1, jnodetest.Addr(200))

	err := h.m.ProcessMessage(peer, jn.Ping(chain, testNow))
	require.True(t, jnode.IsErrorCode(err, jnode.ErrUnknownJnode))
	asks := peer.Sent(jnode.CmdListRequest)
	require.Len(t, asks, 1)
	require.Equal(t, jn.Vin.PreviousOutPoint, asks[0].(*jnode.ListRequest).Vin.PreviousOutPoint)

	// The entry is not asked for again before DsegUpdateSeconds.
	h.m.ProcessMessage(peer, jn.Ping(chain, testNow+1))
	require.Len(t, peer.Sent(jnode.CmdListRequest), 1)

	h.clock.Advance(jnodeman.DsegUpdateSeconds)
	h.m.ProcessMessage(peer, jn.Ping(chain, testNow+2))
	require.Len(t, peer.Sent(jnode.CmdListRequest), 2)
}

func TestListRequest(t *testing.T) {
	chain := newTestChain()
	h := newHarness(chain, nil)
	var jns []*jnodetest.Jnode
	for n := byte(1); n <= 2; n++ {
		jn, e := enabledJnode(chain, n)
		h.m.Add(e)
		jns = append(jns, jn)
	}

	peer := jnodetest.NewPeer(1, jnodetest.Addr(200))
	require.NoError(t, h.m.ProcessMessage(peer, jnode.NewListRequest()))
	require.Len(t, peer.Inventory, 4)
	counts := peer.Sent(jnode.CmdSyncStatus)
	require.Len(t, counts, 1)
	require.Equal(t, &jnode.SyncStatusCount{ItemID: jnode.SyncItemList, Count: 2}, counts[0])

	// Every advertised object can be served.
	for _, iv := range peer.Inventory {
		require.True(t, h.m.HaveInventory(iv))
	}

	// A second full request within DsegUpdateSeconds is misbehavior.
	err := h.m.ProcessMessage(peer, jnode.NewListRequest())
	require.True(t, jnode.IsErrorCode(err, jnode.ErrRepeatedRequest))
	require.Equal(t, uint32(34), h.transport.TotalMisbehavior(peer.ID()))

	// Single entry requests are not rate limited.
	one := &jnode.ListRequest{Vin: jns[1].Vin}
	require.NoError(t, h.m.ProcessMessage(peer, one))
	require.Len(t, peer.Inventory, 6)
}

func TestDsegUpdate(t *testing.T) {
	h := newHarness(newTestChain(), nil)
	peer := jnodetest.NewPeer(1, jnodetest.Addr(200))

	h.m.DsegUpdate(peer)
	h.m.DsegUpdate(peer)
	require.Len(t, peer.Sent(jnode.CmdListRequest), 1)

	h.clock.Advance(jnodeman.DsegUpdateSeconds)
	h.m.DsegUpdate(peer)
	require.Len(t, peer.Sent(jnode.CmdListRequest), 2)
}

func TestCheckAndRemoveSpent(t *testing.T) {
	chain := newTestChain()
	h := newHarness(chain, nil)
	jn, e := enabledJnode(chain, 1)
	h.m.Add(e)
	h.m.NotifyJnodeUpdates()

	var removed []int
	h.m.Subscribe(func(n *jnodeman.Notification) {
		if n.Type == jnodeman.NTJnodesRemoved {
			removed = append(removed, n.Data.(int))
		}
	})

	chain.Spend(jn.Vin.PreviousOutPoint)
	h.m.CheckAndRemove()
	require.Equal(t, 0, h.m.Size())
	require.Equal(t, []int{0}, removed)
	_, ok := h.m.SeenBroadcast(jn.Broadcast.Hash())
	require.False(t, ok)
}

// TestOwnBroadcast checks that our own announcement coming back from the
// network resets our score and re-runs local activation.
func TestOwnBroadcast(t *testing.T) {
	chain := newTestChain()
	jn := jnodetest.NewJnode(chain, &netparams.MainNetParams, 1, testNow)
	local := jnodetest.NewLocal(2*1+2, jn.Addr)
	h := newHarness(chain, local)
	peer := jnodetest.NewPeer(1, jnodetest.Addr(200))

	require.NoError(t, h.m.ProcessMessage(peer, jn.Broadcast))
	e, ok := h.m.Get(jn.Vin.PreviousOutPoint)
	require.True(t, ok)
	require.Equal(t, int32(-jnode.PoSeBanMaxScore), e.PoSeBanScore)
	require.Equal(t, 1, local.Calls())
}

func TestUpdateJnodeList(t *testing.T) {
	chain := newTestChain()
	h := newHarness(chain, nil)
	jn := jnodetest.NewJnode(chain, h.params, 1, testNow-3600)

	h.m.UpdateJnodeList(jn.Broadcast)
	require.Equal(t, 1, h.m.Size())
	_, ok := h.m.SeenPing(jn.Broadcast.LastPing.Hash())
	require.True(t, ok)
	// Local announcements are not relayed.
	require.Empty(t, h.transport.Relayed)

	b2, err := jnode.CreateBroadcast(jn.Vin, jn.Addr, jn.CollateralKey,
		jn.CollateralPub, jn.Key, jn.Pub, chain, h.params, testNow)
	require.NoError(t, err)
	h.m.UpdateJnodeList(b2)
	e, _ := h.m.Get(jn.Vin.PreviousOutPoint)
	require.Equal(t, testNow, e.SigTime)
	_, ok = h.m.SeenBroadcast(jn.Broadcast.Hash())
	require.False(t, ok)

	// The ping signed together with b2 leaves the entry pre-enabled.  It
	// is adopted but not marked seen.
	require.Equal(t, b2.LastPing.SigTime, e.LastPing.SigTime)
	require.NotEqual(t, jnode.StateEnabled, e.ActiveState)
	_, ok = h.m.SeenPing(b2.LastPing.Hash())
	require.False(t, ok)
}

func ptr[T any](v T) *T { return &v }
