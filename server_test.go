package main

import (
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/jemcash/jnoded/jnode"
	"github.com/stretchr/testify/require"
)

func newTestPeerState() *peerState {
	return &peerState{
		inboundPeers:   make(map[int32]*serverPeer),
		outboundPeers:  make(map[int32]*serverPeer),
		jnodePeers:     make(map[int32]*serverPeer),
		banned:         make(map[string]time.Time),
		outboundGroups: make(map[string]int),
	}
}

func newPipePeer(t *testing.T, s *server, remote string, inbound, jnodeConn bool) *serverPeer {
	t.Helper()
	local, other := net.Pipe()
	t.Cleanup(func() { other.Close() })
	addr, err := net.ResolveTCPAddr("tcp", remote)
	require.NoError(t, err)
	sp, err := newServerPeer(s, local, addr, inbound, nil, jnodeConn)
	require.NoError(t, err)
	return sp
}

func TestParseListeners(t *testing.T) {
	addrs, err := parseListeners([]string{":2810", "127.0.0.1:2811", "[::1]:2812"})
	require.NoError(t, err)
	require.Len(t, addrs, 4)
	require.Equal(t, "tcp4", addrs[0].Network())
	require.Equal(t, "tcp6", addrs[1].Network())
	require.Equal(t, "tcp4", addrs[2].Network())
	require.Equal(t, "127.0.0.1:2811", addrs[2].String())
	require.Equal(t, "tcp6", addrs[3].Network())

	_, err = parseListeners([]string{"localhost:2810"})
	require.Error(t, err)
	_, err = parseListeners([]string{"2810"})
	require.Error(t, err)
}

func TestBannedPeerRejected(t *testing.T) {
	cfg = &config{BanDuration: time.Hour, MaxPeers: 8, BanThreshold: 100}
	s := &server{}
	state := newTestPeerState()

	first := newPipePeer(t, s, "10.1.2.3:2810", true, false)
	s.handleBanPeerMsg(state, first)
	require.Contains(t, state.banned, "10.1.2.3")

	second := newPipePeer(t, s, "10.1.2.3:4000", true, false)
	require.False(t, s.handleAddPeerMsg(state, second))
	require.False(t, second.Connected())
	require.Zero(t, state.Count())

	// An expired ban is lifted on the next connection attempt.
	state.banned["10.1.2.3"] = time.Now().Add(-time.Second)
	s.shutdown = 1
	third := newPipePeer(t, s, "10.1.2.3:4001", true, false)
	require.False(t, s.handleAddPeerMsg(state, third))
	require.Contains(t, state.banned, "10.1.2.3", "shutdown check runs first")
}

func TestMaxPeers(t *testing.T) {
	cfg = &config{BanDuration: time.Hour, MaxPeers: 1, BanThreshold: 100}
	s := &server{}
	state := newTestPeerState()

	existing := newPipePeer(t, s, "10.0.0.1:2810", true, false)
	state.inboundPeers[existing.id] = existing
	jn := newPipePeer(t, s, "10.0.0.3:2810", false, true)
	state.jnodePeers[jn.id] = jn
	require.Equal(t, 1, state.Count())

	extra := newPipePeer(t, s, "10.0.0.2:2810", true, false)
	require.False(t, s.handleAddPeerMsg(state, extra))
	require.False(t, extra.Connected())

	var seen int
	state.forAllPeers(func(*serverPeer) { seen++ })
	require.Equal(t, 2, seen)
}

func TestAddBanScore(t *testing.T) {
	cfg = &config{BanThreshold: 100}
	s := &server{
		banPeers: make(chan *serverPeer, 1),
		quit:     make(chan struct{}),
	}
	sp := newPipePeer(t, s, "10.0.0.9:2810", true, false)

	require.False(t, sp.addBanScore(0, 0, "nothing"))
	require.False(t, sp.addBanScore(50, 0, "first"))
	require.True(t, sp.Connected())
	require.True(t, sp.addBanScore(50, 0, "second"))
	require.False(t, sp.Connected())
	require.Equal(t, sp, <-s.banPeers)

	// Whitelisted peers are never banned.
	_, ipnet, err := net.ParseCIDR("10.0.0.0/8")
	require.NoError(t, err)
	cfg.whitelists = []*net.IPNet{ipnet}
	white := newPipePeer(t, s, "10.0.0.10:2810", true, false)
	require.True(t, white.isWhitelisted)
	require.False(t, white.addBanScore(200, 0, "ignored"))
	require.True(t, white.Connected())
}

func TestInventoryFor(t *testing.T) {
	ping := &jnode.Ping{SigTime: 1234}
	iv := inventoryFor(ping)
	require.NotNil(t, iv)
	require.Equal(t, jnode.InvTypePing, iv.Type)
	require.Equal(t, ping.Hash(), iv.Hash)

	require.Nil(t, inventoryFor(wire.NewMsgVerAck()))
}

func TestQueueInventorySkipsKnown(t *testing.T) {
	cfg = &config{BanThreshold: 100}
	s := &server{}
	sp := newPipePeer(t, s, "10.0.0.4:2810", true, false)

	known := inventoryFor(&jnode.Ping{SigTime: 1})
	fresh := inventoryFor(&jnode.Ping{SigTime: 2})
	sp.addKnownInventory(known)
	sp.QueueInventory(known)
	sp.QueueInventory(fresh)
	require.Len(t, sp.invPending, 1)
	require.Equal(t, fresh.Hash, sp.invPending[0].Hash)
}

func TestStaticSporks(t *testing.T) {
	sporks := staticSporks{jnode.SporkPayUpdatedNodes: true}
	require.True(t, sporks.IsActive(jnode.SporkPayUpdatedNodes))
	require.False(t, sporks.IsActive(jnode.SporkPaymentEnforcement))
}

func TestGoDial(t *testing.T) {
	s := &server{}
	release := make(chan struct{})
	var runs int32
	dial := func() {
		atomic.AddInt32(&runs, 1)
		<-release
	}

	require.True(t, s.goDial(&s.recoveryDialing, dial))
	// A second round is skipped while the first still dials.
	require.False(t, s.goDial(&s.recoveryDialing, dial))
	// Other dial kinds are independent.
	require.True(t, s.goDial(&s.verifyDialing, func() {}))

	close(release)
	s.wg.Wait()
	require.Equal(t, int32(1), atomic.LoadInt32(&runs))
	require.Zero(t, atomic.LoadInt32(&s.recoveryDialing))
	require.Zero(t, atomic.LoadInt32(&s.verifyDialing))

	require.True(t, s.goDial(&s.recoveryDialing, func() {}))
	s.wg.Wait()
}
