package activejnode_test

import (
	"testing"

	"github.com/btcsuite/btcd/wire"
	"github.com/jemcash/jnoded/activejnode"
	"github.com/jemcash/jnoded/internal/jnodetest"
	"github.com/jemcash/jnoded/jnode"
	"github.com/jemcash/jnoded/jnodeman"
	"github.com/jemcash/jnoded/netparams"
	"github.com/stretchr/testify/require"
)

var (
	_ jnode.LocalJnode     = (*activejnode.ActiveJnode)(nil)
	_ activejnode.Registry = (*jnodeman.Manager)(nil)
)

const testNow = int64(1500000000)

type node struct {
	a         *activejnode.ActiveJnode
	m         *jnodeman.Manager
	jn        *jnodetest.Jnode
	chain     *jnodetest.Chain
	clock     *jnodetest.Clock
	sync      *jnodetest.Sync
	transport *jnodetest.Transport
}

// newNode returns the jnode numbered 1 with an empty registry.  mod
// adjusts the activation config before the state machine is built.
func newNode(mod func(*activejnode.Config)) *node {
	n := &node{
		chain:     jnodetest.NewChain(200, testNow-40000-200*jnodetest.BlockSpacing),
		clock:     jnodetest.NewClock(testNow),
		sync:      jnodetest.NewSync(),
		transport: jnodetest.NewTransport(),
	}
	params := &netparams.MainNetParams
	n.jn = jnodetest.NewJnode(n.chain, params, 1, testNow-2000)

	cfg := &activejnode.Config{
		Params:       params,
		Chain:        n.chain,
		Sync:         n.sync,
		Transport:    n.transport,
		Clock:        n.clock,
		Enabled:      true,
		Key:          n.jn.Key,
		Listen:       true,
		ExternalAddr: n.jn.Addr,
	}
	if mod != nil {
		mod(cfg)
	}
	n.a = activejnode.New(cfg)
	n.m = jnodeman.New(&jnodeman.Config{
		Params:    params,
		Chain:     n.chain,
		Sync:      n.sync,
		Transport: n.transport,
		Clock:     n.clock,
		Local:     n.a,
	})
	n.a.SetRegistry(n.m)
	return n
}

// announce adds the jnode to the registry as enabled, last pinged at
// pingTime.
func (n *node) announce(t *testing.T, pingTime int64) {
	t.Helper()
	e := n.jn.Entry()
	e.LastPing = *n.jn.Ping(n.chain, pingTime)
	e.ActiveState = jnode.StateEnabled
	require.True(t, n.m.Add(e))
}

func TestNotAJnode(t *testing.T) {
	n := newNode(func(cfg *activejnode.Config) { cfg.Enabled = false })
	require.False(t, n.a.IsJnode())
	n.a.ManageState()
	require.Equal(t, activejnode.StateInitial, n.a.State())
	require.Equal(t, "INITIAL", n.a.StateString())
	require.Equal(t, "UNKNOWN", n.a.TypeString())
	require.Empty(t, n.transport.Connected)
}

func TestSyncInProcess(t *testing.T) {
	n := newNode(nil)
	n.announce(t, testNow-700)
	n.sync.Blockchain = false
	n.a.ManageState()
	require.Equal(t, activejnode.StateSyncInProcess, n.a.State())
	require.Contains(t, n.a.Status(), "Sync in progress")

	n.sync.Blockchain = true
	n.a.ManageState()
	require.Equal(t, activejnode.StateStarted, n.a.State())
}

func TestNotCapable(t *testing.T) {
	tests := []struct {
		name   string
		mod    func(*activejnode.Config)
		reason string
	}{{
		name:   "not listening",
		mod:    func(cfg *activejnode.Config) { cfg.Listen = false },
		reason: "must accept connections",
	}, {
		name:   "no address and no peers",
		mod:    func(cfg *activejnode.Config) { cfg.ExternalAddr = jnode.Service{} },
		reason: "Will retry",
	}, {
		name: "wrong mainnet port",
		mod: func(cfg *activejnode.Config) {
			cfg.ExternalAddr.Port = netparams.MainnetPort + 1
		},
		reason: "Invalid port",
	}, {
		name:   "address differs from announcement",
		mod:    func(cfg *activejnode.Config) { cfg.ExternalAddr = jnodetest.Addr(9) },
		reason: "Broadcasted IP doesn't match",
	}}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			n := newNode(test.mod)
			n.announce(t, testNow-700)
			n.a.ManageState()
			require.Equal(t, activejnode.StateNotCapable, n.a.State())
			require.Contains(t, n.a.Status(), test.reason)
			require.Empty(t, n.transport.RelayedOfType(jnode.InvTypePing))
		})
	}
}

func TestNotInList(t *testing.T) {
	n := newNode(nil)
	n.a.ManageState()
	require.Equal(t, activejnode.StateNotCapable, n.a.State())
	require.Equal(t, activejnode.TypeRemote, n.a.Type())
	require.Contains(t, n.a.Status(), "not in jnode list")
	_, ok := n.a.Vin()
	require.False(t, ok)
}

func TestAddressFromPeers(t *testing.T) {
	var asked []jnode.Service
	n := newNode(func(cfg *activejnode.Config) {
		addr := cfg.ExternalAddr
		cfg.ExternalAddr = jnode.Service{}
		cfg.LocalAddr = func(remote jnode.Service) (jnode.Service, bool) {
			asked = append(asked, remote)
			return addr, true
		}
	})
	n.announce(t, testNow-700)
	n.transport.AddPeer(jnodetest.NewPeer(5, jnodetest.Addr(77)))

	n.a.ManageState()
	require.Equal(t, activejnode.StateStarted, n.a.State())
	require.Equal(t, []jnode.Service{jnodetest.Addr(77)}, asked)
	require.Equal(t, n.jn.Addr, n.a.Service())
}

func TestRemoteStart(t *testing.T) {
	n := newNode(nil)
	op := n.jn.Vin.PreviousOutPoint
	n.announce(t, testNow-700)
	require.False(t, n.a.UpdateSentinelPing())

	n.a.ManageState()
	require.Equal(t, activejnode.StateStarted, n.a.State())
	require.Equal(t, activejnode.TypeRemote, n.a.Type())
	require.Equal(t, "Jnode successfully started", n.a.Status())
	vin, ok := n.a.Vin()
	require.True(t, ok)
	require.Equal(t, op, vin.PreviousOutPoint)
	require.Equal(t, []jnode.Service{n.jn.Addr}, n.transport.Connected)

	// Started jnodes ping right away.
	pings := n.transport.RelayedOfType(jnode.InvTypePing)
	require.Len(t, pings, 1)
	e, _ := n.m.Get(op)
	require.Equal(t, testNow, e.LastPing.SigTime)
	_, ok = n.m.SeenPing(pings[0].Hash)
	require.True(t, ok)

	// But not more often than every ping interval.
	n.clock.Advance(jnode.MinPingSeconds - 1)
	n.a.ManageState()
	require.Len(t, n.transport.RelayedOfType(jnode.InvTypePing), 1)

	n.clock.Advance(1)
	n.a.ManageState()
	require.Len(t, n.transport.RelayedOfType(jnode.InvTypePing), 2)

	require.True(t, n.a.UpdateSentinelPing())
	e, _ = n.m.Get(op)
	require.Equal(t, n.clock.Unix(), e.TimeLastWatchdogVote)

	snap := n.a.Snapshot()
	require.Equal(t, activejnode.StateStarted, snap.State)
	require.True(t, snap.Pinger)
	require.NotNil(t, snap.Vin)
	require.Equal(t, n.jn.Pub, snap.PubKey)
}

func TestLocalStart(t *testing.T) {
	n := newNode(nil)
	wallet := jnodetest.NewWallet(n.jn)
	n = rebuild(n, wallet)
	op := n.jn.Vin.PreviousOutPoint

	n.a.ManageState()
	require.Equal(t, activejnode.StateStarted, n.a.State())
	require.Equal(t, activejnode.TypeLocal, n.a.Type())
	require.Equal(t, []wire.OutPoint{op}, wallet.LockedOps)
	require.True(t, n.m.Has(op))
	announces := n.transport.RelayedOfType(jnode.InvTypeAnnounce)
	require.Len(t, announces, 1)
	b, ok := n.m.SeenBroadcast(announces[0].Hash)
	require.True(t, ok)
	require.Equal(t, n.jn.Addr, b.Addr)
	require.NoError(t, b.CheckSignature())

	// The announcement carries a fresh ping, the next one is due later.
	require.Empty(t, n.transport.RelayedOfType(jnode.InvTypePing))
	n.clock.Advance(jnode.MinPingSeconds + 1)
	n.a.ManageState()
	require.Len(t, n.transport.RelayedOfType(jnode.InvTypePing), 1)
	require.Len(t, n.transport.RelayedOfType(jnode.InvTypeAnnounce), 1)
}

func TestLocalInputTooNew(t *testing.T) {
	n := newNode(nil)
	ckey, cpub := jnodetest.Key(90)
	young := n.chain.AddCollateral(90, jnode.CollateralAmount,
		jnode.PayToPubKeyHashScript(cpub), n.chain.TipHeight()-5)
	wallet := &jnodetest.Wallet{
		Funds: jnode.CollateralAmount,
		Collateral: &jnode.Collateral{
			OutPoint: young,
			PubKey:   cpub,
			PrivKey:  ckey,
		},
	}
	n = rebuild(n, wallet)

	n.a.ManageState()
	require.Equal(t, activejnode.StateInputTooNew, n.a.State())
	require.Contains(t, n.a.Status(), "15 confirmations")
	require.Empty(t, wallet.LockedOps)
	require.False(t, n.m.Has(young))
}

func TestLockedWalletRunsRemote(t *testing.T) {
	n := newNode(nil)
	wallet := jnodetest.NewWallet(n.jn)
	wallet.Locked = true
	n = rebuild(n, wallet)

	n.a.ManageState()
	require.Equal(t, activejnode.TypeRemote, n.a.Type())
	require.Equal(t, activejnode.StateNotCapable, n.a.State())
	require.Empty(t, wallet.LockedOps)
}

// rebuild replaces the state machine and registry of n with ones whose
// activation uses wallet.
func rebuild(n *node, wallet jnode.Wallet) *node {
	params := &netparams.MainNetParams
	n.a = activejnode.New(&activejnode.Config{
		Params:       params,
		Chain:        n.chain,
		Sync:         n.sync,
		Transport:    n.transport,
		Clock:        n.clock,
		Wallet:       wallet,
		Enabled:      true,
		Key:          n.jn.Key,
		Listen:       true,
		ExternalAddr: n.jn.Addr,
	})
	n.m = jnodeman.New(&jnodeman.Config{
		Params:    params,
		Chain:     n.chain,
		Sync:      n.sync,
		Transport: n.transport,
		Clock:     n.clock,
		Local:     n.a,
	})
	n.a.SetRegistry(n.m)
	return n
}
