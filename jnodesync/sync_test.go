package jnodesync_test

import (
	"testing"

	"github.com/jemcash/jnoded/internal/jnodetest"
	"github.com/jemcash/jnoded/jnode"
	"github.com/jemcash/jnoded/jnodesync"
	"github.com/jemcash/jnoded/netparams"
	"github.com/jemcash/jnoded/payments"
	"github.com/stretchr/testify/require"
)

var _ jnode.SyncStatus = (*jnodesync.Manager)(nil)

const testNow = int64(1500000000)

type fakeRegistry struct {
	asked []int32
}

func (r *fakeRegistry) DsegUpdate(p jnode.Peer) { r.asked = append(r.asked, p.ID()) }

type fakeLedger struct {
	enough bool
	asked  []int32
}

func (l *fakeLedger) MinPaymentsProto() int32 { return jnode.MinPaymentProto2 }
func (l *fakeLedger) StorageLimit() int       { return jnode.MinStorageLimit }
func (l *fakeLedger) IsEnoughData() bool      { return l.enough }

func (l *fakeLedger) RequestLowDataPaymentBlocks(p jnode.Peer) {
	l.asked = append(l.asked, p.ID())
}

type harness struct {
	s         *jnodesync.Manager
	clock     *jnodetest.Clock
	transport *jnodetest.Transport
	reg       *fakeRegistry
	ledger    *fakeLedger
	finished  int
}

func newHarness(params *netparams.Params, peers ...*jnodetest.Peer) *harness {
	h := &harness{
		clock:     jnodetest.NewClock(testNow),
		transport: jnodetest.NewTransport(),
		reg:       &fakeRegistry{},
		ledger:    &fakeLedger{},
	}
	h.s = jnodesync.New(&jnodesync.Config{
		Params:     params,
		Transport:  h.transport,
		Clock:      h.clock,
		OnFinished: func() { h.finished++ },
	})
	h.s.SetSources(h.reg, h.ledger)
	for _, p := range peers {
		h.transport.AddPeer(p)
	}
	return h
}

func (h *harness) tick(seconds int64) {
	h.clock.Advance(seconds)
	h.s.ProcessTick()
}

func TestSyncStages(t *testing.T) {
	p1 := jnodetest.NewPeer(1, jnodetest.Addr(1))
	p2 := jnodetest.NewPeer(2, jnodetest.Addr(2))
	h := newHarness(&netparams.MainNetParams, p1, p2)
	require.Equal(t, jnodesync.AssetInitial, h.s.Asset())
	require.False(t, h.s.IsBlockchainSynced())

	// Nothing is requested until the chain is synced.
	h.tick(jnodesync.TickSeconds)
	require.Equal(t, jnodesync.AssetWaiting, h.s.Asset())
	require.Empty(t, h.reg.asked)

	h.s.UpdatedBlockTip(100, testNow)
	require.True(t, h.s.IsBlockchainSynced())

	// One peer per tick is asked for the list.
	h.tick(jnodesync.TickSeconds)
	require.Equal(t, jnodesync.AssetList, h.s.Asset())
	require.Equal(t, []int32{1}, h.reg.asked)
	h.tick(jnodesync.TickSeconds)
	require.Equal(t, []int32{1, 2}, h.reg.asked)
	h.tick(jnodesync.TickSeconds)
	require.Equal(t, []int32{1, 2}, h.reg.asked)
	require.Equal(t, 2, h.s.Attempt())
	require.False(t, h.s.IsJnodeListSynced())

	// New entries keep the stage alive.
	h.clock.Advance(jnodesync.TimeoutSeconds - 5)
	h.s.AddedJnodeList()
	h.tick(jnodesync.TickSeconds)
	require.Equal(t, jnodesync.AssetList, h.s.Asset())

	h.tick(jnodesync.TimeoutSeconds)
	require.Equal(t, jnodesync.AssetWinners, h.s.Asset())
	require.True(t, h.s.IsJnodeListSynced())
	require.False(t, h.s.IsWinnersListSynced())

	h.tick(jnodesync.TickSeconds)
	require.Equal(t, []int32{1}, h.ledger.asked)
	msgs := p1.Sent(payments.CmdPaymentSync)
	require.Len(t, msgs, 1)
	require.Equal(t, int32(jnode.MinStorageLimit), msgs[0].(*payments.PaymentSync).Count)
	h.tick(jnodesync.TickSeconds)
	require.Equal(t, []int32{1, 2}, h.ledger.asked)

	// Two peers asked and enough data: done.
	h.ledger.enough = true
	h.tick(jnodesync.TickSeconds)
	require.True(t, h.s.IsSynced())
	require.True(t, h.s.IsWinnersListSynced())
	require.Equal(t, 1, h.finished)
	require.Equal(t, "Synchronization finished", h.s.Status())
	require.Equal(t, float64(1), h.s.Progress())

	h.tick(jnodesync.TickSeconds)
	require.Equal(t, 1, h.finished)
	require.Empty(t, h.transport.Disconnected)
}

func TestSyncFailsWithoutUsablePeers(t *testing.T) {
	old := jnodetest.NewPeer(1, jnodetest.Addr(1))
	old.Version = jnode.MinPaymentProto1
	h := newHarness(&netparams.MainNetParams, old)
	h.s.UpdatedBlockTip(100, testNow)
	h.tick(jnodesync.TickSeconds)
	require.Equal(t, jnodesync.AssetList, h.s.Asset())

	require.Zero(t, h.s.Attempt())

	h.tick(jnodesync.TimeoutSeconds + 1)
	require.True(t, h.s.IsFailed())
	require.False(t, h.s.IsJnodeListSynced())

	// The sync restarts after a cooldown.
	h.tick(30)
	require.True(t, h.s.IsFailed())
	h.tick(31)
	require.Equal(t, jnodesync.AssetInitial, h.s.Asset())
	h.tick(jnodesync.TickSeconds)
	require.Equal(t, jnodesync.AssetList, h.s.Asset())
}

func TestSyncSkipsPeers(t *testing.T) {
	jnodeConn := jnodetest.NewPeer(1, jnodetest.Addr(1))
	jnodeConn.JnodeConn = true
	old := jnodetest.NewPeer(2, jnodetest.Addr(2))
	old.Version = jnode.MinPaymentProto1
	good := jnodetest.NewPeer(3, jnodetest.Addr(3))

	h := newHarness(&netparams.MainNetParams, jnodeConn, old, good)
	h.s.UpdatedBlockTip(100, testNow)
	h.tick(jnodesync.TickSeconds)
	require.Equal(t, []int32{3}, h.reg.asked)
	require.Equal(t, 1, h.s.Attempt())
}

func TestSyncStaleTip(t *testing.T) {
	h := newHarness(&netparams.MainNetParams)
	h.s.UpdatedBlockTip(100, testNow-2*60*60)
	require.False(t, h.s.IsBlockchainSynced())
	h.tick(jnodesync.TickSeconds)
	h.tick(jnodesync.TickSeconds)
	require.Equal(t, jnodesync.AssetWaiting, h.s.Asset())
	require.Equal(t, "Synchronizing blockchain...", h.s.Status())
}

func TestSyncResetAfterSuspend(t *testing.T) {
	p := jnodetest.NewPeer(1, jnodetest.Addr(1))
	h := newHarness(&netparams.MainNetParams, p)
	h.s.UpdatedBlockTip(100, testNow)
	h.tick(jnodesync.TickSeconds)
	require.Equal(t, jnodesync.AssetList, h.s.Asset())

	h.tick(2 * 60 * 60)
	require.Equal(t, jnodesync.AssetWaiting, h.s.Asset())
	require.False(t, h.s.IsBlockchainSynced())
}

func TestSyncRegTest(t *testing.T) {
	p := jnodetest.NewPeer(1, jnodetest.Addr(1))
	h := newHarness(&netparams.RegressionNetParams, p)
	h.s.UpdatedBlockTip(100, testNow)
	for i := 0; i < 5; i++ {
		h.tick(jnodesync.TickSeconds)
	}
	require.Equal(t, []int32{1, 1}, h.reg.asked)
	require.Equal(t, []int32{1, 1}, h.ledger.asked)
	require.True(t, h.s.IsSynced())
	require.Equal(t, 1, h.finished)
}
