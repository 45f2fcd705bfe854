package jnode_test

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/jemcash/jnoded/internal/jnodetest"
	"github.com/jemcash/jnoded/jnode"
	"github.com/jemcash/jnoded/netparams"
	"github.com/stretchr/testify/require"
)

const testNow = int64(1500000000)

func newTestChain() *jnodetest.Chain {
	const tip = 200
	return jnodetest.NewChain(tip, testNow-tip*jnodetest.BlockSpacing)
}

func newContext(chain *jnodetest.Chain, now int64) *jnode.CheckContext {
	return &jnode.CheckContext{
		Now:              now,
		Guard:            chain,
		RegistrySize:     10,
		ListSynced:       true,
		MinPaymentsProto: jnode.MinPaymentProto1,
	}
}

// TestCheckLifecycle walks an entry from announcement through the timing
// driven states.
func TestCheckLifecycle(t *testing.T) {
	chain := newTestChain()
	params := &netparams.MainNetParams
	jn := jnodetest.NewJnode(chain, params, 1, testNow)
	e := jn.Entry()

	// A ping signed together with the announcement is too close to it.
	ctx := newContext(chain, testNow+1)
	e.Check(ctx, false)
	require.Equal(t, jnode.StatePreEnabled, e.ActiveState)

	// A fresh ping after the minimum interval enables the entry.
	now := testNow + jnode.MinPingSeconds + 1
	ctx = newContext(chain, now)
	err := jn.Ping(chain, now).CheckAndUpdate(e, false, chain, ctx)
	require.NoError(t, err)
	require.Equal(t, jnode.StateEnabled, e.ActiveState)

	// Non-forced checks are rate limited.
	ctx.Now = now + jnode.ExpirationSeconds + 1
	e.TimeLastChecked = ctx.Now - 1
	e.Check(ctx, false)
	require.Equal(t, jnode.StateEnabled, e.ActiveState)

	e.Check(ctx, true)
	require.Equal(t, jnode.StateExpired, e.ActiveState)

	ctx.Now = now + jnode.NewStartRequiredSeconds
	e.Check(ctx, true)
	require.Equal(t, jnode.StateNewStartRequired, e.ActiveState)

	// Spent collateral is final.
	chain.Spend(jn.Vin.PreviousOutPoint)
	e.Check(ctx, true)
	require.Equal(t, jnode.StateOutpointSpent, e.ActiveState)
	require.False(t, e.IsValidForPayment())
}

func TestCheckWaitsForPingWhileSyncing(t *testing.T) {
	chain := newTestChain()
	e := jnodetest.NewJnode(chain, &netparams.MainNetParams, 2, testNow).Entry()
	e.ActiveState = jnode.StateExpired

	ctx := newContext(chain, testNow+2*jnode.NewStartRequiredSeconds)
	ctx.ListSynced = false
	e.Check(ctx, true)
	require.Equal(t, jnode.StateExpired, e.ActiveState)

	ctx.ListSynced = true
	e.Check(ctx, true)
	require.Equal(t, jnode.StateNewStartRequired, e.ActiveState)
}

func TestCheckWatchdog(t *testing.T) {
	chain := newTestChain()
	jn := jnodetest.NewJnode(chain, &netparams.MainNetParams, 3, testNow)
	e := jn.Entry()
	e.LastPing = *jn.Ping(chain, testNow+jnode.MinPingSeconds)

	ctx := newContext(chain, testNow+jnode.MinPingSeconds+10)
	ctx.WatchdogActive = true
	e.TimeLastWatchdogVote = ctx.Now - jnode.WatchdogMaxSeconds - 1
	e.Check(ctx, true)
	require.Equal(t, jnode.StateWatchdogExpired, e.ActiveState)

	e.UpdateWatchdogVoteTime(ctx.Now)
	e.Check(ctx, true)
	require.Equal(t, jnode.StateEnabled, e.ActiveState)
}

func TestCheckUpdateRequired(t *testing.T) {
	chain := newTestChain()
	jn := jnodetest.NewJnode(chain, &netparams.MainNetParams, 4, testNow)
	e := jn.Entry()

	ctx := newContext(chain, testNow+1)
	ctx.MinPaymentsProto = jnode.MinPaymentProto2
	e.ProtocolVersion = jnode.MinPaymentProto1
	e.Check(ctx, true)
	require.Equal(t, jnode.StateUpdateRequired, e.ActiveState)

	// Our own jnode must be inside the payment protocol window.
	ctx.MinPaymentsProto = jnode.MinPaymentProto1
	ctx.LocalPubKey = jn.Pub
	e.ProtocolVersion = jnode.MinPaymentProto2 + 1
	e.Check(ctx, true)
	require.Equal(t, jnode.StateUpdateRequired, e.ActiveState)

	e.ProtocolVersion = jnode.ProtocolVersion
	e.Check(ctx, true)
	require.Equal(t, jnode.StatePreEnabled, e.ActiveState)
}

// TestPoSeBanScore checks the score stays bounded and drives the ban.
func TestPoSeBanScore(t *testing.T) {
	chain := newTestChain()
	e := jnodetest.NewJnode(chain, &netparams.MainNetParams, 5, testNow).Entry()

	for i := 0; i < 20; i++ {
		e.DecreasePoSeBanScore()
		require.GreaterOrEqual(t, e.PoSeBanScore, int32(-jnode.PoSeBanMaxScore))
	}
	require.True(t, e.IsPoSeVerified())

	for i := 0; i < 20; i++ {
		e.IncreasePoSeBanScore()
		require.LessOrEqual(t, e.PoSeBanScore, int32(jnode.PoSeBanMaxScore))
	}
	require.False(t, e.IsPoSeVerified())

	ctx := newContext(chain, testNow+1)
	e.Check(ctx, true)
	require.Equal(t, jnode.StatePoSeBan, e.ActiveState)
	banHeight := chain.TipHeight() + int32(ctx.RegistrySize)
	require.Equal(t, banHeight, e.PoSeBanHeight)

	// Banned until the ban height is reached.
	chain.Extend(int32(ctx.RegistrySize) - 1)
	e.Check(ctx, true)
	require.Equal(t, jnode.StatePoSeBan, e.ActiveState)

	chain.Extend(1)
	e.Check(ctx, true)
	require.Equal(t, int32(jnode.PoSeBanMaxScore-1), e.PoSeBanScore)
	require.Equal(t, jnode.StatePreEnabled, e.ActiveState)
}

// TestUpdateFromNewBroadcast checks announcements only move forward in
// time unless they are recovery broadcasts.
func TestUpdateFromNewBroadcast(t *testing.T) {
	chain := newTestChain()
	params := &netparams.MainNetParams
	jn := jnodetest.NewJnode(chain, params, 6, testNow-100)
	older := jn.Broadcast

	newer, err := jnode.CreateBroadcast(jn.Vin, jnodetest.Addr(66), jn.CollateralKey,
		jn.CollateralPub, jn.Key, jn.Pub, chain, params, testNow)
	require.NoError(t, err)

	accept := func(*jnode.Ping) bool { return true }

	// Older then newer ends up identical to newer alone.
	a := jnode.NewEntry(older)
	updated, _ := a.UpdateFromNewBroadcast(newer, nil, accept)
	require.True(t, updated)
	b := jnode.NewEntry(older)
	b.SigTime = 0
	b.UpdateFromNewBroadcast(newer, nil, accept)
	require.Equal(t, a.Addr, b.Addr)
	require.Equal(t, a.SigTime, b.SigTime)
	require.Equal(t, a.Sig, b.Sig)
	require.Equal(t, a.LastPing, b.LastPing)

	// Applying the older one afterwards changes nothing.
	snapshot := *a
	updated, _ = a.UpdateFromNewBroadcast(older, nil, accept)
	require.False(t, updated)
	require.Equal(t, snapshot, *a)

	// Recovery broadcasts bypass the ordering.
	rec := *older
	rec.Recovery = true
	updated, _ = a.UpdateFromNewBroadcast(&rec, nil, accept)
	require.True(t, updated)
	require.Equal(t, older.SigTime, a.SigTime)

	// A rejected embedded ping is not adopted.
	c := jnode.NewEntry(older)
	c.LastPing = jnode.Ping{}
	updated, _ = c.UpdateFromNewBroadcast(newer, nil, func(*jnode.Ping) bool { return false })
	require.True(t, updated)
	require.True(t, c.LastPing.IsEmpty())
}

func TestUpdateFromNewBroadcastOwnJnode(t *testing.T) {
	chain := newTestChain()
	params := &netparams.MainNetParams
	jn := jnodetest.NewJnode(chain, params, 7, testNow-100)
	newer, err := jnode.CreateBroadcast(jn.Vin, jn.Addr, jn.CollateralKey,
		jn.CollateralPub, jn.Key, jn.Pub, chain, params, testNow)
	require.NoError(t, err)

	e := jn.Entry()
	e.PoSeBanScore = 3
	updated, reactivate := e.UpdateFromNewBroadcast(newer, jn.Pub,
		func(*jnode.Ping) bool { return true })
	require.True(t, updated)
	require.True(t, reactivate)
	require.Equal(t, int32(-jnode.PoSeBanMaxScore), e.PoSeBanScore)

	// The wrong protocol version asks for a manual re-activation.
	stale := *newer
	stale.SigTime++
	stale.ProtocolVersion = jnode.MinPaymentProto1
	updated, reactivate = e.UpdateFromNewBroadcast(&stale, jn.Pub,
		func(*jnode.Ping) bool { return true })
	require.False(t, updated)
	require.False(t, reactivate)
}

// TestCalculateScore checks scores are a pure function of the outpoint and
// block hash.
func TestCalculateScore(t *testing.T) {
	blockHash := chainhash.DoubleHashH([]byte("block"))
	op := wire.OutPoint{Hash: chainhash.DoubleHashH([]byte("tx")), Index: 1}

	s1 := jnode.CalculateScore(&op, &blockHash)
	s2 := jnode.CalculateScore(&op, &blockHash)
	require.Equal(t, 0, s1.Cmp(s2))
	require.Equal(t, jnode.CompactScore(s1), jnode.CompactScore(s2))
	require.True(t, s1.Sign() >= 0)

	other := op
	other.Index = 2
	require.NotEqual(t, 0, s1.Cmp(jnode.CalculateScore(&other, &blockHash)))

	otherBlock := chainhash.DoubleHashH([]byte("other block"))
	require.NotEqual(t, 0, s1.Cmp(jnode.CalculateScore(&op, &otherBlock)))

	require.Equal(t, -1, jnode.CompareOutPoints(&op, &other))
	require.Equal(t, 0, jnode.CompareOutPoints(&op, &op))
}

func TestCollateralAge(t *testing.T) {
	chain := newTestChain()
	e := jnodetest.NewJnode(chain, &netparams.MainNetParams, 8, testNow).Entry()
	require.Equal(t, int32(jnodetest.CollateralDepth+1), e.CollateralAge(chain))

	chain.Extend(5)
	require.Equal(t, int32(jnodetest.CollateralDepth+6), e.CollateralAge(chain))
}

type votesFor map[int32][]byte

func (v votesFor) MinPaymentsProto() int32 {
	return jnode.MinPaymentProto1
}

func (v votesFor) IsScheduled(payee []byte, tip, not int32) bool {
	return false
}

func (v votesFor) HasPayeeWithVotes(height int32, payee []byte, votes int) bool {
	return string(v[height]) == string(payee)
}

func TestUpdateLastPaid(t *testing.T) {
	chain := newTestChain()
	jn := jnodetest.NewJnode(chain, &netparams.MainNetParams, 9, testNow)
	e := jn.Entry()
	payee := e.CollateralScript()

	paidAt := chain.TipHeight() - 3
	chain.SetCoinbase(paidAt, wire.NewTxOut(int64(chain.Reward), payee))
	votes := votesFor{paidAt: payee}

	e.UpdateLastPaid(chain, votes, 2)
	require.Zero(t, e.BlockLastPaid)

	e.UpdateLastPaid(chain, votes, 10)
	require.Equal(t, paidAt, e.BlockLastPaid)
	paidTime, _ := chain.BlockTime(paidAt)
	require.Equal(t, paidTime, e.TimeLastPaid)
}
