package jnode_test

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/jemcash/jnoded/internal/jnodetest"
	"github.com/jemcash/jnoded/jnode"
	"github.com/jemcash/jnoded/netparams"
	"github.com/stretchr/testify/require"
)

func requireRuleError(t *testing.T, err error, code jnode.ErrorCode, dos uint32) {
	t.Helper()
	require.Error(t, err)
	require.True(t, jnode.IsErrorCode(err, code), "want %v, got %v", code, err)
	require.Equal(t, dos, jnode.DoSScore(err))
}

func TestBroadcastSignature(t *testing.T) {
	chain := newTestChain()
	jn := jnodetest.NewJnode(chain, &netparams.MainNetParams, 10, testNow)
	b := jn.Broadcast

	require.NoError(t, b.CheckSignature())
	require.NoError(t, b.LastPing.CheckSignature(jn.Pub))

	// Any signed field invalidates the signature.
	tampered := *b
	tampered.ProtocolVersion--
	requireRuleError(t, tampered.CheckSignature(), jnode.ErrBadSignature, 100)

	tampered = *b
	tampered.Addr = jnodetest.Addr(99)
	requireRuleError(t, tampered.CheckSignature(), jnode.ErrBadSignature, 100)

	ping := b.LastPing
	ping.SigTime++
	requireRuleError(t, ping.CheckSignature(jn.Pub), jnode.ErrBadSignature, 33)
	requireRuleError(t, b.LastPing.CheckSignature(jn.CollateralPub),
		jnode.ErrBadSignature, 33)
}

func TestBroadcastHash(t *testing.T) {
	chain := newTestChain()
	jn := jnodetest.NewJnode(chain, &netparams.MainNetParams, 11, testNow)
	b := jn.Broadcast

	// Only the outpoint, collateral key and signature time are committed.
	other := *b
	other.Addr = jnodetest.Addr(98)
	other.ProtocolVersion = 1
	require.Equal(t, b.Hash(), other.Hash())

	other.SigTime++
	require.NotEqual(t, b.Hash(), other.Hash())

	ping := b.LastPing
	ping.BlockHash[0] ^= 0xff
	require.Equal(t, b.LastPing.Hash(), ping.Hash())
}

func TestBroadcastWire(t *testing.T) {
	chain := newTestChain()
	jn := jnodetest.NewJnode(chain, &netparams.MainNetParams, 12, testNow)

	var buf bytes.Buffer
	require.NoError(t, jn.Broadcast.BtcEncode(&buf, 0, wire.BaseEncoding))
	require.LessOrEqual(t, uint32(buf.Len()), jn.Broadcast.MaxPayloadLength(0))

	var got jnode.Broadcast
	require.NoError(t, got.BtcDecode(bytes.NewReader(buf.Bytes()), 0, wire.BaseEncoding))
	require.Equal(t, jn.Broadcast.Hash(), got.Hash())
	require.True(t, got.Addr.Equal(jn.Addr))
	require.Equal(t, jn.Broadcast.LastPing.Hash(), got.LastPing.Hash())
	require.Equal(t, jnode.StateEnabled, got.ActiveState)
	require.NoError(t, got.CheckSignature())
	require.NoError(t, got.LastPing.CheckSignature(jn.Pub))

	// Truncated payloads fail to decode.
	var short jnode.Broadcast
	err := short.BtcDecode(bytes.NewReader(buf.Bytes()[:buf.Len()-10]), 0, wire.BaseEncoding)
	require.Error(t, err)
}

func TestBroadcastSimpleCheck(t *testing.T) {
	chain := newTestChain()
	params := &netparams.MainNetParams
	jn := jnodetest.NewJnode(chain, params, 13, testNow)

	check := func(b *jnode.Broadcast) error {
		return b.SimpleCheck(chain, params, testNow, jnode.MinPaymentProto1)
	}

	b := *jn.Broadcast
	require.NoError(t, check(&b))
	require.Equal(t, jnode.StateEnabled, b.ActiveState)

	b = *jn.Broadcast
	b.Addr = jnode.NewService([]byte{192, 168, 1, 1}, netparams.MainnetPort)
	requireRuleError(t, check(&b), jnode.ErrInvalidAddr, 0)

	b = *jn.Broadcast
	b.SigTime = testNow + jnode.FutureSigLimit + 1
	requireRuleError(t, check(&b), jnode.ErrFutureSigTime, 1)

	// A ping on an unknown block only expires the broadcast.
	b = *jn.Broadcast
	b.LastPing.BlockHash[0] ^= 0xff
	require.NoError(t, check(&b))
	require.Equal(t, jnode.StateExpired, b.ActiveState)

	b = *jn.Broadcast
	b.ProtocolVersion = jnode.MinPaymentProto1 - 1
	requireRuleError(t, check(&b), jnode.ErrOutdatedProtocol, 0)

	b = *jn.Broadcast
	b.PubKeyJnode = []byte{0x02, 0x01}
	requireRuleError(t, check(&b), jnode.ErrBadPubKey, 100)

	b = *jn.Broadcast
	b.Vin.SignatureScript = []byte{0x51}
	requireRuleError(t, check(&b), jnode.ErrNonEmptyScriptSig, 100)

	b = *jn.Broadcast
	b.Addr.Port = 2811
	requireRuleError(t, check(&b), jnode.ErrBadPort, 0)

	// Other networks refuse the mainnet port.
	test := &netparams.TestNetParams
	err := jnode.CheckPort(jn.Addr, test)
	requireRuleError(t, err, jnode.ErrBadPort, 0)
	require.Contains(t, err.Error(), "is the only supported on mainnet")
}

func TestBroadcastCheckOutpoint(t *testing.T) {
	chain := newTestChain()
	params := &netparams.MainNetParams
	jn := jnodetest.NewJnode(chain, params, 14, testNow)

	require.NoError(t, jn.Broadcast.CheckOutpoint(chain, params, nil))

	// Our own activated jnode is not processed again.
	local := jnodetest.NewLocal(0, jn.Addr)
	local.Pub = jn.Pub
	local.Input = &jn.Vin
	requireRuleError(t, jn.Broadcast.CheckOutpoint(chain, params, local),
		jnode.ErrOwnBroadcast, 0)

	// Wrong amount.
	ckey, cpub := jnodetest.Key(200)
	op := chain.AddCollateral(1000, jnode.CollateralAmount-1,
		jnode.PayToPubKeyHashScript(cpub), chain.TipHeight()-30)
	b, err := jnode.CreateBroadcast(jnode.NewVin(op), jn.Addr, ckey, cpub,
		jn.Key, jn.Pub, chain, params, testNow)
	require.NoError(t, err)
	requireRuleError(t, b.CheckOutpoint(chain, params, nil),
		jnode.ErrCollateralAmount, 0)

	// Too few confirmations.
	op = chain.AddCollateral(1001, jnode.CollateralAmount,
		jnode.PayToPubKeyHashScript(cpub), chain.TipHeight()-5)
	b, err = jnode.CreateBroadcast(jnode.NewVin(op), jn.Addr, ckey, cpub,
		jn.Key, jn.Pub, chain, params, testNow)
	require.NoError(t, err)
	requireRuleError(t, b.CheckOutpoint(chain, params, nil),
		jnode.ErrTooFewConfirmations, 0)

	// Collateral paid to another key.
	_, otherPub := jnodetest.Key(201)
	op = chain.AddCollateral(1002, jnode.CollateralAmount,
		jnode.PayToPubKeyHashScript(otherPub), chain.TipHeight()-30)
	b, err = jnode.CreateBroadcast(jnode.NewVin(op), jn.Addr, ckey, cpub,
		jn.Key, jn.Pub, chain, params, testNow)
	require.NoError(t, err)
	requireRuleError(t, b.CheckOutpoint(chain, params, nil),
		jnode.ErrKeyMismatch, 33)

	// Signed before the collateral matured.
	op = chain.AddCollateral(1003, jnode.CollateralAmount,
		jnode.PayToPubKeyHashScript(cpub), chain.TipHeight()-30)
	confTime, _ := chain.BlockTime(chain.TipHeight() - 30 + params.JnodeMinConfirmations - 1)
	b, err = jnode.CreateBroadcast(jnode.NewVin(op), jn.Addr, ckey, cpub,
		jn.Key, jn.Pub, chain, params, confTime-1)
	require.NoError(t, err)
	requireRuleError(t, b.CheckOutpoint(chain, params, nil),
		jnode.ErrSigTimeTooEarly, 0)

	chain.Spend(op)
	requireRuleError(t, b.CheckOutpoint(chain, params, nil),
		jnode.ErrCollateralMissing, 0)
}

func TestBroadcastCheckUpdate(t *testing.T) {
	chain := newTestChain()
	params := &netparams.MainNetParams
	jn := jnodetest.NewJnode(chain, params, 15, testNow-1000)
	e := jn.Entry()
	ctx := newContext(chain, testNow)

	requireRuleError(t, jn.Broadcast.CheckUpdate(e, ctx), jnode.ErrStaleBroadcast, 0)

	newer, err := jnode.CreateBroadcast(jn.Vin, jn.Addr, jn.CollateralKey,
		jn.CollateralPub, jn.Key, jn.Pub, chain, params, testNow)
	require.NoError(t, err)
	require.NoError(t, newer.CheckUpdate(e, ctx))

	older, err := jnode.CreateBroadcast(jn.Vin, jn.Addr, jn.CollateralKey,
		jn.CollateralPub, jn.Key, jn.Pub, chain, params, testNow-2000)
	require.NoError(t, err)
	requireRuleError(t, older.CheckUpdate(e, ctx), jnode.ErrStaleBroadcast, 0)

	// A different collateral key for the same outpoint.
	ckey, cpub := jnodetest.Key(202)
	forged, err := jnode.CreateBroadcast(jn.Vin, jn.Addr, ckey, cpub,
		jn.Key, jn.Pub, chain, params, testNow)
	require.NoError(t, err)
	requireRuleError(t, forged.CheckUpdate(e, ctx), jnode.ErrKeyMismatch, 33)

	e.PoSeBanScore = jnode.PoSeBanMaxScore
	e.TimeLastChecked = 0
	requireRuleError(t, newer.CheckUpdate(e, ctx), jnode.ErrPoSeBanned, 0)
}

func TestCreateBroadcastFromWallet(t *testing.T) {
	chain := newTestChain()
	params := &netparams.MainNetParams
	jn := jnodetest.NewJnode(chain, params, 16, testNow)
	w := &testWallet{collateral: &jnode.Collateral{
		OutPoint: jn.Vin.PreviousOutPoint,
		PubKey:   jn.CollateralPub,
		PrivKey:  jn.CollateralKey,
	}}
	sync := jnodetest.NewSync()

	b, err := jnode.CreateBroadcastFromWallet("1.2.3.16:2810", jn.Key, w, "", "",
		sync, chain, params, testNow, false)
	require.NoError(t, err)
	require.NoError(t, b.CheckOutpoint(chain, params, nil))
	require.Equal(t, jn.Pub, b.PubKeyJnode)

	_, err = jnode.CreateBroadcastFromWallet("1.2.3.16:2811", jn.Key, w, "", "",
		sync, chain, params, testNow, false)
	require.Error(t, err)
	require.Contains(t, err.Error(), "only 2810 is supported on mainnet")

	sync.Blockchain = false
	_, err = jnode.CreateBroadcastFromWallet("1.2.3.16:2810", jn.Key, w, "", "",
		sync, chain, params, testNow, false)
	require.ErrorIs(t, err, jnode.ErrSyncInProgress)

	_, err = jnode.CreateBroadcastFromWallet("1.2.3.16:2810", jn.Key, w, "", "",
		sync, chain, params, testNow, true)
	require.NoError(t, err)
}

type testWallet struct {
	collateral *jnode.Collateral
}

func (w *testWallet) IsLocked() bool { return false }

func (w *testWallet) Balance() (btcutil.Amount, error) {
	return jnode.CollateralAmount, nil
}

func (w *testWallet) JnodeCollateral(txHash, outputIndex string) (*jnode.Collateral, error) {
	return w.collateral, nil
}

func (w *testWallet) LockCoin(op wire.OutPoint) error { return nil }
