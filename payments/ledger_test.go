package payments_test

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/jemcash/jnoded/internal/jnodetest"
	"github.com/jemcash/jnoded/jnode"
	"github.com/jemcash/jnoded/netparams"
	"github.com/jemcash/jnoded/payments"
	"github.com/stretchr/testify/require"
)

const testNow = 1500000000

// fakeRegistry answers the ledger's registry queries from fixed tables.
type fakeRegistry struct {
	size  int
	infos map[wire.OutPoint]jnode.Info
	ranks map[wire.OutPoint]int
	next  *jnode.Info
	asked []wire.OutPoint
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		infos: make(map[wire.OutPoint]jnode.Info),
		ranks: make(map[wire.OutPoint]int),
	}
}

func (r *fakeRegistry) Size() int { return r.size }

func (r *fakeRegistry) JnodeInfo(op wire.OutPoint) (jnode.Info, bool) {
	info, ok := r.infos[op]
	return info, ok
}

func (r *fakeRegistry) JnodeRank(op wire.OutPoint, height, minProto int32, onlyActive bool) int {
	if rank, ok := r.ranks[op]; ok {
		return rank
	}
	return -1
}

func (r *fakeRegistry) NextInQueueForPayment(height int32, filterSigTime bool) (*jnode.Info, int) {
	if r.next == nil {
		return nil, 0
	}
	return r.next, 1
}

func (r *fakeRegistry) AskForJnode(p jnode.Peer, op wire.OutPoint) {
	r.asked = append(r.asked, op)
}

// addVoter registers voter n, keyed with jnodetest.Key(n), at rank.
func (r *fakeRegistry) addVoter(n byte, rank int) {
	_, pub := jnodetest.Key(n)
	op := voter(n)
	r.infos[op] = jnode.Info{
		Vin:             jnode.NewVin(op),
		PubKeyJnode:     pub,
		ProtocolVersion: jnode.ProtocolVersion,
		Valid:           true,
	}
	r.ranks[op] = rank
}

type harness struct {
	ledger    *payments.Ledger
	chain     *jnodetest.Chain
	registry  *fakeRegistry
	sync      *jnodetest.Sync
	transport *jnodetest.Transport
	sporks    jnodetest.Sporks
	clock     *jnodetest.Clock
}

func newHarness(tip int32, params *netparams.Params, local jnode.LocalJnode) *harness {
	h := &harness{
		chain:     jnodetest.NewChain(tip, testNow-int64(tip)*jnodetest.BlockSpacing),
		registry:  newFakeRegistry(),
		sync:      jnodetest.NewSync(),
		transport: jnodetest.NewTransport(),
		sporks:    make(jnodetest.Sporks),
		clock:     jnodetest.NewClock(testNow),
	}
	h.ledger = payments.New(&payments.Config{
		Params:    params,
		Chain:     h.chain,
		Registry:  h.registry,
		Sporks:    h.sporks,
		Sync:      h.sync,
		Transport: h.transport,
		Clock:     h.clock,
		Local:     local,
	})
	return h
}

func voter(n byte) wire.OutPoint {
	return wire.OutPoint{Hash: chainhash.DoubleHashH([]byte{'v', n}), Index: uint32(n)}
}

func payee(n byte) []byte {
	_, pub := jnodetest.Key(n + 100)
	return jnode.PayToPubKeyHashScript(pub)
}

func signedVote(t *testing.T, n byte, height int32, script []byte) *payments.Vote {
	key, pub := jnodetest.Key(n)
	v := payments.NewVote(jnode.NewVin(voter(n)), height, script)
	require.NoError(t, v.Sign(key, pub))
	return v
}

func coinbase(script []byte, value btcutil.Amount) *wire.MsgTx {
	tx := wire.NewMsgTx(1)
	tx.AddTxOut(wire.NewTxOut(int64(value), script))
	return tx
}

func TestCanVote(t *testing.T) {
	h := newHarness(200, &netparams.RegressionNetParams, nil)
	l := h.ledger

	require.True(t, l.CanVote(voter(1), 100))
	require.False(t, l.CanVote(voter(1), 100))
	require.True(t, l.CanVote(voter(1), 101))
	require.False(t, l.CanVote(voter(1), 100), "earlier height forgotten")
	require.True(t, l.CanVote(voter(2), 100))

	// Once the height is pruned the voter starts over.
	l.UpdatedBlockTip(100 + jnode.MinStorageLimit + 1)
	l.CheckAndRemove()
	require.True(t, l.CanVote(voter(1), 100))
}

func TestStorageLimit(t *testing.T) {
	const extra = 100
	first := int32(jnode.VoteAnchorDepth)
	last := first + jnode.MinStorageLimit + extra - 1
	h := newHarness(last, &netparams.RegressionNetParams, nil)
	l := h.ledger

	for height := first; height <= last; height++ {
		require.True(t, l.AddPaymentVote(payments.NewVote(
			jnode.NewVin(voter(1)), height, payee(1))))
		require.LessOrEqual(t, l.BlockCount(), jnode.StorageLimit(h.registry.size))
	}
	require.Equal(t, jnode.MinStorageLimit, l.BlockCount())
	require.Equal(t, jnode.MinStorageLimit, l.VoteCount())

	_, ok := l.BlockPayee(first + extra - 1)
	require.False(t, ok, "lowest heights dropped")
	_, ok = l.BlockPayee(first + extra)
	require.True(t, ok)

	// A larger registry raises the limit.
	h.registry.size = 4400
	require.Equal(t, 5500, l.StorageLimit())
}

func TestAddPaymentVote(t *testing.T) {
	h := newHarness(200, &netparams.RegressionNetParams, nil)
	l := h.ledger

	// No anchor block 101 below the height.
	require.False(t, l.AddPaymentVote(signedVote(t, 1, 50, payee(1))))

	v := signedVote(t, 1, 150, payee(1))
	require.True(t, l.AddPaymentVote(v))
	require.False(t, l.AddPaymentVote(v), "verified duplicate")
	require.True(t, l.HasVerifiedPaymentVote(v.Hash()))

	got, ok := l.Vote(v.Hash())
	require.True(t, ok)
	require.Equal(t, v.Sig, got.Sig)
	require.Len(t, l.VotesAt(150), 1)
}

// TestQuorum covers a block with five votes, which accepts any coinbase, and
// the sixth vote that makes the voted payee mandatory.
func TestQuorum(t *testing.T) {
	const height = 300
	h := newHarness(400, &netparams.RegressionNetParams, nil)
	l := h.ledger
	reward := h.chain.Reward
	winner, other := payee(1), payee(2)

	for n := byte(1); n <= 5; n++ {
		require.True(t, l.AddPaymentVote(signedVote(t, n, height, winner)))
	}
	require.True(t, l.HasPayeeWithVotes(height, winner, 5))
	require.False(t, l.HasPayeeWithVotes(height, winner, 6))
	require.True(t, l.IsTransactionValid(coinbase(other, reward), height))
	require.True(t, l.IsTransactionValid(coinbase(winner, reward-1), height))

	require.True(t, l.AddPaymentVote(signedVote(t, 6, height, winner)))
	require.False(t, l.IsTransactionValid(coinbase(other, reward), height))
	require.False(t, l.IsTransactionValid(coinbase(winner, reward-1), height))
	require.True(t, l.IsTransactionValid(coinbase(winner, reward), height))

	// Heights without votes accept anything.
	require.True(t, l.IsTransactionValid(coinbase(other, 1), height+1))
}

func TestBestPayee(t *testing.T) {
	const height = 300
	h := newHarness(400, &netparams.RegressionNetParams, nil)
	l := h.ledger

	_, ok := l.BlockPayee(height)
	require.False(t, ok)

	require.True(t, l.AddPaymentVote(signedVote(t, 1, height, payee(1))))
	require.True(t, l.AddPaymentVote(signedVote(t, 2, height, payee(2))))
	best, ok := l.BlockPayee(height)
	require.True(t, ok)
	require.Equal(t, payee(1), best, "first payee wins a tie")

	require.True(t, l.AddPaymentVote(signedVote(t, 3, height, payee(2))))
	best, _ = l.BlockPayee(height)
	require.Equal(t, payee(2), best)

	payees := l.Payees(height)
	require.Len(t, payees, 2)
	require.Equal(t, 1, payees[0].VoteCount())
	require.Equal(t, 2, payees[1].VoteCount())
}

func TestIsScheduled(t *testing.T) {
	h := newHarness(400, &netparams.RegressionNetParams, nil)
	l := h.ledger
	require.True(t, l.AddPaymentVote(signedVote(t, 1, 305, payee(1))))

	require.True(t, l.IsScheduled(payee(1), 300, 0))
	require.False(t, l.IsScheduled(payee(1), 300, 305), "excluded height")
	require.False(t, l.IsScheduled(payee(1), 296, 0), "past the window")
	require.False(t, l.IsScheduled(payee(2), 300, 0))
	require.False(t, l.IsScheduled(payee(1), -1, 0))
}

func TestProcessVote(t *testing.T) {
	h := newHarness(200, &netparams.MainNetParams, nil)
	l := h.ledger
	l.UpdatedBlockTip(200)
	peer := jnodetest.NewPeer(1, jnodetest.Addr(50))

	h.registry.addVoter(1, 1)
	v := signedVote(t, 1, 205, payee(1))
	require.NoError(t, l.ProcessMessage(peer, v))
	require.True(t, l.HasVerifiedPaymentVote(v.Hash()))
	require.Len(t, h.transport.RelayedOfType(jnode.InvTypePaymentVote), 1)
	require.Equal(t, 1, h.sync.VotesAdded)

	// Seen votes are ignored.
	require.NoError(t, l.ProcessMessage(peer, v))
	require.Len(t, h.transport.RelayedOfType(jnode.InvTypePaymentVote), 1)

	// A second vote for the same height.
	err := l.ProcessMessage(peer, signedVote(t, 1, 205, payee(2)))
	require.True(t, jnode.IsErrorCode(err, jnode.ErrDuplicateVote))

	// Out of range.
	err = l.ProcessMessage(peer, signedVote(t, 1, 200+21, payee(1)))
	require.True(t, jnode.IsErrorCode(err, jnode.ErrOutOfRange))

	// Unknown voters are requested.
	err = l.ProcessMessage(peer, signedVote(t, 9, 205, payee(1)))
	require.True(t, jnode.IsErrorCode(err, jnode.ErrUnknownJnode))
	require.Contains(t, h.registry.asked, voter(9))
	require.Zero(t, h.transport.TotalMisbehavior(peer.ID()))
}

func TestProcessVoteMisbehavior(t *testing.T) {
	h := newHarness(200, &netparams.MainNetParams, nil)
	l := h.ledger
	l.UpdatedBlockTip(200)
	peer := jnodetest.NewPeer(1, jnodetest.Addr(50))

	// Signed with somebody else's key.
	h.registry.addVoter(2, 1)
	forged := payments.NewVote(jnode.NewVin(voter(2)), 205, payee(1))
	key, pub := jnodetest.Key(3)
	require.NoError(t, forged.Sign(key, pub))
	err := l.ProcessMessage(peer, forged)
	require.True(t, jnode.IsErrorCode(err, jnode.ErrBadSignature))
	require.Equal(t, uint32(20), jnode.DoSScore(err))
	require.Equal(t, uint32(20), h.transport.TotalMisbehavior(peer.ID()))
	require.Contains(t, h.registry.asked, voter(2))
	require.False(t, l.HasVerifiedPaymentVote(forged.Hash()))

	// Far outside the voting ranks.
	h.registry.addVoter(4, 2*payments.SignaturesTotal+1)
	err = l.ProcessMessage(peer, signedVote(t, 4, 205, payee(1)))
	require.True(t, jnode.IsErrorCode(err, jnode.ErrRankTooLow))
	require.Equal(t, uint32(40), h.transport.TotalMisbehavior(peer.ID()))

	// Just outside is not punished.
	h.registry.addVoter(5, payments.SignaturesTotal+1)
	err = l.ProcessMessage(peer, signedVote(t, 5, 205, payee(1)))
	require.True(t, jnode.IsErrorCode(err, jnode.ErrRankTooLow))
	require.Equal(t, uint32(40), h.transport.TotalMisbehavior(peer.ID()))
}

func TestProcessVoteWaitsForList(t *testing.T) {
	h := newHarness(200, &netparams.MainNetParams, nil)
	h.ledger.UpdatedBlockTip(200)
	h.sync.List = false
	h.registry.addVoter(1, 1)

	v := signedVote(t, 1, 205, payee(1))
	require.NoError(t, h.ledger.ProcessMessage(jnodetest.NewPeer(1, jnodetest.Addr(50)), v))
	require.False(t, h.ledger.HasVote(v.Hash()))
}

func TestPaymentSync(t *testing.T) {
	h := newHarness(400, &netparams.MainNetParams, nil)
	l := h.ledger
	l.UpdatedBlockTip(300)
	peer := jnodetest.NewPeer(1, jnodetest.Addr(50))

	require.True(t, l.AddPaymentVote(signedVote(t, 1, 305, payee(1))))
	require.True(t, l.AddPaymentVote(signedVote(t, 2, 305, payee(2))))
	require.True(t, l.AddPaymentVote(signedVote(t, 3, 290, payee(1))))
	require.True(t, l.AddPaymentVote(signedVote(t, 4, 320, payee(1))))

	require.NoError(t, l.ProcessMessage(peer, &payments.PaymentSync{}))
	require.Len(t, peer.Inventory, 2, "only the next 20 heights")
	counts := peer.Sent(jnode.CmdSyncStatus)
	require.Len(t, counts, 1)
	require.Equal(t, &jnode.SyncStatusCount{ItemID: jnode.SyncItemWinners, Count: 2}, counts[0])

	err := l.ProcessMessage(peer, &payments.PaymentSync{})
	require.True(t, jnode.IsErrorCode(err, jnode.ErrRepeatedRequest))
	require.Equal(t, uint32(20), h.transport.TotalMisbehavior(peer.ID()))

	// The request may be repeated after an hour.
	h.clock.Advance(60*60 + 1)
	l.CheckAndRemove()
	require.NoError(t, l.ProcessMessage(peer, &payments.PaymentSync{}))
}

func TestProcessBlock(t *testing.T) {
	local := jnodetest.NewLocal(1, jnodetest.Addr(1))
	vin := jnode.NewVin(voter(1))
	local.Input = &vin
	h := newHarness(200, &netparams.RegressionNetParams, local)
	h.registry.ranks[vin.PreviousOutPoint] = 3

	_, winnerPub := jnodetest.Key(77)
	h.registry.next = &jnode.Info{PubKeyCollateral: winnerPub, Valid: true}

	h.ledger.UpdatedBlockTip(200)
	best, ok := h.ledger.BlockPayee(205)
	require.True(t, ok)
	require.Equal(t, jnode.PayToPubKeyHashScript(winnerPub), best)
	require.Len(t, h.transport.RelayedOfType(jnode.InvTypePaymentVote), 1)

	votes := h.ledger.VotesAt(205)
	require.Len(t, votes, 1)
	require.NoError(t, votes[0].CheckSignature(local.Pub, 200, true))

	// Out of the top ten no vote is cast.
	h.registry.ranks[vin.PreviousOutPoint] = payments.SignaturesTotal + 1
	require.False(t, h.ledger.ProcessBlock(206))

	local.Enabled = false
	h.registry.ranks[vin.PreviousOutPoint] = 1
	require.False(t, h.ledger.ProcessBlock(206))
}

func TestFillBlockPayee(t *testing.T) {
	h := newHarness(400, &netparams.MainNetParams, nil)
	l := h.ledger
	payment := btcutil.Amount(15e8)

	// Nothing voted and nobody queued.
	tx := coinbase(payee(9), 1)
	require.Nil(t, l.FillBlockPayee(tx, 300, payment))
	require.Len(t, tx.TxOut, 1)

	_, queuedPub := jnodetest.Key(88)
	h.registry.next = &jnode.Info{PubKeyCollateral: queuedPub, Valid: true}
	out := l.FillBlockPayee(tx, 300, payment)
	require.NotNil(t, out)
	require.Equal(t, jnode.PayToPubKeyHashScript(queuedPub), out.PkScript)
	require.Len(t, tx.TxOut, 2)

	require.True(t, l.AddPaymentVote(signedVote(t, 1, 301, payee(1))))
	tx = coinbase(payee(9), 1)
	out = l.FillBlockPayee(tx, 301, payment)
	require.Equal(t, payee(1), out.PkScript)
	require.Equal(t, int64(payment), out.Value)

	// Regtest falls back to the first coinbase output.
	r := newHarness(400, &netparams.RegressionNetParams, nil)
	tx = coinbase(payee(9), 1)
	out = r.ledger.FillBlockPayee(tx, 300, payment)
	require.Equal(t, payee(9), out.PkScript)
}

func TestIsBlockPayeeValid(t *testing.T) {
	start := netparams.MainNetParams.JnodePaymentsStartBlock
	h := newHarness(start+200, &netparams.MainNetParams, nil)
	l := h.ledger
	height := start + 100
	for n := byte(1); n <= payments.SignaturesRequired; n++ {
		require.True(t, l.AddPaymentVote(signedVote(t, n, height, payee(1))))
	}
	bad := coinbase(payee(2), h.chain.Reward)

	require.True(t, l.IsBlockPayeeValid(bad, start-1))
	require.True(t, l.IsBlockPayeeValid(bad, height), "enforcement off")

	h.sporks[jnode.SporkPaymentEnforcement] = true
	require.False(t, l.IsBlockPayeeValid(bad, height))
	require.True(t, l.IsBlockPayeeValid(coinbase(payee(1), h.chain.Reward), height))

	h.sync.Full = false
	require.True(t, l.IsBlockPayeeValid(bad, height), "not synced")
}

func TestIsBlockValueValid(t *testing.T) {
	h := newHarness(400, &netparams.MainNetParams, nil)
	reward := btcutil.Amount(50e8)
	require.NoError(t, h.ledger.IsBlockValueValid(coinbase(payee(1), reward), 300, reward))
	require.Error(t, h.ledger.IsBlockValueValid(coinbase(payee(1), reward+1), 300, reward))
}

func TestMinPaymentsProto(t *testing.T) {
	h := newHarness(10, &netparams.MainNetParams, nil)
	require.Equal(t, jnode.MinPaymentProto1, h.ledger.MinPaymentsProto())
	h.sporks[jnode.SporkPayUpdatedNodes] = true
	require.Equal(t, jnode.MinPaymentProto2, h.ledger.MinPaymentsProto())
}

func TestRequestLowDataPaymentBlocks(t *testing.T) {
	h := newHarness(250, &netparams.RegressionNetParams, nil)
	l := h.ledger
	l.UpdatedBlockTip(250)
	for n := byte(1); n <= payments.SignaturesRequired; n++ {
		require.True(t, l.AddPaymentVote(signedVote(t, n, 230, payee(1))))
	}
	require.True(t, l.AddPaymentVote(signedVote(t, 1, 240, payee(1))))

	peer := jnodetest.NewPeer(1, jnodetest.Addr(50))
	l.RequestLowDataPaymentBlocks(peer)

	msgs := peer.Sent(wire.CmdGetData)
	require.Len(t, msgs, 1)
	invs := msgs[0].(*wire.MsgGetData).InvList
	// 251 heights, minus the two tallied, plus the low data one.
	require.Len(t, invs, 250)

	hash240, _ := h.chain.BlockHash(240)
	hash230, _ := h.chain.BlockHash(230)
	var has240, has230 bool
	for _, iv := range invs {
		require.Equal(t, jnode.InvTypePaymentBlock, iv.Type)
		has240 = has240 || iv.Hash == hash240
		has230 = has230 || iv.Hash == hash230
	}
	require.True(t, has240)
	require.False(t, has230)
}

func TestLedgerPersistence(t *testing.T) {
	h := newHarness(400, &netparams.RegressionNetParams, nil)
	for n := byte(1); n <= 3; n++ {
		require.True(t, h.ledger.AddPaymentVote(signedVote(t, n, 300, payee(n%2))))
	}

	var buf bytes.Buffer
	require.NoError(t, h.ledger.Serialize(&buf))

	restored := newHarness(400, &netparams.RegressionNetParams, nil).ledger
	require.NoError(t, restored.Deserialize(bytes.NewReader(buf.Bytes())))
	require.Equal(t, 3, restored.VoteCount())
	require.Equal(t, h.ledger.Payees(300), restored.Payees(300))

	var bad bytes.Buffer
	require.NoError(t, wire.WriteVarString(&bad, 0, "CJnodePayments-Version-0"))
	err := restored.Deserialize(&bad)
	require.ErrorIs(t, err, payments.ErrVersionMismatch)
	require.Zero(t, restored.VoteCount())
	require.Zero(t, restored.BlockCount())
}
