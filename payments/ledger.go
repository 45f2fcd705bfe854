// Copyright (c) 2013-2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package payments

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/jemcash/jnoded/jnode"
	"github.com/jemcash/jnoded/netparams"
)

const (
	// SignaturesRequired is the vote quorum that makes a payee mandatory.
	SignaturesRequired = 6

	// SignaturesTotal is the number of top ranked jnodes that vote for
	// each block.
	SignaturesTotal = 10

	// scheduleWindow is how many blocks past the tip a payee counts as
	// scheduled.
	scheduleWindow = 8

	// maxFutureVoteHeight is how far past the tip votes are accepted and
	// synced.
	maxFutureVoteHeight = 20

	// voteAhead is the distance from a new tip to the block the local
	// jnode votes on.
	voteAhead = 5

	// syncRequestInterval is how long a peer must wait before asking for
	// the votes again.
	syncRequestInterval = 60 * 60
)

// Registry is the view of the jnode registry the ledger needs.
type Registry interface {
	// Size returns the number of known jnodes.
	Size() int

	JnodeInfo(op wire.OutPoint) (jnode.Info, bool)

	// JnodeRank returns the 1-based score rank of op among jnodes with at
	// least minProto at height, or -1.
	JnodeRank(op wire.OutPoint, height, minProto int32, onlyActive bool) int

	// NextInQueueForPayment returns the jnode that should be paid at
	// height and the number of jnodes that qualified.
	NextInQueueForPayment(height int32, filterSigTime bool) (*jnode.Info, int)

	// AskForJnode requests the announcement of op from p.
	AskForJnode(p jnode.Peer, op wire.OutPoint)
}

// Config is the set of collaborators a Ledger uses.
type Config struct {
	Params    *netparams.Params
	Chain     jnode.ChainState
	Registry  Registry
	Sporks    jnode.SporkSource
	Sync      jnode.SyncStatus
	Transport jnode.Transport
	Clock     jnode.Clock

	// Local is the jnode run by this process.  It may be nil.
	Local jnode.LocalJnode
}

// Ledger stores payment votes and the per block tallies built from them.
// The blocks lock is always taken before the votes lock.
type Ledger struct {
	cfg Config

	// height is the last tip reported through UpdatedBlockTip, -1 before
	// the first one.
	height int32

	votesMtx  sync.RWMutex
	votes     map[chainhash.Hash]*Vote
	lastVotes map[wire.OutPoint]map[int32]struct{}

	blocksMtx sync.RWMutex
	blocks    map[int32]*BlockPayees

	fulfilledMtx sync.Mutex
	fulfilled    map[string]int64
}

// New returns an empty ledger.
func New(cfg *Config) *Ledger {
	return &Ledger{
		cfg:       *cfg,
		height:    -1,
		votes:     make(map[chainhash.Hash]*Vote),
		lastVotes: make(map[wire.OutPoint]map[int32]struct{}),
		blocks:    make(map[int32]*BlockPayees),
		fulfilled: make(map[string]int64),
	}
}

var _ jnode.PaymentsView = (*Ledger)(nil)

func (l *Ledger) now() int64 {
	return l.cfg.Clock.Now().Unix()
}

func (l *Ledger) isJnode() bool {
	return l.cfg.Local != nil && l.cfg.Local.IsJnode()
}

// BestHeight returns the last tip height the ledger was told about.
func (l *Ledger) BestHeight() int32 {
	return atomic.LoadInt32(&l.height)
}

// Clear drops every vote and tally.
func (l *Ledger) Clear() {
	l.blocksMtx.Lock()
	l.votesMtx.Lock()
	l.blocks = make(map[int32]*BlockPayees)
	l.votes = make(map[chainhash.Hash]*Vote)
	l.lastVotes = make(map[wire.OutPoint]map[int32]struct{})
	l.votesMtx.Unlock()
	l.blocksMtx.Unlock()
}

// MinPaymentsProto returns the protocol version jnodes need to vote and be
// paid.
func (l *Ledger) MinPaymentsProto() int32 {
	if l.cfg.Sporks.IsActive(jnode.SporkPayUpdatedNodes) {
		return jnode.MinPaymentProto2
	}
	return jnode.MinPaymentProto1
}

// StorageLimit returns how many heights of votes are kept.
func (l *Ledger) StorageLimit() int {
	return jnode.StorageLimit(l.cfg.Registry.Size())
}

// CanVote records a vote by voter at height and reports whether it is the
// first one.
func (l *Ledger) CanVote(voter wire.OutPoint, height int32) bool {
	l.votesMtx.Lock()
	defer l.votesMtx.Unlock()

	heights, ok := l.lastVotes[voter]
	if !ok {
		heights = make(map[int32]struct{})
		l.lastVotes[voter] = heights
	}
	if _, voted := heights[height]; voted {
		return false
	}
	heights[height] = struct{}{}
	return true
}

// HasVerifiedPaymentVote reports whether a signed vote with hash is known.
func (l *Ledger) HasVerifiedPaymentVote(hash chainhash.Hash) bool {
	l.votesMtx.RLock()
	defer l.votesMtx.RUnlock()
	return l.hasVerifiedVote(hash)
}

// hasVerifiedVote requires the votes lock.
func (l *Ledger) hasVerifiedVote(hash chainhash.Hash) bool {
	v, ok := l.votes[hash]
	return ok && v.IsVerified()
}

// HasVote reports whether a vote with hash was seen, verified or not.
func (l *Ledger) HasVote(hash chainhash.Hash) bool {
	l.votesMtx.RLock()
	_, ok := l.votes[hash]
	l.votesMtx.RUnlock()
	return ok
}

// Vote returns the verified vote with hash.
func (l *Ledger) Vote(hash chainhash.Hash) (*Vote, bool) {
	l.votesMtx.RLock()
	defer l.votesMtx.RUnlock()
	v, ok := l.votes[hash]
	if !ok || !v.IsVerified() {
		return nil, false
	}
	vote := *v
	return &vote, true
}

// AddPaymentVote stores a validated vote and counts it for its payee.  It
// fails when the anchor block is unknown or the vote is already stored.
func (l *Ledger) AddPaymentVote(v *Vote) bool {
	g := l.cfg.Chain.Lock()
	_, ok := g.BlockHash(v.BlockHeight - jnode.VoteAnchorDepth)
	g.Unlock()
	if !ok {
		return false
	}

	limit := l.StorageLimit()
	hash := v.Hash()

	l.blocksMtx.Lock()
	defer l.blocksMtx.Unlock()
	l.votesMtx.Lock()
	defer l.votesMtx.Unlock()

	if l.hasVerifiedVote(hash) {
		return false
	}

	vote := *v
	l.votes[hash] = &vote
	b, ok := l.blocks[v.BlockHeight]
	if !ok {
		b = newBlockPayees(v.BlockHeight)
		l.blocks[v.BlockHeight] = b
	}
	b.addVote(&vote)

	l.enforceLimit(limit)
	return true
}

// enforceLimit drops the lowest heights until at most limit remain.  Both
// locks must be held.
func (l *Ledger) enforceLimit(limit int) {
	if len(l.blocks) <= limit {
		return
	}
	heights := make([]int32, 0, len(l.blocks))
	for h := range l.blocks {
		heights = append(heights, h)
	}
	sort.Slice(heights, func(i, j int) bool { return heights[i] < heights[j] })
	drop := make(map[int32]struct{})
	for _, h := range heights[:len(heights)-limit] {
		drop[h] = struct{}{}
		delete(l.blocks, h)
	}
	for hash, v := range l.votes {
		if _, ok := drop[v.BlockHeight]; ok {
			delete(l.votes, hash)
		}
	}
	log.Debugf("Dropped %d payment blocks over the storage limit %d",
		len(drop), limit)
}

// BlockPayee returns the best voted payee at height.
func (l *Ledger) BlockPayee(height int32) ([]byte, bool) {
	l.blocksMtx.RLock()
	defer l.blocksMtx.RUnlock()
	b, ok := l.blocks[height]
	if !ok {
		return nil, false
	}
	return b.BestPayee()
}

// HasPayeeWithVotes reports whether payee has at least votes votes at
// height.
func (l *Ledger) HasPayeeWithVotes(height int32, payee []byte, votes int) bool {
	l.blocksMtx.RLock()
	defer l.blocksMtx.RUnlock()
	b, ok := l.blocks[height]
	return ok && b.HasPayeeWithVotes(payee, votes)
}

// IsScheduled reports whether payee is the best payee of any block from tip
// through tip+8 other than notHeight.
func (l *Ledger) IsScheduled(payee []byte, tip, notHeight int32) bool {
	if tip < 0 {
		return false
	}
	l.blocksMtx.RLock()
	defer l.blocksMtx.RUnlock()
	for h := tip; h <= tip+scheduleWindow; h++ {
		if h == notHeight {
			continue
		}
		b, ok := l.blocks[h]
		if !ok {
			continue
		}
		if best, ok := b.BestPayee(); ok && string(best) == string(payee) {
			return true
		}
	}
	return false
}

// Payees returns a copy of the tally at height.
func (l *Ledger) Payees(height int32) []Payee {
	l.blocksMtx.RLock()
	defer l.blocksMtx.RUnlock()
	b, ok := l.blocks[height]
	if !ok {
		return nil
	}
	payees := make([]Payee, 0, len(b.Payees))
	for _, p := range b.Payees {
		payees = append(payees, Payee{
			Script:     p.Script,
			VoteHashes: append([]chainhash.Hash(nil), p.VoteHashes...),
		})
	}
	return payees
}

// VotesAt returns the verified votes for height.
func (l *Ledger) VotesAt(height int32) []*Vote {
	l.blocksMtx.RLock()
	defer l.blocksMtx.RUnlock()
	l.votesMtx.RLock()
	defer l.votesMtx.RUnlock()

	b, ok := l.blocks[height]
	if !ok {
		return nil
	}
	var votes []*Vote
	for _, p := range b.Payees {
		for _, hash := range p.VoteHashes {
			if v, ok := l.votes[hash]; ok && v.IsVerified() {
				vote := *v
				votes = append(votes, &vote)
			}
		}
	}
	return votes
}

// RequiredPayments describes the payees voted for at height.
func (l *Ledger) RequiredPayments(height int32) string {
	l.blocksMtx.RLock()
	defer l.blocksMtx.RUnlock()
	if b, ok := l.blocks[height]; ok {
		return b.requiredPayments(l.cfg.Params.Chain)
	}
	return "Unknown"
}

// IsTransactionValid checks the coinbase of the block at height against
// the votes for it.
func (l *Ledger) IsTransactionValid(coinbase *wire.MsgTx, height int32) bool {
	g := l.cfg.Chain.Lock()
	reward := g.JnodePayment(height)
	g.Unlock()

	l.blocksMtx.RLock()
	defer l.blocksMtx.RUnlock()
	b, ok := l.blocks[height]
	if !ok {
		return true
	}
	valid, possible := b.isTransactionValid(coinbase, reward, l.cfg.Params.Chain)
	if !valid {
		log.Errorf("Missing required jnode payment at height %d, possible "+
			"payees: '%s', amount: %v", height, possible, reward)
	}
	return valid
}

// IsBlockValueValid checks that the coinbase does not pay out more than
// reward.
func (l *Ledger) IsBlockValueValid(coinbase *wire.MsgTx, height int32, reward btcutil.Amount) error {
	var out int64
	for _, txOut := range coinbase.TxOut {
		out += txOut.Value
	}
	if btcutil.Amount(out) <= reward {
		return nil
	}
	if !l.cfg.Sync.IsSynced() {
		return fmt.Errorf("coinbase pays too much at height %d (actual=%d "+
			"vs limit=%d), exceeded block reward, only regular blocks are "+
			"allowed at this height", height, out, reward)
	}
	return fmt.Errorf("coinbase pays too much at height %d (actual=%d vs "+
		"limit=%d), exceeded block reward, superblocks are disabled",
		height, out, reward)
}

// IsBlockPayeeValid reports whether the coinbase at height pays the voted
// jnode.  Blocks are accepted until payments start, while syncing, and when
// enforcement is off.
func (l *Ledger) IsBlockPayeeValid(coinbase *wire.MsgTx, height int32) bool {
	if height < l.cfg.Params.JnodePaymentsStartBlock {
		log.Debugf("Jnode payments not started at height %d", height)
		return true
	}
	if !l.cfg.Sync.IsSynced() && !l.cfg.Params.IsRegTest() {
		log.Debugf("Not synced, skipping block payee checks")
		return true
	}
	if l.IsTransactionValid(coinbase, height) {
		log.Debugf("Valid jnode payment at height %d", height)
		return true
	}
	if l.cfg.Sporks.IsActive(jnode.SporkPaymentEnforcement) {
		return false
	}
	log.Infof("Jnode payment enforcement is disabled, accepting block %d", height)
	return true
}

// FillBlockPayee appends the jnode payment for height to the coinbase and
// returns the new output.  When no payee has votes the next jnode in the
// payment queue is paid.  It returns nil when no payee can be found.
func (l *Ledger) FillBlockPayee(coinbase *wire.MsgTx, height int32, payment btcutil.Amount) *wire.TxOut {
	payee, voted := l.BlockPayee(height)
	if !voted {
		info, _ := l.cfg.Registry.NextInQueueForPayment(height, true)
		switch {
		case info != nil:
			payee = jnode.PayToPubKeyHashScript(info.PubKeyCollateral)
		case l.cfg.Params.IsRegTest() && len(coinbase.TxOut) > 0:
			payee = coinbase.TxOut[0].PkScript
		default:
			log.Warnf("Failed to detect jnode to pay at height %d", height)
			return nil
		}
	}

	out := wire.NewTxOut(int64(payment), payee)
	coinbase.AddTxOut(out)
	log.Infof("Jnode payment %v to %s at height %d (voted %v)", payment,
		scriptAddress(payee, l.cfg.Params.Chain), height, voted)
	return out
}

// ProcessBlock votes for the payee of height when the local jnode ranks in
// the top SignaturesTotal.  It reports whether a vote was cast.
func (l *Ledger) ProcessBlock(height int32) bool {
	if !l.isJnode() || !l.cfg.Sync.IsJnodeListSynced() {
		return false
	}
	vin, ok := l.cfg.Local.Vin()
	if !ok {
		return false
	}
	op := vin.PreviousOutPoint

	rank := l.cfg.Registry.JnodeRank(op, height-jnode.VoteAnchorDepth,
		l.MinPaymentsProto(), false)
	if rank == -1 {
		log.Debugf("ProcessBlock: unknown jnode %s", jnode.OutPointShort(&op))
		return false
	}
	if rank > SignaturesTotal {
		log.Debugf("ProcessBlock: jnode not in the top %d (%d)",
			SignaturesTotal, rank)
		return false
	}

	log.Infof("Electing payee for height %d as jnode %s", height,
		jnode.OutPointShort(&op))
	winner, _ := l.cfg.Registry.NextInQueueForPayment(height, true)
	if winner == nil {
		log.Warnf("Failed to find jnode to pay at height %d", height)
		return false
	}
	log.Infof("Next jnode in queue for payment: %s",
		jnode.OutPointShort(&winner.Vin.PreviousOutPoint))

	vote := NewVote(vin, height, jnode.PayToPubKeyHashScript(winner.PubKeyCollateral))
	if err := vote.Sign(l.cfg.Local.PrivKeyJnode(), l.cfg.Local.PubKeyJnode()); err != nil {
		log.Errorf("Failed to sign payment vote: %v", err)
		return false
	}
	if !l.AddPaymentVote(vote) {
		return false
	}
	l.Relay(vote)
	return true
}

// Relay announces v once the winners list is synced.
func (l *Ledger) Relay(v *Vote) {
	if !l.cfg.Sync.IsWinnersListSynced() {
		log.Tracef("Not relaying vote %s, winners list not synced", v)
		return
	}
	hash := v.Hash()
	l.cfg.Transport.RelayInventory(wire.NewInvVect(jnode.InvTypePaymentVote, &hash))
}

// errRepeatedSync is returned when a peer asks for the votes twice within
// syncRequestInterval.
var errRepeatedSync = errors.New("peer already asked for the payment votes")

// markFulfilled records a vote sync request from addr.  It fails when one
// is already on record.
func (l *Ledger) markFulfilled(addr string) error {
	now := l.now()
	l.fulfilledMtx.Lock()
	defer l.fulfilledMtx.Unlock()
	if expiry, ok := l.fulfilled[addr]; ok && expiry > now {
		return errRepeatedSync
	}
	l.fulfilled[addr] = now + syncRequestInterval
	return nil
}

// ProcessMessage handles the payment gossip messages.  Misbehavior is
// reported to the transport and also returned as a rule error.
func (l *Ledger) ProcessMessage(p jnode.Peer, msg wire.Message) error {
	if !l.cfg.Sync.IsJnodeListSynced() {
		return nil
	}

	switch m := msg.(type) {
	case *PaymentSync:
		// Serving the votes is heavy, wait for a full sync.
		if !l.cfg.Sync.IsSynced() {
			return nil
		}
		if err := l.markFulfilled(p.Addr().String()); err != nil {
			log.Infof("Peer %d already asked for the payment votes", p.ID())
			if l.cfg.Params.IsTestNet() {
				return nil
			}
			l.cfg.Transport.Misbehaving(p, 20, err.Error())
			return jnode.NewRuleError(jnode.ErrRepeatedRequest, 20,
				"peer %d: %v", p.ID(), err)
		}
		l.Sync(p)
		return nil

	case *Vote:
		return l.processVote(p, m)
	}
	return nil
}

func (l *Ledger) processVote(p jnode.Peer, v *Vote) error {
	if p.ProtocolVersion() < l.MinPaymentsProto() {
		return nil
	}
	tip := l.BestHeight()
	if tip < 0 {
		return nil
	}

	hash := v.Hash()
	l.votesMtx.Lock()
	if _, seen := l.votes[hash]; seen {
		l.votesMtx.Unlock()
		log.Tracef("Payment vote %s at tip %d seen", hash, tip)
		return nil
	}
	// Keep an unsigned copy so the vote is only processed once.
	// AddPaymentVote replaces it if the vote checks out.
	unverified := *v
	unverified.MarkAsNotVerified()
	l.votes[hash] = &unverified
	l.votesMtx.Unlock()

	firstBlock := tip - int32(l.StorageLimit())
	if v.BlockHeight < firstBlock || v.BlockHeight > tip+maxFutureVoteHeight {
		log.Debugf("Payment vote out of range: first block %d, height %d, "+
			"tip %d", firstBlock, v.BlockHeight, tip)
		return jnode.NewRuleError(jnode.ErrOutOfRange, 0,
			"payment vote for height %d out of range", v.BlockHeight)
	}

	op := v.Voter()
	if err := v.IsValid(l.cfg.Registry, tip, l.MinPaymentsProto(), l.isJnode()); err != nil {
		if jnode.IsErrorCode(err, jnode.ErrUnknownJnode) && l.cfg.Sync.IsJnodeListSynced() {
			l.cfg.Registry.AskForJnode(p, op)
		}
		if dos := jnode.DoSScore(err); dos > 0 {
			log.Infof("Invalid payment vote from peer %d: %v", p.ID(), err)
			l.cfg.Transport.Misbehaving(p, dos, err.Error())
		} else {
			log.Debugf("Invalid payment vote: %v", err)
		}
		return err
	}

	if !l.CanVote(op, v.BlockHeight) {
		log.Infof("Jnode %s already voted for height %d",
			jnode.OutPointShort(&op), v.BlockHeight)
		return jnode.NewRuleError(jnode.ErrDuplicateVote, 0,
			"jnode %s already voted for height %d",
			jnode.OutPointShort(&op), v.BlockHeight)
	}

	info, ok := l.cfg.Registry.JnodeInfo(op)
	if !ok {
		log.Infof("Jnode %s is missing", jnode.OutPointShort(&op))
		l.cfg.Registry.AskForJnode(p, op)
		return nil
	}

	err := v.CheckSignature(info.PubKeyJnode, tip, l.cfg.Sync.IsJnodeListSynced())
	if err != nil {
		if dos := jnode.DoSScore(err); dos > 0 && !l.cfg.Params.IsTestNet() {
			log.Infof("Invalid payment vote signature from peer %d", p.ID())
			l.cfg.Transport.Misbehaving(p, dos, err.Error())
		} else {
			log.Debugf("Invalid payment vote signature: %v", err)
		}
		// Our copy of the jnode may be outdated.
		l.cfg.Registry.AskForJnode(p, op)
		return err
	}

	log.Debugf("Payment vote: address=%s, height=%d, tip=%d, voter=%s",
		scriptAddress(v.Payee, l.cfg.Params.Chain), v.BlockHeight, tip,
		jnode.OutPointShort(&op))

	if l.AddPaymentVote(v) {
		l.Relay(v)
		l.cfg.Sync.AddedPaymentVote()
	}
	return nil
}

// Sync sends p the verified votes for the next maxFutureVoteHeight blocks
// followed by their count.  Older heights are requested individually.
func (l *Ledger) Sync(p jnode.Peer) {
	tip := l.BestHeight()
	if tip < 0 {
		return
	}

	l.blocksMtx.RLock()
	l.votesMtx.RLock()
	var count int32
	for h := tip; h < tip+maxFutureVoteHeight; h++ {
		b, ok := l.blocks[h]
		if !ok {
			continue
		}
		for _, payee := range b.Payees {
			for i := range payee.VoteHashes {
				if !l.hasVerifiedVote(payee.VoteHashes[i]) {
					continue
				}
				p.QueueInventory(wire.NewInvVect(jnode.InvTypePaymentVote,
					&payee.VoteHashes[i]))
				count++
			}
		}
	}
	l.votesMtx.RUnlock()
	l.blocksMtx.RUnlock()

	log.Infof("Sent %d payment votes to peer %d", count, p.ID())
	p.QueueMessage(&jnode.SyncStatusCount{ItemID: jnode.SyncItemWinners, Count: count})
}

// RequestLowDataPaymentBlocks asks p for every height within the storage
// limit that has no tally, then for every tally with too few votes to be
// trusted.
func (l *Ledger) RequestLowDataPaymentBlocks(p jnode.Peer) {
	if l.BestHeight() < 0 {
		return
	}
	limit := int32(l.StorageLimit())

	g := l.cfg.Chain.Lock()
	defer g.Unlock()
	l.blocksMtx.RLock()
	defer l.blocksMtx.RUnlock()

	getData := wire.NewMsgGetData()
	flush := func() {
		if len(getData.InvList) == 0 {
			return
		}
		log.Infof("Asking peer %d for %d payment blocks", p.ID(),
			len(getData.InvList))
		p.QueueMessage(getData)
		getData = wire.NewMsgGetData()
	}
	request := func(hash chainhash.Hash) {
		_ = getData.AddInvVect(wire.NewInvVect(jnode.InvTypePaymentBlock, &hash))
		if len(getData.InvList) == wire.MaxInvPerMsg {
			flush()
		}
	}

	tip := g.TipHeight()
	for h := tip; h >= 0 && tip-h < limit; h-- {
		if _, ok := l.blocks[h]; ok {
			continue
		}
		if hash, ok := g.BlockHash(h); ok {
			request(hash)
		}
	}

	heights := make([]int32, 0, len(l.blocks))
	for h := range l.blocks {
		heights = append(heights, h)
	}
	sort.Slice(heights, func(i, j int) bool { return heights[i] < heights[j] })
	for _, h := range heights {
		b := l.blocks[h]
		found := false
		for _, payee := range b.Payees {
			if payee.VoteCount() >= SignaturesRequired {
				found = true
				break
			}
		}
		// A clear winner or an average number of votes is enough.
		if found || b.totalVotes() >= (SignaturesTotal+SignaturesRequired)/2 {
			continue
		}
		if hash, ok := g.BlockHash(h); ok {
			request(hash)
		}
	}
	flush()
}

// IsEnoughData reports whether the ledger holds more heights than the
// storage limit and an average number of votes for each.
func (l *Ledger) IsEnoughData() bool {
	const averageVotes = (SignaturesTotal + SignaturesRequired) / 2
	limit := l.StorageLimit()
	return l.BlockCount() > limit && l.VoteCount() > limit*averageVotes
}

// BlockCount returns the number of tallied heights.
func (l *Ledger) BlockCount() int {
	l.blocksMtx.RLock()
	defer l.blocksMtx.RUnlock()
	return len(l.blocks)
}

// VoteCount returns the number of stored votes.
func (l *Ledger) VoteCount() int {
	l.votesMtx.RLock()
	defer l.votesMtx.RUnlock()
	return len(l.votes)
}

// CheckAndRemove prunes votes, tallies and vote records older than the
// storage limit and expired sync requests.
func (l *Ledger) CheckAndRemove() {
	tip := l.BestHeight()
	if tip < 0 {
		return
	}
	limit := int32(l.StorageLimit())

	l.blocksMtx.Lock()
	l.votesMtx.Lock()
	for hash, v := range l.votes {
		if tip-v.BlockHeight > limit {
			log.Debugf("Removing old payment vote for height %d", v.BlockHeight)
			delete(l.votes, hash)
			delete(l.blocks, v.BlockHeight)
		}
	}
	for h := range l.blocks {
		if tip-h > limit {
			delete(l.blocks, h)
		}
	}
	for voter, heights := range l.lastVotes {
		for h := range heights {
			if tip-h > limit {
				delete(heights, h)
			}
		}
		if len(heights) == 0 {
			delete(l.lastVotes, voter)
		}
	}
	l.votesMtx.Unlock()
	l.blocksMtx.Unlock()

	now := l.now()
	l.fulfilledMtx.Lock()
	for addr, expiry := range l.fulfilled {
		if expiry <= now {
			delete(l.fulfilled, addr)
		}
	}
	l.fulfilledMtx.Unlock()

	log.Infof("Payment ledger: %s", l)
}

// UpdatedBlockTip records the new tip and votes for the block voteAhead
// blocks above it.
func (l *Ledger) UpdatedBlockTip(height int32) {
	atomic.StoreInt32(&l.height, height)
	log.Debugf("New tip at height %d", height)
	l.ProcessBlock(height + voteAhead)
}

// String summarizes the ledger.
func (l *Ledger) String() string {
	return fmt.Sprintf("Votes: %d, Blocks: %d", l.VoteCount(), l.BlockCount())
}
