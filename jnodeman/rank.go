package jnodeman

import (
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/jemcash/jnoded/jnode"
)

// cycleSecondsPerJnode is the expected time between two payments of the
// same jnode divided by the number of jnodes, 2.6 minutes.
const cycleSecondsPerJnode = 156

type scoredEntry struct {
	score int64
	entry *jnode.Entry
}

// sortByScore orders s by descending compact score, the larger outpoint
// first on ties.
func sortByScore(s []scoredEntry) {
	sort.Slice(s, func(i, j int) bool {
		if s[i].score != s[j].score {
			return s[i].score > s[j].score
		}
		return jnode.CompareOutPoints(&s[i].entry.Vin.PreviousOutPoint,
			&s[j].entry.Vin.PreviousOutPoint) > 0
	})
}

// scores returns the entries passing filter ordered by their election score
// for blockHash.  The manager lock must be held.
func (m *Manager) scores(blockHash *chainhash.Hash, filter func(*jnode.Entry) bool) []scoredEntry {
	s := make([]scoredEntry, 0, len(m.entries))
	for _, e := range m.entries {
		if !filter(e) {
			continue
		}
		score := jnode.CompactScore(e.CalculateScore(blockHash))
		s = append(s, scoredEntry{score: score, entry: e})
	}
	sortByScore(s)
	return s
}

// rankFilter selects the entries that take part in a ranking.
func rankFilter(minProto int32, onlyActive bool) func(*jnode.Entry) bool {
	return func(e *jnode.Entry) bool {
		if e.ProtocolVersion < minProto {
			return false
		}
		if onlyActive {
			return e.IsEnabled()
		}
		return e.IsValidForPayment()
	}
}

// Scores returns the outpoints of the entries speaking at least minProto
// ordered by their election score at height, best first.
func (m *Manager) Scores(height, minProto int32, onlyActive bool) []wire.OutPoint {
	g := m.cfg.Chain.Lock()
	defer g.Unlock()
	blockHash, ok := g.BlockHash(height)
	if !ok {
		return nil
	}
	m.mtx.Lock()
	defer m.mtx.Unlock()
	s := m.scores(&blockHash, rankFilter(minProto, onlyActive))
	ops := make([]wire.OutPoint, len(s))
	for i := range s {
		ops[i] = s[i].entry.Outpoint()
	}
	return ops
}

// JnodeRank returns the 1-based election rank of op at height among the
// entries speaking at least minProto.  onlyActive restricts the ranking to
// enabled entries, otherwise entries valid for payment count.  It returns -1
// when the block or the entry is unknown.
func (m *Manager) JnodeRank(op wire.OutPoint, height, minProto int32, onlyActive bool) int {
	g := m.cfg.Chain.Lock()
	defer g.Unlock()
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.rank(g, op, height, minProto, onlyActive)
}

func (m *Manager) rank(g jnode.ChainGuard, op wire.OutPoint, height, minProto int32,
	onlyActive bool) int {

	blockHash, ok := g.BlockHash(height)
	if !ok {
		return -1
	}
	for i, s := range m.scores(&blockHash, rankFilter(minProto, onlyActive)) {
		if s.entry.Vin.PreviousOutPoint == op {
			return i + 1
		}
	}
	return -1
}

// RankedJnode is an entry with its election rank.
type RankedJnode struct {
	Rank int
	Info jnode.Info
}

type rankedEntry struct {
	rank  int
	entry *jnode.Entry
}

// Ranks returns every enabled entry speaking at least minProto with its
// election rank at height.
func (m *Manager) Ranks(height, minProto int32) []RankedJnode {
	g := m.cfg.Chain.Lock()
	defer g.Unlock()
	m.mtx.Lock()
	defer m.mtx.Unlock()
	ranked := m.ranks(g, height, minProto)
	out := make([]RankedJnode, len(ranked))
	for i, r := range ranked {
		out[i] = RankedJnode{Rank: r.rank, Info: r.entry.Info()}
	}
	return out
}

func (m *Manager) ranks(g jnode.ChainGuard, height, minProto int32) []rankedEntry {
	blockHash, ok := g.BlockHash(height)
	if !ok {
		return nil
	}
	s := m.scores(&blockHash, rankFilter(minProto, true))
	ranked := make([]rankedEntry, len(s))
	for i := range s {
		ranked[i] = rankedEntry{rank: i + 1, entry: s[i].entry}
	}
	return ranked
}

// JnodeByRank returns the entry at the 1-based election rank at height.
func (m *Manager) JnodeByRank(rank int, height, minProto int32, onlyActive bool) (jnode.Info, bool) {
	g := m.cfg.Chain.Lock()
	defer g.Unlock()
	m.mtx.Lock()
	defer m.mtx.Unlock()

	blockHash, ok := g.BlockHash(height)
	if !ok {
		log.Errorf("Can't get block hash at height %d", height)
		return jnode.Info{}, false
	}
	filter := func(e *jnode.Entry) bool {
		return e.ProtocolVersion >= minProto && (!onlyActive || e.IsEnabled())
	}
	s := m.scores(&blockHash, filter)
	if rank < 1 || rank > len(s) {
		return jnode.Info{}, false
	}
	return s[rank-1].entry.Info(), true
}

// notQualifyReason returns why e may not be paid at height, or the empty
// string when it qualifies.  count is the number of enabled jnodes.
func (m *Manager) notQualifyReason(g jnode.ChainGuard, e *jnode.Entry, height int32,
	filterSigTime bool, count int, now int64) string {

	if !e.IsValidForPayment() {
		return "not valid for payment"
	}
	if e.ProtocolVersion < m.minPaymentsProto() {
		return fmt.Sprintf("invalid protocol version %d", e.ProtocolVersion)
	}
	if m.payments != nil &&
		m.payments.IsScheduled(e.CollateralScript(), g.TipHeight(), height) {

		return "is scheduled"
	}
	if filterSigTime && e.SigTime+int64(count)*cycleSecondsPerJnode > now {
		after := e.SigTime + int64(count)*cycleSecondsPerJnode
		return fmt.Sprintf("too new, sigTime=%s, will be qualified after=%s",
			time.Unix(e.SigTime, 0).UTC().Format("2006-01-02 15:04 UTC"),
			time.Unix(after, 0).UTC().Format("2006-01-02 15:04 UTC"))
	}
	if age := e.CollateralAge(g); age < int32(count) {
		return fmt.Sprintf("collateralAge < jnCount, collateralAge=%d, "+
			"jnCount=%d", age, count)
	}
	return ""
}

// NextInQueueForPayment selects the jnode to pay at height: among the tenth
// of qualifying jnodes that waited longest for a payment, the one with the
// highest score for the block VoteAnchorDepth blocks earlier.  It returns
// the number of qualifying jnodes along with it.
func (m *Manager) NextInQueueForPayment(height int32, filterSigTime bool) (*jnode.Info, int) {
	g := m.cfg.Chain.Lock()
	defer g.Unlock()
	m.mtx.Lock()
	defer m.mtx.Unlock()
	e, n := m.nextInQueue(g, height, filterSigTime)
	if e == nil {
		return nil, n
	}
	info := e.Info()
	return &info, n
}

func (m *Manager) nextInQueue(g jnode.ChainGuard, height int32, filterSigTime bool) (*jnode.Entry, int) {
	now := m.now()
	enabled := m.countEnabled(m.minPaymentsProto())

	type lastPaid struct {
		block int32
		entry *jnode.Entry
	}
	var candidates []lastPaid
	for _, e := range m.entries {
		reason := m.notQualifyReason(g, e, height, filterSigTime, enabled, now)
		if reason != "" {
			log.Tracef("Jnode %s, addr(%s), not qualified: %s",
				jnode.OutPointShort(&e.Vin.PreviousOutPoint), e.Addr, reason)
			continue
		}
		candidates = append(candidates, lastPaid{block: e.BlockLastPaid, entry: e})
	}
	count := len(candidates)

	// While the network upgrades, don't penalize recently restarted nodes.
	if filterSigTime && count < enabled/3 {
		return m.nextInQueue(g, height, false)
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].block != candidates[j].block {
			return candidates[i].block < candidates[j].block
		}
		return jnode.CompareOutPoints(&candidates[i].entry.Vin.PreviousOutPoint,
			&candidates[j].entry.Vin.PreviousOutPoint) < 0
	})

	blockHash, ok := g.BlockHash(height - jnode.VoteAnchorDepth)
	if !ok {
		log.Errorf("Can't get block hash at height %d", height-jnode.VoteAnchorDepth)
		return nil, count
	}

	// Only the tenth of the network paid longest ago competes on score.
	tenth := enabled / 10
	var best *jnode.Entry
	highest := new(big.Int)
	for i, c := range candidates {
		score := c.entry.CalculateScore(&blockHash)
		if score.Cmp(highest) > 0 {
			highest = score
			best = c.entry
		}
		if i+1 >= tenth {
			break
		}
	}
	return best, count
}

// FindRandomNotInVec returns a random enabled entry speaking at least proto
// whose outpoint is not in exclude.  -1 selects the current payment protocol
// floor.
func (m *Manager) FindRandomNotInVec(exclude []wire.OutPoint, proto int32) (jnode.Info, bool) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	proto = m.resolveProto(proto)
	enabled := m.countEnabled(proto)
	if enabled-len(exclude) < 1 {
		return jnode.Info{}, false
	}

	excluded := make(map[wire.OutPoint]struct{}, len(exclude))
	for _, op := range exclude {
		excluded[op] = struct{}{}
	}

	ops := m.sortedOutpoints()
	m.rand.Shuffle(len(ops), func(i, j int) { ops[i], ops[j] = ops[j], ops[i] })
	for _, op := range ops {
		e := m.entries[op]
		if e.ProtocolVersion < proto || !e.IsEnabled() {
			continue
		}
		if _, ok := excluded[op]; ok {
			continue
		}
		return e.Info(), true
	}
	return jnode.Info{}, false
}
