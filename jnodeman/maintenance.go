package jnodeman

import (
	"bytes"
	"sort"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/jemcash/jnoded/jnode"
)

// CheckAndRemove re-evaluates every entry, drops the ones with spent
// collateral, drives the recovery of entries that require a new start and
// expires the rate limit and seen caches.
func (m *Manager) CheckAndRemove() {
	if !m.cfg.Sync.IsJnodeListSynced() {
		return
	}
	log.Debugf("Checking and removing jnodes")

	g := m.cfg.Chain.Lock()
	m.mtx.Lock()
	reactivate := m.checkAndRemove(g)
	m.mtx.Unlock()
	g.Unlock()

	if reactivate {
		m.cfg.Local.ManageState()
	}
	m.NotifyJnodeUpdates()
}

func (m *Manager) checkAndRemove(g jnode.ChainGuard) (reactivate bool) {
	m.checkAll(g)

	now := m.now()
	tip := g.TipHeight()
	synced := m.cfg.Sync.IsSynced()

	asks := 0
	var recoveryRanks []rankedEntry
	ranked := false
	for _, op := range m.sortedOutpoints() {
		e := m.entries[op]
		hash := jnode.NewBroadcast(e).Hash()

		if e.IsOutpointSpent() {
			log.Debugf("Removing jnode %s, addr=%s, state=%s, %d now",
				jnode.OutPointShort(&op), e.Addr, e.ActiveState, len(m.entries)-1)
			delete(m.seenBroadcasts, hash)
			delete(m.weAskedForEntry, op)
			delete(m.entries, op)
			m.removed = true
			continue
		}

		if !e.IsNewStartRequired() || asks >= recoveryMaxAskEntries || !synced {
			continue
		}
		if _, ok := m.recoveryRequests[hash]; ok {
			continue
		}

		// Ask the jnodes ranked best at a random height whether this one
		// deserves another chance.
		if !ranked {
			ranked = true
			if tip > 0 {
				recoveryRanks = m.ranks(g, m.rand.Int31n(tip), 0)
			}
		}
		addrs := make(map[string]struct{})
		for _, r := range recoveryRanks {
			if len(addrs) >= RecoveryQuorumTotal {
				break
			}
			key := netKey(r.entry.Addr)
			if _, ok := m.weAskedForEntry[op][key]; ok {
				continue
			}
			if _, ok := addrs[key]; ok {
				continue
			}
			addrs[key] = struct{}{}
			m.scheduled = append(m.scheduled, scheduledRequest{addr: r.entry.Addr, hash: hash})
		}
		m.recoveryRequests[hash] = &recoveryRequest{
			deadline: now + RecoveryWaitSeconds,
			addrs:    addrs,
		}
		// Only requests that reached someone use up the round's budget.
		if len(addrs) > 0 {
			asks++
			log.Debugf("Asking %d jnodes to recover jnode %s", len(addrs),
				jnode.OutPointShort(&op))
		}
	}

	// Process the replies of requests past their deadline.
	for hash, replies := range m.recoveryReplies {
		if req, ok := m.recoveryRequests[hash]; ok && now <= req.deadline {
			continue
		}
		if len(replies) >= RecoveryQuorumRequired {
			log.Debugf("Reprocessing jnode announce %s, %d good replies", hash, len(replies))
			b := *replies[0]
			b.Recovery = true
			_, r, err := m.checkMnb(g, nil, &b)
			if err != nil {
				log.Debugf("Recovery of jnode announce %s failed: %v", hash, err)
			}
			reactivate = reactivate || r
		}
		delete(m.recoveryReplies, hash)
	}

	for hash, req := range m.recoveryRequests {
		// Allow another recovery attempt after a while.
		if now-req.deadline > recoveryRetrySeconds {
			delete(m.recoveryRequests, hash)
		}
	}

	for key, expiry := range m.askedUsForList {
		if expiry < now {
			delete(m.askedUsForList, key)
		}
	}
	for key, expiry := range m.weAskedForList {
		if expiry < now {
			delete(m.weAskedForList, key)
		}
	}
	for op, asked := range m.weAskedForEntry {
		for key, expiry := range asked {
			if expiry < now {
				delete(asked, key)
			}
		}
		if len(asked) == 0 {
			delete(m.weAskedForEntry, op)
		}
	}
	for key, v := range m.weAskedForVerification {
		if v.BlockHeight < tip-maxPoSeBlocks {
			delete(m.weAskedForVerification, key)
		}
	}
	for key, expiry := range m.fulfilled {
		if expiry < now {
			delete(m.fulfilled, key)
		}
	}

	for hash, ping := range m.seenPings {
		if ping.IsExpired(now) {
			log.Tracef("Removing expired jnode ping %s", hash)
			delete(m.seenPings, hash)
		}
	}
	for hash, v := range m.seenVerifications {
		if v.BlockHeight < tip-maxPoSeBlocks {
			log.Tracef("Removing expired jnode verification %s", hash)
			delete(m.seenVerifications, hash)
		}
	}

	log.Debugf("%v", m.stringLocked())

	if m.removed {
		m.updateIndexes()
	}
	return reactivate
}

// IsMnbRecoveryRequested reports whether a recovery of the broadcast with
// the given hash is in progress.
func (m *Manager) IsMnbRecoveryRequested(hash chainhash.Hash) bool {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	_, ok := m.recoveryRequests[hash]
	return ok
}

// PopScheduledMnbRequestConnection removes the scheduled recovery requests
// for the lowest scheduled address and returns that address with the
// broadcast hashes to ask it for.
func (m *Manager) PopScheduledMnbRequestConnection() (jnode.Service, []chainhash.Hash, bool) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if len(m.scheduled) == 0 {
		return jnode.Service{}, nil, false
	}

	sort.Slice(m.scheduled, func(i, j int) bool {
		a, b := &m.scheduled[i], &m.scheduled[j]
		if c := compareService(a.addr, b.addr); c != 0 {
			return c < 0
		}
		return bytes.Compare(a.hash[:], b.hash[:]) < 0
	})

	addr := m.scheduled[0].addr
	var hashes []chainhash.Hash
	rest := make([]scheduledRequest, 0, len(m.scheduled))
	for _, r := range m.scheduled {
		if r.addr.Equal(addr) {
			hashes = append(hashes, r.hash)
			continue
		}
		rest = append(rest, r)
	}
	m.scheduled = rest
	return addr, hashes, true
}

// ProcessPendingMnbRequests connects to every address with scheduled
// recovery requests and asks it for the broadcasts.
func (m *Manager) ProcessPendingMnbRequests() {
	for {
		addr, hashes, ok := m.PopScheduledMnbRequestConnection()
		if !ok {
			return
		}
		p, err := m.cfg.Transport.ConnectJnode(addr)
		if err != nil {
			log.Debugf("Can't connect to %s for jnode recovery: %v", addr, err)
			continue
		}
		msg := wire.NewMsgGetData()
		for _, hash := range hashes {
			if err := msg.AddInvVect(wire.NewInvVect(jnode.InvTypeAnnounce, &hash)); err != nil {
				log.Debugf("Too many recovery requests for %s: %v", addr, err)
				break
			}
		}
		log.Debugf("Asking %s for %d jnode announces", addr, len(hashes))
		p.QueueMessage(msg)
	}
}
