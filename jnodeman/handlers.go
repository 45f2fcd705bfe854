package jnodeman

import (
	"bytes"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/jemcash/jnoded/jnode"
)

// ProcessMessage handles the jnode gossip messages.  Misbehavior is reported
// to the transport and also returned as a rule error.
func (m *Manager) ProcessMessage(p jnode.Peer, msg wire.Message) error {
	if !m.cfg.Sync.IsBlockchainSynced() {
		return nil
	}

	switch msg := msg.(type) {
	case *jnode.Broadcast:
		return m.processBroadcast(p, msg)

	case *jnode.Ping:
		return m.processPing(p, msg)

	case *jnode.ListRequest:
		return m.processListRequest(p, msg)

	case *jnode.Verification:
		return m.processVerify(p, msg)
	}
	return nil
}

func (m *Manager) processBroadcast(p jnode.Peer, b *jnode.Broadcast) error {
	ok, err := m.CheckMnbAndUpdateJnodeList(p, b)
	if ok {
		m.cfg.Transport.AddAddress(b.Addr, p.Addr())
	} else if dos := jnode.DoSScore(err); dos > 0 {
		m.cfg.Transport.Misbehaving(p, dos, err.Error())
	}

	m.mtx.Lock()
	added := m.added
	m.mtx.Unlock()
	if added {
		m.NotifyJnodeUpdates()
	}
	if ok {
		return nil
	}
	return err
}

// CheckMnbAndUpdateJnodeList validates the broadcast b received from p,
// which may be nil for broadcasts reprocessed locally, and applies it to the
// registry.  It reports whether b was accepted.
func (m *Manager) CheckMnbAndUpdateJnodeList(p jnode.Peer, b *jnode.Broadcast) (bool, error) {
	g := m.cfg.Chain.Lock()
	m.mtx.Lock()
	ok, reactivate, err := m.checkMnb(g, p, b)
	m.mtx.Unlock()
	g.Unlock()

	if reactivate {
		m.cfg.Local.ManageState()
	}
	return ok, err
}

// checkMnb is CheckMnbAndUpdateJnodeList with the chain guard and the
// manager lock held.  reactivate asks the caller to rerun local activation
// once the locks are released.
func (m *Manager) checkMnb(g jnode.ChainGuard, p jnode.Peer, b *jnode.Broadcast) (ok, reactivate bool, err error) {
	now := m.now()
	hash := b.Hash()
	op := b.Vin.PreviousOutPoint
	opStr := jnode.OutPointShort(&op)

	if seen, known := m.seenBroadcasts[hash]; known && !b.Recovery {
		log.Tracef("Jnode announce %s seen, jnode=%s", hash, opStr)

		// Less than two pings left before the entry needs a new
		// start, it is likely being synced: bump the sync timeout.
		if now-seen.time > jnode.NewStartRequiredSeconds-2*jnode.MinPingSeconds {
			log.Tracef("Jnode announce %s seen update", hash)
			seen.time = now
			m.cfg.Sync.AddedJnodeList()
		}

		// A reply to one of our recovery requests.
		if p != nil {
			m.collectRecoveryReply(g, p, b, hash, seen, now)
		}
		return true, false, nil
	}

	stored := *b
	m.seenBroadcasts[hash] = &seenBroadcast{time: now, broadcast: &stored}
	log.Debugf("Jnode announce for %s, new, sigTime %d", opStr, b.SigTime)

	if err := b.SimpleCheck(g, m.cfg.Params, now, m.minPaymentsProto()); err != nil {
		log.Debugf("Announce for %s failed simple check: %v", opStr, err)
		return false, false, err
	}

	ctx := m.checkContext(g)
	if e, exists := m.entries[op]; exists {
		oldHash := jnode.NewBroadcast(e).Hash()
		if err := b.CheckUpdate(e, ctx); err != nil {
			log.Debugf("Announce for %s rejected as update: %v", opStr, err)
			return false, false, err
		}

		// Nodes only update entries announced more than
		// MinBroadcastSeconds ago, except their own.
		if !e.IsBroadcastedWithin(jnode.MinBroadcastSeconds, now) || ctx.IsOurs(&b.Entry) {
			var updated bool
			updated, reactivate = e.UpdateFromNewBroadcast(b, ctx.LocalPubKey,
				m.acceptPing(g, e, ctx))
			if updated {
				e.Check(ctx, false)
				m.cfg.Sync.AddedJnodeList()
			}
		}
		if hash != oldHash {
			delete(m.seenBroadcasts, oldHash)
		}
	}

	if err := b.CheckOutpoint(g, m.cfg.Params, m.cfg.Local); err != nil {
		// Not confirmed enough yet, allow it to be seen again later.
		if jnode.IsErrorCode(err, jnode.ErrTooFewConfirmations) {
			delete(m.seenBroadcasts, hash)
		}
		log.Debugf("Announce for %s rejected: %v", opStr, err)
		return false, reactivate, err
	}

	e, exists := m.entries[op]
	if !exists {
		e = jnode.NewEntry(b)
		m.add(e)
	}
	m.cfg.Sync.AddedJnodeList()

	if m.isJnode() && bytes.Equal(b.PubKeyJnode, m.localPubKey()) {
		e.PoSeBanScore = -jnode.PoSeBanMaxScore
		if b.ProtocolVersion != jnode.ProtocolVersion {
			log.Warnf("Wrong protocol version %d in announcement of our "+
				"own jnode, want %d: re-activate it", b.ProtocolVersion,
				jnode.ProtocolVersion)
			return false, reactivate, jnode.NewRuleError(jnode.ErrUpdateRequired,
				0, "own jnode %s announced with protocol %d", opStr,
				b.ProtocolVersion)
		}
		// Got our own broadcast back from the network.
		reactivate = true
	}

	m.relay(jnode.InvTypeAnnounce, &hash)
	return true, reactivate, nil
}

// collectRecoveryReply records b as a recovery reply when p is one of the
// peers asked about the broadcast with the given hash and b carries a ping
// newer than the one seen.
func (m *Manager) collectRecoveryReply(g jnode.ChainGuard, p jnode.Peer,
	b *jnode.Broadcast, hash chainhash.Hash, seen *seenBroadcast, now int64) {

	req, ok := m.recoveryRequests[hash]
	if !ok || now >= req.deadline {
		return
	}
	key := netKey(p.Addr())
	if _, asked := req.addrs[key]; !asked {
		return
	}
	delete(req.addrs, key)

	if b.LastPing.SigTime <= seen.broadcast.LastPing.SigTime {
		return
	}
	tmp := jnode.NewEntry(b)
	tmp.Check(m.checkContext(g), true)
	log.Debugf("Jnode announce %s recovery reply from %s, state %s", hash,
		p.Addr(), tmp.ActiveState)
	if jnode.IsValidStateForAutoStart(tmp.ActiveState) {
		reply := *b
		m.recoveryReplies[hash] = append(m.recoveryReplies[hash], &reply)
	}
}

// acceptPing returns the callback UpdateFromNewBroadcast uses to validate
// the ping embedded in a broadcast for e.
func (m *Manager) acceptPing(g jnode.ChainGuard, e *jnode.Entry,
	ctx *jnode.CheckContext) func(*jnode.Ping) bool {

	return func(ping *jnode.Ping) bool {
		err := ping.CheckAndUpdate(e, true, g, ctx)
		if err != nil && !jnode.IsErrorCode(err, jnode.ErrNotEnabled) {
			log.Debugf("Ping in announce rejected: %v", err)
			return false
		}
		// A ping leaving the entry short of enabled is kept on the entry
		// but not marked seen, so a later relay of it is still processed.
		if err == nil {
			stored := *ping
			m.seenPings[ping.Hash()] = &stored
		}
		return true
	}
}

// UpdateJnodeList applies a broadcast created by this process.  It is
// already validated and is not relayed.
func (m *Manager) UpdateJnodeList(b *jnode.Broadcast) {
	g := m.cfg.Chain.Lock()
	defer g.Unlock()
	m.mtx.Lock()
	defer m.mtx.Unlock()

	now := m.now()
	hash := b.Hash()
	ping := b.LastPing
	m.seenPings[ping.Hash()] = &ping
	stored := *b
	m.seenBroadcasts[hash] = &seenBroadcast{time: now, broadcast: &stored}

	log.Infof("Updating jnode list, addr=%s, vin=%s", b.Addr, jnode.TxInString(&b.Vin))

	e, ok := m.entries[b.Vin.PreviousOutPoint]
	if !ok {
		if m.add(jnode.NewEntry(b)) {
			m.cfg.Sync.AddedJnodeList()
		}
		return
	}

	oldHash := jnode.NewBroadcast(e).Hash()
	ctx := m.checkContext(g)
	// The caller is local activation itself, reactivate is ignored.
	updated, _ := e.UpdateFromNewBroadcast(b, ctx.LocalPubKey, m.acceptPing(g, e, ctx))
	if updated {
		m.cfg.Sync.AddedJnodeList()
		if oldHash != hash {
			delete(m.seenBroadcasts, oldHash)
		}
	}
}

func (m *Manager) processPing(p jnode.Peer, ping *jnode.Ping) error {
	op := ping.Vin.PreviousOutPoint
	hash := ping.Hash()

	g := m.cfg.Chain.Lock()
	defer g.Unlock()
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if _, seen := m.seenPings[hash]; seen {
		return nil
	}
	stored := *ping
	m.seenPings[hash] = &stored
	log.Tracef("Jnode ping %s, jnode=%s, new", hash, jnode.OutPointShort(&op))

	e := m.entries[op]
	// The entry needs a new broadcast, the ping cannot help.
	if e != nil && e.IsNewStartRequired() {
		return nil
	}

	err := ping.CheckAndUpdate(e, false, g, m.checkContext(g))
	if err == nil || jnode.IsErrorCode(err, jnode.ErrNotEnabled) {
		m.updateSeenPing(e)
		if err == nil {
			m.relay(jnode.InvTypePing, &hash)
		}
		return nil
	}

	if dos := jnode.DoSScore(err); dos > 0 {
		log.Infof("Invalid jnode ping from peer %d: %v", p.ID(), err)
		m.cfg.Transport.Misbehaving(p, dos, err.Error())
		return err
	}
	if e != nil {
		// The ping was too early or anchored badly.
		log.Tracef("Jnode ping for %s ignored: %v", jnode.OutPointShort(&op), err)
		return err
	}

	// Something significant is broken or the entry is unknown.
	m.askForJnode(p, op)
	return err
}

func (m *Manager) processListRequest(p jnode.Peer, req *jnode.ListRequest) error {
	// Serving the list is heavy, wait for a full sync.
	if !m.cfg.Sync.IsSynced() {
		return nil
	}

	m.mtx.Lock()
	defer m.mtx.Unlock()

	now := m.now()
	addr := p.Addr()
	full := req.IsFullList()
	if full && !addr.IsRFC1918() && !addr.IsLocal() && m.cfg.Params.IsMainNet() {
		key := netKey(addr)
		if expiry, ok := m.askedUsForList[key]; ok && now < expiry {
			log.Infof("Peer %d already asked for the jnode list", p.ID())
			m.cfg.Transport.Misbehaving(p, 34, "repeated jnode list request")
			return jnode.NewRuleError(jnode.ErrRepeatedRequest, 34,
				"peer %d already asked for the jnode list", p.ID())
		}
		m.askedUsForList[key] = now + DsegUpdateSeconds
	}

	want := req.Vin.PreviousOutPoint
	n := int32(0)
	for _, op := range m.sortedOutpoints() {
		if !full && op != want {
			continue
		}
		e := m.entries[op]
		// Local network addresses are not worth sharing.
		if e.Addr.IsRFC1918() || e.Addr.IsLocal() {
			continue
		}
		if e.IsUpdateRequired() {
			continue
		}

		log.Tracef("Sending jnode entry %s, addr=%s", jnode.OutPointShort(&op), e.Addr)
		b := jnode.NewBroadcast(e)
		hash := b.Hash()
		pingHash := e.LastPing.Hash()
		p.QueueInventory(wire.NewInvVect(jnode.InvTypeAnnounce, &hash))
		p.QueueInventory(wire.NewInvVect(jnode.InvTypePing, &pingHash))
		n++

		if _, ok := m.seenBroadcasts[hash]; !ok {
			m.seenBroadcasts[hash] = &seenBroadcast{time: now, broadcast: b}
		}
		if _, ok := m.seenPings[pingHash]; !ok && !e.LastPing.IsEmpty() {
			ping := e.LastPing
			m.seenPings[pingHash] = &ping
		}

		if !full {
			log.Debugf("Sent 1 jnode inv to peer %d", p.ID())
			return nil
		}
	}

	if full {
		p.QueueMessage(&jnode.SyncStatusCount{ItemID: jnode.SyncItemList, Count: n})
		log.Debugf("Sent %d jnode invs to peer %d", n, p.ID())
		return nil
	}
	log.Debugf("No invs sent to peer %d", p.ID())
	return nil
}

// DsegUpdate asks p for its full jnode list unless we asked it recently.
func (m *Manager) DsegUpdate(p jnode.Peer) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	now := m.now()
	addr := p.Addr()
	key := netKey(addr)
	if m.cfg.Params.IsMainNet() && !addr.IsRFC1918() && !addr.IsLocal() {
		if expiry, ok := m.weAskedForList[key]; ok && now < expiry {
			log.Debugf("We already asked peer %d for the list, skipping", p.ID())
			return
		}
	}
	p.QueueMessage(jnode.NewListRequest())
	m.weAskedForList[key] = now + DsegUpdateSeconds
	log.Debugf("Asked peer %d for the jnode list", p.ID())
}

// AskForJnode asks p for the broadcast of the entry op unless we asked it
// recently.
func (m *Manager) AskForJnode(p jnode.Peer, op wire.OutPoint) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.askForJnode(p, op)
}

func (m *Manager) askForJnode(p jnode.Peer, op wire.OutPoint) {
	now := m.now()
	key := netKey(p.Addr())
	asked, ok := m.weAskedForEntry[op]
	if !ok {
		asked = make(map[string]int64)
		m.weAskedForEntry[op] = asked
	}
	if expiry, ok := asked[key]; ok && now < expiry {
		// Asked recently, let the peer answer first.
		return
	}
	log.Debugf("Asking peer %d for missing jnode entry %s", p.ID(),
		jnode.OutPointShort(&op))
	asked[key] = now + DsegUpdateSeconds
	p.QueueMessage(&jnode.ListRequest{Vin: jnode.NewVin(op)})
}

// relay announces the object with the given type and hash to every peer.
func (m *Manager) relay(typ wire.InvType, hash *chainhash.Hash) {
	m.cfg.Transport.RelayInventory(wire.NewInvVect(typ, hash))
}

// HaveInventory reports whether the jnode object iv names is known.
func (m *Manager) HaveInventory(iv *wire.InvVect) bool {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	switch iv.Type {
	case jnode.InvTypeAnnounce:
		_, ok := m.seenBroadcasts[iv.Hash]
		return ok
	case jnode.InvTypePing:
		_, ok := m.seenPings[iv.Hash]
		return ok
	case jnode.InvTypeVerify:
		_, ok := m.seenVerifications[iv.Hash]
		return ok
	}
	return false
}

// SeenBroadcast returns a copy of the seen broadcast with the given hash.
func (m *Manager) SeenBroadcast(hash chainhash.Hash) (*jnode.Broadcast, bool) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	seen, ok := m.seenBroadcasts[hash]
	if !ok {
		return nil, false
	}
	b := *seen.broadcast
	return &b, true
}

// SeenPing returns a copy of the seen ping with the given hash.
func (m *Manager) SeenPing(hash chainhash.Hash) (*jnode.Ping, bool) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	ping, ok := m.seenPings[hash]
	if !ok {
		return nil, false
	}
	c := *ping
	return &c, true
}

// SeenVerification returns a copy of the seen verification with the given
// hash.
func (m *Manager) SeenVerification(hash chainhash.Hash) (*jnode.Verification, bool) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	v, ok := m.seenVerifications[hash]
	if !ok {
		return nil, false
	}
	c := *v
	return &c, true
}
