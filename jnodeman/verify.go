package jnodeman

import (
	"bytes"
	"net"
	"sort"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/jemcash/jnoded/jnode"
)

func ipBytes(s jnode.Service) []byte {
	if s.IP == nil {
		return net.IPv6zero
	}
	return s.IP.To16()
}

// compareService orders addresses by IP bytes, then port.
func compareService(a, b jnode.Service) int {
	if c := bytes.Compare(ipBytes(a), ipBytes(b)); c != 0 {
		return c
	}
	switch {
	case a.Port < b.Port:
		return -1
	case a.Port > b.Port:
		return 1
	}
	return 0
}

// misbehaving charges p and returns the matching rule error.
func (m *Manager) misbehaving(p jnode.Peer, dos uint32, code jnode.ErrorCode,
	format string, args ...interface{}) error {

	err := jnode.NewRuleError(code, dos, format, args...)
	log.Infof("Peer %d misbehaving: %v", p.ID(), err)
	m.cfg.Transport.Misbehaving(p, dos, err.Error())
	return err
}

func (m *Manager) hasFulfilled(addr jnode.Service, what string) bool {
	expiry, ok := m.fulfilled[addr.String()+what]
	return ok && m.now() < expiry
}

func (m *Manager) markFulfilled(addr jnode.Service, what string) {
	m.fulfilled[addr.String()+what] = m.now() + fulfilledExpiry
}

func (m *Manager) processVerify(p jnode.Peer, v *jnode.Verification) error {
	g := m.cfg.Chain.Lock()
	defer g.Unlock()
	m.mtx.Lock()
	defer m.mtx.Unlock()

	switch {
	case len(v.Sig1) == 0:
		// A request, answer it if we are a jnode.
		return m.sendVerifyReply(g, p, v)

	case len(v.Sig2) == 0:
		// The answer to one of our requests.
		return m.processVerifyReply(g, p, v)
	}
	return m.processVerifyBroadcast(g, p, v)
}

// CheckSameAddr raises the proof of service score of every enabled or pre
// enabled entry announcing the address of a verified entry.  The first
// verified entry of each address is left alone.
func (m *Manager) CheckSameAddr() {
	if !m.cfg.Sync.IsSynced() {
		return
	}

	m.mtx.Lock()
	defer m.mtx.Unlock()
	if len(m.entries) == 0 {
		return
	}

	list := make([]*jnode.Entry, 0, len(m.entries))
	for _, e := range m.entries {
		if e.IsEnabled() || e.IsPreEnabled() {
			list = append(list, e)
		}
	}
	sort.Slice(list, func(i, j int) bool {
		if c := compareService(list[i].Addr, list[j].Addr); c != 0 {
			return c < 0
		}
		return jnode.CompareOutPoints(&list[i].Vin.PreviousOutPoint,
			&list[j].Vin.PreviousOutPoint) < 0
	})

	for i := 0; i < len(list); {
		j := i + 1
		for j < len(list) && list[j].Addr.Equal(list[i].Addr) {
			j++
		}
		group := list[i:j]
		i = j
		if len(group) < 2 {
			continue
		}

		var keep *jnode.Entry
		for _, e := range group {
			if e.IsPoSeVerified() {
				keep = e
				break
			}
		}
		if keep == nil {
			continue
		}
		for _, e := range group {
			if e == keep {
				continue
			}
			log.Debugf("Jnode %s shares address %s with verified jnode %s, "+
				"increasing ban score", jnode.OutPointShort(&e.Vin.PreviousOutPoint),
				e.Addr, jnode.OutPointShort(&keep.Vin.PreviousOutPoint))
			e.IncreasePoSeBanScore()
		}
	}
}

// DoFullVerificationStep sends verification requests to a slice of the
// network.  Only the maxPoSeRank best ranked jnodes verify, each starting
// at its own offset in the ranking and stepping by maxPoSeConnections.
func (m *Manager) DoFullVerificationStep() {
	vin, ok := m.localVin()
	if !ok || !m.cfg.Sync.IsSynced() {
		return
	}

	g := m.cfg.Chain.Lock()
	m.mtx.Lock()
	ranks := m.ranks(g, g.TipHeight()-1, jnode.MinPoSeProtoVersion)
	g.Unlock()

	myRank := -1
	for _, r := range ranks {
		if r.rank > maxPoSeRank {
			break
		}
		if r.entry.Vin.PreviousOutPoint == vin.PreviousOutPoint {
			myRank = r.rank
			break
		}
	}
	if myRank == -1 {
		m.mtx.Unlock()
		return
	}

	var addrs []jnode.Service
	for i := maxPoSeRank + myRank - 1; i < len(ranks); i += maxPoSeConnections {
		e := ranks[i].entry
		if e.IsPoSeVerified() || e.IsPoSeBanned() {
			log.Debugf("Jnode %s is already verified or banned, skipping",
				jnode.OutPointShort(&e.Vin.PreviousOutPoint))
			continue
		}
		addrs = append(addrs, e.Addr)
	}
	m.mtx.Unlock()

	sent := 0
	for _, addr := range addrs {
		if !m.SendVerifyRequest(addr) {
			continue
		}
		sent++
		if sent >= maxPoSeConnections {
			break
		}
	}
	log.Debugf("Sent verification requests to %d jnodes", sent)
}

// SendVerifyRequest connects to addr and asks the jnode there to prove it
// controls the announced key.
func (m *Manager) SendVerifyRequest(addr jnode.Service) bool {
	m.mtx.Lock()
	pending := m.hasFulfilled(addr, fulfilledRequest)
	m.mtx.Unlock()
	if pending {
		// Asked recently, wait for the answer.
		log.Debugf("Verification of %s already requested", addr)
		return false
	}

	p, err := m.cfg.Transport.ConnectJnode(addr)
	if err != nil {
		log.Debugf("Can't connect to jnode %s for verification: %v", addr, err)
		return false
	}

	g := m.cfg.Chain.Lock()
	height := g.TipHeight() - 1
	g.Unlock()

	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.markFulfilled(addr, fulfilledRequest)
	v := jnode.NewVerificationRequest(addr, m.rand.Int31n(maxVerifyNonce), height)
	m.weAskedForVerification[addr.String()] = v
	log.Debugf("Verifying jnode %s, nonce %d", addr, v.Nonce)
	p.QueueMessage(v)
	return true
}

func (m *Manager) sendVerifyReply(g jnode.ChainGuard, p jnode.Peer, v *jnode.Verification) error {
	if !m.isJnode() {
		return nil
	}
	if m.hasFulfilled(p.Addr(), fulfilledReply) {
		return m.misbehaving(p, 20, jnode.ErrRepeatedRequest,
			"peer %d already asked for verification", p.ID())
	}

	blockHash, ok := g.BlockHash(v.BlockHeight)
	if !ok {
		log.Debugf("Can't get block hash for unknown block height %d, peer %d",
			v.BlockHeight, p.ID())
		return nil
	}

	reply := *v
	reply.Addr = m.cfg.Local.Service()
	msg := reply.Sig1Message(&blockHash)
	sig, err := jnode.SignMessage(m.cfg.Local.PrivKeyJnode(), msg)
	if err != nil {
		log.Errorf("Can't sign verification reply: %v", err)
		return nil
	}
	if err := jnode.VerifyMessage(m.localPubKey(), sig, msg); err != nil {
		log.Errorf("Can't verify our own verification reply: %v", err)
		return nil
	}
	reply.Sig1 = sig

	p.QueueMessage(&reply)
	m.markFulfilled(p.Addr(), fulfilledReply)
	return nil
}

func (m *Manager) processVerifyReply(g jnode.ChainGuard, p jnode.Peer, v *jnode.Verification) error {
	addr := p.Addr()
	if !m.hasFulfilled(addr, fulfilledRequest) {
		return m.misbehaving(p, 20, jnode.ErrUnexpectedVerify,
			"peer %d sent a verification reply we did not ask for", p.ID())
	}

	req, ok := m.weAskedForVerification[addr.String()]
	if !ok || req.Nonce != v.Nonce {
		return m.misbehaving(p, 20, jnode.ErrUnexpectedVerify,
			"peer %d answered with wrong nonce %d", p.ID(), v.Nonce)
	}
	if req.BlockHeight != v.BlockHeight {
		return m.misbehaving(p, 20, jnode.ErrUnexpectedVerify,
			"peer %d answered for wrong height %d", p.ID(), v.BlockHeight)
	}

	blockHash, ok := g.BlockHash(v.BlockHeight)
	if !ok {
		log.Debugf("Can't get block hash for unknown block height %d, peer %d",
			v.BlockHeight, p.ID())
		return nil
	}

	if m.hasFulfilled(addr, fulfilledDone) {
		return m.misbehaving(p, 20, jnode.ErrRepeatedRequest,
			"jnode at %s was already verified recently", addr)
	}

	check := *v
	check.Addr = addr
	msg1 := check.Sig1Message(&blockHash)

	var genuine *jnode.Entry
	var impostors []*jnode.Entry
	for _, op := range m.sortedOutpoints() {
		e := m.entries[op]
		if !e.Addr.Equal(addr) {
			continue
		}
		if jnode.VerifyMessage(e.PubKeyJnode, v.Sig1, msg1) != nil {
			impostors = append(impostors, e)
			continue
		}

		genuine = e
		if !e.IsPoSeVerified() {
			e.DecreasePoSeBanScore()
		}
		m.markFulfilled(addr, fulfilledDone)

		// Only a jnode can sign the verification for others.
		vin, ok := m.localVin()
		if !ok {
			continue
		}
		done := check
		done.Vin1 = e.Vin
		done.Vin2 = vin
		msg2 := done.Sig2Message(&blockHash)
		sig, err := jnode.SignMessage(m.cfg.Local.PrivKeyJnode(), msg2)
		if err != nil {
			log.Errorf("Can't sign verification: %v", err)
			return nil
		}
		if err := jnode.VerifyMessage(m.localPubKey(), sig, msg2); err != nil {
			log.Errorf("Can't verify our own verification: %v", err)
			return nil
		}
		done.Sig2 = sig

		m.weAskedForVerification[addr.String()] = &done
		hash := done.Hash()
		m.seenVerifications[hash] = &done
		m.relay(jnode.InvTypeVerify, &hash)
	}

	if genuine == nil {
		return m.misbehaving(p, 20, jnode.ErrUnexpectedVerify,
			"no jnode at %s signed the verification", addr)
	}
	log.Infof("Verified jnode %s at %s", jnode.OutPointShort(&genuine.Vin.PreviousOutPoint), addr)

	for _, e := range impostors {
		e.IncreasePoSeBanScore()
		log.Debugf("Increased ban score of jnode %s claiming %s, score %d",
			jnode.OutPointShort(&e.Vin.PreviousOutPoint), addr, e.PoSeBanScore)
	}
	return nil
}

func (m *Manager) processVerifyBroadcast(g jnode.ChainGuard, p jnode.Peer, v *jnode.Verification) error {
	hash := v.Hash()
	if _, seen := m.seenVerifications[hash]; seen {
		return nil
	}
	stored := *v
	m.seenVerifications[hash] = &stored

	if tip := g.TipHeight(); v.BlockHeight < tip-maxPoSeBlocks {
		log.Debugf("Outdated verification at height %d, tip %d, peer %d",
			v.BlockHeight, tip, p.ID())
		return nil
	}

	vin1, vin2 := v.Vin1.PreviousOutPoint, v.Vin2.PreviousOutPoint
	if vin1 == vin2 {
		return m.misbehaving(p, 100, jnode.ErrSelfVerify,
			"jnode %s verified itself", jnode.OutPointShort(&vin1))
	}

	blockHash, ok := g.BlockHash(v.BlockHeight)
	if !ok {
		log.Debugf("Can't get block hash for unknown block height %d, peer %d",
			v.BlockHeight, p.ID())
		return nil
	}

	rank := m.rank(g, vin2, v.BlockHeight, jnode.MinPoSeProtoVersion, true)
	if rank == -1 {
		log.Debugf("Can't calculate rank for jnode %s", jnode.OutPointShort(&vin2))
		return nil
	}
	if rank > maxPoSeRank {
		log.Debugf("Jnode %s is not in top %d, rank %d, peer %d",
			jnode.OutPointShort(&vin2), maxPoSeRank, rank, p.ID())
		return jnode.NewRuleError(jnode.ErrRankTooLow, 0,
			"verifier %s has rank %d", jnode.OutPointShort(&vin2), rank)
	}

	e1, ok := m.entries[vin1]
	if !ok {
		log.Debugf("Can't find jnode1 %s", jnode.OutPointShort(&vin1))
		return nil
	}
	e2, ok := m.entries[vin2]
	if !ok {
		log.Debugf("Can't find jnode2 %s", jnode.OutPointShort(&vin2))
		return nil
	}
	if !e1.Addr.Equal(v.Addr) {
		log.Debugf("Address %s does not match jnode1 address %s", v.Addr, e1.Addr)
		return nil
	}

	if err := checkVerifySignatures(v, &blockHash, e1, e2); err != nil {
		log.Debugf("Verification from peer %d rejected: %v", p.ID(), err)
		return err
	}

	if !e1.IsPoSeVerified() {
		e1.DecreasePoSeBanScore()
	}
	m.relay(jnode.InvTypeVerify, &hash)
	log.Infof("Verified jnode %s for addr %s", jnode.OutPointShort(&vin1), e1.Addr)

	for op, e := range m.entries {
		if op == vin1 || !e.Addr.Equal(v.Addr) {
			continue
		}
		e.IncreasePoSeBanScore()
		log.Debugf("Increased ban score of jnode %s claiming %s, score %d",
			jnode.OutPointShort(&op), e.Addr, e.PoSeBanScore)
	}
	return nil
}

// checkVerifySignatures checks that e1 signed the nonce and e2 countersigned
// the result.
func checkVerifySignatures(v *jnode.Verification, blockHash *chainhash.Hash,
	e1, e2 *jnode.Entry) error {

	if err := jnode.VerifyMessage(e1.PubKeyJnode, v.Sig1, v.Sig1Message(blockHash)); err != nil {
		return jnode.NewRuleError(jnode.ErrBadSignature, 0,
			"bad signature of verified jnode %s: %v",
			jnode.OutPointShort(&e1.Vin.PreviousOutPoint), err)
	}
	if err := jnode.VerifyMessage(e2.PubKeyJnode, v.Sig2, v.Sig2Message(blockHash)); err != nil {
		return jnode.NewRuleError(jnode.ErrBadSignature, 0,
			"bad signature of verifying jnode %s: %v",
			jnode.OutPointShort(&e2.Vin.PreviousOutPoint), err)
	}
	return nil
}
