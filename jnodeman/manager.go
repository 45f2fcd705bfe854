// Copyright (c) 2014-2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package jnodeman

import (
	"bytes"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/jemcash/jnoded/jnode"
	"github.com/jemcash/jnoded/netparams"
)

const (
	// DsegUpdateSeconds is how long a peer has to wait before asking for
	// the full list again, and how long we wait before asking a peer.
	DsegUpdateSeconds = 3 * 60 * 60

	// lastPaidScanBlocks is how far back a jnode rescans payments on
	// every block once the first full scan is done.
	lastPaidScanBlocks = 100

	// Proof of service verification limits.
	maxPoSeConnections = 10
	maxPoSeRank        = 10
	maxPoSeBlocks      = 10

	// Recovery quorum for entries that require a new start.
	RecoveryQuorumTotal    = 10
	RecoveryQuorumRequired = 6
	recoveryMaxAskEntries  = 10
	RecoveryWaitSeconds    = 60
	recoveryRetrySeconds   = 3 * 60 * 60

	// The index is only rebuilt once it holds more than
	// maxExpectedIndexSize handles, and at most once per
	// minIndexRebuildTime seconds.
	maxExpectedIndexSize = 30000
	minIndexRebuildTime  = 60 * 60

	// fulfilledExpiry is how long served verification steps are
	// remembered per peer.
	fulfilledExpiry = 60 * 60

	// maxVerifyNonce bounds the random nonce of verification requests.
	maxVerifyNonce = 999999
)

// Suffixes of the per peer verification bookkeeping keys.
const (
	fulfilledRequest = "jnv-request"
	fulfilledReply   = "jnv-reply"
	fulfilledDone    = "jnv-done"
)

// Config is the set of collaborators a Manager uses.
type Config struct {
	Params    *netparams.Params
	Chain     jnode.ChainState
	Sync      jnode.SyncStatus
	Transport jnode.Transport
	Clock     jnode.Clock

	// Local is the jnode run by this process.  It may be nil.
	Local jnode.LocalJnode

	// Rand drives recovery peer selection, verification nonces and
	// random picks.  A time seeded source is used when nil.
	Rand *rand.Rand
}

type seenBroadcast struct {
	time      int64
	broadcast *jnode.Broadcast
}

type recoveryRequest struct {
	deadline int64
	addrs    map[string]struct{}
}

type scheduledRequest struct {
	addr jnode.Service
	hash chainhash.Hash
}

// Manager is the registry of known jnodes.  It owns every entry and serves
// the jnode gossip protocol.
//
// Methods that consult the chain obtain a chain guard before the manager
// lock.  The payment ledger may be consulted while the manager lock is held
// but must never call back into the manager while holding its own locks.
type Manager struct {
	cfg      Config
	payments jnode.PaymentsView

	notificationsLock sync.RWMutex
	notifications     []NotificationCallback

	mtx sync.Mutex

	entries map[wire.OutPoint]*jnode.Entry

	index            *Index
	oldIndex         *Index
	indexRebuilt     bool
	lastIndexRebuild int64

	// Rate limits keyed by peer network address.
	askedUsForList  map[string]int64
	weAskedForList  map[string]int64
	weAskedForEntry map[wire.OutPoint]map[string]int64

	weAskedForVerification map[string]*jnode.Verification
	fulfilled              map[string]int64

	recoveryRequests map[chainhash.Hash]*recoveryRequest
	recoveryReplies  map[chainhash.Hash][]*jnode.Broadcast
	scheduled        []scheduledRequest

	lastWatchdogVote int64
	dsqCount         int64

	seenBroadcasts    map[chainhash.Hash]*seenBroadcast
	seenPings         map[chainhash.Hash]*jnode.Ping
	seenVerifications map[chainhash.Hash]*jnode.Verification

	added, removed bool

	// lastPaidScanned is set once a full last paid scan ran with the
	// winners list synced.
	lastPaidScanned bool

	rand *rand.Rand
}

// New returns an empty registry.
func New(cfg *Config) *Manager {
	m := &Manager{cfg: *cfg, rand: cfg.Rand}
	if m.cfg.Clock == nil {
		m.cfg.Clock = jnode.SystemClock{}
	}
	if m.rand == nil {
		m.rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	m.reset()
	return m
}

// reset empties every table.  The manager lock must be held or the manager
// not yet shared.
func (m *Manager) reset() {
	m.entries = make(map[wire.OutPoint]*jnode.Entry)
	m.index = NewIndex()
	m.oldIndex = NewIndex()
	m.indexRebuilt = false
	m.askedUsForList = make(map[string]int64)
	m.weAskedForList = make(map[string]int64)
	m.weAskedForEntry = make(map[wire.OutPoint]map[string]int64)
	m.weAskedForVerification = make(map[string]*jnode.Verification)
	m.fulfilled = make(map[string]int64)
	m.recoveryRequests = make(map[chainhash.Hash]*recoveryRequest)
	m.recoveryReplies = make(map[chainhash.Hash][]*jnode.Broadcast)
	m.scheduled = nil
	m.lastWatchdogVote = 0
	m.dsqCount = 0
	m.seenBroadcasts = make(map[chainhash.Hash]*seenBroadcast)
	m.seenPings = make(map[chainhash.Hash]*jnode.Ping)
	m.seenVerifications = make(map[chainhash.Hash]*jnode.Verification)
}

// SetPayments connects the payment ledger.  It must be called before the
// manager processes messages.
func (m *Manager) SetPayments(p jnode.PaymentsView) {
	m.mtx.Lock()
	m.payments = p
	m.mtx.Unlock()
}

func (m *Manager) now() int64 {
	return m.cfg.Clock.Now().Unix()
}

func (m *Manager) isJnode() bool {
	return m.cfg.Local != nil && m.cfg.Local.IsJnode()
}

func (m *Manager) localPubKey() []byte {
	if !m.isJnode() {
		return nil
	}
	return m.cfg.Local.PubKeyJnode()
}

// localVin returns the collateral input of the local jnode once it is
// activated.
func (m *Manager) localVin() (wire.TxIn, bool) {
	if !m.isJnode() {
		return wire.TxIn{}, false
	}
	return m.cfg.Local.Vin()
}

func (m *Manager) minPaymentsProto() int32 {
	if m.payments == nil {
		return jnode.MinPaymentProto1
	}
	return m.payments.MinPaymentsProto()
}

// netKey identifies a peer by its IP, ignoring the port.
func netKey(s jnode.Service) string {
	return s.IP.String()
}

// checkContext builds the state check context.  The manager lock must be
// held.  g may be nil.
func (m *Manager) checkContext(g jnode.ChainGuard) *jnode.CheckContext {
	now := m.now()
	return &jnode.CheckContext{
		Now:              now,
		Guard:            g,
		RegistrySize:     len(m.entries),
		ListSynced:       m.cfg.Sync.IsJnodeListSynced(),
		WatchdogActive:   m.cfg.Sync.IsSynced() && m.isWatchdogActive(now),
		LocalPubKey:      m.localPubKey(),
		MinPaymentsProto: m.minPaymentsProto(),
		Sync:             m.cfg.Sync,
	}
}

// add inserts e unless its outpoint is known.  The manager lock must be
// held.
func (m *Manager) add(e *jnode.Entry) bool {
	op := e.Outpoint()
	if _, ok := m.entries[op]; ok {
		return false
	}
	log.Debugf("Adding new jnode: addr=%s, %d now", e.Addr, len(m.entries)+1)
	m.entries[op] = e
	m.index.Add(op)
	m.added = true
	return true
}

// Add inserts a copy of e unless an entry for its outpoint exists.
func (m *Manager) Add(e *jnode.Entry) bool {
	c := *e
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.add(&c)
}

// Has reports whether op is a known jnode.
func (m *Manager) Has(op wire.OutPoint) bool {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	_, ok := m.entries[op]
	return ok
}

// Get returns a copy of the entry for op.
func (m *Manager) Get(op wire.OutPoint) (jnode.Entry, bool) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	e, ok := m.entries[op]
	if !ok {
		return jnode.Entry{}, false
	}
	return *e, true
}

// GetByPubKey returns a copy of the entry using the jnode key pubKey.
func (m *Manager) GetByPubKey(pubKey []byte) (jnode.Entry, bool) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	e := m.findByPubKey(pubKey)
	if e == nil {
		return jnode.Entry{}, false
	}
	return *e, true
}

func (m *Manager) findByPubKey(pubKey []byte) *jnode.Entry {
	for _, e := range m.entries {
		if bytes.Equal(e.PubKeyJnode, pubKey) {
			return e
		}
	}
	return nil
}

func (m *Manager) findByPayee(script []byte) *jnode.Entry {
	for _, e := range m.entries {
		if bytes.Equal(e.CollateralScript(), script) {
			return e
		}
	}
	return nil
}

// JnodeInfo returns a snapshot of the entry for op.
func (m *Manager) JnodeInfo(op wire.OutPoint) (jnode.Info, bool) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	e, ok := m.entries[op]
	if !ok {
		return jnode.Info{}, false
	}
	return e.Info(), true
}

// JnodeInfoByPubKey returns a snapshot of the entry using the jnode key
// pubKey.
func (m *Manager) JnodeInfoByPubKey(pubKey []byte) (jnode.Info, bool) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	e := m.findByPubKey(pubKey)
	if e == nil {
		return jnode.Info{}, false
	}
	return e.Info(), true
}

// JnodeInfoByPayee returns a snapshot of the entry paid to script.
func (m *Manager) JnodeInfoByPayee(script []byte) (jnode.Info, bool) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	e := m.findByPayee(script)
	if e == nil {
		return jnode.Info{}, false
	}
	return e.Info(), true
}

// FullList returns copies of every entry.
func (m *Manager) FullList() []jnode.Entry {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	list := make([]jnode.Entry, 0, len(m.entries))
	for _, op := range m.sortedOutpoints() {
		list = append(list, *m.entries[op])
	}
	return list
}

// sortedOutpoints returns the known outpoints in byte order.  The manager
// lock must be held.
func (m *Manager) sortedOutpoints() []wire.OutPoint {
	ops := make([]wire.OutPoint, 0, len(m.entries))
	for op := range m.entries {
		ops = append(ops, op)
	}
	sortOutpoints(ops)
	return ops
}

// Size returns the number of entries.
func (m *Manager) Size() int {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return len(m.entries)
}

// resolveProto maps -1 to the current payment protocol floor.
func (m *Manager) resolveProto(proto int32) int32 {
	if proto == -1 {
		return m.minPaymentsProto()
	}
	return proto
}

// Count returns the number of entries speaking at least proto.  -1 selects
// the current payment protocol floor.
func (m *Manager) Count(proto int32) int {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	proto = m.resolveProto(proto)
	n := 0
	for _, e := range m.entries {
		if e.ProtocolVersion >= proto {
			n++
		}
	}
	return n
}

// CountEnabled returns the number of enabled entries speaking at least
// proto.  -1 selects the current payment protocol floor.
func (m *Manager) CountEnabled(proto int32) int {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.countEnabled(m.resolveProto(proto))
}

func (m *Manager) countEnabled(proto int32) int {
	n := 0
	for _, e := range m.entries {
		if e.ProtocolVersion >= proto && e.IsEnabled() {
			n++
		}
	}
	return n
}

// Network selects an address family for CountByIP.
type Network int

// Address families.
const (
	NetIPv4 Network = iota
	NetIPv6
)

// CountByIP returns the number of entries announcing an address of the
// given family.
func (m *Manager) CountByIP(network Network) int {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	n := 0
	for _, e := range m.entries {
		ipv4 := e.Addr.IsIPv4()
		if (network == NetIPv4 && ipv4) || (network == NetIPv6 && !ipv4) {
			n++
		}
	}
	return n
}

// Clear drops every entry and cache.
func (m *Manager) Clear() {
	m.mtx.Lock()
	m.reset()
	m.mtx.Unlock()
}

// Check re-evaluates the state of every entry.
func (m *Manager) Check() {
	g := m.cfg.Chain.Lock()
	defer g.Unlock()
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.checkAll(g)
}

func (m *Manager) checkAll(g jnode.ChainGuard) {
	ctx := m.checkContext(g)
	for _, e := range m.entries {
		e.Check(ctx, false)
	}
}

// CheckJnode re-evaluates the state of the entry for op.
func (m *Manager) CheckJnode(op wire.OutPoint, force bool) {
	g := m.cfg.Chain.Lock()
	defer g.Unlock()
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if e, ok := m.entries[op]; ok {
		e.Check(m.checkContext(g), force)
	}
}

// CheckJnodeByPubKey re-evaluates the state of the entry using the jnode
// key pubKey.
func (m *Manager) CheckJnodeByPubKey(pubKey []byte, force bool) {
	g := m.cfg.Chain.Lock()
	defer g.Unlock()
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if e := m.findByPubKey(pubKey); e != nil {
		e.Check(m.checkContext(g), force)
	}
}

// JnodeState returns the state of the entry for op.
func (m *Manager) JnodeState(op wire.OutPoint) (jnode.State, bool) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	e, ok := m.entries[op]
	if !ok {
		return 0, false
	}
	return e.ActiveState, true
}

// IsJnodePingedWithin reports whether the entry for op was pinged less than
// seconds before at.  An at of -1 means now.
func (m *Manager) IsJnodePingedWithin(op wire.OutPoint, seconds int64, at int64) bool {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	e, ok := m.entries[op]
	if !ok {
		return false
	}
	if at == -1 {
		at = m.now()
	}
	return e.IsPingedWithin(seconds, at)
}

// SetJnodeLastPing stores ping as the last ping of the entry for op.
func (m *Manager) SetJnodeLastPing(op wire.OutPoint, ping *jnode.Ping) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	e, ok := m.entries[op]
	if !ok {
		return
	}
	e.LastPing = *ping
	m.seenPings[ping.Hash()] = ping
	m.updateSeenPing(e)
}

// updateSeenPing copies the last ping of e into its seen broadcast.
func (m *Manager) updateSeenPing(e *jnode.Entry) {
	hash := jnode.NewBroadcast(e).Hash()
	if seen, ok := m.seenBroadcasts[hash]; ok {
		seen.broadcast.LastPing = e.LastPing
	}
}

// UpdateWatchdogVoteTime records a watchdog vote of the entry for op.
func (m *Manager) UpdateWatchdogVoteTime(op wire.OutPoint) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	e, ok := m.entries[op]
	if !ok {
		return
	}
	now := m.now()
	e.UpdateWatchdogVoteTime(now)
	m.lastWatchdogVote = now
}

// IsWatchdogActive reports whether any jnode cast a watchdog vote within
// the watchdog window.
func (m *Manager) IsWatchdogActive() bool {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.isWatchdogActive(m.now())
}

func (m *Manager) isWatchdogActive(now int64) bool {
	return now-m.lastWatchdogVote <= jnode.WatchdogMaxSeconds
}

// JnodeIndex returns the index handle of op, or -1, and whether the index
// was rebuilt since the old index was last cleared.
func (m *Manager) JnodeIndex(op wire.OutPoint) (int, bool) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.index.Get(op), m.indexRebuilt
}

// JnodeByIndex returns the outpoint with handle n.
func (m *Manager) JnodeByIndex(n int) (wire.OutPoint, bool, bool) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	op, ok := m.index.Outpoint(n)
	return op, m.indexRebuilt, ok
}

// JnodeIndexOld returns the handle op had before the last rebuild.
func (m *Manager) JnodeIndexOld(op wire.OutPoint) int {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.oldIndex.Get(op)
}

// JnodeByIndexOld returns the outpoint that had handle n before the last
// rebuild.
func (m *Manager) JnodeByIndexOld(n int) (wire.OutPoint, bool) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.oldIndex.Outpoint(n)
}

// IndexRebuiltFlag reports whether the index was rebuilt since the old
// index was last cleared.
func (m *Manager) IndexRebuiltFlag() bool {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.indexRebuilt
}

// ClearOldIndexes forgets the pre rebuild index.
func (m *Manager) ClearOldIndexes() {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.oldIndex.Clear()
	m.indexRebuilt = false
}

// UpdateIndexes rebuilds the index when it grew well past the number of
// live entries, at most once per minIndexRebuildTime.
func (m *Manager) UpdateIndexes() {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.updateIndexes()
}

func (m *Manager) updateIndexes() {
	now := m.now()
	if now-m.lastIndexRebuild < minIndexRebuildTime {
		return
	}
	if m.index.Size() <= maxExpectedIndexSize {
		return
	}
	if m.index.Size() <= len(m.entries) {
		return
	}

	m.oldIndex = m.index.clone()
	m.index.Clear()
	for _, op := range m.sortedOutpoints() {
		m.index.Add(op)
	}
	m.indexRebuilt = true
	m.lastIndexRebuild = now
	log.Infof("Rebuilt jnode index, %d handles", m.index.Size())
}

// UpdateLastPaid refreshes the last paid block of every entry.  The first
// scan, and every scan on a node that is not a jnode, covers the whole
// payment storage window.
func (m *Manager) UpdateLastPaid() {
	g := m.cfg.Chain.Lock()
	defer g.Unlock()
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.updateLastPaid(g)
}

func (m *Manager) updateLastPaid(g jnode.ChainGuard) {
	if m.payments == nil || g.TipHeight() < 0 {
		return
	}
	maxScan := lastPaidScanBlocks
	if !m.lastPaidScanned || !m.isJnode() {
		maxScan = jnode.StorageLimit(len(m.entries))
	}
	log.Tracef("Updating last paid blocks, height %d, scanning %d blocks",
		g.TipHeight(), maxScan)
	for _, e := range m.entries {
		e.UpdateLastPaid(g, m.payments, maxScan)
	}
	m.lastPaidScanned = m.cfg.Sync.IsWinnersListSynced()
}

// UpdatedBlockTip runs the per block maintenance.
func (m *Manager) UpdatedBlockTip(height int32) {
	log.Tracef("Registry block tip %d", height)
	m.CheckSameAddr()
	if m.isJnode() {
		m.UpdateLastPaid()
	}
}

// NotifyJnodeUpdates tells subscribers whether entries were added or
// removed since the last call and resets the flags.
func (m *Manager) NotifyJnodeUpdates() {
	m.mtx.Lock()
	added, removed := m.added, m.removed
	m.added, m.removed = false, false
	size := len(m.entries)
	m.mtx.Unlock()

	if added {
		m.sendNotification(NTJnodesAdded, size)
	}
	if removed {
		m.sendNotification(NTJnodesRemoved, size)
	}
}

// ProcessJnodeConnections drops connections that were opened only to talk
// to a jnode.
func (m *Manager) ProcessJnodeConnections() {
	if m.cfg.Params.IsRegTest() {
		return
	}
	var drop []jnode.Peer
	m.cfg.Transport.ForEachPeer(func(p jnode.Peer) {
		if p.IsJnodeConnection() {
			drop = append(drop, p)
		}
	})
	for _, p := range drop {
		log.Debugf("Closing jnode connection to peer %d, addr %s", p.ID(), p.Addr())
		m.cfg.Transport.Disconnect(p)
	}
}

// String returns a one line summary of the registry.
func (m *Manager) String() string {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.stringLocked()
}

func (m *Manager) stringLocked() string {
	return fmt.Sprintf("Jnodes: %d, peers who asked us for Jnode list: %d, "+
		"peers we asked for Jnode list: %d, entries in Jnode list we "+
		"asked for: %d, jnode index size: %d, nDsqCount: %d",
		len(m.entries), len(m.askedUsForList), len(m.weAskedForList),
		len(m.weAskedForEntry), m.index.Size(), m.dsqCount)
}
