// Copyright (c) 2013-2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/addrmgr"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/connmgr"
	"github.com/btcsuite/btcd/wire"
	"github.com/jemcash/jnoded/activejnode"
	"github.com/jemcash/jnoded/chainrpc"
	"github.com/jemcash/jnoded/database"
	"github.com/jemcash/jnoded/internal/log"
	"github.com/jemcash/jnoded/jnode"
	"github.com/jemcash/jnoded/jnodeman"
	"github.com/jemcash/jnoded/jnodesync"
	"github.com/jemcash/jnoded/netparams"
	"github.com/jemcash/jnoded/payments"
)

const (
	// defaultTargetOutbound is the default number of outbound peers to
	// target.
	defaultTargetOutbound = 8

	// connectionRetryInterval is the base amount of time to wait in between
	// retries when connecting to persistent peers.
	connectionRetryInterval = 5 * time.Second

	// jnodeConnectTimeout bounds dialing a jnode directly.
	jnodeConnectTimeout = 5 * time.Second

	// chainRefreshTicks is how often, in maintenance ticks, the chain tip
	// is polled.
	chainRefreshTicks = 5

	// saveTicks is how often the jnode caches are written to disk.
	saveTicks = 10 * 60
)

var errServerShutdown = errors.New("server shutting down")

// staticSporks is the set of sporks activated on the command line.
type staticSporks map[jnode.SporkID]bool

// IsActive reports whether the spork id was activated.
func (s staticSporks) IsActive(id jnode.SporkID) bool { return s[id] }

// peerState maintains state of inbound, persistent, outbound peers as well
// as banned peers and outbound groups.
type peerState struct {
	inboundPeers   map[int32]*serverPeer
	outboundPeers  map[int32]*serverPeer
	jnodePeers     map[int32]*serverPeer
	banned         map[string]time.Time
	outboundGroups map[string]int
}

// Count returns the count of all known gossip peers.
func (ps *peerState) Count() int {
	return len(ps.inboundPeers) + len(ps.outboundPeers)
}

// forAllPeers is a helper function that runs closure on all peers known to
// peerState.
func (ps *peerState) forAllPeers(closure func(sp *serverPeer)) {
	for _, e := range ps.inboundPeers {
		closure(e)
	}
	for _, e := range ps.outboundPeers {
		closure(e)
	}
	for _, e := range ps.jnodePeers {
		closure(e)
	}
}

// server is the jnode daemon.  It keeps the gossip connections, feeds their
// messages to the jnode subsystems and implements jnode.Transport for them.
type server struct {
	// The following variables must only be used atomically.
	started    int32
	shutdown   int32
	tipHeight  int32
	nextPeerID int32

	// Set while a background recovery or verification dial round runs.
	recoveryDialing int32
	verifyDialing   int32

	params      *netparams.Params
	nonce       uint64
	addrManager *addrmgr.AddrManager
	connManager *connmgr.ConnManager
	store       *database.Store
	chain       *chainrpc.Chain

	syncManager *jnodesync.Manager
	jnodes      *jnodeman.Manager
	payments    *payments.Ledger
	active      *activejnode.ActiveJnode
	status      *statusServer

	newPeers  chan *serverPeer
	donePeers chan *serverPeer
	banPeers  chan *serverPeer
	relayInv  chan *wire.InvVect
	query     chan interface{}
	quit      chan struct{}
	wg        sync.WaitGroup
}

// handleAddPeerMsg deals with adding new peers.  It is invoked from the
// peerHandler goroutine.
func (s *server) handleAddPeerMsg(state *peerState, sp *serverPeer) bool {
	if sp == nil {
		return false
	}

	// Ignore new peers if we're shutting down.
	if atomic.LoadInt32(&s.shutdown) != 0 {
		log.SrvrLog.Infof("New peer %s ignored - server is shutting down", sp)
		sp.Disconnect()
		return false
	}

	// Disconnect banned peers.
	host := sp.addr.IP.String()
	if banEnd, ok := state.banned[host]; ok {
		if time.Now().Before(banEnd) {
			log.SrvrLog.Debugf("Peer %s is banned for another %v - disconnecting",
				host, time.Until(banEnd))
			sp.Disconnect()
			return false
		}

		log.SrvrLog.Infof("Peer %s is no longer banned", host)
		delete(state.banned, host)
	}

	// Limit max number of total peers.  Direct jnode connections are
	// short lived and not counted.
	if !sp.jnodeConn && state.Count() >= cfg.MaxPeers {
		log.SrvrLog.Infof("Max peers reached [%d] - disconnecting peer %s",
			cfg.MaxPeers, sp)
		sp.Disconnect()
		return false
	}

	// Add the new peer and start it.
	log.SrvrLog.Debugf("New peer %s", sp)
	switch {
	case sp.jnodeConn:
		state.jnodePeers[sp.id] = sp
	case sp.inbound:
		state.inboundPeers[sp.id] = sp
	default:
		state.outboundGroups[addrmgr.GroupKey(sp.na)]++
		state.outboundPeers[sp.id] = sp
	}
	sp.start()
	return true
}

// handleDonePeerMsg deals with peers that have signalled they are done.  It is
// invoked from the peerHandler goroutine.
func (s *server) handleDonePeerMsg(state *peerState, sp *serverPeer) {
	var list map[int32]*serverPeer
	switch {
	case sp.jnodeConn:
		list = state.jnodePeers
	case sp.inbound:
		list = state.inboundPeers
	default:
		list = state.outboundPeers
	}
	if _, ok := list[sp.id]; ok {
		if !sp.inbound && !sp.jnodeConn {
			state.outboundGroups[addrmgr.GroupKey(sp.na)]--
			s.addrManager.Connected(sp.na)
		}
		delete(list, sp.id)
		log.SrvrLog.Debugf("Removed peer %s", sp)
	}

	if sp.connReq != nil {
		if sp.connReq.Permanent {
			s.connManager.Disconnect(sp.connReq.ID())
		} else {
			s.connManager.Remove(sp.connReq.ID())
			go s.connManager.NewConnReq()
		}
	}
}

// handleBanPeerMsg deals with banning peers.  It is invoked from the
// peerHandler goroutine.
func (s *server) handleBanPeerMsg(state *peerState, sp *serverPeer) {
	host := sp.addr.IP.String()
	log.SrvrLog.Infof("Banned peer %s for %v", host, cfg.BanDuration)
	state.banned[host] = time.Now().Add(cfg.BanDuration)
}

// handleRelayInvMsg deals with relaying inventory to peers that are not
// already known to have it.  It is invoked from the peerHandler goroutine.
func (s *server) handleRelayInvMsg(state *peerState, iv *wire.InvVect) {
	state.forAllPeers(func(sp *serverPeer) {
		if !sp.Connected() || !sp.handshakeComplete() {
			return
		}
		sp.QueueInventory(iv)
	})
}

type getPeersMsg struct {
	reply chan []*serverPeer
}

type findPeerMsg struct {
	addr  jnode.Service
	reply chan *serverPeer
}

type addJnodePeerMsg struct {
	peer  *serverPeer
	reply chan bool
}

type getOutboundGroup struct {
	key   string
	reply chan int
}

// handleQuery is the central handler for all queries and commands from other
// goroutines related to peer state.
func (s *server) handleQuery(state *peerState, querymsg interface{}) {
	switch msg := querymsg.(type) {
	case getPeersMsg:
		peers := make([]*serverPeer, 0, state.Count())
		state.forAllPeers(func(sp *serverPeer) {
			if sp.Connected() && sp.handshakeComplete() {
				peers = append(peers, sp)
			}
		})
		sort.Slice(peers, func(i, j int) bool { return peers[i].id < peers[j].id })
		msg.reply <- peers

	case findPeerMsg:
		var found *serverPeer
		state.forAllPeers(func(sp *serverPeer) {
			if found == nil && sp.Connected() && sp.addr.Equal(msg.addr) {
				found = sp
			}
		})
		msg.reply <- found

	case addJnodePeerMsg:
		msg.reply <- s.handleAddPeerMsg(state, msg.peer)

	case getOutboundGroup:
		msg.reply <- state.outboundGroups[msg.key]
	}
}

// ask sends a query to the peer handler and waits for the reply.
func ask[T any](s *server, msg interface{}, reply chan T) (T, bool) {
	var zero T
	select {
	case s.query <- msg:
	case <-s.quit:
		return zero, false
	}
	select {
	case r := <-reply:
		return r, true
	case <-s.quit:
		return zero, false
	}
}

// peerHandler is used to handle peer operations such as adding and removing
// peers to and from the server, banning peers, and broadcasting messages to
// peers.  It must be run in a goroutine.
func (s *server) peerHandler() {
	// Start the address manager which is needed by peers.  This is done
	// here since its lifecycle is closely tied to this handler and rather
	// than adding more channels to synchronize things, it's easier and
	// slightly faster to simply start and stop it in this handler.
	s.addrManager.Start()

	log.SrvrLog.Tracef("Starting peer handler")

	state := &peerState{
		inboundPeers:   make(map[int32]*serverPeer),
		outboundPeers:  make(map[int32]*serverPeer),
		jnodePeers:     make(map[int32]*serverPeer),
		banned:         make(map[string]time.Time),
		outboundGroups: make(map[string]int),
	}

	go s.connManager.Start()

out:
	for {
		select {
		// New peers connected to the server.
		case p := <-s.newPeers:
			s.handleAddPeerMsg(state, p)

		// Disconnected peers.
		case p := <-s.donePeers:
			s.handleDonePeerMsg(state, p)

		// Peer to ban.
		case p := <-s.banPeers:
			s.handleBanPeerMsg(state, p)

		// New inventory to potentially be relayed to other peers.
		case iv := <-s.relayInv:
			s.handleRelayInvMsg(state, iv)

		case qmsg := <-s.query:
			s.handleQuery(state, qmsg)

		case <-s.quit:
			// Disconnect all peers on server shutdown.
			state.forAllPeers(func(sp *serverPeer) {
				log.SrvrLog.Tracef("Shutdown peer %s", sp)
				sp.Disconnect()
			})
			break out
		}
	}

	s.connManager.Stop()
	s.addrManager.Stop()

	// Drain channels before exiting so nothing is left waiting around
	// to send.
cleanup:
	for {
		select {
		case <-s.newPeers:
		case <-s.donePeers:
		case <-s.banPeers:
		case <-s.relayInv:
		case <-s.query:
		default:
			break cleanup
		}
	}
	s.wg.Done()
	log.SrvrLog.Tracef("Peer handler done")
}

// AddPeer adds a new peer that has already been connected to the server.
func (s *server) AddPeer(sp *serverPeer) {
	select {
	case s.newPeers <- sp:
	case <-s.quit:
		sp.Disconnect()
	}
}

// BanPeer bans a peer that has already been connected to the server by ip.
func (s *server) BanPeer(sp *serverPeer) {
	select {
	case s.banPeers <- sp:
	case <-s.quit:
	}
}

func (s *server) donePeer(sp *serverPeer) {
	select {
	case s.donePeers <- sp:
	case <-s.quit:
	}
}

// RelayInventory relays iv to all connected peers that do not already
// have it.  It is part of jnode.Transport.
func (s *server) RelayInventory(iv *wire.InvVect) {
	select {
	case s.relayInv <- iv:
	case <-s.quit:
	}
}

// Misbehaving raises the ban score of p.  It is part of jnode.Transport.
func (s *server) Misbehaving(p jnode.Peer, score uint32, reason string) {
	sp, ok := p.(*serverPeer)
	if !ok {
		return
	}
	sp.addBanScore(score, 0, reason)
}

// ConnectJnode returns a connection to addr, opening one when no peer at
// that address is connected.  It is part of jnode.Transport.
func (s *server) ConnectJnode(addr jnode.Service) (jnode.Peer, error) {
	found := make(chan *serverPeer, 1)
	sp, ok := ask(s, findPeerMsg{addr: addr, reply: found}, found)
	if !ok {
		return nil, errServerShutdown
	}
	if sp != nil {
		return sp, nil
	}

	conn, err := cfg.dial("tcp", addr.String(), jnodeConnectTimeout)
	if err != nil {
		return nil, fmt.Errorf("can't connect to jnode %s: %w", addr, err)
	}
	remote := &net.TCPAddr{IP: addr.IP, Port: int(addr.Port)}
	sp, err = newServerPeer(s, conn, remote, false, nil, true)
	if err != nil {
		conn.Close()
		return nil, err
	}

	added := make(chan bool, 1)
	accepted, ok := ask(s, addJnodePeerMsg{peer: sp, reply: added}, added)
	if !ok {
		sp.Disconnect()
		return nil, errServerShutdown
	}
	if !accepted {
		return nil, fmt.Errorf("connection to jnode %s rejected", addr)
	}
	return sp, nil
}

// AddAddress records a gossip address learned from src.  It is part of
// jnode.Transport.
func (s *server) AddAddress(addr jnode.Service, src jnode.Service) {
	s.addrManager.AddAddresses([]*wire.NetAddressV2{addr.NetAddress()},
		src.NetAddress())
}

// ForEachPeer calls fn for every connected peer that completed the
// handshake, in connection order.  It is part of jnode.Transport.
func (s *server) ForEachPeer(fn func(jnode.Peer)) {
	peers, ok := s.peers()
	if !ok {
		return
	}
	for _, sp := range peers {
		fn(sp)
	}
}

// Disconnect drops the connection to p.  It is part of jnode.Transport.
func (s *server) Disconnect(p jnode.Peer) {
	if sp, ok := p.(*serverPeer); ok {
		sp.Disconnect()
	}
}

func (s *server) peers() ([]*serverPeer, bool) {
	reply := make(chan []*serverPeer, 1)
	return ask(s, getPeersMsg{reply: reply}, reply)
}

// inboundPeerConnected is invoked by the connection manager when a new
// inbound connection is established.
func (s *server) inboundPeerConnected(conn net.Conn) {
	sp, err := newServerPeer(s, conn, conn.RemoteAddr(), true, nil, false)
	if err != nil {
		log.SrvrLog.Debugf("Rejecting inbound connection: %v", err)
		conn.Close()
		return
	}
	s.AddPeer(sp)
}

// outboundPeerConnected is invoked by the connection manager when a new
// outbound connection is established.
func (s *server) outboundPeerConnected(c *connmgr.ConnReq, conn net.Conn) {
	sp, err := newServerPeer(s, conn, c.Addr, false, c, false)
	if err != nil {
		log.SrvrLog.Debugf("Cannot create outbound peer %s: %v", c.Addr, err)
		if c.Permanent {
			s.connManager.Disconnect(c.ID())
		} else {
			s.connManager.Remove(c.ID())
			go s.connManager.NewConnReq()
		}
		return
	}
	s.addrManager.Attempt(sp.na)
	s.AddPeer(sp)
}

// newAddress picks the next outbound gossip address from the address
// manager.
func (s *server) newAddress() (net.Addr, error) {
	for tries := 0; tries < 100; tries++ {
		addr := s.addrManager.GetAddress()
		if addr == nil {
			break
		}
		na := addr.NetAddress()

		// Address will not be invalid, local or unroutable
		// because addrmanager rejects those on addition.
		// Just check that we don't already have an address
		// in the same group so that we are not connecting
		// to the same network segment at the expense of
		// others.
		reply := make(chan int, 1)
		count, ok := ask(s, getOutboundGroup{key: addrmgr.GroupKey(na), reply: reply}, reply)
		if !ok {
			return nil, errServerShutdown
		}
		if count != 0 {
			continue
		}

		// only allow recent nodes (10mins) after we failed 30
		// times
		if tries < 30 && time.Since(addr.LastAttempt()) < 10*time.Minute {
			continue
		}

		// allow nondefault ports after 50 failed tries.
		if tries < 50 && strconv.Itoa(int(na.Port)) != s.params.DefaultPort {
			continue
		}

		legacy := na.ToLegacy()
		if legacy == nil {
			continue
		}
		return &net.TCPAddr{IP: legacy.IP, Port: int(legacy.Port)}, nil
	}

	return nil, errors.New("no valid connect address")
}

// localAddr returns the address peers at remote can reach us on.
func (s *server) localAddr(remote jnode.Service) (jnode.Service, bool) {
	best := s.addrManager.GetBestLocalAddress(remote.NetAddress())
	if !addrmgr.IsRoutable(best) {
		return jnode.Service{}, false
	}
	legacy := best.ToLegacy()
	if legacy == nil {
		return jnode.Service{}, false
	}
	return jnode.NewService(legacy.IP, legacy.Port), true
}

// handleInvMsg asks the peer for the jnode objects it announced and we do
// not have.
func (s *server) handleInvMsg(sp *serverPeer, msg *wire.MsgInv) {
	getData := wire.NewMsgGetData()
	for _, iv := range msg.InvList {
		switch iv.Type {
		case jnode.InvTypeAnnounce, jnode.InvTypePing, jnode.InvTypeVerify,
			jnode.InvTypePaymentVote, jnode.InvTypePaymentBlock:
		default:
			continue
		}
		sp.addKnownInventory(iv)
		if s.haveInventory(iv) {
			continue
		}
		if err := getData.AddInvVect(iv); err != nil {
			break
		}
	}
	if len(getData.InvList) > 0 {
		sp.QueueMessage(getData)
	}
}

// haveInventory reports whether the object iv names is already known.
func (s *server) haveInventory(iv *wire.InvVect) bool {
	switch iv.Type {
	case jnode.InvTypePaymentVote:
		return s.payments.HasVote(iv.Hash)

	case jnode.InvTypePaymentBlock:
		height, ok := s.blockHeight(&iv.Hash)
		return ok && len(s.payments.Payees(height)) > 0
	}
	return s.jnodes.HaveInventory(iv)
}

func (s *server) blockHeight(hash *chainhash.Hash) (int32, bool) {
	g := s.chain.Lock()
	defer g.Unlock()
	return g.BlockHeight(hash)
}

// handleGetDataMsg serves the jnode objects the peer asked for.
func (s *server) handleGetDataMsg(sp *serverPeer, msg *wire.MsgGetData) {
	// A decaying ban score increase is applied to prevent exhausting
	// resources with unusually large inventory queries.
	length := len(msg.InvList)
	if sp.addBanScore(0, uint32(length)*99/wire.MaxInvPerMsg, "getdata") {
		return
	}

	notFound := wire.NewMsgNotFound()
	for _, iv := range msg.InvList {
		var served bool
		switch iv.Type {
		case jnode.InvTypeAnnounce:
			if b, ok := s.jnodes.SeenBroadcast(iv.Hash); ok {
				sp.QueueMessage(b)
				served = true
			}

		case jnode.InvTypePing:
			if p, ok := s.jnodes.SeenPing(iv.Hash); ok {
				sp.QueueMessage(p)
				served = true
			}

		case jnode.InvTypeVerify:
			if v, ok := s.jnodes.SeenVerification(iv.Hash); ok {
				sp.QueueMessage(v)
				served = true
			}

		case jnode.InvTypePaymentVote:
			if v, ok := s.payments.Vote(iv.Hash); ok {
				sp.QueueMessage(v)
				served = true
			}

		case jnode.InvTypePaymentBlock:
			if height, ok := s.blockHeight(&iv.Hash); ok {
				for _, v := range s.payments.VotesAt(height) {
					sp.QueueMessage(v)
					served = true
				}
			}
		}
		if !served {
			_ = notFound.AddInvVect(iv)
		}
	}
	if len(notFound.InvList) > 0 {
		sp.QueueMessage(notFound)
	}
}

// refreshChain polls the chain tip and tells the jnode subsystems about a
// new one.
func (s *server) refreshChain() {
	tip, changed, err := s.chain.Refresh()
	if err != nil {
		log.SrvrLog.Warnf("Can't refresh chain tip: %v", err)
		return
	}
	if !changed {
		return
	}
	atomic.StoreInt32(&s.tipHeight, tip.Height)
	log.SrvrLog.Debugf("New chain tip %d (%s)", tip.Height, tip.Hash)

	s.syncManager.UpdatedBlockTip(tip.Height, tip.Time)
	if !s.syncManager.IsBlockchainSynced() {
		return
	}
	s.jnodes.UpdatedBlockTip(tip.Height)
	s.payments.UpdatedBlockTip(tip.Height)
}

// goDial runs f on its own goroutine so jnode dials never hold up the
// maintenance ticker.  It does nothing while the previous run sharing the
// running flag is still in progress.
func (s *server) goDial(running *int32, f func()) bool {
	if !atomic.CompareAndSwapInt32(running, 0, 1) {
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer atomic.StoreInt32(running, 0)
		f()
	}()
	return true
}

// jnodeHandler runs the periodic jnode maintenance.  It must be run as a
// goroutine.
func (s *server) jnodeHandler() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	s.refreshChain()
	var tick int64
out:
	for {
		select {
		case <-ticker.C:
			tick++
		case <-s.quit:
			break out
		}

		if tick%chainRefreshTicks == 0 {
			s.refreshChain()
		}
		if tick%jnodesync.TickSeconds == 0 {
			s.syncManager.ProcessTick()
		}
		s.goDial(&s.recoveryDialing, s.jnodes.ProcessPendingMnbRequests)

		if tick%saveTicks == 0 {
			s.saveCaches()
		}
		if !s.syncManager.IsBlockchainSynced() {
			continue
		}

		// Activation retries at the ping interval, starting 15
		// seconds in.
		if tick%jnode.MinPingSeconds == 15 {
			s.active.ManageState()
		}
		if tick%60 == 0 {
			s.jnodes.ProcessJnodeConnections()
			s.jnodes.CheckAndRemove()
			s.payments.CheckAndRemove()
			s.jnodes.NotifyJnodeUpdates()
		}
		if s.active.IsJnode() && tick%(60*5) == 0 {
			s.goDial(&s.verifyDialing, s.jnodes.DoFullVerificationStep)
		}
	}
	s.wg.Done()
	log.SrvrLog.Tracef("Jnode handler done")
}

// loadCaches restores the jnode list and payment votes saved by an earlier
// run.  Unreadable caches are logged and ignored.
func (s *server) loadCaches() {
	for _, c := range []struct {
		name string
		d    database.Deserializer
	}{
		{database.BlobJnodes, s.jnodes},
		{database.BlobPayments, s.payments},
	} {
		err := s.store.Load(c.name, c.d)
		switch {
		case err == nil:
			log.SrvrLog.Infof("Loaded %s cache", c.name)
		case errors.Is(err, database.ErrNotFound):
			log.SrvrLog.Infof("No %s cache, starting empty", c.name)
		default:
			log.SrvrLog.Warnf("Ignoring %s cache: %v", c.name, err)
		}
	}
	log.SrvrLog.Infof("%v", s.jnodes)
	log.SrvrLog.Infof("%v", s.payments)
}

// saveCaches writes the jnode list and payment votes.
func (s *server) saveCaches() {
	err := s.store.SaveAll(
		database.Blob{Name: database.BlobJnodes, State: s.jnodes},
		database.Blob{Name: database.BlobPayments, State: s.payments},
	)
	if err != nil {
		log.SrvrLog.Errorf("Can't save jnode caches: %v", err)
	}
}

// UpdateSentinelPing records a watchdog vote for the local jnode.
func (s *server) UpdateSentinelPing() bool {
	return s.active.UpdateSentinelPing()
}

// Start begins accepting connections from peers.
func (s *server) Start() {
	// Already started?
	if atomic.AddInt32(&s.started, 1) != 1 {
		return
	}

	log.SrvrLog.Trace("Starting server")

	// Start the peer handler which in turn starts the address and block
	// managers.
	s.wg.Add(2)
	go s.peerHandler()
	go s.jnodeHandler()

	if s.status != nil {
		s.status.Start()
	}
}

// Stop gracefully shuts down the server by stopping and disconnecting all
// peers and the main listener.
func (s *server) Stop() error {
	// Make sure this only happens once.
	if atomic.AddInt32(&s.shutdown, 1) != 1 {
		log.SrvrLog.Infof("Server is already in the process of shutting down")
		return nil
	}

	log.SrvrLog.Warnf("Server shutting down")

	if s.status != nil {
		s.status.Stop()
	}

	// Signal the remaining goroutines to quit.
	close(s.quit)
	return nil
}

// WaitForShutdown blocks until the main listener and peer handlers are stopped.
func (s *server) WaitForShutdown() {
	s.wg.Wait()

	// The caches are written once everything that changes them stopped.
	s.saveCaches()
}

// parseListeners determines whether each listen address is IPv4 and IPv6 and
// returns a slice of appropriate net.Addrs to listen on with TCP.
func parseListeners(addrs []string) ([]net.Addr, error) {
	netAddrs := make([]net.Addr, 0, len(addrs)*2)
	for _, addr := range addrs {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			// Shouldn't happen due to already being normalized.
			return nil, err
		}

		// Empty host or host of * is both IPv4 and IPv6.
		if host == "" || host == "*" {
			netAddrs = append(netAddrs, simpleAddr{net: "tcp4", addr: addr})
			netAddrs = append(netAddrs, simpleAddr{net: "tcp6", addr: addr})
			continue
		}

		ip := net.ParseIP(host)
		if ip == nil {
			return nil, fmt.Errorf("'%s' is not a valid IP address", host)
		}

		// To4 returns nil when the IP is not an IPv4 address, so use
		// this determine the address type.
		if ip.To4() == nil {
			netAddrs = append(netAddrs, simpleAddr{net: "tcp6", addr: addr})
		} else {
			netAddrs = append(netAddrs, simpleAddr{net: "tcp4", addr: addr})
		}
	}
	return netAddrs, nil
}

// simpleAddr implements the net.Addr interface with two struct fields
type simpleAddr struct {
	net, addr string
}

// String returns the address.
//
// This is part of the net.Addr interface.
func (a simpleAddr) String() string {
	return a.addr
}

// Network returns the network.
//
// This is part of the net.Addr interface.
func (a simpleAddr) Network() string {
	return a.net
}

// initListeners initializes the configured net listeners and adds any bound
// addresses to the address manager.
func initListeners(amgr *addrmgr.AddrManager, listenAddrs []string) ([]net.Listener, error) {
	netAddrs, err := parseListeners(listenAddrs)
	if err != nil {
		return nil, err
	}

	listeners := make([]net.Listener, 0, len(netAddrs))
	for _, addr := range netAddrs {
		listener, err := net.Listen(addr.Network(), addr.String())
		if err != nil {
			log.SrvrLog.Warnf("Can't listen on %s: %v", addr, err)
			continue
		}
		listeners = append(listeners, listener)
	}

	// Add the configured external addresses as the ones peers should use.
	defaultPort := activeNetParams.PortNumber()
	for _, sip := range cfg.ExternalIPs {
		eport := defaultPort
		host, portstr, err := net.SplitHostPort(sip)
		if err != nil {
			// no port, use default.
			host = sip
		} else {
			port, err := strconv.ParseUint(portstr, 10, 16)
			if err != nil {
				log.SrvrLog.Warnf("Can not parse port from %s for "+
					"externalip: %v", sip, err)
				continue
			}
			eport = uint16(port)
		}
		na, err := amgr.HostToNetAddress(host, eport, 0)
		if err != nil {
			log.SrvrLog.Warnf("Not adding %s as externalip: %v", sip, err)
			continue
		}

		err = amgr.AddLocalAddress(na, addrmgr.ManualPrio)
		if err != nil {
			log.SrvrLog.Warnf("Skipping specified external IP: %v", err)
		}
	}

	return listeners, nil
}

// newServer returns a new jnoded server configured to gossip on the
// network specified by params.  Use start to begin accepting connections
// from peers.
func newServer(params *netparams.Params, store *database.Store, rpc chainrpc.RPC, key *btcec.PrivateKey) (*server, error) {
	var nonce [8]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}

	s := &server{
		params:      params,
		nonce:       binary.LittleEndian.Uint64(nonce[:]),
		addrManager: addrmgr.New(cfg.DataDir, net.LookupIP),
		store:       store,
		chain:       chainrpc.NewChain(rpc, params),
		newPeers:    make(chan *serverPeer, cfg.MaxPeers),
		donePeers:   make(chan *serverPeer, cfg.MaxPeers),
		banPeers:    make(chan *serverPeer, cfg.MaxPeers),
		relayInv:    make(chan *wire.InvVect, cfg.MaxPeers),
		query:       make(chan interface{}),
		quit:        make(chan struct{}),
		tipHeight:   -1,
	}

	clock := jnode.SystemClock{}
	sporks := staticSporks(cfg.sporks)

	s.syncManager = jnodesync.New(&jnodesync.Config{
		Params:    params,
		Transport: s,
		Clock:     clock,
		OnFinished: func() {
			log.SrvrLog.Infof("Jnode sync finished")
			go s.active.ManageState()
		},
	})

	var externalAddr jnode.Service
	if cfg.JnodeAddr != "" {
		addr, err := jnode.ParseService(cfg.JnodeAddr)
		if err != nil {
			return nil, err
		}
		externalAddr = addr
	}
	s.active = activejnode.New(&activejnode.Config{
		Params:          params,
		Chain:           s.chain,
		Sync:            s.syncManager,
		Transport:       s,
		Clock:           clock,
		Wallet:          chainrpc.NewWallet(rpc, params),
		Enabled:         cfg.Jnode,
		Key:             key,
		Listen:          !cfg.NoListen,
		ExternalAddr:    externalAddr,
		LocalAddr:       s.localAddr,
		CollateralTx:    cfg.JnodeTx,
		CollateralIndex: cfg.JnodeOutput,
	})

	s.jnodes = jnodeman.New(&jnodeman.Config{
		Params:    params,
		Chain:     s.chain,
		Sync:      s.syncManager,
		Transport: s,
		Clock:     clock,
		Local:     s.active,
	})
	s.payments = payments.New(&payments.Config{
		Params:    params,
		Chain:     s.chain,
		Registry:  s.jnodes,
		Sporks:    sporks,
		Sync:      s.syncManager,
		Transport: s,
		Clock:     clock,
		Local:     s.active,
	})
	s.jnodes.SetPayments(s.payments)
	s.active.SetRegistry(s.jnodes)
	s.syncManager.SetSources(s.jnodes, s.payments)
	s.loadCaches()

	var listeners []net.Listener
	if !cfg.NoListen {
		var err error
		listeners, err = initListeners(s.addrManager, cfg.Listeners)
		if err != nil {
			return nil, err
		}
		if len(listeners) == 0 {
			return nil, errors.New("no valid listen address")
		}
	}

	// Only setup a function to return new addresses to connect to when
	// not running in connect-only mode.
	var newAddressFunc func() (net.Addr, error)
	if len(cfg.ConnectPeers) == 0 {
		newAddressFunc = s.newAddress
	}

	// Create a connection manager.
	targetOutbound := defaultTargetOutbound
	if cfg.MaxPeers < targetOutbound {
		targetOutbound = cfg.MaxPeers
	}
	cmgr, err := connmgr.New(&connmgr.Config{
		Listeners:      listeners,
		OnAccept:       s.inboundPeerConnected,
		RetryDuration:  connectionRetryInterval,
		TargetOutbound: uint32(targetOutbound),
		Dial:           jnodedDial,
		OnConnection:   s.outboundPeerConnected,
		GetNewAddress:  newAddressFunc,
	})
	if err != nil {
		return nil, err
	}
	s.connManager = cmgr

	// Start up persistent peers.
	permanentPeers := cfg.ConnectPeers
	if len(permanentPeers) == 0 {
		permanentPeers = cfg.AddPeers
	}
	for _, addr := range permanentPeers {
		netAddr, err := net.ResolveTCPAddr("tcp", addr)
		if err != nil {
			return nil, err
		}

		go s.connManager.Connect(&connmgr.ConnReq{
			Addr:      netAddr,
			Permanent: true,
		})
	}

	if !cfg.NoStatus {
		s.status = newStatusServer(s, cfg.StatusListen)
	}

	return s, nil
}
