// Copyright (c) 2013-2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/addrmgr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/connmgr"
	"github.com/btcsuite/btcd/wire"
	"github.com/davecgh/go-spew/spew"
	"github.com/decred/dcrd/lru"
	"github.com/jemcash/jnoded/internal/log"
	"github.com/jemcash/jnoded/internal/version"
	"github.com/jemcash/jnoded/jnode"
	"github.com/jemcash/jnoded/jnwire"
	"github.com/jemcash/jnoded/payments"
)

const (
	// outputBufferSize is the number of elements the output channels use.
	outputBufferSize = 5000

	// maxKnownInventory is the maximum number of items to keep in the known
	// inventory cache.
	maxKnownInventory = 1000

	// trickleInterval is the interval at which queued inventory is sent.
	trickleInterval = 500 * time.Millisecond

	// negotiateTimeout is the duration of inactivity before we timeout a
	// peer that hasn't completed the initial version negotiation.
	negotiateTimeout = 30 * time.Second

	// idleTimeout is the duration of inactivity before we time out a peer.
	idleTimeout = 5 * time.Minute

	// writeTimeout bounds a single message write.
	writeTimeout = 2 * time.Minute

	// pingInterval is the interval of time to wait in between sending ping
	// messages.
	pingInterval = 2 * time.Minute
)

// logClosure is used to provide a closure over expensive logging operations so
// don't have to be performed when the logging level doesn't warrant it.
type logClosure func() string

// String invokes the underlying function and returns the result.
func (c logClosure) String() string {
	return c()
}

// newLogClosure returns a new closure over a function that returns a string
// which itself provides a Stringer interface so that it can be used with the
// logging system.
func newLogClosure(c func() string) logClosure {
	return logClosure(c)
}

// serverPeer is a connection to a jemcash node or jnode.  It implements
// jnode.Peer.
type serverPeer struct {
	// The following variables must only be used atomically.
	protocolVersion int32
	disconnect      int32

	server        *server
	id            int32
	conn          net.Conn
	addr          jnode.Service
	na            *wire.NetAddressV2
	connReq       *connmgr.ConnReq
	inbound       bool
	jnodeConn     bool
	isWhitelisted bool
	timeConnected time.Time

	flagsMtx       sync.Mutex
	versionKnown   bool
	verAckReceived bool
	userAgent      string
	startingHeight int32

	banScore       dynamicBanScore
	knownInventory lru.Cache

	invMtx     sync.Mutex
	invPending []*wire.InvVect

	writeMtx      sync.Mutex
	outputQueue   chan wire.Message
	handshakeOnce sync.Once
	handshakeDone chan struct{}
	quit          chan struct{}
	wg            sync.WaitGroup
}

// newServerPeer returns a peer for conn to remote.  c is the connection
// request of outbound gossip peers and nil otherwise.
func newServerPeer(s *server, conn net.Conn, remote net.Addr, inbound bool, c *connmgr.ConnReq, jnodeConn bool) (*serverPeer, error) {
	addr, err := jnode.ParseService(remote.String())
	if err != nil {
		return nil, fmt.Errorf("unusable peer address %v: %w", remote, err)
	}

	sp := &serverPeer{
		protocolVersion: jnode.ProtocolVersion,
		server:          s,
		id:              atomic.AddInt32(&s.nextPeerID, 1),
		conn:            conn,
		addr:            addr,
		na:              addr.NetAddress(),
		connReq:         c,
		inbound:         inbound,
		jnodeConn:       jnodeConn,
		isWhitelisted:   isWhitelisted(addr.IP),
		timeConnected:   time.Now(),
		knownInventory:  lru.NewCache(maxKnownInventory),
		outputQueue:     make(chan wire.Message, outputBufferSize),
		handshakeDone:   make(chan struct{}),
		quit:            make(chan struct{}),
	}
	return sp, nil
}

// isWhitelisted returns whether the IP address is included in the whitelisted
// networks and IPs.
func isWhitelisted(ip net.IP) bool {
	if cfg == nil {
		return false
	}
	for _, ipnet := range cfg.whitelists {
		if ipnet.Contains(ip) {
			return true
		}
	}
	return false
}

// String returns the peer's address and directionality as a human-readable
// string.
func (sp *serverPeer) String() string {
	return fmt.Sprintf("%s (%s)", sp.addr, log.DirectionString(sp.inbound))
}

// ID returns the peer id.
func (sp *serverPeer) ID() int32 { return sp.id }

// Addr returns the peer address.
func (sp *serverPeer) Addr() jnode.Service { return sp.addr }

// ProtocolVersion returns the negotiated protocol version.
func (sp *serverPeer) ProtocolVersion() int32 {
	return atomic.LoadInt32(&sp.protocolVersion)
}

// Inbound reports whether the remote side opened the connection.
func (sp *serverPeer) Inbound() bool { return sp.inbound }

// IsJnodeConnection reports whether the connection was opened to talk to a
// jnode.
func (sp *serverPeer) IsJnodeConnection() bool { return sp.jnodeConn }

// handshakeComplete reports whether version and verack were exchanged.
func (sp *serverPeer) handshakeComplete() bool {
	sp.flagsMtx.Lock()
	done := sp.versionKnown && sp.verAckReceived
	sp.flagsMtx.Unlock()
	return done
}

// Connected reports whether the peer is not disconnecting.
func (sp *serverPeer) Connected() bool {
	return atomic.LoadInt32(&sp.disconnect) == 0
}

// QueueMessage adds msg to the send queue.  Messages queued before the
// handshake completes are held back until it does.
func (sp *serverPeer) QueueMessage(msg wire.Message) {
	if !sp.Connected() {
		return
	}
	select {
	case sp.outputQueue <- msg:
	case <-sp.quit:
	}
}

// QueueInventory adds iv to the inventory sent with the next trickle unless
// the peer is known to have it.
func (sp *serverPeer) QueueInventory(iv *wire.InvVect) {
	if sp.knownInventory.Contains(*iv) {
		return
	}
	sp.invMtx.Lock()
	sp.invPending = append(sp.invPending, iv)
	sp.invMtx.Unlock()
}

// addKnownInventory marks iv as known to the peer.
func (sp *serverPeer) addKnownInventory(iv *wire.InvVect) {
	sp.knownInventory.Add(*iv)
}

// inventoryFor returns the inventory vector of a jnode object, or nil for
// other messages.
func inventoryFor(msg wire.Message) *wire.InvVect {
	var hash chainhash.Hash
	var typ wire.InvType
	switch m := msg.(type) {
	case *jnode.Broadcast:
		hash, typ = m.Hash(), jnode.InvTypeAnnounce
	case *jnode.Ping:
		hash, typ = m.Hash(), jnode.InvTypePing
	case *jnode.Verification:
		hash, typ = m.Hash(), jnode.InvTypeVerify
	case *payments.Vote:
		hash, typ = m.Hash(), jnode.InvTypePaymentVote
	default:
		return nil
	}
	return wire.NewInvVect(typ, &hash)
}

// addBanScore increases the persistent and decaying ban score fields by the
// values passed as parameters.  If the resulting score exceeds the ban
// threshold, the peer will be banned and disconnected.  It returns whether
// the peer was banned.
func (sp *serverPeer) addBanScore(persistent, transient uint32, reason string) bool {
	if sp.isWhitelisted {
		log.PeerLog.Debugf("Misbehaving whitelisted peer %s: %s", sp, reason)
		return false
	}

	warnThreshold := cfg.BanThreshold >> 1
	if transient == 0 && persistent == 0 {
		// The score is not being increased, but a warning message is
		// still logged if the score is above the warn threshold.
		score := sp.banScore.Int()
		if score > warnThreshold {
			log.PeerLog.Warnf("Misbehaving peer %s: %s -- ban score is %d, "+
				"it was not increased this time", sp, reason, score)
		}
		return false
	}

	score := sp.banScore.Increase(persistent, transient)
	if score > warnThreshold {
		log.PeerLog.Warnf("Misbehaving peer %s: %s -- ban score increased to %d",
			sp, reason, score)
	}
	if score >= cfg.BanThreshold {
		log.PeerLog.Warnf("Misbehaving peer %s -- banning and disconnecting", sp)
		sp.server.BanPeer(sp)
		sp.Disconnect()
		return true
	}
	return false
}

// pushVersionMsg sends a version message to the peer.
func (sp *serverPeer) pushVersionMsg() error {
	s := sp.server
	theirNA := wire.NewNetAddressIPPort(sp.addr.IP, sp.addr.Port, 0)

	// Advertise our best local address for the peer, or the zero
	// address when we have none.
	ourNA := &wire.NetAddress{Timestamp: time.Now()}
	if best := s.addrManager.GetBestLocalAddress(sp.na); addrmgr.IsRoutable(best) {
		if legacy := best.ToLegacy(); legacy != nil {
			ourNA = legacy
		}
	}

	msg := wire.NewMsgVersion(ourNA, theirNA, s.nonce, atomic.LoadInt32(&s.tipHeight))
	msg.ProtocolVersion = jnode.ProtocolVersion
	msg.UserAgent = version.UserAgent()
	msg.Services = 0
	msg.DisableRelayTx = true
	return sp.writeMessage(msg)
}

// handleVersionMsg negotiates the protocol version with the peer and, for
// inbound peers, answers with our own version.
func (sp *serverPeer) handleVersionMsg(msg *wire.MsgVersion) {
	s := sp.server

	// Detect self connections.
	if msg.Nonce == s.nonce {
		log.PeerLog.Debugf("Disconnecting peer connected to self %s", sp)
		sp.Disconnect()
		return
	}

	// Limit to one version message per peer.
	sp.flagsMtx.Lock()
	if sp.versionKnown {
		sp.flagsMtx.Unlock()
		sp.addBanScore(1, 0, "duplicate version message")
		return
	}
	sp.versionKnown = true
	sp.userAgent = msg.UserAgent
	sp.startingHeight = msg.LastBlock
	sp.flagsMtx.Unlock()

	pver := msg.ProtocolVersion
	if pver > jnode.ProtocolVersion {
		pver = jnode.ProtocolVersion
	}
	atomic.StoreInt32(&sp.protocolVersion, pver)
	log.PeerLog.Debugf("Negotiated protocol version %d for peer %s (agent %s)",
		pver, sp, msg.UserAgent)

	if sp.inbound {
		if err := sp.pushVersionMsg(); err != nil {
			log.PeerLog.Debugf("Can't send version to %s: %v", sp, err)
			sp.Disconnect()
			return
		}
	} else if len(cfg.ExternalIPs) == 0 {
		// Outbound peers tell us how they see us, which serves as our
		// external address when none is configured.
		you := jnode.NewService(msg.AddrYou.IP, s.params.PortNumber())
		if you.IsRoutable() {
			err := s.addrManager.AddLocalAddress(you.NetAddress(), addrmgr.HTTPPrio)
			if err != nil {
				log.PeerLog.Debugf("Skipping local address %s: %v", you, err)
			}
		}
	}

	if err := sp.writeMessage(wire.NewMsgVerAck()); err != nil {
		log.PeerLog.Debugf("Can't send verack to %s: %v", sp, err)
		sp.Disconnect()
	}
}

// handleVerAckMsg completes the handshake.
func (sp *serverPeer) handleVerAckMsg() {
	sp.flagsMtx.Lock()
	if !sp.versionKnown {
		sp.flagsMtx.Unlock()
		log.PeerLog.Debugf("Disconnecting %s: verack before version", sp)
		sp.Disconnect()
		return
	}
	sp.verAckReceived = true
	sp.flagsMtx.Unlock()
	sp.handshakeOnce.Do(func() { close(sp.handshakeDone) })

	s := sp.server
	if !sp.inbound && !sp.jnodeConn {
		s.addrManager.Good(sp.na)
		if s.addrManager.NeedMoreAddresses() {
			sp.QueueMessage(wire.NewMsgGetAddr())
		}
	}
}

// handleGetAddrMsg answers with a random selection of known addresses.
func (sp *serverPeer) handleGetAddrMsg() {
	// Only inbound peers are served to limit fingerprinting through the
	// address cache.
	if !sp.inbound {
		return
	}
	addrCache := sp.server.addrManager.AddressCache()
	msg := wire.NewMsgAddr()
	for _, na := range addrCache {
		legacy := na.ToLegacy()
		if legacy == nil {
			continue
		}
		if err := msg.AddAddress(legacy); err != nil {
			break
		}
	}
	if len(msg.AddrList) > 0 {
		sp.QueueMessage(msg)
	}
}

// handleAddrMsg hands advertised addresses to the address manager.
func (sp *serverPeer) handleAddrMsg(msg *wire.MsgAddr) {
	// A message that has no addresses is invalid.
	if len(msg.AddrList) == 0 {
		sp.addBanScore(20, 0, "empty addr message")
		return
	}

	now := time.Now()
	addrs := make([]*wire.NetAddressV2, 0, len(msg.AddrList))
	for _, na := range msg.AddrList {
		// Set the timestamp to 5 days ago if it's more than 10 minutes
		// in the future so this address is one of the first to be
		// removed when space is needed.
		ts := na.Timestamp
		if ts.After(now.Add(10 * time.Minute)) {
			ts = now.Add(-5 * 24 * time.Hour)
		}
		ip := na.IP
		if ip4 := ip.To4(); ip4 != nil {
			ip = ip4
		}
		addrs = append(addrs, wire.NetAddressV2FromBytes(ts, na.Services, ip, na.Port))
	}
	sp.server.addrManager.AddAddresses(addrs, sp.na)
}

// handleMessage dispatches a message received after the handshake.
func (sp *serverPeer) handleMessage(rmsg wire.Message) {
	s := sp.server
	switch msg := rmsg.(type) {
	case *wire.MsgVersion:
		sp.handleVersionMsg(msg)

	case *wire.MsgVerAck:
		sp.handleVerAckMsg()

	case *wire.MsgPing:
		sp.QueueMessage(wire.NewMsgPong(msg.Nonce))

	case *wire.MsgPong:

	case *wire.MsgGetAddr:
		sp.handleGetAddrMsg()

	case *wire.MsgAddr:
		sp.handleAddrMsg(msg)

	case *wire.MsgInv:
		s.handleInvMsg(sp, msg)

	case *wire.MsgGetData:
		s.handleGetDataMsg(sp, msg)

	case *wire.MsgNotFound:

	case *wire.MsgReject:
		log.PeerLog.Debugf("%s rejected %s: %s", sp, msg.Cmd, msg.Reason)

	case *jnode.SyncStatusCount:
		s.syncManager.ProcessMessage(sp, msg)

	case *payments.Vote, *payments.PaymentSync:
		if iv := inventoryFor(rmsg); iv != nil {
			sp.addKnownInventory(iv)
		}
		if err := s.payments.ProcessMessage(sp, rmsg); err != nil {
			log.PeerLog.Debugf("Rejected %s from %s: %v", rmsg.Command(), sp, err)
		}

	default:
		if iv := inventoryFor(rmsg); iv != nil {
			sp.addKnownInventory(iv)
		}
		if err := s.jnodes.ProcessMessage(sp, rmsg); err != nil {
			log.PeerLog.Debugf("Rejected %s from %s: %v", rmsg.Command(), sp, err)
		}
	}
}

// readMessage reads the next message from the peer with logging.
func (sp *serverPeer) readMessage() (wire.Message, error) {
	pver := uint32(sp.ProtocolVersion())
	_, msg, buf, err := jnwire.ReadMessageN(sp.conn, pver, sp.server.params.Net)
	if err != nil {
		return nil, err
	}
	log.PeerLog.Debugf("Received %s from %s", msg.Command(), sp)

	// Use closures to log expensive operations so they are only run when
	// the logging level requires it.
	log.PeerLog.Tracef("%v", newLogClosure(func() string {
		return spew.Sdump(msg)
	}))
	log.PeerLog.Tracef("%v", newLogClosure(func() string {
		return spew.Sdump(buf)
	}))
	return msg, nil
}

// writeMessage sends msg to the peer with logging.
func (sp *serverPeer) writeMessage(msg wire.Message) error {
	if !sp.Connected() {
		return nil
	}
	pver := uint32(sp.ProtocolVersion())
	btcnet := sp.server.params.Net
	log.PeerLog.Debugf("Sending %s to %s", msg.Command(), sp)

	// Use closures to log expensive operations so they are only run when the
	// logging level requires it.
	log.PeerLog.Tracef("%v", newLogClosure(func() string {
		return spew.Sdump(msg)
	}))
	log.PeerLog.Tracef("%v", newLogClosure(func() string {
		var buf bytes.Buffer
		if err := jnwire.WriteMessage(&buf, msg, pver, btcnet); err != nil {
			return err.Error()
		}
		return spew.Sdump(buf.Bytes())
	}))

	sp.writeMtx.Lock()
	defer sp.writeMtx.Unlock()
	if err := sp.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return jnwire.WriteMessage(sp.conn, msg, pver, btcnet)
}

// inHandler handles all incoming messages for the peer.  It must be run as a
// goroutine.
func (sp *serverPeer) inHandler() {
	// The timer is stopped when the handshake completes.
	negotiate := time.AfterFunc(negotiateTimeout, func() {
		if !sp.handshakeComplete() {
			log.PeerLog.Warnf("Peer %s no answer for %s -- disconnecting",
				sp, negotiateTimeout)
			sp.Disconnect()
		}
	})

out:
	for sp.Connected() {
		if err := sp.conn.SetReadDeadline(time.Now().Add(idleTimeout)); err != nil {
			break out
		}
		rmsg, err := sp.readMessage()
		if err != nil {
			if jnwire.IsRecoverable(err) {
				log.PeerLog.Tracef("%s: %v", sp, err)
				continue
			}
			// Only log the error if we're not forcibly disconnecting.
			if sp.Connected() {
				log.PeerLog.Debugf("Can't read message from %s: %v", sp, err)
			}
			break out
		}

		// Version and verack are the only messages allowed before the
		// handshake completes.
		if !sp.handshakeComplete() {
			switch rmsg.(type) {
			case *wire.MsgVersion, *wire.MsgVerAck:
			default:
				log.PeerLog.Debugf("Disconnecting %s: %s before handshake",
					sp, rmsg.Command())
				break out
			}
		}
		sp.handleMessage(rmsg)
	}
	negotiate.Stop()

	// Ensure connection is closed and notify server that the peer is done.
	sp.Disconnect()
	sp.server.donePeer(sp)
	sp.wg.Done()
	log.PeerLog.Tracef("Peer input handler done for %s", sp)
}

// flushInventory sends the pending inventory the peer does not know.
func (sp *serverPeer) flushInventory() error {
	sp.invMtx.Lock()
	pending := sp.invPending
	sp.invPending = nil
	sp.invMtx.Unlock()

	invMsg := wire.NewMsgInvSizeHint(uint(len(pending)))
	for _, iv := range pending {
		if sp.knownInventory.Contains(*iv) {
			continue
		}
		sp.addKnownInventory(iv)
		_ = invMsg.AddInvVect(iv)
		if len(invMsg.InvList) == wire.MaxInvPerMsg {
			if err := sp.writeMessage(invMsg); err != nil {
				return err
			}
			invMsg = wire.NewMsgInvSizeHint(uint(len(pending)))
		}
	}
	if len(invMsg.InvList) > 0 {
		return sp.writeMessage(invMsg)
	}
	return nil
}

// outHandler handles all outgoing messages for the peer.  It must be run as a
// goroutine.  Queued messages are held until the handshake completes.
func (sp *serverPeer) outHandler() {
	defer sp.wg.Done()

	// Outbound connections start the negotiation.
	if !sp.inbound {
		if err := sp.pushVersionMsg(); err != nil {
			log.PeerLog.Debugf("Can't send version to %s: %v", sp, err)
			sp.Disconnect()
			return
		}
	}

	select {
	case <-sp.handshakeDone:
	case <-sp.quit:
		return
	}

	trickleTicker := time.NewTicker(trickleInterval)
	defer trickleTicker.Stop()
	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	for {
		var err error
		select {
		case msg := <-sp.outputQueue:
			err = sp.writeMessage(msg)

		case <-trickleTicker.C:
			err = sp.flushInventory()

		case <-pingTicker.C:
			err = sp.writeMessage(wire.NewMsgPing(rand.Uint64()))

		case <-sp.quit:
			log.PeerLog.Tracef("Peer output handler done for %s", sp)
			return
		}
		if err != nil {
			log.PeerLog.Debugf("Can't write to %s: %v", sp, err)
			sp.Disconnect()
		}
	}
}

// start begins processing input and output messages.
func (sp *serverPeer) start() {
	log.PeerLog.Tracef("Starting peer %s", sp)
	sp.wg.Add(2)
	go sp.inHandler()
	go sp.outHandler()
}

// Disconnect closes the connection.  It is safe to call more than once.
func (sp *serverPeer) Disconnect() {
	if atomic.AddInt32(&sp.disconnect, 1) != 1 {
		return
	}
	log.PeerLog.Tracef("Disconnecting %s", sp)
	sp.conn.Close()
	close(sp.quit)
}

// WaitForDisconnect waits until the peer has completely disconnected and all
// resources are cleaned up.
func (sp *serverPeer) WaitForDisconnect() {
	<-sp.quit
	sp.wg.Wait()
}
