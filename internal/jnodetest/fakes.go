package jnodetest

import (
	"errors"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/jemcash/jnoded/jnode"
)

// Key derives a deterministic private key from seed and returns it with
// its compressed public key.
func Key(seed byte) (*btcec.PrivateKey, []byte) {
	var b [32]byte
	b[0] = 0x01
	b[31] = seed
	priv, pub := btcec.PrivKeyFromBytes(b[:])
	return priv, pub.SerializeCompressed()
}

// Clock is a settable jnode.Clock.
type Clock struct {
	mtx sync.Mutex
	now int64
}

// NewClock returns a clock standing at unix time now.
func NewClock(now int64) *Clock {
	return &Clock{now: now}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return time.Unix(c.now, 0)
}

// Unix returns the current fake time in seconds.
func (c *Clock) Unix() int64 {
	return c.Now().Unix()
}

// Advance moves the clock forward.
func (c *Clock) Advance(seconds int64) {
	c.mtx.Lock()
	c.now += seconds
	c.mtx.Unlock()
}

// Sync is a jnode.SyncStatus with settable flags.
type Sync struct {
	mtx sync.Mutex

	Blockchain, List, Winners, Full bool

	ListAdded, VotesAdded, Bumps int
}

// NewSync returns a fully synced status.
func NewSync() *Sync {
	return &Sync{Blockchain: true, List: true, Winners: true, Full: true}
}

// IsBlockchainSynced returns Blockchain.
func (s *Sync) IsBlockchainSynced() bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.Blockchain
}

// IsJnodeListSynced returns List.
func (s *Sync) IsJnodeListSynced() bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.List
}

// IsWinnersListSynced returns Winners.
func (s *Sync) IsWinnersListSynced() bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.Winners
}

// IsSynced returns Full.
func (s *Sync) IsSynced() bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.Full
}

// AddedJnodeList counts list progress.
func (s *Sync) AddedJnodeList() {
	s.mtx.Lock()
	s.ListAdded++
	s.mtx.Unlock()
}

// AddedPaymentVote counts vote progress.
func (s *Sync) AddedPaymentVote() {
	s.mtx.Lock()
	s.VotesAdded++
	s.mtx.Unlock()
}

// BumpAssetLastTime counts bumps.
func (s *Sync) BumpAssetLastTime(string) {
	s.mtx.Lock()
	s.Bumps++
	s.mtx.Unlock()
}

// Sporks is a jnode.SporkSource backed by a set.
type Sporks map[jnode.SporkID]bool

// IsActive reports whether id is in the set.
func (s Sporks) IsActive(id jnode.SporkID) bool { return s[id] }

// Peer records everything queued to it.
type Peer struct {
	mtx sync.Mutex

	PeerID    int32
	Address   jnode.Service
	Version   int32
	IsInbound bool
	JnodeConn bool
	Messages  []wire.Message
	Inventory []*wire.InvVect
}

// NewPeer returns a peer speaking the current protocol.
func NewPeer(id int32, addr jnode.Service) *Peer {
	return &Peer{PeerID: id, Address: addr, Version: jnode.ProtocolVersion}
}

func (p *Peer) ID() int32               { return p.PeerID }
func (p *Peer) Addr() jnode.Service     { return p.Address }
func (p *Peer) ProtocolVersion() int32  { return p.Version }
func (p *Peer) Inbound() bool           { return p.IsInbound }
func (p *Peer) IsJnodeConnection() bool { return p.JnodeConn }

// QueueMessage records msg.
func (p *Peer) QueueMessage(msg wire.Message) {
	p.mtx.Lock()
	p.Messages = append(p.Messages, msg)
	p.mtx.Unlock()
}

// QueueInventory records iv.
func (p *Peer) QueueInventory(iv *wire.InvVect) {
	p.mtx.Lock()
	p.Inventory = append(p.Inventory, iv)
	p.mtx.Unlock()
}

// Sent returns the queued messages with the given command.
func (p *Peer) Sent(command string) []wire.Message {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	var msgs []wire.Message
	for _, m := range p.Messages {
		if m.Command() == command {
			msgs = append(msgs, m)
		}
	}
	return msgs
}

// Misbehavior is one recorded jnode.Transport.Misbehaving call.
type Misbehavior struct {
	PeerID int32
	Score  uint32
	Reason string
}

// Transport records relays and misbehavior and hands out Peers.
type Transport struct {
	mtx sync.Mutex

	Relayed      []*wire.InvVect
	Misbehaved   []Misbehavior
	Peers        map[string]*Peer
	Connected    []jnode.Service
	Disconnected []int32
	Known        []jnode.Service

	// ConnectErr, when set, fails every ConnectJnode.
	ConnectErr error

	nextID int32
}

// NewTransport returns an empty transport.
func NewTransport() *Transport {
	return &Transport{Peers: make(map[string]*Peer), nextID: 1000}
}

// RelayInventory records iv.
func (t *Transport) RelayInventory(iv *wire.InvVect) {
	t.mtx.Lock()
	t.Relayed = append(t.Relayed, iv)
	t.mtx.Unlock()
}

// Misbehaving records the penalty.
func (t *Transport) Misbehaving(p jnode.Peer, score uint32, reason string) {
	t.mtx.Lock()
	t.Misbehaved = append(t.Misbehaved, Misbehavior{p.ID(), score, reason})
	t.mtx.Unlock()
}

// ConnectJnode returns the peer at addr, creating it on first use.
func (t *Transport) ConnectJnode(addr jnode.Service) (jnode.Peer, error) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	if t.ConnectErr != nil {
		return nil, t.ConnectErr
	}
	t.Connected = append(t.Connected, addr)
	if p, ok := t.Peers[addr.String()]; ok {
		return p, nil
	}
	t.nextID++
	p := NewPeer(t.nextID, addr)
	p.JnodeConn = true
	t.Peers[addr.String()] = p
	return p, nil
}

// AddAddress records addr.
func (t *Transport) AddAddress(addr jnode.Service, src jnode.Service) {
	t.mtx.Lock()
	t.Known = append(t.Known, addr)
	t.mtx.Unlock()
}

// AddPeer registers p as connected.
func (t *Transport) AddPeer(p *Peer) {
	t.mtx.Lock()
	t.Peers[p.Address.String()] = p
	t.mtx.Unlock()
}

// ForEachPeer calls fn for every registered peer.
func (t *Transport) ForEachPeer(fn func(jnode.Peer)) {
	t.mtx.Lock()
	peers := make([]*Peer, 0, len(t.Peers))
	for _, p := range t.Peers {
		peers = append(peers, p)
	}
	t.mtx.Unlock()
	for _, p := range peers {
		fn(p)
	}
}

// Disconnect records and forgets p.
func (t *Transport) Disconnect(p jnode.Peer) {
	t.mtx.Lock()
	t.Disconnected = append(t.Disconnected, p.ID())
	delete(t.Peers, p.Addr().String())
	t.mtx.Unlock()
}

// RelayedOfType returns the relayed inventory of type typ.
func (t *Transport) RelayedOfType(typ wire.InvType) []*wire.InvVect {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	var out []*wire.InvVect
	for _, iv := range t.Relayed {
		if iv.Type == typ {
			out = append(out, iv)
		}
	}
	return out
}

// TotalMisbehavior sums the penalties charged to peer id.
func (t *Transport) TotalMisbehavior(id int32) uint32 {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	var sum uint32
	for _, m := range t.Misbehaved {
		if m.PeerID == id {
			sum += m.Score
		}
	}
	return sum
}

// Local is a settable jnode.LocalJnode.
type Local struct {
	mtx sync.Mutex

	Enabled bool
	Priv    *btcec.PrivateKey
	Pub     []byte
	Input   *wire.TxIn
	Addr    jnode.Service

	ManageCalls int
}

// NewLocal returns a local jnode using the key derived from seed.
func NewLocal(seed byte, addr jnode.Service) *Local {
	priv, pub := Key(seed)
	return &Local{Enabled: true, Priv: priv, Pub: pub, Addr: addr}
}

func (l *Local) IsJnode() bool                   { return l != nil && l.Enabled }
func (l *Local) PubKeyJnode() []byte             { return l.Pub }
func (l *Local) PrivKeyJnode() *btcec.PrivateKey { return l.Priv }
func (l *Local) Service() jnode.Service          { return l.Addr }

// Vin returns Input when set.
func (l *Local) Vin() (wire.TxIn, bool) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if l.Input == nil {
		return wire.TxIn{}, false
	}
	return *l.Input, true
}

// ManageState counts calls.
func (l *Local) ManageState() {
	l.mtx.Lock()
	l.ManageCalls++
	l.mtx.Unlock()
}

// Calls returns the number of ManageState calls.
func (l *Local) Calls() int {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return l.ManageCalls
}

// Wallet is a settable jnode.Wallet holding at most one collateral.
type Wallet struct {
	mtx sync.Mutex

	Locked     bool
	Funds      btcutil.Amount
	Collateral *jnode.Collateral
	LockedOps  []wire.OutPoint
}

// NewWallet returns an unlocked wallet holding j's collateral.
func NewWallet(j *Jnode) *Wallet {
	return &Wallet{
		Funds: jnode.CollateralAmount,
		Collateral: &jnode.Collateral{
			OutPoint: j.Vin.PreviousOutPoint,
			PubKey:   j.CollateralPub,
			PrivKey:  j.CollateralKey,
		},
	}
}

func (w *Wallet) IsLocked() bool {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	return w.Locked
}

func (w *Wallet) Balance() (btcutil.Amount, error) {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	return w.Funds, nil
}

// JnodeCollateral returns Collateral, ignoring the selection.
func (w *Wallet) JnodeCollateral(txHash, outputIndex string) (*jnode.Collateral, error) {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	if w.Collateral == nil {
		return nil, errors.New("no suitable collateral")
	}
	c := *w.Collateral
	return &c, nil
}

// LockCoin records op.
func (w *Wallet) LockCoin(op wire.OutPoint) error {
	w.mtx.Lock()
	w.LockedOps = append(w.LockedOps, op)
	w.mtx.Unlock()
	return nil
}
