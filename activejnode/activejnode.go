// Package activejnode drives the activation of the jnode run by this
// process and keeps it pinging the network.
//
// A jnode runs in one of two modes.  A remote jnode only holds the jnode
// key; its collateral lives in another wallet that announced it.  A local
// jnode also controls the collateral and announces itself.
package activejnode

import (
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/wire"
	"github.com/jemcash/jnoded/jnode"
	"github.com/jemcash/jnoded/netparams"
)

// State is the activation state of the local jnode.
type State int

const (
	StateInitial State = iota
	StateSyncInProcess
	StateInputTooNew
	StateNotCapable
	StateStarted
)

var stateStrings = map[State]string{
	StateInitial:       "INITIAL",
	StateSyncInProcess: "SYNC_IN_PROCESS",
	StateInputTooNew:   "INPUT_TOO_NEW",
	StateNotCapable:    "NOT_CAPABLE",
	StateStarted:       "STARTED",
}

func (s State) String() string {
	if str, ok := stateStrings[s]; ok {
		return str
	}
	return "UNKNOWN"
}

// Type is the operating mode of the local jnode.
type Type int

const (
	TypeUnknown Type = iota
	TypeRemote
	TypeLocal
)

var typeStrings = map[Type]string{
	TypeUnknown: "UNKNOWN",
	TypeRemote:  "REMOTE",
	TypeLocal:   "LOCAL",
}

func (t Type) String() string {
	if str, ok := typeStrings[t]; ok {
		return str
	}
	return "UNKNOWN"
}

// Registry is the part of the jnode list activation works with.
type Registry interface {
	Has(op wire.OutPoint) bool
	CheckJnodeByPubKey(pubKey []byte, force bool)
	JnodeInfoByPubKey(pubKey []byte) (jnode.Info, bool)
	IsJnodePingedWithin(op wire.OutPoint, seconds int64, at int64) bool
	SetJnodeLastPing(op wire.OutPoint, ping *jnode.Ping)
	UpdateJnodeList(b *jnode.Broadcast)
	NotifyJnodeUpdates()
	UpdateWatchdogVoteTime(op wire.OutPoint)
}

// Config configures an ActiveJnode.
type Config struct {
	Params    *netparams.Params
	Chain     jnode.ChainState
	Sync      jnode.SyncStatus
	Transport jnode.Transport
	Clock     jnode.Clock

	// Wallet holds the collateral of a local jnode.  It is nil when the
	// process has no wallet.
	Wallet jnode.Wallet

	// Enabled is set when the process runs a jnode.  Key is its jnode key
	// and must be set along with it.
	Enabled bool
	Key     *btcec.PrivateKey

	// Listen reports whether inbound connections are accepted.
	Listen bool

	// ExternalAddr is the configured public address.  When zero the
	// address is learned from connected peers through LocalAddr.
	ExternalAddr jnode.Service
	LocalAddr    func(remote jnode.Service) (jnode.Service, bool)

	// CollateralTx and CollateralIndex pin the wallet output used for
	// local activation.  Empty values let the wallet pick one.
	CollateralTx    string
	CollateralIndex string
}

// ActiveJnode is the activation state machine of the local jnode.  It
// implements jnode.LocalJnode.
type ActiveJnode struct {
	cfg    Config
	pubKey []byte

	// manageMtx serializes ManageState runs.  It may be held while
	// calling into the registry, mtx may not.
	manageMtx sync.Mutex

	mtx              sync.Mutex
	registry         Registry
	state            State
	typ              Type
	pingerEnabled    bool
	vin              wire.TxIn
	hasVin           bool
	service          jnode.Service
	notCapableReason string
}

// New returns the activation state machine for cfg.
func New(cfg *Config) *ActiveJnode {
	a := &ActiveJnode{cfg: *cfg}
	if cfg.Key != nil {
		a.pubKey = cfg.Key.PubKey().SerializeCompressed()
	}
	if a.cfg.Clock == nil {
		a.cfg.Clock = jnode.SystemClock{}
	}
	return a
}

// SetRegistry sets the jnode list consulted by ManageState.  It must be
// called before the first ManageState.
func (a *ActiveJnode) SetRegistry(r Registry) {
	a.mtx.Lock()
	a.registry = r
	a.mtx.Unlock()
}

func (a *ActiveJnode) now() int64 {
	return a.cfg.Clock.Now().Unix()
}

// IsJnode reports whether the process runs a jnode.
func (a *ActiveJnode) IsJnode() bool {
	return a.cfg.Enabled && a.cfg.Key != nil
}

// PubKeyJnode returns the compressed jnode public key.
func (a *ActiveJnode) PubKeyJnode() []byte {
	return a.pubKey
}

// PrivKeyJnode returns the jnode key.
func (a *ActiveJnode) PrivKeyJnode() *btcec.PrivateKey {
	return a.cfg.Key
}

// Vin returns the collateral input once activation found it.
func (a *ActiveJnode) Vin() (wire.TxIn, bool) {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	return a.vin, a.hasVin
}

// Service returns the public address of the jnode.
func (a *ActiveJnode) Service() jnode.Service {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	return a.service
}

// State returns the activation state.
func (a *ActiveJnode) State() State {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	return a.state
}

// Type returns the operating mode.
func (a *ActiveJnode) Type() Type {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	return a.typ
}

// StateString returns the name of the activation state.
func (a *ActiveJnode) StateString() string {
	return a.State().String()
}

// TypeString returns the name of the operating mode.
func (a *ActiveJnode) TypeString() string {
	return a.Type().String()
}

// Status describes the activation state for humans.
func (a *ActiveJnode) Status() string {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	return a.statusLocked()
}

func (a *ActiveJnode) statusLocked() string {
	switch a.state {
	case StateInitial:
		return "Node just started, not yet activated"
	case StateSyncInProcess:
		return "Sync in progress. Must wait until sync is complete to start Jnode"
	case StateInputTooNew:
		return fmt.Sprintf("Jnode input must have at least %d confirmations",
			a.cfg.Params.JnodeMinConfirmations)
	case StateNotCapable:
		return "Not capable jnode: " + a.notCapableReason
	case StateStarted:
		return "Jnode successfully started"
	}
	return "Unknown"
}

// Snapshot is a consistent copy of the activation status.
type Snapshot struct {
	State   State
	Type    Type
	Status  string
	Service jnode.Service
	Vin     *wire.TxIn
	PubKey  []byte
	Pinger  bool
}

// Snapshot returns the current activation status.
func (a *ActiveJnode) Snapshot() Snapshot {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	s := Snapshot{
		State:   a.state,
		Type:    a.typ,
		Status:  a.statusLocked(),
		Service: a.service,
		PubKey:  a.pubKey,
		Pinger:  a.pingerEnabled,
	}
	if a.hasVin {
		vin := a.vin
		s.Vin = &vin
	}
	return s
}

func (a *ActiveJnode) notCapable(format string, args ...interface{}) {
	a.mtx.Lock()
	a.state = StateNotCapable
	a.notCapableReason = fmt.Sprintf(format, args...)
	log.Infof("%s: %s", a.state, a.notCapableReason)
	a.mtx.Unlock()
}

// ManageState advances activation and sends a ping when one is due.  It
// must not be called with the registry lock held.
func (a *ActiveJnode) ManageState() {
	if !a.IsJnode() {
		log.Trace("Not a jnode")
		return
	}

	a.manageMtx.Lock()
	defer a.manageMtx.Unlock()

	a.mtx.Lock()
	reg := a.registry
	if reg == nil {
		a.mtx.Unlock()
		log.Warn("No jnode list to activate against")
		return
	}
	if !a.cfg.Params.IsRegTest() && !a.cfg.Sync.IsBlockchainSynced() {
		a.state = StateSyncInProcess
		log.Infof("%s: %s", a.state, a.statusLocked())
		a.mtx.Unlock()
		return
	}
	if a.state == StateSyncInProcess {
		a.state = StateInitial
	}
	log.Debugf("Managing jnode state, status=%q, type=%s, pinger=%v",
		a.statusLocked(), a.typ, a.pingerEnabled)
	a.mtx.Unlock()

	if a.Type() == TypeUnknown {
		a.manageStateInitial()
	}

	switch a.Type() {
	case TypeRemote:
		a.manageStateRemote(reg)
	case TypeLocal:
		// Try a remote start first so a started local jnode can be
		// restarted without a new announcement.
		a.manageStateRemote(reg)
		if a.State() != StateStarted {
			a.manageStateLocal(reg)
		}
	}

	a.sendPing(reg)
}

// detectService returns the public address of the jnode, either the
// configured one or the one a connected IPv4 peer sees us at.
func (a *ActiveJnode) detectService() bool {
	if addr := a.cfg.ExternalAddr; !addr.IsZero() &&
		jnode.IsValidNetAddr(addr, a.cfg.Params) {

		a.mtx.Lock()
		a.service = addr
		a.mtx.Unlock()
		return true
	}

	var peers []jnode.Peer
	a.cfg.Transport.ForEachPeer(func(p jnode.Peer) {
		peers = append(peers, p)
	})
	if len(peers) == 0 {
		a.notCapable("Can't detect valid external address. Will retry " +
			"when there are some connections available.")
		return false
	}
	if a.cfg.LocalAddr != nil {
		for _, p := range peers {
			if !p.Addr().IsIPv4() {
				continue
			}
			addr, ok := a.cfg.LocalAddr(p.Addr())
			if ok && jnode.IsValidNetAddr(addr, a.cfg.Params) {
				a.mtx.Lock()
				a.service = addr
				a.mtx.Unlock()
				return true
			}
		}
	}
	a.notCapable("Can't detect valid external address. Please consider " +
		"using the externalip configuration option if problem persists. " +
		"Make sure to use IPv4 address only.")
	return false
}

func (a *ActiveJnode) manageStateInitial() {
	if !a.cfg.Listen {
		a.notCapable("Jnode must accept connections from outside. Make " +
			"sure listen configuration option is not overwritten by " +
			"some another parameter.")
		return
	}
	if !a.detectService() {
		return
	}

	service := a.Service()
	if err := jnode.CheckPort(service, a.cfg.Params); err != nil {
		a.notCapable("%v", err)
		return
	}

	log.Infof("Checking inbound connection to '%s'", service)
	if _, err := a.cfg.Transport.ConnectJnode(service); err != nil {
		a.notCapable("Could not connect to %s", service)
		return
	}

	a.mtx.Lock()
	a.typ = TypeRemote
	a.mtx.Unlock()

	w := a.cfg.Wallet
	if w == nil {
		log.Infof("Wallet not available, running as %s jnode", TypeRemote)
		return
	}
	if w.IsLocked() {
		log.Infof("Wallet is locked, running as %s jnode", TypeRemote)
		return
	}
	balance, err := w.Balance()
	if err != nil {
		log.Errorf("Unable to read wallet balance: %v", err)
		return
	}
	if balance < jnode.CollateralAmount {
		log.Infof("Wallet balance %v is below the %v collateral",
			balance, jnode.CollateralAmount)
		return
	}
	if _, err := w.JnodeCollateral(a.cfg.CollateralTx, a.cfg.CollateralIndex); err != nil {
		log.Debugf("No jnode collateral in wallet: %v", err)
		return
	}

	a.mtx.Lock()
	a.typ = TypeLocal
	a.mtx.Unlock()
	log.Debugf("Jnode collateral found, running as %s jnode", TypeLocal)
}

func (a *ActiveJnode) manageStateRemote(reg Registry) {
	reg.CheckJnodeByPubKey(a.pubKey, false)
	info, ok := reg.JnodeInfoByPubKey(a.pubKey)
	if !ok {
		a.notCapable("Jnode not in jnode list")
		return
	}
	if info.ProtocolVersion < jnode.MinPaymentProto1 ||
		info.ProtocolVersion > jnode.MinPaymentProto2 {

		a.notCapable("Invalid protocol version")
		return
	}
	if !a.Service().Equal(info.Addr) {
		a.notCapable("Broadcasted IP doesn't match our external address. " +
			"Make sure you issued a new broadcast if IP of this jnode " +
			"changed recently.")
		return
	}
	if !jnode.IsValidStateForAutoStart(info.ActiveState) {
		a.notCapable("Jnode in %s state", info.ActiveState)
		return
	}

	a.mtx.Lock()
	defer a.mtx.Unlock()
	if a.state != StateStarted {
		log.Infof("Jnode %s STARTED", jnode.TxInString(&info.Vin))
		a.vin = info.Vin
		a.hasVin = true
		a.service = info.Addr
		a.pingerEnabled = true
		a.state = StateStarted
	}
}

// inputAge returns the confirmations of the output at op, or zero when it
// is unknown.
func inputAge(g jnode.ChainGuard, op *wire.OutPoint) int32 {
	coin, ok := g.Coin(op)
	if !ok {
		return 0
	}
	return g.TipHeight() - coin.Height + 1
}

func (a *ActiveJnode) manageStateLocal(reg Registry) {
	if a.State() == StateStarted {
		return
	}

	collateral, err := a.cfg.Wallet.JnodeCollateral(a.cfg.CollateralTx, a.cfg.CollateralIndex)
	if err != nil {
		log.Debugf("No jnode collateral in wallet: %v", err)
		return
	}
	op := collateral.OutPoint
	vin := jnode.NewVin(op)

	g := a.cfg.Chain.Lock()
	age := inputAge(g, &op)
	if age < a.cfg.Params.JnodeMinConfirmations {
		g.Unlock()
		a.mtx.Lock()
		a.state = StateInputTooNew
		a.notCapableReason = fmt.Sprintf("%s - %d confirmations",
			a.statusLocked(), age)
		log.Infof("%s: %s", a.state, a.notCapableReason)
		a.mtx.Unlock()
		return
	}

	if err := a.cfg.Wallet.LockCoin(op); err != nil {
		log.Warnf("Unable to lock jnode collateral %s: %v",
			jnode.OutPointShort(&op), err)
	}

	b, err := jnode.CreateBroadcast(vin, a.Service(), collateral.PrivKey,
		collateral.PubKey, a.cfg.Key, a.pubKey, g, a.cfg.Params, a.now())
	g.Unlock()
	if err != nil {
		a.notCapable("Error creating jnode broadcast: %v", err)
		return
	}

	a.mtx.Lock()
	a.vin = vin
	a.hasVin = true
	a.pingerEnabled = true
	a.state = StateStarted
	a.mtx.Unlock()

	log.Infof("Updating jnode list with our announcement")
	reg.UpdateJnodeList(b)
	reg.NotifyJnodeUpdates()

	log.Infof("Relaying jnode announcement, vin=%s", jnode.TxInString(&vin))
	hash := b.Hash()
	a.cfg.Transport.RelayInventory(wire.NewInvVect(jnode.InvTypeAnnounce, &hash))
}

// sendPing signs a ping for the started jnode, stores it in the jnode list
// and relays it.  It reports whether a ping was sent.
func (a *ActiveJnode) sendPing(reg Registry) bool {
	a.mtx.Lock()
	enabled, vin, state := a.pingerEnabled, a.vin, a.state
	a.mtx.Unlock()
	if !enabled {
		log.Debugf("%s: jnode ping service is disabled, skipping", state)
		return false
	}

	op := vin.PreviousOutPoint
	if !reg.Has(op) {
		a.notCapable("Jnode not in jnode list")
		return false
	}

	g := a.cfg.Chain.Lock()
	ping, err := jnode.NewPing(vin, g, a.now())
	g.Unlock()
	if err != nil {
		log.Errorf("Couldn't create jnode ping: %v", err)
		return false
	}
	if err := ping.Sign(a.cfg.Key, a.pubKey, ping.SigTime); err != nil {
		log.Errorf("Couldn't sign jnode ping: %v", err)
		return false
	}

	if reg.IsJnodePingedWithin(op, jnode.MinPingSeconds, ping.SigTime) {
		log.Debugf("Too early to send jnode ping")
		return false
	}

	reg.SetJnodeLastPing(op, ping)

	log.Infof("Relaying ping, collateral=%s", jnode.TxInString(&vin))
	hash := ping.Hash()
	a.cfg.Transport.RelayInventory(wire.NewInvVect(jnode.InvTypePing, &hash))
	return true
}

// UpdateSentinelPing records a watchdog vote for the started jnode.  It
// reports false when the jnode is not started.
func (a *ActiveJnode) UpdateSentinelPing() bool {
	a.mtx.Lock()
	reg, started, op := a.registry, a.state == StateStarted, a.vin.PreviousOutPoint
	a.mtx.Unlock()
	if !started || reg == nil {
		return false
	}
	reg.UpdateWatchdogVoteTime(op)
	return true
}
