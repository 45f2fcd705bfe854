// Package jnodesync tracks how far the jnode list and the payment votes are
// synced from the network and drives the requests that sync them.
//
// Syncing goes through a fixed sequence of assets.  The manager waits for
// the chain to catch up, then asks one peer per tick for its jnode list
// until no new entries arrived for TimeoutSeconds, then does the same for
// payment votes.  A stage that times out before any peer was asked fails
// the sync, which restarts after a cooldown.
package jnodesync

import (
	"sort"
	"sync"

	"github.com/jemcash/jnoded/jnode"
	"github.com/jemcash/jnoded/netparams"
	"github.com/jemcash/jnoded/payments"
)

// Asset is a stage of the sync.
type Asset int

const (
	AssetFailed   Asset = -1
	AssetInitial  Asset = 0
	AssetWaiting  Asset = 1
	AssetList     Asset = 2
	AssetWinners  Asset = 3
	AssetFinished Asset = 999
)

var assetNames = map[Asset]string{
	AssetFailed:   "JNODE_SYNC_FAILED",
	AssetInitial:  "JNODE_SYNC_INITIAL",
	AssetWaiting:  "JNODE_SYNC_WAITING",
	AssetList:     "JNODE_SYNC_LIST",
	AssetWinners:  "JNODE_SYNC_MNW",
	AssetFinished: "JNODE_SYNC_FINISHED",
}

func (a Asset) String() string {
	if name, ok := assetNames[a]; ok {
		return name
	}
	return "UNKNOWN"
}

const (
	// TickSeconds is the interval ProcessTick is meant to run at.
	TickSeconds = 6

	// TimeoutSeconds is how long a stage waits for new items before it
	// moves on.
	TimeoutSeconds = 30

	failureCooldownSeconds = 60

	// A tick this late means the process was suspended, start over.
	sleepResetSeconds = 60 * 60

	// maxTipAge is how old the best block may be for the chain to count
	// as synced.
	maxTipAge = 60 * 60
)

// Suffixes of the per peer request bookkeeping keys.
const (
	fulfilledFull    = "full-sync"
	fulfilledList    = "jnode-list-sync"
	fulfilledWinners = "jnode-payment-sync"
)

// Registry is the part of the jnode list the sync drives.
type Registry interface {
	DsegUpdate(p jnode.Peer)
}

// Ledger is the part of the payment ledger the sync drives.
type Ledger interface {
	MinPaymentsProto() int32
	StorageLimit() int
	IsEnoughData() bool
	RequestLowDataPaymentBlocks(p jnode.Peer)
}

// Config configures a Manager.
type Config struct {
	Params    *netparams.Params
	Transport jnode.Transport
	Clock     jnode.Clock

	// OnFinished is called without locks held when the sync completes.
	OnFinished func()
}

// Manager is the sync state machine.  It implements jnode.SyncStatus.
type Manager struct {
	cfg Config

	mtx              sync.Mutex
	registry         Registry
	ledger           Ledger
	asset            Asset
	attempt          int
	timeAssetStarted int64
	timeLastList     int64
	timeLastVote     int64
	timeLastBumped   int64
	timeLastFailure  int64
	timeLastProcess  int64
	tipHeight        int32
	tipTime          int64
	chainSynced      bool
	fulfilled        map[string]struct{}
}

// New returns a Manager at the initial stage.
func New(cfg *Config) *Manager {
	s := &Manager{cfg: *cfg, tipHeight: -1}
	if s.cfg.Clock == nil {
		s.cfg.Clock = jnode.SystemClock{}
	}
	now := s.now()
	s.reset(now)
	s.timeLastProcess = now
	s.fulfilled = make(map[string]struct{})
	return s
}

// SetSources sets the jnode list and ledger the sync requests items for.
// It must be called before the first ProcessTick.
func (s *Manager) SetSources(reg Registry, ledger Ledger) {
	s.mtx.Lock()
	s.registry = reg
	s.ledger = ledger
	s.mtx.Unlock()
}

func (s *Manager) now() int64 {
	return s.cfg.Clock.Now().Unix()
}

// reset restarts the sync.  The lock must be held.
func (s *Manager) reset(now int64) {
	s.asset = AssetInitial
	s.attempt = 0
	s.timeAssetStarted = now
	s.timeLastList = now
	s.timeLastVote = now
	s.timeLastBumped = now
	s.timeLastFailure = 0
}

// Reset restarts the sync from the initial stage.
func (s *Manager) Reset() {
	s.mtx.Lock()
	s.reset(s.now())
	s.mtx.Unlock()
}

func (s *Manager) fail(now int64) {
	log.Errorf("Jnode sync failed at %s, nothing received in %d seconds",
		s.asset, TimeoutSeconds)
	s.timeLastFailure = now
	s.asset = AssetFailed
}

// Asset returns the current stage.
func (s *Manager) Asset() Asset {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.asset
}

// Attempt returns how many peers were asked in the current stage.
func (s *Manager) Attempt() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.attempt
}

// IsFailed reports whether the sync failed and waits for its cooldown.
func (s *Manager) IsFailed() bool {
	return s.Asset() == AssetFailed
}

// IsBlockchainSynced reports whether the best block is recent.  Once true
// it stays true until the sync is reset after a suspend.
func (s *Manager) IsBlockchainSynced() bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.isBlockchainSynced(s.now())
}

func (s *Manager) isBlockchainSynced(now int64) bool {
	if s.chainSynced {
		return true
	}
	if s.tipHeight < 0 || s.tipTime+maxTipAge < now {
		return false
	}
	log.Infof("Chain synced at height %d", s.tipHeight)
	s.chainSynced = true
	return true
}

// IsJnodeListSynced reports whether the jnode list stage is done.
func (s *Manager) IsJnodeListSynced() bool {
	return s.Asset() > AssetList
}

// IsWinnersListSynced reports whether the payment vote stage is done.
func (s *Manager) IsWinnersListSynced() bool {
	return s.Asset() > AssetWinners
}

// IsSynced reports whether every stage is done.
func (s *Manager) IsSynced() bool {
	return s.Asset() == AssetFinished
}

// AddedJnodeList records that a new jnode list item arrived.
func (s *Manager) AddedJnodeList() {
	s.mtx.Lock()
	s.timeLastList = s.now()
	s.mtx.Unlock()
}

// AddedPaymentVote records that a new payment vote arrived.
func (s *Manager) AddedPaymentVote() {
	s.mtx.Lock()
	s.timeLastVote = s.now()
	s.mtx.Unlock()
}

// BumpAssetLastTime extends the timeout of the current stage.
func (s *Manager) BumpAssetLastTime(reason string) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.asset == AssetFinished || s.asset == AssetFailed {
		return
	}
	s.timeLastBumped = s.now()
	log.Tracef("Sync timeout of %s bumped: %s", s.asset, reason)
}

// UpdatedBlockTip records a new best block and its timestamp.
func (s *Manager) UpdatedBlockTip(height int32, blockTime int64) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.tipHeight = height
	s.tipTime = blockTime
	log.Tracef("Block tip %d, time %d", height, blockTime)
}

// switchToNextAsset advances to the next stage.  It reports whether the
// sync just finished.  The lock must be held.
func (s *Manager) switchToNextAsset(now int64) bool {
	finished := false
	switch s.asset {
	case AssetInitial:
		s.fulfilled = make(map[string]struct{})
		s.asset = AssetWaiting
	case AssetWaiting:
		s.timeLastList = now
		s.asset = AssetList
	case AssetList:
		s.timeLastVote = now
		s.asset = AssetWinners
	case AssetWinners:
		s.asset = AssetFinished
		finished = true
	default:
		log.Errorf("Can't switch from sync stage %s", s.asset)
		return false
	}
	log.Infof("Jnode sync stage %s started after %d seconds", s.asset,
		now-s.timeAssetStarted)
	s.attempt = 0
	s.timeAssetStarted = now
	return finished
}

// SwitchToNextAsset advances to the next stage.
func (s *Manager) SwitchToNextAsset() {
	s.mtx.Lock()
	finished := s.switchToNextAsset(s.now())
	s.mtx.Unlock()
	if finished {
		s.finish()
	}
}

// finish marks every connected peer as fully synced from and runs the
// completion callback.  No lock may be held.
func (s *Manager) finish() {
	log.Infof("Jnode sync finished")
	s.cfg.Transport.ForEachPeer(func(p jnode.Peer) {
		s.mtx.Lock()
		s.fulfilled[p.Addr().String()+fulfilledFull] = struct{}{}
		s.mtx.Unlock()
	})
	if s.cfg.OnFinished != nil {
		s.cfg.OnFinished()
	}
}

// Status describes the sync stage for humans.
func (s *Manager) Status() string {
	switch s.Asset() {
	case AssetInitial:
		return "Synchronization pending..."
	case AssetWaiting:
		return "Synchronizing blockchain..."
	case AssetList:
		return "Synchronizing jnodes..."
	case AssetWinners:
		return "Synchronizing jnode payments..."
	case AssetFailed:
		return "Synchronization failed"
	case AssetFinished:
		return "Synchronization finished"
	}
	return ""
}

// Progress returns the rough sync progress between 0 and 1.
func (s *Manager) Progress() float64 {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	switch {
	case s.asset == AssetFinished:
		return 1
	case s.asset <= AssetWaiting:
		return 0
	}
	attempts := s.attempt
	if attempts > 8 {
		attempts = 8
	}
	return float64(attempts+int(s.asset-AssetList)*8) / 16
}

// ProcessMessage handles a sync status count from p.
func (s *Manager) ProcessMessage(p jnode.Peer, msg *jnode.SyncStatusCount) {
	asset := s.Asset()
	if asset == AssetFinished || asset == AssetFailed {
		return
	}
	log.Infof("Got inventory count from peer %d: item=%d, count=%d", p.ID(),
		msg.ItemID, msg.Count)
}

// step is what a tick does with one peer.
type step int

const (
	stepNext step = iota
	stepStop
	stepDisconnect
	stepRequestList
	stepRequestWinners
	stepFinished
)

// ProcessTick advances the sync.  It asks at most one peer for items and
// is meant to run every TickSeconds.
func (s *Manager) ProcessTick() {
	now := s.now()

	s.mtx.Lock()
	if now-s.timeLastProcess > sleepResetSeconds {
		log.Warnf("No sync tick for %d seconds, restarting sync",
			now-s.timeLastProcess)
		s.reset(now)
		s.chainSynced = false
		s.timeLastProcess = now
		s.switchToNextAsset(now)
		s.mtx.Unlock()
		return
	}
	s.timeLastProcess = now

	switch s.asset {
	case AssetFailed:
		if s.timeLastFailure+failureCooldownSeconds < now {
			log.Infof("Restarting failed jnode sync")
			s.reset(now)
		}
		s.mtx.Unlock()
		return
	case AssetFinished:
		s.mtx.Unlock()
		return
	case AssetInitial:
		s.switchToNextAsset(now)
	}
	if s.asset == AssetWaiting {
		if !s.isBlockchainSynced(now) {
			s.mtx.Unlock()
			return
		}
		s.switchToNextAsset(now)
	}
	reg, ledger := s.registry, s.ledger
	s.mtx.Unlock()

	if reg == nil || ledger == nil {
		log.Warn("No jnode list or ledger to sync")
		return
	}
	enoughData := ledger.IsEnoughData()
	minProto := ledger.MinPaymentsProto()

	var peers []jnode.Peer
	s.cfg.Transport.ForEachPeer(func(p jnode.Peer) {
		peers = append(peers, p)
	})
	sort.Slice(peers, func(i, j int) bool { return peers[i].ID() < peers[j].ID() })

	for _, p := range peers {
		// Outbound connections opened to talk to a jnode are not used
		// for syncing.
		if p.IsJnodeConnection() {
			continue
		}

		switch s.nextStep(p, now, enoughData, minProto) {
		case stepNext:
			continue
		case stepStop:
			return
		case stepDisconnect:
			log.Debugf("Fully synced from peer %d, disconnecting", p.ID())
			s.cfg.Transport.Disconnect(p)
			continue
		case stepRequestList:
			reg.DsegUpdate(p)
			return
		case stepRequestWinners:
			p.QueueMessage(&payments.PaymentSync{Count: int32(ledger.StorageLimit())})
			ledger.RequestLowDataPaymentBlocks(p)
			return
		case stepFinished:
			s.finish()
			return
		}
	}
}

// nextStep decides what to do with p in the current stage.  One request
// per peer and tick keeps the load on peers low.
func (s *Manager) nextStep(p jnode.Peer, now int64, enoughData bool, minProto int32) step {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.cfg.Params.IsRegTest() {
		return s.nextStepRegTest()
	}

	key := p.Addr().String()
	if _, ok := s.fulfilled[key+fulfilledFull]; ok {
		return stepDisconnect
	}

	switch s.asset {
	case AssetList:
		last := s.timeLastList
		if s.timeLastBumped > last {
			last = s.timeLastBumped
		}
		if last < now-TimeoutSeconds {
			if s.attempt == 0 {
				// No way to go on without a jnode list.
				s.fail(now)
				return stepStop
			}
			s.switchToNextAsset(now)
			return stepStop
		}
		if _, ok := s.fulfilled[key+fulfilledList]; ok {
			return stepNext
		}
		s.fulfilled[key+fulfilledList] = struct{}{}
		if p.ProtocolVersion() < minProto {
			return stepNext
		}
		s.attempt++
		return stepRequestList

	case AssetWinners:
		// New blocks keep the votes coming, so this stage may take
		// longer than the timeout.
		if s.timeLastVote < now-TimeoutSeconds {
			if s.attempt == 0 {
				s.fail(now)
				return stepStop
			}
			if s.switchToNextAsset(now) {
				return stepFinished
			}
			return stepStop
		}
		// Ask at least two peers even with enough data.
		if s.attempt > 1 && enoughData {
			if s.switchToNextAsset(now) {
				return stepFinished
			}
			return stepStop
		}
		if _, ok := s.fulfilled[key+fulfilledWinners]; ok {
			return stepNext
		}
		s.fulfilled[key+fulfilledWinners] = struct{}{}
		if p.ProtocolVersion() < minProto {
			return stepNext
		}
		s.attempt++
		return stepRequestWinners
	}
	return stepStop
}

// nextStepRegTest syncs from the first peer without waiting for timeouts.
func (s *Manager) nextStepRegTest() step {
	s.attempt++
	switch {
	case s.attempt <= 2:
		return stepRequestList
	case s.attempt <= 4:
		return stepRequestWinners
	}
	s.asset = AssetFinished
	s.attempt = 0
	return stepFinished
}
