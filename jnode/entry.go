// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package jnode

import (
	"bytes"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/jemcash/jnoded/netparams"
)

// Entry is the registry record of one jnode.
type Entry struct {
	Vin              wire.TxIn
	Addr             Service
	PubKeyCollateral []byte
	PubKeyJnode      []byte
	LastPing         Ping
	Sig              []byte
	SigTime          int64

	LastDsq              int64
	TimeLastChecked      int64
	TimeLastPaid         int64
	TimeLastWatchdogVote int64

	ActiveState          State
	CacheCollateralBlock int32
	BlockLastPaid        int32
	ProtocolVersion      int32
	PoSeBanScore         int32
	PoSeBanHeight        int32
}

// NewEntry returns the registry record created from a broadcast.
func NewEntry(b *Broadcast) *Entry {
	return &Entry{
		Vin:                  b.Vin,
		Addr:                 b.Addr,
		PubKeyCollateral:     b.PubKeyCollateral,
		PubKeyJnode:          b.PubKeyJnode,
		LastPing:             b.LastPing,
		Sig:                  b.Sig,
		SigTime:              b.SigTime,
		TimeLastWatchdogVote: b.SigTime,
		ActiveState:          b.ActiveState,
		ProtocolVersion:      b.ProtocolVersion,
	}
}

// CheckContext carries everything Check needs to know about the world.
type CheckContext struct {
	Now int64

	// Guard provides the tip height and collateral lookups.  A nil guard
	// skips the collateral lookup and treats the height as zero.
	Guard ChainGuard

	// RegistrySize is the number of entries, which is also the length of
	// a proof of service ban in blocks.
	RegistrySize int

	ListSynced bool

	// WatchdogActive is set when the node is fully synced and the
	// registry has seen a recent watchdog vote.
	WatchdogActive bool

	// LocalPubKey is the jnode key of this process, nil when it does not
	// run a jnode.
	LocalPubKey []byte

	MinPaymentsProto int32

	// Sync is told about list progress while syncing.  May be nil.
	Sync SyncStatus
}

// IsOurs reports whether e is the jnode run by this process.
func (c *CheckContext) IsOurs(e *Entry) bool {
	return len(c.LocalPubKey) > 0 && bytes.Equal(c.LocalPubKey, e.PubKeyJnode)
}

// Outpoint returns the collateral outpoint that identifies the entry.
func (e *Entry) Outpoint() wire.OutPoint {
	return e.Vin.PreviousOutPoint
}

// CollateralScript returns the pay-to-pubkey-hash script of the collateral
// key, which is where the entry gets paid.
func (e *Entry) CollateralScript() []byte {
	return PayToPubKeyHashScript(e.PubKeyCollateral)
}

// Check recomputes the entry state.  Unless force is set, checks closer
// together than CheckSeconds are skipped.
func (e *Entry) Check(ctx *CheckContext, force bool) {
	if !force && ctx.Now-e.TimeLastChecked < CheckSeconds {
		return
	}
	e.TimeLastChecked = ctx.Now

	// Spent collateral is final.
	if e.IsOutpointSpent() {
		return
	}

	var height int32
	if ctx.Guard != nil {
		if _, ok := ctx.Guard.Coin(&e.Vin.PreviousOutPoint); !ok {
			e.setState(StateOutpointSpent)
			return
		}
		height = ctx.Guard.TipHeight()
	}

	if e.IsPoSeBanned() {
		if height < e.PoSeBanHeight {
			return
		}
		log.Infof("Jnode %s is unbanned and back in list now",
			OutPointShort(&e.Vin.PreviousOutPoint))
		e.DecreasePoSeBanScore()
	} else if e.PoSeBanScore >= PoSeBanMaxScore {
		e.ActiveState = StatePoSeBan
		e.PoSeBanHeight = height + int32(ctx.RegistrySize)
		log.Infof("Jnode %s is banned till block %d now",
			OutPointShort(&e.Vin.PreviousOutPoint), e.PoSeBanHeight)
		return
	}

	ours := ctx.IsOurs(e)

	requireUpdate := e.ProtocolVersion < ctx.MinPaymentsProto ||
		(ours && (e.ProtocolVersion < MinPaymentProto1 ||
			e.ProtocolVersion > MinPaymentProto2))
	if requireUpdate {
		e.setState(StateUpdateRequired)
		return
	}

	// Keep old entries on start and give them a chance to receive pings.
	waitForPing := !ctx.ListSynced && !e.IsPingedWithin(MinPingSeconds, ctx.Now)
	if waitForPing && !ours {
		if e.IsExpired() || e.IsWatchdogExpired() || e.IsNewStartRequired() {
			return
		}
	}

	if !waitForPing || ours {
		if !e.IsPingedWithin(NewStartRequiredSeconds, ctx.Now) {
			e.setState(StateNewStartRequired)
			return
		}

		if ctx.WatchdogActive && ctx.Now-e.TimeLastWatchdogVote > WatchdogMaxSeconds {
			e.setState(StateWatchdogExpired)
			return
		}

		if !e.IsPingedWithin(ExpirationSeconds, ctx.Now) {
			e.setState(StateExpired)
			return
		}
	}

	if e.LastPing.SigTime-e.SigTime < MinPingSeconds {
		e.setState(StatePreEnabled)
		return
	}
	e.setState(StateEnabled)
}

func (e *Entry) setState(s State) {
	if e.ActiveState != s {
		log.Debugf("Jnode %s is in %s state now",
			OutPointShort(&e.Vin.PreviousOutPoint), s)
	}
	e.ActiveState = s
}

// IsPingedWithin reports whether the last ping is less than seconds older
// than at.  An entry without a ping was never pinged.
func (e *Entry) IsPingedWithin(seconds int64, at int64) bool {
	if e.LastPing.IsEmpty() {
		return false
	}
	return at-e.LastPing.SigTime < seconds
}

// IsBroadcastedWithin reports whether the announcement is less than seconds
// old.
func (e *Entry) IsBroadcastedWithin(seconds int64, now int64) bool {
	return now-e.SigTime < seconds
}

func (e *Entry) IsEnabled() bool          { return e.ActiveState == StateEnabled }
func (e *Entry) IsPreEnabled() bool       { return e.ActiveState == StatePreEnabled }
func (e *Entry) IsPoSeBanned() bool       { return e.ActiveState == StatePoSeBan }
func (e *Entry) IsExpired() bool          { return e.ActiveState == StateExpired }
func (e *Entry) IsOutpointSpent() bool    { return e.ActiveState == StateOutpointSpent }
func (e *Entry) IsUpdateRequired() bool   { return e.ActiveState == StateUpdateRequired }
func (e *Entry) IsWatchdogExpired() bool  { return e.ActiveState == StateWatchdogExpired }
func (e *Entry) IsNewStartRequired() bool { return e.ActiveState == StateNewStartRequired }

// IsPoSeVerified reports whether the entry proved its address enough times
// to reach the bottom of the score range.
func (e *Entry) IsPoSeVerified() bool {
	return e.PoSeBanScore <= -PoSeBanMaxScore
}

// IsValidForPayment reports whether the entry may be elected as payee.
func (e *Entry) IsValidForPayment() bool {
	return e.ActiveState == StateEnabled
}

// IncreasePoSeBanScore moves the score towards a ban.
func (e *Entry) IncreasePoSeBanScore() {
	if e.PoSeBanScore < PoSeBanMaxScore {
		e.PoSeBanScore++
	}
}

// DecreasePoSeBanScore moves the score away from a ban.
func (e *Entry) DecreasePoSeBanScore() {
	if e.PoSeBanScore > -PoSeBanMaxScore {
		e.PoSeBanScore--
	}
}

// UpdateWatchdogVoteTime records a watchdog vote at now.
func (e *Entry) UpdateWatchdogVoteTime(now int64) {
	e.TimeLastWatchdogVote = now
}

// UpdateFromNewBroadcast adopts the announcement b if it is newer than the
// one on record, or unconditionally for recovery broadcasts.
//
// acceptPing is consulted for a non-empty embedded ping and stores it when
// it returns true.  localKey is the jnode key of this process.  When b
// announces the local jnode at the current protocol version, reactivate is
// set and the caller should rerun local activation once it released its
// locks.  A local jnode announced with another protocol version is never
// updated.
func (e *Entry) UpdateFromNewBroadcast(b *Broadcast, localKey []byte,
	acceptPing func(*Ping) bool) (updated, reactivate bool) {

	if b.SigTime <= e.SigTime && !b.Recovery {
		return false, false
	}

	e.PubKeyJnode = b.PubKeyJnode
	e.SigTime = b.SigTime
	e.Sig = b.Sig
	e.ProtocolVersion = b.ProtocolVersion
	e.Addr = b.Addr
	e.PoSeBanScore = 0
	e.PoSeBanHeight = 0
	e.TimeLastChecked = 0

	if b.LastPing.IsEmpty() || acceptPing(&b.LastPing) {
		e.LastPing = b.LastPing
	}

	if len(localKey) > 0 && bytes.Equal(e.PubKeyJnode, localKey) {
		e.PoSeBanScore = -PoSeBanMaxScore
		if e.ProtocolVersion != ProtocolVersion {
			log.Warnf("Wrong protocol version %d in announcement of "+
				"our own jnode, want %d: re-activate it",
				e.ProtocolVersion, ProtocolVersion)
			return false, false
		}
		return true, true
	}
	return true, false
}

// CollateralAge returns the number of confirmations of the collateral, or
// a non-positive value when it is not confirmed or unknown.
func (e *Entry) CollateralAge(g ChainGuard) int32 {
	tip := g.TipHeight()
	if tip < 0 {
		return -1
	}
	if e.CacheCollateralBlock == 0 {
		coin, ok := g.Coin(&e.Vin.PreviousOutPoint)
		if !ok {
			return -1
		}
		age := tip - coin.Height + 1
		if age <= 0 {
			return age
		}
		e.CacheCollateralBlock = tip - age
	}
	return tip - e.CacheCollateralBlock
}

// UpdateLastPaid scans at most maxScan blocks below the tip for a coinbase
// that paid the entry the jnode reward at a height the ledger agrees on.
func (e *Entry) UpdateLastPaid(g ChainGuard, payments PaymentsView, maxScan int) {
	payee := e.CollateralScript()
	h := g.TipHeight()
	for i := 0; h >= 0 && h > e.BlockLastPaid && i < maxScan; i++ {
		if payments.HasPayeeWithVotes(h, payee, 2) {
			if outs, ok := g.CoinbaseOutputs(h); ok {
				reward := g.JnodePayment(h)
				for _, out := range outs {
					if bytes.Equal(out.PkScript, payee) &&
						btcutil.Amount(out.Value) == reward {

						e.BlockLastPaid = h
						e.TimeLastPaid, _ = g.BlockTime(h)
						log.Debugf("Jnode %s was last paid at %d",
							OutPointShort(&e.Vin.PreviousOutPoint), h)
						return
					}
				}
			}
		}
		h--
	}
}

// IsValidNetAddr reports whether addr may be announced on the network.
// Regtest accepts anything, elsewhere only routable IPv4 addresses.
func IsValidNetAddr(addr Service, params *netparams.Params) bool {
	if params.PermissiveAddrs {
		return true
	}
	return addr.IsIPv4() && addr.IsRoutable()
}

// CollateralAddress returns the address encoding of the collateral key.
func (e *Entry) CollateralAddress(net *chaincfg.Params) string {
	addr, err := btcutil.NewAddressPubKeyHash(btcutil.Hash160(e.PubKeyCollateral), net)
	if err != nil {
		return ""
	}
	return addr.EncodeAddress()
}

// StatusRow renders the entry as a single summary line.
func (e *Entry) StatusRow(net *chaincfg.Params) string {
	lastSeen, active := e.SigTime, int64(0)
	if !e.LastPing.IsEmpty() {
		lastSeen = e.LastPing.SigTime
		active = e.LastPing.SigTime - e.SigTime
	}
	return fmt.Sprintf("jnode{%s %d %s %s %d %d %d}", e.Addr,
		e.ProtocolVersion, OutPointShort(&e.Vin.PreviousOutPoint),
		e.CollateralAddress(net), lastSeen, active, e.BlockLastPaid)
}

// Info is a copy of the entry fields callers outside the registry may
// look at without holding its lock.
type Info struct {
	Vin                  wire.TxIn
	Addr                 Service
	PubKeyCollateral     []byte
	PubKeyJnode          []byte
	SigTime              int64
	LastDsq              int64
	TimeLastChecked      int64
	TimeLastPaid         int64
	TimeLastWatchdogVote int64
	TimeLastPing         int64
	ActiveState          State
	ProtocolVersion      int32
	BlockLastPaid        int32
	PoSeBanScore         int32
	Valid                bool
}

// Info returns a snapshot of e.
func (e *Entry) Info() Info {
	return Info{
		Vin:                  e.Vin,
		Addr:                 e.Addr,
		PubKeyCollateral:     e.PubKeyCollateral,
		PubKeyJnode:          e.PubKeyJnode,
		SigTime:              e.SigTime,
		LastDsq:              e.LastDsq,
		TimeLastChecked:      e.TimeLastChecked,
		TimeLastPaid:         e.TimeLastPaid,
		TimeLastWatchdogVote: e.TimeLastWatchdogVote,
		TimeLastPing:         e.LastPing.SigTime,
		ActiveState:          e.ActiveState,
		ProtocolVersion:      e.ProtocolVersion,
		BlockLastPaid:        e.BlockLastPaid,
		PoSeBanScore:         e.PoSeBanScore,
		Valid:                true,
	}
}

// Serialize writes the full entry, including local bookkeeping, for the
// registry cache.
func (e *Entry) Serialize(w io.Writer) error {
	const pver = uint32(ProtocolVersion)
	if err := WriteTxIn(w, pver, &e.Vin); err != nil {
		return err
	}
	if err := writeService(w, e.Addr); err != nil {
		return err
	}
	if err := wire.WriteVarBytes(w, pver, e.PubKeyCollateral); err != nil {
		return err
	}
	if err := wire.WriteVarBytes(w, pver, e.PubKeyJnode); err != nil {
		return err
	}
	if err := e.LastPing.encode(w, pver); err != nil {
		return err
	}
	if err := wire.WriteVarBytes(w, pver, e.Sig); err != nil {
		return err
	}
	return writeElements(w, e.SigTime, e.LastDsq, e.TimeLastChecked,
		e.TimeLastPaid, e.TimeLastWatchdogVote, int32(e.ActiveState),
		e.CacheCollateralBlock, e.BlockLastPaid, e.ProtocolVersion,
		e.PoSeBanScore, e.PoSeBanHeight)
}

// Deserialize reads an entry written by Serialize.
func (e *Entry) Deserialize(r io.Reader) error {
	const pver = uint32(ProtocolVersion)
	if err := ReadTxIn(r, pver, &e.Vin); err != nil {
		return err
	}
	if err := readService(r, &e.Addr); err != nil {
		return err
	}
	var err error
	if e.PubKeyCollateral, err = readBytes(r, pver, maxPubKeySize, "collateral key"); err != nil {
		return err
	}
	if e.PubKeyJnode, err = readBytes(r, pver, maxPubKeySize, "jnode key"); err != nil {
		return err
	}
	if err := e.LastPing.decode(r, pver); err != nil {
		return err
	}
	if e.Sig, err = readBytes(r, pver, maxSigSize, "signature"); err != nil {
		return err
	}
	var state int32
	err = readElements(r, &e.SigTime, &e.LastDsq, &e.TimeLastChecked,
		&e.TimeLastPaid, &e.TimeLastWatchdogVote, &state,
		&e.CacheCollateralBlock, &e.BlockLastPaid, &e.ProtocolVersion,
		&e.PoSeBanScore, &e.PoSeBanHeight)
	e.ActiveState = State(state)
	return err
}
