// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package jnode

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/jemcash/jnoded/netparams"
)

// Broadcast announces a jnode to the network.  It carries a snapshot of the
// announced entry together with its first ping.
type Broadcast struct {
	Entry

	// Recovery marks a broadcast reprocessed after a recovery quorum
	// agreed the entry should not need a new start.  It is local only.
	Recovery bool
}

// NewBroadcast returns the broadcast that would announce e as it stands.
func NewBroadcast(e *Entry) *Broadcast {
	return &Broadcast{Entry: *e}
}

// Hash returns the identifier of the broadcast.
func (b *Broadcast) Hash() chainhash.Hash {
	var buf bytes.Buffer
	_ = WriteTxIn(&buf, 0, &b.Vin)
	_ = wire.WriteVarBytes(&buf, 0, b.PubKeyCollateral)
	_ = writeElements(&buf, b.SigTime)
	return chainhash.DoubleHashH(buf.Bytes())
}

func (b *Broadcast) message() string {
	return b.Addr.String() + strconv.FormatInt(b.SigTime, 10) +
		KeyIDString(b.PubKeyCollateral) + KeyIDString(b.PubKeyJnode) +
		strconv.FormatInt(int64(b.ProtocolVersion), 10)
}

// Sign stamps the broadcast with now and signs it with the collateral key.
func (b *Broadcast) Sign(key *btcec.PrivateKey, now int64) error {
	b.SigTime = now
	msg := b.message()
	sig, err := SignMessage(key, msg)
	if err != nil {
		return err
	}
	if err := VerifyMessage(b.PubKeyCollateral, sig, msg); err != nil {
		return err
	}
	b.Sig = sig
	return nil
}

// CheckSignature verifies the broadcast against the collateral key.
func (b *Broadcast) CheckSignature() error {
	if err := VerifyMessage(b.PubKeyCollateral, b.Sig, b.message()); err != nil {
		str := fmt.Sprintf("bad announce signature for jnode %s: %v",
			OutPointShort(&b.Vin.PreviousOutPoint), err)
		return ruleError(ErrBadSignature, 100, str)
	}
	return nil
}

// CheckPort applies the network port rule to addr and describes the
// violation.
func CheckPort(addr Service, params *netparams.Params) error {
	if params.CheckPort(addr.Port) {
		return nil
	}
	var str string
	if params.IsMainNet() {
		str = fmt.Sprintf("Invalid port %d for jnode %s, only %d is "+
			"supported on mainnet.", addr.Port, addr, netparams.MainnetPort)
	} else {
		str = fmt.Sprintf("Invalid port %d for jnode %s, %d is the only "+
			"supported on mainnet.", addr.Port, addr, netparams.MainnetPort)
	}
	return ruleError(ErrBadPort, 0, str)
}

// SimpleCheck performs the context free checks of an incoming broadcast.
// A missing or invalid embedded ping does not fail the check, it marks the
// broadcast expired instead.
func (b *Broadcast) SimpleCheck(g ChainGuard, params *netparams.Params,
	now int64, minProto int32) error {

	op := OutPointShort(&b.Vin.PreviousOutPoint)
	if !IsValidNetAddr(b.Addr, params) {
		return ruleError(ErrInvalidAddr, 0, fmt.Sprintf("invalid address "+
			"%s for jnode %s", b.Addr, op))
	}

	if b.SigTime > now+FutureSigLimit {
		return ruleError(ErrFutureSigTime, 1, "announce for jnode "+op+
			" signed too far into the future")
	}

	if b.LastPing.IsEmpty() || b.LastPing.SimpleCheck(g, now) != nil {
		b.ActiveState = StateExpired
	}

	if b.ProtocolVersion < minProto {
		str := fmt.Sprintf("jnode %s runs outdated protocol %d", op,
			b.ProtocolVersion)
		return ruleError(ErrOutdatedProtocol, 0, str)
	}

	if len(PayToPubKeyHashScript(b.PubKeyCollateral)) != 25 ||
		!validPubKey(b.PubKeyCollateral) {

		return ruleError(ErrBadPubKey, 100, "bad collateral key for "+
			"jnode "+op)
	}
	if len(PayToPubKeyHashScript(b.PubKeyJnode)) != 25 ||
		!validPubKey(b.PubKeyJnode) {

		return ruleError(ErrBadPubKey, 100, "bad jnode key for jnode "+op)
	}

	if len(b.Vin.SignatureScript) != 0 {
		return ruleError(ErrNonEmptyScriptSig, 100, "collateral input "+
			"of jnode "+op+" has a signature script")
	}

	return CheckPort(b.Addr, params)
}

func validPubKey(pubKey []byte) bool {
	_, err := btcec.ParsePubKey(pubKey)
	return err == nil
}

// CheckUpdate validates b as an update of the existing entry e.  It checks
// e first, so e may change state.  A nil error means e should adopt b.
func (b *Broadcast) CheckUpdate(e *Entry, ctx *CheckContext) error {
	op := OutPointShort(&b.Vin.PreviousOutPoint)
	if e.SigTime == b.SigTime && !b.Recovery {
		return ruleError(ErrStaleBroadcast, 0, "duplicate announce for "+
			"jnode "+op)
	}
	if e.SigTime > b.SigTime {
		str := fmt.Sprintf("announce for jnode %s signed at %d, existing "+
			"one at %d", op, b.SigTime, e.SigTime)
		return ruleError(ErrStaleBroadcast, 0, str)
	}

	e.Check(ctx, false)
	if e.IsPoSeBanned() {
		return ruleError(ErrPoSeBanned, 0, "jnode "+op+" is banned by "+
			"proof of service")
	}

	if !bytes.Equal(e.PubKeyCollateral, b.PubKeyCollateral) {
		return ruleError(ErrKeyMismatch, 33, "collateral key of jnode "+
			op+" does not match")
	}

	return b.CheckSignature()
}

// CheckOutpoint validates the collateral of a new broadcast against the
// chain.  ErrTooFewConfirmations means the broadcast may become valid later
// and should not be remembered as seen.
func (b *Broadcast) CheckOutpoint(g ChainGuard, params *netparams.Params,
	local LocalJnode) error {

	op := OutPointShort(&b.Vin.PreviousOutPoint)
	if local != nil && local.IsJnode() {
		if vin, ok := local.Vin(); ok &&
			vin.PreviousOutPoint == b.Vin.PreviousOutPoint &&
			bytes.Equal(local.PubKeyJnode(), b.PubKeyJnode) {

			return ruleError(ErrOwnBroadcast, 0, "announce of our "+
				"activated jnode "+op)
		}
	}

	if err := b.CheckSignature(); err != nil {
		return err
	}

	coin, ok := g.Coin(&b.Vin.PreviousOutPoint)
	if !ok {
		return ruleError(ErrCollateralMissing, 0, "no unspent collateral "+
			"for jnode "+op)
	}
	if coin.Value != CollateralAmount {
		str := fmt.Sprintf("collateral of jnode %s is %v, need %v", op,
			coin.Value, CollateralAmount)
		return ruleError(ErrCollateralAmount, 0, str)
	}
	if g.TipHeight()-coin.Height+1 < params.JnodeMinConfirmations {
		str := fmt.Sprintf("collateral of jnode %s needs %d "+
			"confirmations", op, params.JnodeMinConfirmations)
		return ruleError(ErrTooFewConfirmations, 0, str)
	}

	if !b.vinAssociatedWithPubKey(g) {
		return ruleError(ErrKeyMismatch, 33, "collateral key does not "+
			"match the collateral transaction of jnode "+op)
	}

	confHeight := coin.Height + params.JnodeMinConfirmations - 1
	if confTime, ok := g.BlockTime(confHeight); ok && confTime > b.SigTime {
		str := fmt.Sprintf("announce for jnode %s signed at %d before "+
			"collateral confirmation at %d", op, b.SigTime, confTime)
		return ruleError(ErrSigTimeTooEarly, 0, str)
	}
	return nil
}

// vinAssociatedWithPubKey reports whether the collateral transaction pays
// the collateral amount to the collateral key.
func (b *Broadcast) vinAssociatedWithPubKey(g ChainGuard) bool {
	outs, ok := g.TxOutputs(&b.Vin.PreviousOutPoint.Hash)
	if !ok {
		return false
	}
	payee := PayToPubKeyHashScript(b.PubKeyCollateral)
	for _, out := range outs {
		if btcutil.Amount(out.Value) == CollateralAmount &&
			bytes.Equal(out.PkScript, payee) {

			return true
		}
	}
	return false
}

// CreateBroadcast builds and signs the announcement of a jnode with a fresh
// ping.
func CreateBroadcast(vin wire.TxIn, addr Service, collateralKey *btcec.PrivateKey,
	collateralPub []byte, jnodeKey *btcec.PrivateKey, jnodePub []byte,
	g ChainGuard, params *netparams.Params, now int64) (*Broadcast, error) {

	op := OutPointShort(&vin.PreviousOutPoint)
	ping, err := NewPing(vin, g, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create ping, jnode=%s: %w", op, err)
	}
	if err := ping.Sign(jnodeKey, jnodePub, now); err != nil {
		return nil, fmt.Errorf("failed to sign ping, jnode=%s: %w", op, err)
	}

	b := &Broadcast{Entry: Entry{
		Vin:              vin,
		Addr:             addr,
		PubKeyCollateral: collateralPub,
		PubKeyJnode:      jnodePub,
		ActiveState:      StateEnabled,
		ProtocolVersion:  ProtocolVersion,
	}}
	if !IsValidNetAddr(addr, params) {
		return nil, fmt.Errorf("invalid IP address, jnode=%s", op)
	}
	b.LastPing = *ping
	if err := b.Sign(collateralKey, now); err != nil {
		return nil, fmt.Errorf("failed to sign broadcast, jnode=%s: %w", op, err)
	}
	return b, nil
}

// ErrSyncInProgress is returned when a broadcast is created before the
// chain is synced.
var ErrSyncInProgress = errors.New("sync in progress, must wait until sync " +
	"is complete to start jnode")

// CreateBroadcastFromWallet builds the announcement of the jnode at service
// using collateral picked by the wallet.  Empty txHash and outputIndex let
// the wallet choose.  Unless offline, the chain must be synced.
func CreateBroadcastFromWallet(service string, jnodeKey *btcec.PrivateKey,
	wallet Wallet, txHash, outputIndex string, sync SyncStatus, g ChainGuard,
	params *netparams.Params, now int64, offline bool) (*Broadcast, error) {

	if !offline && !sync.IsBlockchainSynced() {
		return nil, ErrSyncInProgress
	}
	if jnodeKey == nil {
		return nil, errors.New("invalid jnode key")
	}

	collateral, err := wallet.JnodeCollateral(txHash, outputIndex)
	if err != nil {
		return nil, fmt.Errorf("could not allocate txin %s:%s for jnode "+
			"%s: %w", txHash, outputIndex, service, err)
	}

	addr, err := ParseService(service)
	if err != nil {
		return nil, err
	}
	if err := CheckPort(addr, params); err != nil {
		return nil, err
	}

	return CreateBroadcast(NewVin(collateral.OutPoint), addr,
		collateral.PrivKey, collateral.PubKey, jnodeKey,
		jnodeKey.PubKey().SerializeCompressed(), g, params, now)
}

// BtcDecode decodes r into the receiver.  This is part of the wire.Message
// interface implementation.
func (b *Broadcast) BtcDecode(r io.Reader, pver uint32, _ wire.MessageEncoding) error {
	if err := ReadTxIn(r, pver, &b.Vin); err != nil {
		return err
	}
	if err := readService(r, &b.Addr); err != nil {
		return err
	}
	var err error
	if b.PubKeyCollateral, err = readBytes(r, pver, maxPubKeySize, "collateral key"); err != nil {
		return err
	}
	if b.PubKeyJnode, err = readBytes(r, pver, maxPubKeySize, "jnode key"); err != nil {
		return err
	}
	if b.Sig, err = readBytes(r, pver, maxSigSize, "signature"); err != nil {
		return err
	}
	if err := readElements(r, &b.SigTime, &b.ProtocolVersion); err != nil {
		return err
	}
	b.ActiveState = StateEnabled
	return b.LastPing.decode(r, pver)
}

// BtcEncode encodes the receiver to w.  This is part of the wire.Message
// interface implementation.
func (b *Broadcast) BtcEncode(w io.Writer, pver uint32, _ wire.MessageEncoding) error {
	if err := WriteTxIn(w, pver, &b.Vin); err != nil {
		return err
	}
	if err := writeService(w, b.Addr); err != nil {
		return err
	}
	if err := wire.WriteVarBytes(w, pver, b.PubKeyCollateral); err != nil {
		return err
	}
	if err := wire.WriteVarBytes(w, pver, b.PubKeyJnode); err != nil {
		return err
	}
	if err := wire.WriteVarBytes(w, pver, b.Sig); err != nil {
		return err
	}
	if err := writeElements(w, b.SigTime, b.ProtocolVersion); err != nil {
		return err
	}
	return b.LastPing.encode(w, pver)
}

// Command returns the protocol command string for the message.
func (b *Broadcast) Command() string { return CmdBroadcast }

// MaxPayloadLength returns the maximum length the payload can be.
func (b *Broadcast) MaxPayloadLength(pver uint32) uint32 {
	ping := (&Ping{}).MaxPayloadLength(pver)
	return maxTxInSize + 18 + 2*(wire.MaxVarIntPayload+maxPubKeySize) +
		wire.MaxVarIntPayload + maxSigSize + 8 + 4 + ping
}
