// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package jnode

import (
	"bytes"
	"fmt"
	"io"
	"strconv"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Ping is the periodic liveness proof of a jnode.  It is signed with the
// jnode key and anchored to a recent block.
type Ping struct {
	Vin       wire.TxIn
	BlockHash chainhash.Hash
	SigTime   int64
	Sig       []byte
}

// NewPing returns an unsigned ping for vin anchored PingAnchorDepth blocks
// below the tip.
func NewPing(vin wire.TxIn, g ChainGuard, now int64) (*Ping, error) {
	tip := g.TipHeight()
	if tip < PingAnchorDepth {
		return nil, fmt.Errorf("chain height %d too low to anchor a ping", tip)
	}
	hash, ok := g.BlockHash(tip - PingAnchorDepth)
	if !ok {
		return nil, fmt.Errorf("no block at height %d", tip-PingAnchorDepth)
	}
	return &Ping{Vin: vin, BlockHash: hash, SigTime: now}, nil
}

// IsEmpty reports whether p is the zero ping.
func (p *Ping) IsEmpty() bool {
	return p.SigTime == 0 && p.BlockHash == (chainhash.Hash{}) &&
		len(p.Sig) == 0 && p.Vin.PreviousOutPoint == (wire.OutPoint{})
}

// Hash returns the identifier of the ping, which commits to the collateral
// input and the signature time only.
func (p *Ping) Hash() chainhash.Hash {
	var buf bytes.Buffer
	_ = WriteTxIn(&buf, 0, &p.Vin)
	_ = writeElements(&buf, p.SigTime)
	return chainhash.DoubleHashH(buf.Bytes())
}

func (p *Ping) message() string {
	return TxInString(&p.Vin) + p.BlockHash.String() + strconv.FormatInt(p.SigTime, 10)
}

// Sign stamps the ping with now and signs it with the jnode key.  The
// signature is verified against pubKey before returning.
func (p *Ping) Sign(key *btcec.PrivateKey, pubKey []byte, now int64) error {
	p.SigTime = now
	msg := p.message()
	sig, err := SignMessage(key, msg)
	if err != nil {
		return err
	}
	if err := VerifyMessage(pubKey, sig, msg); err != nil {
		return err
	}
	p.Sig = sig
	return nil
}

// CheckSignature verifies the ping against the jnode key.
func (p *Ping) CheckSignature(pubKey []byte) error {
	if err := VerifyMessage(pubKey, p.Sig, p.message()); err != nil {
		str := fmt.Sprintf("bad ping signature for jnode %s: %v",
			OutPointShort(&p.Vin.PreviousOutPoint), err)
		return ruleError(ErrBadSignature, 33, str)
	}
	return nil
}

// SimpleCheck performs the checks that need nothing but the chain.
func (p *Ping) SimpleCheck(g ChainGuard, now int64) error {
	if p.SigTime > now+FutureSigLimit {
		str := fmt.Sprintf("ping for jnode %s signed too far into the "+
			"future", OutPointShort(&p.Vin.PreviousOutPoint))
		return ruleError(ErrFutureSigTime, 1, str)
	}
	if _, ok := g.BlockHeight(&p.BlockHash); !ok {
		str := fmt.Sprintf("ping for jnode %s anchored to unknown block %s",
			OutPointShort(&p.Vin.PreviousOutPoint), p.BlockHash)
		return ruleError(ErrUnknownBlock, 0, str)
	}
	return nil
}

// CheckAndUpdate validates p against the entry it pings and stores it as
// the entry's last ping.  fromBroadcast relaxes the state requirements for
// pings embedded in an announcement.
//
// A nil return means the ping was stored and the entry is enabled.  An
// ErrNotEnabled rule error means the ping was stored but should not be
// relayed.  Any other error means e is unchanged.
func (p *Ping) CheckAndUpdate(e *Entry, fromBroadcast bool, g ChainGuard, ctx *CheckContext) error {
	if err := p.SimpleCheck(g, ctx.Now); err != nil {
		return err
	}
	op := OutPointShort(&p.Vin.PreviousOutPoint)
	if e == nil {
		return ruleError(ErrUnknownJnode, 0, "no entry for pinged jnode "+op)
	}

	if !fromBroadcast {
		if e.IsUpdateRequired() {
			return ruleError(ErrUpdateRequired, 0,
				"protocol of jnode "+op+" is outdated")
		}
		if e.IsNewStartRequired() {
			return ruleError(ErrNewStartRequired, 0,
				"jnode "+op+" is expired, new start required")
		}
	}

	height, _ := g.BlockHeight(&p.BlockHash)
	if height < g.TipHeight()-PingMaxBlockAge {
		str := fmt.Sprintf("ping for jnode %s anchored to old block %d",
			op, height)
		return ruleError(ErrStaleBlock, 0, str)
	}

	if e.IsPingedWithin(MinPingSeconds-60, p.SigTime) {
		return ruleError(ErrPingTooEarly, 0, "ping for jnode "+op+
			" arrived too early")
	}

	if err := p.CheckSignature(e.PubKeyJnode); err != nil {
		return err
	}

	if !ctx.ListSynced && !e.IsPingedWithin(ExpirationSeconds/2, ctx.Now) &&
		ctx.Sync != nil {

		ctx.Sync.AddedJnodeList()
	}

	log.Debugf("Accepted ping for jnode %s, block %s, sigTime %d", op,
		p.BlockHash, p.SigTime)
	e.LastPing = *p

	e.Check(ctx, true)
	if !e.IsEnabled() {
		return ruleError(ErrNotEnabled, 0, "jnode "+op+" is "+
			e.ActiveState.String()+" after ping")
	}
	return nil
}

// IsExpired reports whether the ping is too old to keep.
func (p *Ping) IsExpired(now int64) bool {
	return now-p.SigTime > NewStartRequiredSeconds
}

func (p *Ping) encode(w io.Writer, pver uint32) error {
	if err := WriteTxIn(w, pver, &p.Vin); err != nil {
		return err
	}
	if err := writeElements(w, &p.BlockHash, p.SigTime); err != nil {
		return err
	}
	return wire.WriteVarBytes(w, pver, p.Sig)
}

func (p *Ping) decode(r io.Reader, pver uint32) error {
	if err := ReadTxIn(r, pver, &p.Vin); err != nil {
		return err
	}
	if err := readElements(r, &p.BlockHash, &p.SigTime); err != nil {
		return err
	}
	sig, err := readBytes(r, pver, maxSigSize, "ping signature")
	if err != nil {
		return err
	}
	p.Sig = sig
	return nil
}

// BtcDecode decodes r into the receiver.  This is part of the wire.Message
// interface implementation.
func (p *Ping) BtcDecode(r io.Reader, pver uint32, _ wire.MessageEncoding) error {
	return p.decode(r, pver)
}

// BtcEncode encodes the receiver to w.  This is part of the wire.Message
// interface implementation.
func (p *Ping) BtcEncode(w io.Writer, pver uint32, _ wire.MessageEncoding) error {
	return p.encode(w, pver)
}

// Command returns the protocol command string for the message.
func (p *Ping) Command() string { return CmdPing }

// MaxPayloadLength returns the maximum length the payload can be.
func (p *Ping) MaxPayloadLength(pver uint32) uint32 {
	return maxTxInSize + chainhash.HashSize + 8 + wire.MaxVarIntPayload + maxSigSize
}

// maxTxInSize bounds an encoded collateral input.
const maxTxInSize = 36 + wire.MaxVarIntPayload + maxScriptSize + 4
