// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package payments

import (
	"bytes"
	"fmt"
	"io"
	"strconv"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/jemcash/jnoded/jnode"
)

// Commands of the payment gossip messages.
const (
	CmdPaymentVote = "jnw"
	CmdPaymentSync = "jnget"
)

const (
	// maxPayeeSize bounds payee scripts read from the wire.
	maxPayeeSize = 10000

	// maxSigSize bounds vote signatures.
	maxSigSize = 128

	maxTxInSize = 36 + wire.MaxVarIntPayload + maxPayeeSize + 4
)

// Vote is a jnode's vote for the payee of a block.
type Vote struct {
	Vin         wire.TxIn
	BlockHeight int32
	Payee       []byte
	Sig         []byte
}

// NewVote returns an unsigned vote by vin for payee at height.
func NewVote(vin wire.TxIn, height int32, payee []byte) *Vote {
	return &Vote{Vin: vin, BlockHeight: height, Payee: payee}
}

// Voter returns the collateral outpoint of the voting jnode.
func (v *Vote) Voter() wire.OutPoint {
	return v.Vin.PreviousOutPoint
}

// Hash identifies the vote by payee, height and voter.  The signature is
// not committed to.
func (v *Vote) Hash() chainhash.Hash {
	var buf bytes.Buffer
	_ = wire.WriteVarBytes(&buf, 0, v.Payee)
	_ = jnode.WriteElements(&buf, v.BlockHeight)
	_ = jnode.WriteOutPoint(&buf, &v.Vin.PreviousOutPoint)
	return chainhash.DoubleHashH(buf.Bytes())
}

func (v *Vote) message() string {
	return jnode.OutPointShort(&v.Vin.PreviousOutPoint) +
		strconv.FormatInt(int64(v.BlockHeight), 10) + jnode.ScriptAsm(v.Payee)
}

// Sign signs the vote with the jnode key and checks the result against
// pubKey.
func (v *Vote) Sign(key *btcec.PrivateKey, pubKey []byte) error {
	msg := v.message()
	sig, err := jnode.SignMessage(key, msg)
	if err != nil {
		return err
	}
	if err := jnode.VerifyMessage(pubKey, sig, msg); err != nil {
		return err
	}
	v.Sig = sig
	return nil
}

// CheckSignature verifies the vote against the voter's jnode key.  A bad
// signature only carries a ban score for votes on heights above
// validationHeight received once the list is synced, since older votes may
// have been signed with a key the voter no longer uses.
func (v *Vote) CheckSignature(pubKey []byte, validationHeight int32, listSynced bool) error {
	err := jnode.VerifyMessage(pubKey, v.Sig, v.message())
	if err == nil {
		return nil
	}
	var dos uint32
	if listSynced && v.BlockHeight > validationHeight {
		dos = 20
	}
	return jnode.NewRuleError(jnode.ErrBadSignature, dos,
		"bad payment vote signature from jnode %s: %v",
		jnode.OutPointShort(&v.Vin.PreviousOutPoint), err)
}

// IsVerified reports whether the vote carries a signature.  Votes are
// stored unsigned until they pass validation.
func (v *Vote) IsVerified() bool { return len(v.Sig) > 0 }

// MarkAsNotVerified drops the signature.
func (v *Vote) MarkAsNotVerified() { v.Sig = nil }

// IsValid checks that the voter is a known jnode that is allowed to vote
// for v.BlockHeight.  Votes for heights at or above validationHeight must
// meet minProto.  Nodes that are not jnodes skip the rank check for older
// votes.
func (v *Vote) IsValid(reg Registry, validationHeight, minProto int32, isJnode bool) error {
	op := v.Voter()
	info, ok := reg.JnodeInfo(op)
	if !ok {
		return jnode.NewRuleError(jnode.ErrUnknownJnode, 0,
			"unknown jnode %s", jnode.OutPointShort(&op))
	}

	minRequired := jnode.MinPaymentProto1
	if v.BlockHeight >= validationHeight {
		minRequired = minProto
	}
	if info.ProtocolVersion < minRequired {
		return jnode.NewRuleError(jnode.ErrOutdatedProtocol, 0,
			"jnode protocol is too old: version %d, required %d",
			info.ProtocolVersion, minRequired)
	}

	if !isJnode && v.BlockHeight < validationHeight {
		return nil
	}

	rank := reg.JnodeRank(op, v.BlockHeight-jnode.VoteAnchorDepth, minRequired, false)
	if rank == -1 {
		return jnode.NewRuleError(jnode.ErrRankTooLow, 0,
			"cannot calculate rank of jnode %s", jnode.OutPointShort(&op))
	}
	if rank > SignaturesTotal {
		// Only new votes far outside the window are punished, the
		// list may be way off for old ones.
		if rank > SignaturesTotal*2 && v.BlockHeight > validationHeight {
			return jnode.NewRuleError(jnode.ErrRankTooLow, 20,
				"jnode is not in the top %d (%d)", SignaturesTotal*2, rank)
		}
		return jnode.NewRuleError(jnode.ErrRankTooLow, 0,
			"jnode is not in the top %d (%d)", SignaturesTotal, rank)
	}
	return nil
}

// String returns a short description of the vote.
func (v *Vote) String() string {
	return fmt.Sprintf("%s, %d, %s, %d", jnode.OutPointShort(&v.Vin.PreviousOutPoint),
		v.BlockHeight, jnode.ScriptAsm(v.Payee), len(v.Sig))
}

func (v *Vote) encode(w io.Writer, pver uint32) error {
	if err := jnode.WriteTxIn(w, pver, &v.Vin); err != nil {
		return err
	}
	if err := jnode.WriteElements(w, v.BlockHeight); err != nil {
		return err
	}
	if err := wire.WriteVarBytes(w, pver, v.Payee); err != nil {
		return err
	}
	return wire.WriteVarBytes(w, pver, v.Sig)
}

func (v *Vote) decode(r io.Reader, pver uint32) error {
	if err := jnode.ReadTxIn(r, pver, &v.Vin); err != nil {
		return err
	}
	if err := jnode.ReadElements(r, &v.BlockHeight); err != nil {
		return err
	}
	payee, err := wire.ReadVarBytes(r, pver, maxPayeeSize, "payee")
	if err != nil {
		return err
	}
	v.Payee = payee
	sig, err := wire.ReadVarBytes(r, pver, maxSigSize, "vote signature")
	if err != nil {
		return err
	}
	if len(sig) == 0 {
		sig = nil
	}
	v.Sig = sig
	return nil
}

// BtcDecode decodes r into the receiver.  This is part of the wire.Message
// interface implementation.
func (v *Vote) BtcDecode(r io.Reader, pver uint32, _ wire.MessageEncoding) error {
	return v.decode(r, pver)
}

// BtcEncode encodes the receiver to w.  This is part of the wire.Message
// interface implementation.
func (v *Vote) BtcEncode(w io.Writer, pver uint32, _ wire.MessageEncoding) error {
	return v.encode(w, pver)
}

// Command returns the protocol command string for the message.
func (v *Vote) Command() string { return CmdPaymentVote }

// MaxPayloadLength returns the maximum length the payload can be.
func (v *Vote) MaxPayloadLength(pver uint32) uint32 {
	return maxTxInSize + 4 + wire.MaxVarIntPayload + maxPayeeSize +
		wire.MaxVarIntPayload + maxSigSize
}

// PaymentSync asks a peer for its votes on upcoming blocks.  Count is a
// hint that peers ignore.
type PaymentSync struct {
	Count int32
}

// BtcDecode decodes r into the receiver.
func (m *PaymentSync) BtcDecode(r io.Reader, pver uint32, _ wire.MessageEncoding) error {
	return jnode.ReadElements(r, &m.Count)
}

// BtcEncode encodes the receiver to w.
func (m *PaymentSync) BtcEncode(w io.Writer, pver uint32, _ wire.MessageEncoding) error {
	return jnode.WriteElements(w, m.Count)
}

// Command returns the protocol command string for the message.
func (m *PaymentSync) Command() string { return CmdPaymentSync }

// MaxPayloadLength returns the maximum length the payload can be.
func (m *PaymentSync) MaxPayloadLength(pver uint32) uint32 { return 4 }
