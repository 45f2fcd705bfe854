package jnode

import (
	"bytes"
	"io"
	"strconv"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Verification is a proof of service exchange.  A verifier sends a request
// with a nonce to an address, the jnode there answers with Sig1, and the
// verifier countersigns with Sig2 and broadcasts the result.
type Verification struct {
	// Vin1 is the verified jnode, Vin2 the verifier.  Both are empty in
	// requests.
	Vin1 wire.TxIn
	Vin2 wire.TxIn

	Addr        Service
	Nonce       int32
	BlockHeight int32
	Sig1        []byte
	Sig2        []byte
}

// NewVerificationRequest returns a request for addr at height.
func NewVerificationRequest(addr Service, nonce, height int32) *Verification {
	return &Verification{
		Vin1:        wire.TxIn{Sequence: wire.MaxTxInSequenceNum},
		Vin2:        wire.TxIn{Sequence: wire.MaxTxInSequenceNum},
		Addr:        addr,
		Nonce:       nonce,
		BlockHeight: height,
	}
}

// Hash returns the identifier of the verification.
func (v *Verification) Hash() chainhash.Hash {
	var buf bytes.Buffer
	_ = WriteTxIn(&buf, 0, &v.Vin1)
	_ = WriteTxIn(&buf, 0, &v.Vin2)
	_ = writeService(&buf, v.Addr)
	_ = writeElements(&buf, v.Nonce, v.BlockHeight)
	return chainhash.DoubleHashH(buf.Bytes())
}

// Sig1Message is the message the verified jnode signs.
func (v *Verification) Sig1Message(blockHash *chainhash.Hash) string {
	return v.Addr.String() + strconv.FormatInt(int64(v.Nonce), 10) +
		blockHash.String()
}

// Sig2Message is the message the verifier signs.
func (v *Verification) Sig2Message(blockHash *chainhash.Hash) string {
	return v.Sig1Message(blockHash) +
		OutPointShort(&v.Vin1.PreviousOutPoint) +
		OutPointShort(&v.Vin2.PreviousOutPoint)
}

// BtcDecode decodes r into the receiver.  This is part of the wire.Message
// interface implementation.
func (v *Verification) BtcDecode(r io.Reader, pver uint32, _ wire.MessageEncoding) error {
	if err := ReadTxIn(r, pver, &v.Vin1); err != nil {
		return err
	}
	if err := ReadTxIn(r, pver, &v.Vin2); err != nil {
		return err
	}
	if err := readService(r, &v.Addr); err != nil {
		return err
	}
	if err := readElements(r, &v.Nonce, &v.BlockHeight); err != nil {
		return err
	}
	var err error
	if v.Sig1, err = readBytes(r, pver, maxSigSize, "sig1"); err != nil {
		return err
	}
	v.Sig2, err = readBytes(r, pver, maxSigSize, "sig2")
	return err
}

// BtcEncode encodes the receiver to w.  This is part of the wire.Message
// interface implementation.
func (v *Verification) BtcEncode(w io.Writer, pver uint32, _ wire.MessageEncoding) error {
	if err := WriteTxIn(w, pver, &v.Vin1); err != nil {
		return err
	}
	if err := WriteTxIn(w, pver, &v.Vin2); err != nil {
		return err
	}
	if err := writeService(w, v.Addr); err != nil {
		return err
	}
	if err := writeElements(w, v.Nonce, v.BlockHeight); err != nil {
		return err
	}
	if err := wire.WriteVarBytes(w, pver, v.Sig1); err != nil {
		return err
	}
	return wire.WriteVarBytes(w, pver, v.Sig2)
}

// Command returns the protocol command string for the message.
func (v *Verification) Command() string { return CmdVerify }

// MaxPayloadLength returns the maximum length the payload can be.
func (v *Verification) MaxPayloadLength(pver uint32) uint32 {
	return 2*maxTxInSize + 18 + 8 + 2*(wire.MaxVarIntPayload+maxSigSize)
}
