package jnode

import (
	"bytes"
	"encoding/hex"
	"errors"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// MessageMagic prefixes every signed message.
const MessageMagic = "JemCash Signed Message:\n"

// ErrBadMessageSignature is returned when a message signature does not
// recover to the expected key.
var ErrBadMessageSignature = errors.New("message signature does not match key")

func messageHash(msg string) []byte {
	var buf bytes.Buffer
	wire.WriteVarString(&buf, 0, MessageMagic)
	wire.WriteVarString(&buf, 0, msg)
	return chainhash.DoubleHashB(buf.Bytes())
}

// SignMessage produces a compact recoverable signature of msg.
func SignMessage(key *btcec.PrivateKey, msg string) ([]byte, error) {
	return ecdsa.SignCompact(key, messageHash(msg), true), nil
}

// VerifyMessage checks that sig over msg was made by the key serialized in
// pubKey.
func VerifyMessage(pubKey []byte, sig []byte, msg string) error {
	recovered, _, err := ecdsa.RecoverCompact(sig, messageHash(msg))
	if err != nil {
		return err
	}
	expected, err := btcec.ParsePubKey(pubKey)
	if err != nil {
		return err
	}
	if !recovered.IsEqual(expected) {
		return ErrBadMessageSignature
	}
	return nil
}

// KeyIDString renders the hash160 of pubKey the way signed broadcast
// messages expect it, which is byte reversed hex.
func KeyIDString(pubKey []byte) string {
	h := btcutil.Hash160(pubKey)
	for i, j := 0, len(h)-1; i < j; i, j = i+1, j-1 {
		h[i], h[j] = h[j], h[i]
	}
	return hex.EncodeToString(h)
}

// PayToPubKeyHashScript returns the pay-to-pubkey-hash script for pubKey.
// It returns nil when pubKey is empty.
func PayToPubKeyHashScript(pubKey []byte) []byte {
	if len(pubKey) == 0 {
		return nil
	}
	script, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_DUP).
		AddOp(txscript.OP_HASH160).
		AddData(btcutil.Hash160(pubKey)).
		AddOp(txscript.OP_EQUALVERIFY).
		AddOp(txscript.OP_CHECKSIG).
		Script()
	if err != nil {
		return nil
	}
	return script
}

// ScriptAsm disassembles a script for signed vote messages.
func ScriptAsm(script []byte) string {
	asm, _ := txscript.DisasmString(script)
	return asm
}
