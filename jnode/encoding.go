package jnode

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"math"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

const (
	// maxScriptSize bounds signature scripts and payee scripts read from
	// the wire.
	maxScriptSize = 10000

	// maxPubKeySize bounds serialized public keys.
	maxPubKeySize = 65

	// maxSigSize bounds message signatures.
	maxSigSize = 128
)

// NewVin returns the collateral input form of op used on the wire.
func NewVin(op wire.OutPoint) wire.TxIn {
	return wire.TxIn{
		PreviousOutPoint: op,
		Sequence:         wire.MaxTxInSequenceNum,
	}
}

// OutPointShort renders op as hash-index, the form used in signed messages.
func OutPointShort(op *wire.OutPoint) string {
	return fmt.Sprintf("%s-%d", op.Hash, op.Index)
}

// TxInString renders ti the way signed ping messages expect it.
func TxInString(ti *wire.TxIn) string {
	hash := ti.PreviousOutPoint.Hash.String()
	str := fmt.Sprintf("CTxIn(COutPoint(%s, %d)", hash[:10], ti.PreviousOutPoint.Index)
	script := hex.EncodeToString(ti.SignatureScript)
	if ti.PreviousOutPoint.Hash == (chainhash.Hash{}) && ti.PreviousOutPoint.Index == math.MaxUint32 {
		str += ", coinbase " + script
	} else {
		if len(script) > 24 {
			script = script[:24]
		}
		str += ", scriptSig=" + script
	}
	if ti.Sequence != wire.MaxTxInSequenceNum {
		str += fmt.Sprintf(", nSequence=%d", ti.Sequence)
	}
	return str + ")"
}

// WriteOutPoint encodes op as hash followed by the little endian index.
func WriteOutPoint(w io.Writer, op *wire.OutPoint) error {
	if _, err := w.Write(op.Hash[:]); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, op.Index)
}

// ReadOutPoint decodes an outpoint written by WriteOutPoint.
func ReadOutPoint(r io.Reader, op *wire.OutPoint) error {
	if _, err := io.ReadFull(r, op.Hash[:]); err != nil {
		return err
	}
	return binary.Read(r, binary.LittleEndian, &op.Index)
}

// WriteTxIn encodes ti in transaction input form.
func WriteTxIn(w io.Writer, pver uint32, ti *wire.TxIn) error {
	if err := WriteOutPoint(w, &ti.PreviousOutPoint); err != nil {
		return err
	}
	if err := wire.WriteVarBytes(w, pver, ti.SignatureScript); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, ti.Sequence)
}

// ReadTxIn decodes an input written by WriteTxIn.
func ReadTxIn(r io.Reader, pver uint32, ti *wire.TxIn) error {
	if err := ReadOutPoint(r, &ti.PreviousOutPoint); err != nil {
		return err
	}
	script, err := wire.ReadVarBytes(r, pver, maxScriptSize, "scriptSig")
	if err != nil {
		return err
	}
	if len(script) == 0 {
		script = nil
	}
	ti.SignatureScript = script
	return binary.Read(r, binary.LittleEndian, &ti.Sequence)
}

// writeElements writes fixed size integers and hashes in little endian.
func writeElements(w io.Writer, elements ...interface{}) error {
	for _, element := range elements {
		var err error
		switch e := element.(type) {
		case *chainhash.Hash:
			_, err = w.Write(e[:])
		case chainhash.Hash:
			_, err = w.Write(e[:])
		default:
			err = binary.Write(w, binary.LittleEndian, e)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// readElements is the inverse of writeElements.  Every element must be a
// pointer.
func readElements(r io.Reader, elements ...interface{}) error {
	for _, element := range elements {
		var err error
		switch e := element.(type) {
		case *chainhash.Hash:
			_, err = io.ReadFull(r, e[:])
		default:
			err = binary.Read(r, binary.LittleEndian, e)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// WriteElements exposes writeElements to sibling packages.
func WriteElements(w io.Writer, elements ...interface{}) error {
	return writeElements(w, elements...)
}

// ReadElements exposes readElements to sibling packages.
func ReadElements(r io.Reader, elements ...interface{}) error {
	return readElements(r, elements...)
}

func readBytes(r io.Reader, pver uint32, max uint32, field string) ([]byte, error) {
	b, err := wire.ReadVarBytes(r, pver, max, field)
	if err != nil {
		return nil, err
	}
	if len(b) == 0 {
		return nil, nil
	}
	return b, nil
}
