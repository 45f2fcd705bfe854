// Copyright (c) 2013-2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package jnwire frames the messages a jnode daemon exchanges with jemcash
// peers.  Payload codecs come from btcd's wire package for the transport
// messages and from the jnode and payments packages for jnode gossip.
package jnwire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/jemcash/jnoded/jnode"
	"github.com/jemcash/jnoded/payments"
)

// MessageHeaderSize is the number of bytes in a message header: network
// magic 4 bytes, command 12 bytes, payload length 4 bytes and checksum 4
// bytes.
const MessageHeaderSize = 24

// CommandSize is the fixed size of the command field.  Shorter commands
// are NUL padded.
const CommandSize = 12

// MaxMessagePayload is the largest payload accepted for any message.
const MaxMessagePayload = 1024 * 1024 * 32

// ErrUnknownMessage is returned when the command is not one jnoded
// decodes.  The payload has been consumed, so the stream is still usable.
var ErrUnknownMessage = errors.New("received unknown message")

// MessageError describes a malformed message.
type MessageError struct {
	Func        string
	Description string
}

func (e *MessageError) Error() string {
	return fmt.Sprintf("%s: %s", e.Func, e.Description)
}

func messageError(f, desc string) *MessageError {
	return &MessageError{Func: f, Description: desc}
}

// makeEmptyMessage returns a message of the concrete type for command.
func makeEmptyMessage(command string) (wire.Message, error) {
	var msg wire.Message
	switch command {
	case wire.CmdVersion:
		msg = &wire.MsgVersion{}
	case wire.CmdVerAck:
		msg = &wire.MsgVerAck{}
	case wire.CmdGetAddr:
		msg = &wire.MsgGetAddr{}
	case wire.CmdAddr:
		msg = &wire.MsgAddr{}
	case wire.CmdInv:
		msg = &wire.MsgInv{}
	case wire.CmdGetData:
		msg = &wire.MsgGetData{}
	case wire.CmdNotFound:
		msg = &wire.MsgNotFound{}
	case wire.CmdPing:
		msg = &wire.MsgPing{}
	case wire.CmdPong:
		msg = &wire.MsgPong{}
	case wire.CmdReject:
		msg = &wire.MsgReject{}

	case jnode.CmdBroadcast:
		msg = &jnode.Broadcast{}
	case jnode.CmdPing:
		msg = &jnode.Ping{}
	case jnode.CmdListRequest:
		msg = &jnode.ListRequest{}
	case jnode.CmdVerify:
		msg = &jnode.Verification{}
	case jnode.CmdSyncStatus:
		msg = &jnode.SyncStatusCount{}
	case payments.CmdPaymentVote:
		msg = &payments.Vote{}
	case payments.CmdPaymentSync:
		msg = &payments.PaymentSync{}

	default:
		return nil, ErrUnknownMessage
	}
	return msg, nil
}

type messageHeader struct {
	magic    wire.BitcoinNet
	command  string
	length   uint32
	checksum [4]byte
}

func readMessageHeader(r io.Reader) (int, *messageHeader, error) {
	var b [MessageHeaderSize]byte
	n, err := io.ReadFull(r, b[:])
	if err != nil {
		return n, nil, err
	}
	hdr := &messageHeader{
		magic:   wire.BitcoinNet(binary.LittleEndian.Uint32(b[0:4])),
		command: string(bytes.TrimRight(b[4:4+CommandSize], "\x00")),
		length:  binary.LittleEndian.Uint32(b[16:20]),
	}
	copy(hdr.checksum[:], b[20:24])
	return n, hdr, nil
}

// discardInput reads n bytes from r in chunks so a forged length cannot
// force a large allocation.
func discardInput(r io.Reader, n uint32) {
	const maxSize = 10 * 1024
	buf := make([]byte, maxSize)
	for n > 0 {
		chunk := n
		if chunk > maxSize {
			chunk = maxSize
		}
		if _, err := io.ReadFull(r, buf[:chunk]); err != nil {
			return
		}
		n -= chunk
	}
}

// WriteMessageN writes msg with its header to w and returns the number of
// bytes written.
func WriteMessageN(w io.Writer, msg wire.Message, pver uint32, net wire.BitcoinNet) (int, error) {
	cmd := msg.Command()
	if len(cmd) > CommandSize {
		str := fmt.Sprintf("command [%s] is too long [max %v]", cmd, CommandSize)
		return 0, messageError("WriteMessage", str)
	}

	var bw bytes.Buffer
	if err := msg.BtcEncode(&bw, pver, wire.BaseEncoding); err != nil {
		return 0, err
	}
	payload := bw.Bytes()
	lenp := len(payload)
	if lenp > MaxMessagePayload {
		str := fmt.Sprintf("message payload is too large - encoded %d bytes, "+
			"but maximum message payload is %d bytes", lenp, MaxMessagePayload)
		return 0, messageError("WriteMessage", str)
	}
	if mpl := msg.MaxPayloadLength(pver); uint32(lenp) > mpl {
		str := fmt.Sprintf("message payload is too large - encoded %d bytes, "+
			"but maximum message payload size for messages of type [%s] is %d.",
			lenp, cmd, mpl)
		return 0, messageError("WriteMessage", str)
	}

	var hdr [MessageHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(net))
	copy(hdr[4:4+CommandSize], cmd)
	binary.LittleEndian.PutUint32(hdr[16:20], uint32(lenp))
	copy(hdr[20:24], chainhash.DoubleHashB(payload)[0:4])

	total, err := w.Write(hdr[:])
	if err != nil {
		return total, err
	}
	// verack and friends have no payload.
	if lenp > 0 {
		n, err := w.Write(payload)
		total += n
		return total, err
	}
	return total, nil
}

// WriteMessage is WriteMessageN without the byte count.
func WriteMessage(w io.Writer, msg wire.Message, pver uint32, net wire.BitcoinNet) error {
	_, err := WriteMessageN(w, msg, pver, net)
	return err
}

// ReadMessageN reads, validates and decodes the next message from r.  It
// returns the number of bytes read along with the message and its raw
// payload.  Messages of unknown commands are skipped with
// ErrUnknownMessage.
func ReadMessageN(r io.Reader, pver uint32, net wire.BitcoinNet) (int, wire.Message, []byte, error) {
	total, hdr, err := readMessageHeader(r)
	if err != nil {
		return total, nil, nil, err
	}

	if hdr.length > MaxMessagePayload {
		str := fmt.Sprintf("message payload is too large - header indicates "+
			"%d bytes, but max message payload is %d bytes.",
			hdr.length, MaxMessagePayload)
		return total, nil, nil, messageError("ReadMessage", str)
	}
	if hdr.magic != net {
		discardInput(r, hdr.length)
		str := fmt.Sprintf("message from other network [%v]", hdr.magic)
		return total, nil, nil, messageError("ReadMessage", str)
	}
	command := hdr.command
	if !utf8.ValidString(command) {
		discardInput(r, hdr.length)
		str := fmt.Sprintf("invalid command %v", []byte(command))
		return total, nil, nil, messageError("ReadMessage", str)
	}

	msg, err := makeEmptyMessage(command)
	if err != nil {
		discardInput(r, hdr.length)
		return total + int(hdr.length), nil, nil, fmt.Errorf("%w: %q", err, command)
	}
	if mpl := msg.MaxPayloadLength(pver); hdr.length > mpl {
		discardInput(r, hdr.length)
		str := fmt.Sprintf("payload exceeds max length - header indicates %v "+
			"bytes, but max payload size for messages of type [%v] is %v.",
			hdr.length, command, mpl)
		return total, nil, nil, messageError("ReadMessage", str)
	}

	payload := make([]byte, hdr.length)
	n, err := io.ReadFull(r, payload)
	total += n
	if err != nil {
		return total, nil, nil, err
	}
	checksum := chainhash.DoubleHashB(payload)[0:4]
	if !bytes.Equal(checksum, hdr.checksum[:]) {
		str := fmt.Sprintf("payload checksum failed - header indicates %v, "+
			"but actual checksum is %v.", hdr.checksum, checksum)
		return total, nil, nil, messageError("ReadMessage", str)
	}

	// MsgVersion requires a *bytes.Buffer.
	if err := msg.BtcDecode(bytes.NewBuffer(payload), pver, wire.BaseEncoding); err != nil {
		return total, nil, nil, err
	}
	return total, msg, payload, nil
}

// ReadMessage is ReadMessageN without the byte count.
func ReadMessage(r io.Reader, pver uint32, net wire.BitcoinNet) (wire.Message, []byte, error) {
	_, msg, buf, err := ReadMessageN(r, pver, net)
	return msg, buf, err
}

// IsRecoverable reports whether err leaves the stream positioned at the
// next message.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrUnknownMessage)
}
