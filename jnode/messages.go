// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package jnode

import (
	"io"

	"github.com/btcsuite/btcd/wire"
)

// Commands of the jnode gossip messages.
const (
	CmdBroadcast   = "jnb"
	CmdPing        = "jnp"
	CmdListRequest = "dseg"
	CmdVerify      = "jnv"
	CmdSyncStatus  = "ssc"
)

// Inventory types of jnode objects.
const (
	InvTypePaymentVote  wire.InvType = 7
	InvTypePaymentBlock wire.InvType = 8
	InvTypeAnnounce     wire.InvType = 14
	InvTypePing         wire.InvType = 15
	InvTypeVerify       wire.InvType = 19
)

// Sync item identifiers carried by SyncStatusCount.
const (
	SyncItemList    int32 = 2
	SyncItemWinners int32 = 3
)

// ListRequest asks a peer for its jnode list, or for a single entry when
// Vin is set.
type ListRequest struct {
	Vin wire.TxIn
}

// NewListRequest returns a request for the whole list.
func NewListRequest() *ListRequest {
	return &ListRequest{Vin: wire.TxIn{Sequence: wire.MaxTxInSequenceNum}}
}

// IsFullList reports whether the request asks for every entry.
func (m *ListRequest) IsFullList() bool {
	return m.Vin.PreviousOutPoint == (wire.OutPoint{})
}

// BtcDecode decodes r into the receiver.  This is part of the wire.Message
// interface implementation.
func (m *ListRequest) BtcDecode(r io.Reader, pver uint32, _ wire.MessageEncoding) error {
	return ReadTxIn(r, pver, &m.Vin)
}

// BtcEncode encodes the receiver to w.  This is part of the wire.Message
// interface implementation.
func (m *ListRequest) BtcEncode(w io.Writer, pver uint32, _ wire.MessageEncoding) error {
	return WriteTxIn(w, pver, &m.Vin)
}

// Command returns the protocol command string for the message.
func (m *ListRequest) Command() string { return CmdListRequest }

// MaxPayloadLength returns the maximum length the payload can be.
func (m *ListRequest) MaxPayloadLength(pver uint32) uint32 {
	return maxTxInSize
}

// SyncStatusCount reports how many items of a sync asset a peer sent.
type SyncStatusCount struct {
	ItemID int32
	Count  int32
}

// BtcDecode decodes r into the receiver.
func (m *SyncStatusCount) BtcDecode(r io.Reader, pver uint32, _ wire.MessageEncoding) error {
	return readElements(r, &m.ItemID, &m.Count)
}

// BtcEncode encodes the receiver to w.
func (m *SyncStatusCount) BtcEncode(w io.Writer, pver uint32, _ wire.MessageEncoding) error {
	return writeElements(w, m.ItemID, m.Count)
}

// Command returns the protocol command string for the message.
func (m *SyncStatusCount) Command() string { return CmdSyncStatus }

// MaxPayloadLength returns the maximum length the payload can be.
func (m *SyncStatusCount) MaxPayloadLength(pver uint32) uint32 { return 8 }
