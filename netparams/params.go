// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package netparams defines the jemcash networks a jnode daemon can join.
package netparams

import (
	"net"
	"strconv"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
)

// Network magic values as they appear on the wire.
const (
	MainNet    wire.BitcoinNet = 0xe42bc123
	TestNet    wire.BitcoinNet = 0xc14b12d2
	RegTestNet wire.BitcoinNet = 0x12c2aecb
)

// Params houses the parameters that differ between the jemcash networks.
type Params struct {
	// Chain carries the address and key encoding identifiers.  Only the
	// fields relevant to address handling are meaningful.
	Chain *chaincfg.Params

	// Name is the network name used for the data directory.
	Name string

	// Net is the network magic.
	Net wire.BitcoinNet

	// DefaultPort is the default gossip port.
	DefaultPort string

	// RPCPort is the default JSON-RPC port of the jemcash full node.
	RPCPort string

	// JnodeMinConfirmations is the number of confirmations the collateral
	// output needs before a broadcast for it is accepted.
	JnodeMinConfirmations int32

	// JnodePaymentsStartBlock is the first height that pays jnodes.
	JnodePaymentsStartBlock int32

	// JnodeReward is the jnode share of every block reward.
	JnodeReward btcutil.Amount

	// PermissiveAddrs accepts any jnode address.  Only regtest sets it.
	PermissiveAddrs bool
}

// MainnetPort is the only port jnodes may announce on mainnet, and the one
// port they may not announce anywhere else.
const MainnetPort = 2810

func chainParams(net wire.BitcoinNet, name string, pubKeyHashID, scriptHashID, privKeyID byte) *chaincfg.Params {
	var p chaincfg.Params
	if net == MainNet {
		p = chaincfg.MainNetParams
	} else {
		p = chaincfg.TestNet3Params
	}
	p.Name = name
	p.Net = net
	p.PubKeyHashAddrID = pubKeyHashID
	p.ScriptHashAddrID = scriptHashID
	p.PrivateKeyID = privKeyID
	p.DNSSeeds = nil
	return &p
}

// MainNetParams are the parameters of the main jemcash network.
var MainNetParams = Params{
	Chain:                   chainParams(MainNet, "mainnet", 105, 5, 138),
	Name:                    "mainnet",
	Net:                     MainNet,
	DefaultPort:             "2810",
	RPCPort:                 "8888",
	JnodeMinConfirmations:   15,
	JnodePaymentsStartBlock: 8640 + 30,
	JnodeReward:             15 * btcutil.SatoshiPerBitcoin,
}

// TestNetParams are the parameters of the public jemcash test network.
var TestNetParams = Params{
	Chain:                   chainParams(TestNet, "testnet", 65, 178, 185),
	Name:                    "testnet",
	Net:                     TestNet,
	DefaultPort:             "2811",
	RPCPort:                 "18888",
	JnodeMinConfirmations:   15,
	JnodePaymentsStartBlock: 250,
	JnodeReward:             15 * btcutil.SatoshiPerBitcoin,
}

// RegressionNetParams are the parameters of the local regression test
// network.
var RegressionNetParams = Params{
	Chain:                   chainParams(RegTestNet, "regtest", 65, 178, 239),
	Name:                    "regtest",
	Net:                     RegTestNet,
	DefaultPort:             "2821",
	RPCPort:                 "28888",
	JnodeMinConfirmations:   1,
	JnodePaymentsStartBlock: 120,
	JnodeReward:             15 * btcutil.SatoshiPerBitcoin,
	PermissiveAddrs:         true,
}

// IsMainNet reports whether p describes the main network.
func (p *Params) IsMainNet() bool {
	return p.Net == MainNet
}

// IsRegTest reports whether p describes the regression test network.
func (p *Params) IsRegTest() bool {
	return p.Net == RegTestNet
}

// IsTestNet reports whether p describes the public test network.
func (p *Params) IsTestNet() bool {
	return p.Net == TestNet
}

// CheckPort applies the jnode port rule.  Mainnet requires MainnetPort and
// every other network refuses it.
func (p *Params) CheckPort(port uint16) bool {
	if p.IsMainNet() {
		return port == MainnetPort
	}
	return port != MainnetPort
}

// DefaultListen returns the default listen address for the network.
func (p *Params) DefaultListen() string {
	return net.JoinHostPort("", p.DefaultPort)
}

// PortNumber returns DefaultPort as a number.
func (p *Params) PortNumber() uint16 {
	port, _ := strconv.ParseUint(p.DefaultPort, 10, 16)
	return uint16(port)
}
