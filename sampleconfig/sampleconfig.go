// Copyright (c) 2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package sampleconfig

// FileContents is a string containing the commented example config for
// jnoded.
const FileContents = `[Application Options]

; ------------------------------------------------------------------------------
; Data settings
; ------------------------------------------------------------------------------

; The directory to store the jnode list and payment vote caches.  Environment
; variables are expanded so they may be used.
; datadir=~/.jnoded/data

; Database backend for the caches {leveldb, pebble, badger}.
; dbtype=leveldb


; ------------------------------------------------------------------------------
; Network settings
; ------------------------------------------------------------------------------

; Use testnet.
; testnet=1

; Use the regression test network.
; regtest=1

; Connect via a SOCKS5 proxy.
; proxy=127.0.0.1:9050
; proxyuser=
; proxypass=

; Add persistent peers to connect to as desired.  One peer per line.
; addpeer=192.168.1.1
; addpeer=10.0.0.2:2810

; Add persistent peers that you ONLY want to connect to as desired.  One peer
; per line.  No other peers will be connected to when connect is set.
; connect=192.168.1.1

; Specify the interfaces to listen on.  One listen address per line.
; listen=0.0.0.0:2810

; Disable listening for incoming connections.
; nolisten=1

; Maximum number of inbound and outbound peers.  Connections made to talk to a
; single jnode are not counted.
; maxpeers=125

; How long to ban misbehaving peers and the score that triggers a ban.
; banduration=24h
; banthreshold=100

; Peers that are never banned.
; whitelist=127.0.0.1


; ------------------------------------------------------------------------------
; Full node RPC settings
; ------------------------------------------------------------------------------

; The jemcash full node the jnode daemon reads the chain and wallet from.
; rpcconnect=localhost:8888
; rpcuser=
; rpcpass=
; rpccert=~/.jemcash/rpc.cert
; norpctls=1


; ------------------------------------------------------------------------------
; Jnode settings
; ------------------------------------------------------------------------------

; Run as a jnode.  Needs a jnode key, either WIF encoded or a key file created
; with --genkey.
; jnode=1
; jnodeprivkey=
; jnodekeyfile=~/.jnoded/data/mainnet/jnode.key
; jnodepass=

; The address the jnode announces, and the collateral for local activation.
; jnodeaddr=203.0.113.7:2810
; jnodetx=
; jnodeoutput=

; Network sporks to treat as active.  10007 enforces jnode payments, 10009
; only pays jnodes running the current protocol.
; spork=10007


; ------------------------------------------------------------------------------
; Status API
; ------------------------------------------------------------------------------

; The interface/port the status API listens on.
; statuslisten=127.0.0.1:8190

; Disable the status API.
; nostatus=1


; ------------------------------------------------------------------------------
; Debug
; ------------------------------------------------------------------------------

; Debug logging level.
; Valid levels are {trace, debug, info, warn, error, critical}
; You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set
; log level for individual subsystems.  Use jnoded --debuglevel=show to list
; available subsystems.
; debuglevel=info

; The port used to listen for HTTP profile requests.  The profile server will
; be disabled if this option is not specified.  The profile information can be
; accessed at http://localhost:<profileport>/debug/pprof once running.
; profile=6061
`
