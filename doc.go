// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
jnoded is the jnode daemon of the jemcash network.  It gossips the jnode list,
jnode pings, proof of service verifications and jnode payment votes with other
jnoded instances, reads the chain and wallet of a jemcash full node over its
JSON-RPC interface, and optionally runs the local jnode.

The default options are sane for most users.  This means jnoded will work 'out
of the box' for most users once the full node RPC credentials are given.
However, there are also a wide variety of flags that can be used to control it.

The following section provides a usage overview which enumerates the flags.
An interesting point to note is that the long form of all of these options
(except -C) can be specified in a configuration file that is automatically
parsed when jnoded starts up.  By default, the configuration file is located
at ~/.jnoded/jnoded.conf on POSIX-style operating systems and
%LOCALAPPDATA%\jnoded\jnoded.conf on Windows.  The -C (--configfile) flag, as
shown below, can be used to override this location.

Usage:

	jnoded [OPTIONS]

Application Options:

	-V, --version             Display version information and exit
	-C, --configfile=         Path to configuration file
	-b, --datadir=            Directory to store data
	    --logdir=             Directory to log output.
	-d, --debuglevel=         Logging level for all subsystems {trace, debug,
	                          info, warn, error, critical} -- You may also
	                          specify <subsystem>=<level>,<subsystem2>=<level>,...
	                          to set the log level for individual subsystems --
	                          Use show to list available subsystems (info)
	-a, --addpeer=            Add a peer to connect with at startup
	    --connect=            Connect only to the specified peers at startup
	    --listen=             Add an interface/port to listen for connections
	                          (default all interfaces port: 2810, testnet: 2811)
	    --externalip=         Add an ip to the list of local addresses we claim
	                          to listen on to peers
	    --nolisten            Disable listening for incoming connections
	    --maxpeers=           Max number of inbound and outbound peers (125)
	    --banduration=        How long to ban misbehaving peers (24h0m0s)
	    --banthreshold=       Maximum allowed ban score before disconnecting
	                          and banning misbehaving peers. (100)
	    --whitelist=          Add an IP network or IP that will not be banned
	    --proxy=              Connect via SOCKS5 proxy (eg. 127.0.0.1:9050)
	    --proxyuser=          Username for proxy server
	    --proxypass=          Password for proxy server
	    --testnet             Use the test network
	    --regtest             Use the regression test network
	    --dbtype=             Database backend to use for the jnode caches
	                          {leveldb, pebble, badger} (leveldb)
	-c, --rpcconnect=         Hostname/IP and port of the jemcash node RPC
	                          server
	-u, --rpcuser=            Username for the jemcash node RPC server
	-P, --rpcpass=            Password for the jemcash node RPC server
	    --rpccert=            File containing the jemcash node RPC certificate
	    --norpctls            Disable TLS for the jemcash node RPC connection
	    --jnode               Run as a jnode
	    --jnodeprivkey=       WIF encoded jnode key
	    --jnodekeyfile=       Passphrase protected jnode key file
	    --jnodepass=          Passphrase of the jnode key file
	    --genkey              Write a new jnode key file, print its public key
	                          and exit
	    --jnodeaddr=          Address the jnode announces (ip:port)
	    --jnodetx=            Collateral transaction hash for local activation
	    --jnodeoutput=        Collateral output index for local activation
	    --spork=              Activate a network spork by id
	    --statuslisten=       Interface/port for the status API
	                          (127.0.0.1:8190)
	    --nostatus            Disable the status API
	    --profile=            Enable HTTP profiling on given port
	    --cpuprofile=         Write CPU profile to the specified file

Help Options:

	-h, --help           Show this help message
*/
package main
