// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/jemcash/jnoded/chainrpc"
	"github.com/jemcash/jnoded/database"
	"github.com/jemcash/jnoded/internal/limits"
	"github.com/jemcash/jnoded/internal/log"
	"github.com/jemcash/jnoded/internal/version"
	"github.com/jemcash/jnoded/keyfile"
)

var cfg *config

// winServiceMain is only invoked on Windows.  It detects when jnoded is running
// as a service and reacts accordingly.
var winServiceMain func() (bool, error)

// generateKey writes a new passphrase protected jnode key and prints its
// public key.
func generateKey() error {
	key, err := keyfile.Generate()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(cfg.JnodeKeyFile), 0700); err != nil {
		return err
	}
	if err := keyfile.Write(cfg.JnodeKeyFile, key, []byte(cfg.JnodePass)); err != nil {
		return err
	}
	fmt.Printf("Wrote jnode key to %s\n", cfg.JnodeKeyFile)
	fmt.Printf("Public key: %s\n", hex.EncodeToString(key.PubKey().SerializeCompressed()))
	return nil
}

// loadJnodeKey returns the configured jnode key, or nil when none is set.
func loadJnodeKey() (*btcec.PrivateKey, error) {
	switch {
	case cfg.JnodePrivKey != "":
		wif, err := btcutil.DecodeWIF(cfg.JnodePrivKey)
		if err != nil {
			return nil, fmt.Errorf("invalid jnodeprivkey: %w", err)
		}
		return wif.PrivKey, nil

	case cfg.JnodeKeyFile != "":
		key, err := keyfile.Read(cfg.JnodeKeyFile, []byte(cfg.JnodePass))
		if err != nil {
			return nil, fmt.Errorf("can't read jnode key %s: %w",
				cfg.JnodeKeyFile, err)
		}
		return key, nil
	}
	if cfg.Jnode {
		return nil, errors.New("running as a jnode needs a jnode key")
	}
	return nil, nil
}

// dialChainRPC connects to the RPC server of the jemcash full node.
func dialChainRPC() (chainrpc.RPC, error) {
	var cert []byte
	if !cfg.NoRPCTLS && cfg.RPCCert != "" {
		var err error
		cert, err = os.ReadFile(cfg.RPCCert)
		if err != nil {
			return nil, err
		}
	}
	client, err := chainrpc.Dial(&chainrpc.Config{
		Host:        cfg.RPCConnect,
		User:        cfg.RPCUser,
		Pass:        cfg.RPCPass,
		Certificate: cert,
		DisableTLS:  cfg.NoRPCTLS,
	})
	if err != nil {
		return nil, err
	}
	return client, nil
}

// jnodedMain is the real main function for jnoded.  It is necessary to work
// around the fact that deferred functions do not run when os.Exit() is
// called.  The optional serverChan parameter is mainly used by the service
// code to be notified with the server once it is setup so it can gracefully
// stop it when requested from the service control manager.
func jnodedMain(serverChan chan<- *server) error {
	// Load configuration and parse command line.  This function also
	// initializes logging and configures it accordingly.
	tcfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	cfg = tcfg
	defer func() {
		if log.LogRotator != nil {
			log.LogRotator.Close()
		}
	}()

	if cfg.GenKey {
		if err := generateKey(); err != nil {
			log.JnddLog.Errorf("Unable to generate jnode key: %v", err)
			return err
		}
		return nil
	}

	// Get a channel that will be closed when a shutdown signal has been
	// triggered either from an OS signal such as SIGINT (Ctrl+C) or from
	// another subsystem such as the service control manager.
	interrupt := interruptListener()
	defer log.JnddLog.Info("Shutdown complete")

	// Show version at startup.
	log.JnddLog.Infof("Version %s", version.String())
	log.JnddLog.Infof("Network %s", activeNetParams.Name)

	// Enable http profiling server if requested.
	if cfg.Profile != "" {
		go func() {
			listenAddr := net.JoinHostPort("", cfg.Profile)
			log.JnddLog.Infof("Profile server listening on %s", listenAddr)
			profileRedirect := http.RedirectHandler("/debug/pprof",
				http.StatusSeeOther)
			http.Handle("/", profileRedirect)
			log.JnddLog.Errorf("%v", http.ListenAndServe(listenAddr, nil))
		}()
	}

	// Write cpu profile if requested.
	if cfg.CPUProfile != "" {
		f, err := os.Create(cfg.CPUProfile)
		if err != nil {
			log.JnddLog.Errorf("Unable to create cpu profile: %v", err)
			return err
		}
		pprof.StartCPUProfile(f)
		defer f.Close()
		defer pprof.StopCPUProfile()
	}

	key, err := loadJnodeKey()
	if err != nil {
		log.JnddLog.Errorf("%v", err)
		return err
	}

	// Return now if an interrupt signal was triggered.
	if interruptRequested(interrupt) {
		return nil
	}

	// Open the cache database.
	dbPath := filepath.Join(cfg.DataDir, "jnodes_"+cfg.DbType)
	store, err := database.Open(cfg.DbType, dbPath, activeNetParams.Net)
	if err != nil {
		log.JnddLog.Errorf("Unable to open the jnode database: %v", err)
		return err
	}
	defer func() {
		// Ensure the database is sync'd and closed on shutdown.
		log.JnddLog.Infof("Gracefully shutting down the database...")
		store.Close()
	}()

	rpc, err := dialChainRPC()
	if err != nil {
		log.JnddLog.Errorf("Unable to connect to the node RPC server "+
			"at %s: %v", cfg.RPCConnect, err)
		return err
	}

	// Create server and start it.
	server, err := newServer(activeNetParams, store, rpc, key)
	if err != nil {
		log.JnddLog.Errorf("Unable to start server on %v: %v",
			cfg.Listeners, err)
		return err
	}
	defer func() {
		log.JnddLog.Infof("Gracefully shutting down the server...")
		server.Stop()
		server.WaitForShutdown()
		log.SrvrLog.Infof("Server shutdown complete")
	}()
	server.Start()
	if serverChan != nil {
		serverChan <- server
	}

	// Wait until the interrupt signal is received from an OS signal or
	// shutdown is requested through one of the subsystems such as the
	// service control manager.
	<-interrupt
	return nil
}

func main() {
	// Up some limits.
	if err := limits.SetLimits(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to set limits: %v\n", err)
		os.Exit(1)
	}

	// Call serviceMain on Windows to handle running as a service.  When
	// the return isService flag is true, exit now since we ran as a
	// service.  Otherwise, just fall through to normal operation.
	if runtime.GOOS == "windows" {
		isService, err := winServiceMain()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}
		if isService {
			os.Exit(0)
		}
	}

	// Work around defer not working after os.Exit()
	if err := jnodedMain(nil); err != nil {
		os.Exit(1)
	}
}
