// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (c) 2017 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package log owns the logging backend of jnoded and the logger of every
// subsystem.
package log

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/btcsuite/btcd/addrmgr"
	"github.com/btcsuite/btcd/connmgr"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btclog"
	"github.com/jemcash/jnoded/activejnode"
	"github.com/jemcash/jnoded/chainrpc"
	"github.com/jemcash/jnoded/database"
	"github.com/jemcash/jnoded/database/engine/badgerdb"
	"github.com/jemcash/jnoded/jnode"
	"github.com/jemcash/jnoded/jnodeman"
	"github.com/jemcash/jnoded/jnodesync"
	"github.com/jemcash/jnoded/payments"
	"github.com/jrick/logrotate/rotator"
)

// logWriter implements an io.Writer that outputs to both standard output and
// the write-end pipe of an initialized log rotator.
type logWriter struct{}

func (logWriter) Write(p []byte) (n int, err error) {
	os.Stdout.Write(p)
	if LogRotator != nil {
		LogRotator.Write(p)
	}
	return len(p), nil
}

// Loggers per subsystem.  A single backend logger is created and all subsystem
// loggers created from it will write to the backend.  When adding new
// subsystems, add the subsystem logger variable here and to the
// SubsystemLoggers map.
var (
	backendLog = btclog.NewBackend(logWriter{})

	// LogRotator is one of the logging outputs.  It should be closed on
	// application shutdown.
	LogRotator *rotator.Rotator

	AjndLog = backendLog.Logger("AJND")
	amgrLog = backendLog.Logger("AMGR")
	chrpLog = backendLog.Logger("CHRP")
	cmgrLog = backendLog.Logger("CMGR")
	HttpLog = backendLog.Logger("HTTP")
	JnddLog = backendLog.Logger("JNDD")
	jndbLog = backendLog.Logger("JNDB")
	jnmnLog = backendLog.Logger("JNMN")
	jnodLog = backendLog.Logger("JNOD")
	jnpyLog = backendLog.Logger("JNPY")
	jnsyLog = backendLog.Logger("JNSY")
	PeerLog = backendLog.Logger("PEER")
	SrvrLog = backendLog.Logger("SRVR")
)

func init() {
	activejnode.UseLogger(AjndLog)
	addrmgr.UseLogger(amgrLog)
	chainrpc.UseLogger(chrpLog)
	rpcclient.UseLogger(chrpLog)
	connmgr.UseLogger(cmgrLog)
	database.UseLogger(jndbLog)
	badgerdb.UseLogger(jndbLog)
	jnodeman.UseLogger(jnmnLog)
	jnode.UseLogger(jnodLog)
	payments.UseLogger(jnpyLog)
	jnodesync.UseLogger(jnsyLog)
}

// SubsystemLoggers maps each subsystem identifier to its associated logger.
var SubsystemLoggers = map[string]btclog.Logger{
	"AJND": AjndLog,
	"AMGR": amgrLog,
	"CHRP": chrpLog,
	"CMGR": cmgrLog,
	"HTTP": HttpLog,
	"JNDD": JnddLog,
	"JNDB": jndbLog,
	"JNMN": jnmnLog,
	"JNOD": jnodLog,
	"JNPY": jnpyLog,
	"JNSY": jnsyLog,
	"PEER": PeerLog,
	"SRVR": SrvrLog,
}

// InitLogRotator initializes the logging rotater to write logs to logFile and
// create roll files in the same directory.  It must be called before the
// package-global log rotater variables are used.
func InitLogRotator(logFile string) {
	logDir, _ := filepath.Split(logFile)
	err := os.MkdirAll(logDir, 0700)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create log directory: %v\n", err)
		os.Exit(1)
	}
	r, err := rotator.New(logFile, 10*1024, false, 3)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create file rotator: %v\n", err)
		os.Exit(1)
	}

	LogRotator = r
}

// SetLogLevel sets the logging level for provided subsystem.  Invalid
// subsystems are ignored.
func SetLogLevel(subsystemID string, logLevel string) {
	logger, ok := SubsystemLoggers[subsystemID]
	if !ok {
		return
	}

	// Defaults to info if the log level is invalid.
	level, _ := btclog.LevelFromString(logLevel)
	logger.SetLevel(level)
}

// SetLogLevels sets the log level for all subsystem loggers to the passed
// level.
func SetLogLevels(logLevel string) {
	for subsystemID := range SubsystemLoggers {
		SetLogLevel(subsystemID, logLevel)
	}
}

// SupportedSubsystems returns a sorted slice of the supported subsystems for
// logging purposes.
func SupportedSubsystems() []string {
	subsystems := make([]string, 0, len(SubsystemLoggers))
	for subsysID := range SubsystemLoggers {
		subsystems = append(subsystems, subsysID)
	}
	sort.Strings(subsystems)
	return subsystems
}

// DirectionString is a helper function that returns a string that represents
// the direction of a connection (inbound or outbound).
func DirectionString(inbound bool) string {
	if inbound {
		return "inbound"
	}
	return "outbound"
}

// PickNoun returns the singular or plural form of a noun depending
// on the count n.
func PickNoun(n uint64, singular, plural string) string {
	if n == 1 {
		return singular
	}
	return plural
}
