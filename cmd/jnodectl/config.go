// Copyright (c) 2013-2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/jemcash/jnoded/internal/version"
	flags "github.com/jessevdk/go-flags"
)

const defaultStatusPort = "8190"

var (
	jnodedHomeDir     = btcutil.AppDataDir("jnoded", false)
	jnodectlHomeDir   = btcutil.AppDataDir("jnodectl", false)
	defaultConfigFile = filepath.Join(jnodectlHomeDir, "jnodectl.conf")
	defaultServer     = "127.0.0.1"
)

// config defines the configuration options for jnodectl.
//
// See loadConfig for details on the configuration load process.
type config struct {
	ShowVersion  bool   `short:"V" long:"version" description:"Display version information and exit"`
	ListCommands bool   `short:"l" long:"listcommands" description:"List all of the supported commands and exit"`
	ConfigFile   string `short:"C" long:"configfile" description:"Path to configuration file"`
	Server       string `short:"s" long:"statusserver" description:"Status API server to connect to"`
	Timeout      int    `long:"timeout" description:"Request timeout in seconds"`
}

// normalizeAddress returns addr with the passed default port appended if
// there is not already a port specified.
func normalizeAddress(addr, defaultPort string) string {
	_, _, err := net.SplitHostPort(addr)
	if err != nil {
		return net.JoinHostPort(addr, defaultPort)
	}
	return addr
}

// fileExists reports whether the named file or directory exists.
func fileExists(name string) bool {
	if _, err := os.Stat(name); err != nil {
		if os.IsNotExist(err) {
			return false
		}
	}
	return true
}

// loadConfig initializes and parses the config using a config file and command
// line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
func loadConfig() (*config, []string, error) {
	// Default config.
	cfg := config{
		ConfigFile: defaultConfigFile,
		Server:     defaultServer,
		Timeout:    30,
	}

	// Pre-parse the command line options to see if an alternative config
	// file, the version flag, or the list commands flag was specified.
	preCfg := cfg
	preParser := flags.NewParser(&preCfg, flags.HelpFlag)
	_, err := preParser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stdout, err)
			os.Exit(0)
		}
	}

	// Show the version and exit if the version flag was specified.
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	usageMessage := fmt.Sprintf("Use %s -h to show options", appName)
	if preCfg.ShowVersion {
		fmt.Println(appName, "version", version.String())
		os.Exit(0)
	}

	// Show the available commands and exit if the associated flag was
	// specified.
	if preCfg.ListCommands {
		listCommands()
		os.Exit(0)
	}

	if !fileExists(preCfg.ConfigFile) {
		err := createDefaultConfigFile(preCfg.ConfigFile,
			filepath.Join(jnodedHomeDir, "jnoded.conf"))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating a default config file: %v\n", err)
		}
	}

	// Load additional config from file.
	parser := flags.NewParser(&cfg, flags.Default)
	err = flags.NewIniParser(parser).ParseFile(preCfg.ConfigFile)
	if err != nil {
		if _, ok := err.(*os.PathError); !ok {
			fmt.Fprintf(os.Stderr, "Error parsing config file: %v\n",
				err)
			fmt.Fprintln(os.Stderr, usageMessage)
			return nil, nil, err
		}
	}

	// Parse command line options again to ensure they take precedence.
	remainingArgs, err := parser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); !ok || e.Type != flags.ErrHelp {
			fmt.Fprintln(os.Stderr, usageMessage)
		}
		return nil, nil, err
	}

	if cfg.Timeout <= 0 {
		str := "%s: the timeout must be positive"
		err := fmt.Errorf(str, "loadConfig")
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}

	cfg.Server = normalizeAddress(cfg.Server, defaultStatusPort)
	return &cfg, remainingArgs, nil
}

// createDefaultConfigFile creates a basic config file at the given
// destination path.  It copies the status API address out of the jnoded
// config file at jnodedConfigPath when that one sets it.
func createDefaultConfigFile(destinationPath, jnodedConfigPath string) error {
	// Nothing to do when there is no jnoded conf file to extract the
	// details from.
	if !fileExists(jnodedConfigPath) {
		return nil
	}
	content, err := os.ReadFile(jnodedConfigPath)
	if err != nil {
		return err
	}

	listenRegexp := regexp.MustCompile(`(?m)^\s*statuslisten=([^\s]+)`)
	submatches := listenRegexp.FindSubmatch(content)
	if submatches == nil {
		return nil
	}

	// Create the destination directory if it does not exists
	err = os.MkdirAll(filepath.Dir(destinationPath), 0700)
	if err != nil {
		return err
	}

	return os.WriteFile(destinationPath,
		[]byte(fmt.Sprintf("statusserver=%s\n", submatches[1])), 0600)
}
