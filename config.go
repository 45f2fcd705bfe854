// Copyright (c) 2013-2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/go-socks/socks"
	"github.com/jemcash/jnoded/database"
	"github.com/jemcash/jnoded/internal/log"
	"github.com/jemcash/jnoded/internal/version"
	"github.com/jemcash/jnoded/jnode"
	"github.com/jemcash/jnoded/netparams"
	"github.com/jemcash/jnoded/sampleconfig"
	flags "github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename = "jnoded.conf"
	defaultDataDirname    = "data"
	defaultLogLevel       = "info"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "jnoded.log"
	defaultKeyFilename    = "jnode.key"
	defaultMaxPeers       = 125
	defaultBanDuration    = time.Hour * 24
	defaultBanThreshold   = 100
	defaultDbType         = database.DriverLevelDB
	defaultRPCHost        = "localhost"
	defaultConnectTimeout = time.Second * 30
	defaultStatusListen   = "127.0.0.1:8190"
)

var (
	defaultHomeDir    = btcutil.AppDataDir("jnoded", false)
	defaultConfigFile = filepath.Join(defaultHomeDir, defaultConfigFilename)
	defaultDataDir    = filepath.Join(defaultHomeDir, defaultDataDirname)
	defaultLogDir     = filepath.Join(defaultHomeDir, defaultLogDirname)
)

// activeNetParams is a pointer to the parameters specific to the currently
// active jemcash network.
var activeNetParams = &netparams.MainNetParams

// config defines the configuration options for jnoded.
//
// See loadConfig for details on the configuration load process.
type config struct {
	ShowVersion  bool          `short:"V" long:"version" description:"Display version information and exit"`
	ConfigFile   string        `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir      string        `short:"b" long:"datadir" description:"Directory to store data"`
	LogDir       string        `long:"logdir" description:"Directory to log output."`
	DebugLevel   string        `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`
	AddPeers     []string      `short:"a" long:"addpeer" description:"Add a peer to connect with at startup"`
	ConnectPeers []string      `long:"connect" description:"Connect only to the specified peers at startup"`
	Listeners    []string      `long:"listen" description:"Add an interface/port to listen for connections (default all interfaces port: 2810, testnet: 2811)"`
	ExternalIPs  []string      `long:"externalip" description:"Add an ip to the list of local addresses we claim to listen on to peers"`
	NoListen     bool          `long:"nolisten" description:"Disable listening for incoming connections"`
	MaxPeers     int           `long:"maxpeers" description:"Max number of inbound and outbound peers"`
	BanDuration  time.Duration `long:"banduration" description:"How long to ban misbehaving peers.  Valid time units are {s, m, h}.  Minimum 1 second"`
	BanThreshold uint32        `long:"banthreshold" description:"Maximum allowed ban score before disconnecting and banning misbehaving peers."`
	Whitelists   []string      `long:"whitelist" description:"Add an IP network or IP that will not be banned. (eg. 192.168.1.0/24 or ::1)"`
	Proxy        string        `long:"proxy" description:"Connect via SOCKS5 proxy (eg. 127.0.0.1:9050)"`
	ProxyUser    string        `long:"proxyuser" description:"Username for proxy server"`
	ProxyPass    string        `long:"proxypass" default-mask:"-" description:"Password for proxy server"`
	TestNet      bool          `long:"testnet" description:"Use the test network"`
	RegTest      bool          `long:"regtest" description:"Use the regression test network"`
	DbType       string        `long:"dbtype" description:"Database backend to use for the jnode caches"`
	RPCConnect   string        `short:"c" long:"rpcconnect" description:"Hostname/IP and port of the jemcash node RPC server"`
	RPCUser      string        `short:"u" long:"rpcuser" description:"Username for the jemcash node RPC server"`
	RPCPass      string        `short:"P" long:"rpcpass" default-mask:"-" description:"Password for the jemcash node RPC server"`
	RPCCert      string        `long:"rpccert" description:"File containing the jemcash node RPC certificate"`
	NoRPCTLS     bool          `long:"norpctls" description:"Disable TLS for the jemcash node RPC connection"`
	Jnode        bool          `long:"jnode" description:"Run as a jnode"`
	JnodePrivKey string        `long:"jnodeprivkey" default-mask:"-" description:"WIF encoded jnode key"`
	JnodeKeyFile string        `long:"jnodekeyfile" description:"Passphrase protected jnode key file"`
	JnodePass    string        `long:"jnodepass" default-mask:"-" description:"Passphrase of the jnode key file"`
	GenKey       bool          `long:"genkey" description:"Write a new jnode key file, print its public key and exit"`
	JnodeAddr    string        `long:"jnodeaddr" description:"Address the jnode announces (ip:port)"`
	JnodeTx      string        `long:"jnodetx" description:"Collateral transaction hash for local activation"`
	JnodeOutput  string        `long:"jnodeoutput" description:"Collateral output index for local activation"`
	Sporks       []string      `long:"spork" description:"Activate a network spork by id (10007 payment enforcement, 10009 pay updated nodes)"`
	StatusListen string        `long:"statuslisten" description:"Interface/port for the status API"`
	NoStatus     bool          `long:"nostatus" description:"Disable the status API"`
	Profile      string        `long:"profile" description:"Enable HTTP profiling on given port -- NOTE port must be between 1024 and 65536"`
	CPUProfile   string        `long:"cpuprofile" description:"Write CPU profile to the specified file"`

	dial       func(string, string, time.Duration) (net.Conn, error)
	whitelists []*net.IPNet
	sporks     map[jnode.SporkID]bool
}

// createDefaultConfigFile writes the sample config file to destinationPath.
func createDefaultConfigFile(destinationPath string) error {
	if err := os.MkdirAll(filepath.Dir(destinationPath), 0700); err != nil {
		return err
	}
	return os.WriteFile(destinationPath, []byte(sampleconfig.FileContents), 0600)
}

// serviceOptions defines the configuration options for the daemon as a service
// on Windows.
type serviceOptions struct {
	ServiceCommand string `short:"s" long:"service" description:"Service command {install, remove, start, stop}"`
}

// runServiceCommand is only set to a real function on Windows.  It is used
// to parse and execute service commands specified via the -s flag.
var runServiceCommand func(string) error

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		homeDir := filepath.Dir(defaultHomeDir)
		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but they variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}

// validLogLevel returns whether or not logLevel is a valid debug log level.
func validLogLevel(logLevel string) bool {
	switch logLevel {
	case "trace", "debug", "info", "warn", "error", "critical":
		return true
	}
	return false
}

// parseAndSetDebugLevels attempts to parse the specified debug level and set
// the levels accordingly.  An appropriate error is returned if anything is
// invalid.
func parseAndSetDebugLevels(debugLevel string) error {
	// When the specified string doesn't have any delimiters, treat it as
	// the log level for all subsystems.
	if !strings.Contains(debugLevel, ",") && !strings.Contains(debugLevel, "=") {
		if !validLogLevel(debugLevel) {
			str := "The specified debug level [%v] is invalid"
			return fmt.Errorf(str, debugLevel)
		}

		log.SetLogLevels(debugLevel)
		return nil
	}

	// Split the specified string into subsystem/level pairs while detecting
	// issues and update the log levels accordingly.
	for _, logLevelPair := range strings.Split(debugLevel, ",") {
		if !strings.Contains(logLevelPair, "=") {
			str := "The specified debug level contains an invalid " +
				"subsystem/level pair [%v]"
			return fmt.Errorf(str, logLevelPair)
		}

		fields := strings.Split(logLevelPair, "=")
		subsysID, logLevel := fields[0], fields[1]

		if _, exists := log.SubsystemLoggers[subsysID]; !exists {
			str := "The specified subsystem [%v] is invalid -- " +
				"supported subsystems %v"
			return fmt.Errorf(str, subsysID, log.SupportedSubsystems())
		}

		if !validLogLevel(logLevel) {
			str := "The specified debug level [%v] is invalid"
			return fmt.Errorf(str, logLevel)
		}

		log.SetLogLevel(subsysID, logLevel)
	}

	return nil
}

// validDbType returns whether or not dbType is a supported database type.
func validDbType(dbType string) bool {
	for _, knownType := range database.Drivers {
		if dbType == knownType {
			return true
		}
	}
	return false
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

// normalizeAddresses returns a new slice with all the passed peer addresses
// normalized with the given default port, and all duplicates removed.
func normalizeAddresses(addrs []string, defaultPort string) []string {
	result := make([]string, 0, len(addrs))
	seen := map[string]struct{}{}
	for _, addr := range addrs {
		addr = normalizeAddress(addr, defaultPort)
		if _, ok := seen[addr]; !ok {
			result = append(result, addr)
			seen[addr] = struct{}{}
		}
	}
	return result
}

// parseWhitelists turns the --whitelist values into networks.  Bare IPs
// become single host networks.
func parseWhitelists(addrs []string) ([]*net.IPNet, error) {
	nets := make([]*net.IPNet, 0, len(addrs))
	for _, addr := range addrs {
		_, ipnet, err := net.ParseCIDR(addr)
		if err != nil {
			ip := net.ParseIP(addr)
			if ip == nil {
				return nil, fmt.Errorf("the whitelist value of '%s' is invalid", addr)
			}
			var bits int
			if ip.To4() == nil {
				bits = 128
			} else {
				bits = 32
			}
			ipnet = &net.IPNet{
				IP:   ip,
				Mask: net.CIDRMask(bits, bits),
			}
		}
		nets = append(nets, ipnet)
	}
	return nets, nil
}

// parseSporks turns the --spork values into the set of active sporks.
func parseSporks(ids []string) (map[jnode.SporkID]bool, error) {
	sporks := make(map[jnode.SporkID]bool, len(ids))
	for _, id := range ids {
		n, err := strconv.ParseInt(id, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("the spork id '%s' is invalid", id)
		}
		switch jnode.SporkID(n) {
		case jnode.SporkPaymentEnforcement, jnode.SporkPayUpdatedNodes:
		default:
			return nil, fmt.Errorf("unknown spork %d", n)
		}
		sporks[jnode.SporkID(n)] = true
	}
	return sporks, nil
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

// newConfigParser returns a new command line flags parser.
func newConfigParser(cfg *config, so *serviceOptions, options flags.Options) *flags.Parser {
	parser := flags.NewParser(cfg, options)
	if runtime.GOOS == "windows" {
		parser.AddGroup("Service Options", "Service Options", so)
	}
	return parser
}

// loadConfig initializes and parses the config using a config file and command
// line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
//
// The above results in jnoded functioning properly without any config settings
// while still allowing the user to override settings with config files and
// command line options.  Command line options always take precedence.
func loadConfig() (*config, []string, error) {
	// Default config.
	cfg := config{
		ConfigFile:   defaultConfigFile,
		DebugLevel:   defaultLogLevel,
		MaxPeers:     defaultMaxPeers,
		BanDuration:  defaultBanDuration,
		BanThreshold: defaultBanThreshold,
		DataDir:      defaultDataDir,
		LogDir:       defaultLogDir,
		DbType:       defaultDbType,
		RPCConnect:   defaultRPCHost,
		StatusListen: defaultStatusListen,
	}

	// Pre-parse the command line options to see if an alternative config
	// file or the version flag was specified.  Any errors aside from the
	// help message error can be ignored here since they will be caught by
	// the final parse below.
	preCfg := cfg
	var serviceOpts serviceOptions
	preParser := newConfigParser(&preCfg, &serviceOpts, flags.HelpFlag)
	_, err := preParser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stderr, err)
			return nil, nil, err
		}
	}

	// Show the version and exit if the version flag was specified.
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	usageMessage := fmt.Sprintf("Use %s -h to show usage", appName)
	if preCfg.ShowVersion {
		fmt.Println(appName, "version", version.String())
		os.Exit(0)
	}

	// Perform service command and exit if specified.  Invalid service
	// commands show an appropriate error.  Only runs on Windows since
	// the runServiceCommand function will be nil when not on Windows.
	if serviceOpts.ServiceCommand != "" && runServiceCommand != nil {
		err := runServiceCommand(serviceOpts.ServiceCommand)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(0)
	}

	// Create the home directory and a commented sample config file if the
	// default config file does not exist yet.
	if preCfg.ConfigFile == defaultConfigFile && !fileExists(preCfg.ConfigFile) {
		if err := createDefaultConfigFile(preCfg.ConfigFile); err != nil {
			fmt.Fprintf(os.Stderr, "Error creating a default config file: %v\n", err)
		}
	}

	// Load additional config from file.
	var configFileError error
	parser := newConfigParser(&cfg, &serviceOpts, flags.Default)
	if err := flags.NewIniParser(parser).ParseFile(preCfg.ConfigFile); err != nil {
		if _, ok := err.(*os.PathError); !ok {
			fmt.Fprintf(os.Stderr, "Error parsing config file: %v\n", err)
			fmt.Fprintln(os.Stderr, usageMessage)
			return nil, nil, err
		}
		configFileError = err
	}

	// Parse command line options again to ensure they take precedence.
	remainingArgs, err := parser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); !ok || e.Type != flags.ErrHelp {
			fmt.Fprintln(os.Stderr, usageMessage)
		}
		return nil, nil, err
	}

	// Multiple networks can't be selected simultaneously.
	funcName := "loadConfig"
	numNets := 0
	if cfg.TestNet {
		numNets++
		activeNetParams = &netparams.TestNetParams
	}
	if cfg.RegTest {
		numNets++
		activeNetParams = &netparams.RegressionNetParams
	}
	if numNets > 1 {
		str := "%s: The testnet and regtest params can't be used " +
			"together -- choose one of the two"
		err := fmt.Errorf(str, funcName)
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usageMessage)
		return nil, nil, err
	}

	// Append the network type to the data directory so it is "namespaced"
	// per network.  In addition to the jnode caches, there are other
	// pieces of data that are saved to disk such as address manager state.
	// All data is specific to a network, so namespacing the data directory
	// means each individual piece of serialized data does not have to
	// worry about changing names per network and such.
	cfg.DataDir = cleanAndExpandPath(cfg.DataDir)
	cfg.DataDir = filepath.Join(cfg.DataDir, activeNetParams.Name)

	// Append the network type to the logger directory so it is "namespaced"
	// per network in the same fashion as the data directory.
	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)
	cfg.LogDir = filepath.Join(cfg.LogDir, activeNetParams.Name)

	// Special show command to list supported subsystems and exit.
	if cfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems", log.SupportedSubsystems())
		os.Exit(0)
	}

	// Initialize log rotation.  After log rotation has been initialized, the
	// logger variables may be used.
	log.InitLogRotator(filepath.Join(cfg.LogDir, defaultLogFilename))

	// Parse, validate, and set debug log level(s).
	if err := parseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		err := fmt.Errorf("%s: %v", funcName, err.Error())
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usageMessage)
		return nil, nil, err
	}

	// Validate database type.
	if !validDbType(cfg.DbType) {
		str := "%s: The specified database type [%v] is invalid -- " +
			"supported types %v"
		err := fmt.Errorf(str, funcName, cfg.DbType, database.Drivers)
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usageMessage)
		return nil, nil, err
	}

	// Validate profile port number
	if cfg.Profile != "" {
		profilePort, err := strconv.Atoi(cfg.Profile)
		if err != nil || profilePort < 1024 || profilePort > 65535 {
			str := "%s: The profile port must be between 1024 and 65535"
			err := fmt.Errorf(str, funcName)
			fmt.Fprintln(os.Stderr, err)
			fmt.Fprintln(os.Stderr, usageMessage)
			return nil, nil, err
		}
	}

	// Don't allow ban durations that are too short.
	if cfg.BanDuration < time.Second {
		str := "%s: The banduration option may not be less than 1s -- parsed [%v]"
		err := fmt.Errorf(str, funcName, cfg.BanDuration)
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usageMessage)
		return nil, nil, err
	}

	// Validate any given whitelisted IP addresses and networks.
	cfg.whitelists, err = parseWhitelists(cfg.Whitelists)
	if err != nil {
		err := fmt.Errorf("%s: %v", funcName, err)
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usageMessage)
		return nil, nil, err
	}

	cfg.sporks, err = parseSporks(cfg.Sporks)
	if err != nil {
		err := fmt.Errorf("%s: %v", funcName, err)
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usageMessage)
		return nil, nil, err
	}

	// --addPeer and --connect do not mix.
	if len(cfg.AddPeers) > 0 && len(cfg.ConnectPeers) > 0 {
		str := "%s: the --addpeer and --connect options can not be " +
			"mixed"
		err := fmt.Errorf(str, funcName)
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usageMessage)
		return nil, nil, err
	}

	// Connect means no listening.
	if len(cfg.ConnectPeers) > 0 {
		cfg.NoListen = true
	}

	// Add the default listener if none were specified. The default
	// listener is all addresses on the listen port for the network
	// we are to connect to.
	if len(cfg.Listeners) == 0 {
		cfg.Listeners = []string{activeNetParams.DefaultListen()}
	}

	// A jnode key comes either inline or from a key file.
	if cfg.JnodePrivKey != "" && cfg.JnodeKeyFile != "" {
		str := "%s: the --jnodeprivkey and --jnodekeyfile options " +
			"can not be mixed"
		err := fmt.Errorf(str, funcName)
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usageMessage)
		return nil, nil, err
	}
	if cfg.JnodeKeyFile == "" && cfg.JnodePrivKey == "" && (cfg.Jnode || cfg.GenKey) {
		cfg.JnodeKeyFile = filepath.Join(cfg.DataDir, defaultKeyFilename)
	}
	if cfg.JnodeKeyFile != "" {
		cfg.JnodeKeyFile = cleanAndExpandPath(cfg.JnodeKeyFile)
		if cfg.JnodePass == "" {
			str := "%s: the jnode key file requires --jnodepass"
			err := fmt.Errorf(str, funcName)
			fmt.Fprintln(os.Stderr, err)
			fmt.Fprintln(os.Stderr, usageMessage)
			return nil, nil, err
		}
	}

	// The jnode address must be a literal ip and port.
	if cfg.JnodeAddr != "" {
		if _, err := jnode.ParseService(cfg.JnodeAddr); err != nil {
			str := "%s: the jnodeaddr option is invalid: %v"
			err := fmt.Errorf(str, funcName, err)
			fmt.Fprintln(os.Stderr, err)
			fmt.Fprintln(os.Stderr, usageMessage)
			return nil, nil, err
		}
	}
	if cfg.Jnode && cfg.NoListen {
		log.JnddLog.Warnf("A jnode must accept connections, activation " +
			"will not succeed with listening disabled")
	}

	// The jemcash node RPC needs credentials.
	if !cfg.GenKey && (cfg.RPCUser == "" || cfg.RPCPass == "") {
		str := "%s: the --rpcuser and --rpcpass options are required"
		err := fmt.Errorf(str, funcName)
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usageMessage)
		return nil, nil, err
	}
	cfg.RPCConnect = normalizeAddress(cfg.RPCConnect, activeNetParams.RPCPort)
	if cfg.RPCCert != "" {
		cfg.RPCCert = cleanAndExpandPath(cfg.RPCCert)
	}

	// Add default port to all added peer addresses if needed and remove
	// duplicate addresses.
	cfg.AddPeers = normalizeAddresses(cfg.AddPeers, activeNetParams.DefaultPort)
	cfg.ConnectPeers = normalizeAddresses(cfg.ConnectPeers, activeNetParams.DefaultPort)

	// Setup dial function depending on the specified options.  The default
	// is to use the standard net.DialTimeout function.  When a proxy is
	// specified, the dial function is set to the proxy specific dial
	// function.
	cfg.dial = net.DialTimeout
	if cfg.Proxy != "" {
		_, _, err := net.SplitHostPort(cfg.Proxy)
		if err != nil {
			str := "%s: Proxy address '%s' is invalid: %v"
			err := fmt.Errorf(str, funcName, cfg.Proxy, err)
			fmt.Fprintln(os.Stderr, err)
			fmt.Fprintln(os.Stderr, usageMessage)
			return nil, nil, err
		}

		proxy := &socks.Proxy{
			Addr:         cfg.Proxy,
			Username:     cfg.ProxyUser,
			Password:     cfg.ProxyPass,
			TorIsolation: false,
		}
		cfg.dial = proxy.DialTimeout
	}

	// Warn about missing config file only after all other configuration is
	// done.  This prevents the warning on help messages and invalid
	// options.  Note this should go directly before the return.
	if configFileError != nil {
		log.JnddLog.Warnf("%v", configFileError)
	}

	return &cfg, remainingArgs, nil
}

// jnodedDial dials through the configured dialer with a fixed timeout.
func jnodedDial(addr net.Addr) (net.Conn, error) {
	if cfg == nil {
		return nil, errors.New("not configured")
	}
	return cfg.dial(addr.Network(), addr.String(), defaultConnectTimeout)
}
