package main

import (
	"net"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/jemcash/jnoded/jnode"
	"github.com/stretchr/testify/require"
)

var (
	rpcuserRegexp = regexp.MustCompile("(?m)^; rpcuser=$")
	rpcpassRegexp = regexp.MustCompile("(?m)^; rpcpass=$")
)

func TestCreateDefaultConfigFile(t *testing.T) {
	testpath := filepath.Join(t.TempDir(), "home", "jnoded.conf")

	require.NoError(t, createDefaultConfigFile(testpath))
	content, err := os.ReadFile(testpath)
	require.NoError(t, err)

	require.True(t, rpcuserRegexp.Match(content),
		"rpcuser missing from the generated default config file")
	require.True(t, rpcpassRegexp.Match(content),
		"rpcpass missing from the generated default config file")
}

func TestNormalizeAddresses(t *testing.T) {
	got := normalizeAddresses([]string{
		"10.0.0.1", "10.0.0.1:2810", "[::1]:9", "::1", "host",
	}, "2810")
	require.Equal(t, []string{"10.0.0.1:2810", "[::1]:9", "[::1]:2810", "host:2810"}, got)
}

func TestParseWhitelists(t *testing.T) {
	nets, err := parseWhitelists([]string{"192.168.1.0/24", "10.0.0.7", "::1"})
	require.NoError(t, err)
	require.Len(t, nets, 3)
	require.True(t, nets[0].Contains(net.ParseIP("192.168.1.200")))
	require.False(t, nets[0].Contains(net.ParseIP("192.168.2.1")))
	require.True(t, nets[1].Contains(net.ParseIP("10.0.0.7")))
	require.False(t, nets[1].Contains(net.ParseIP("10.0.0.8")))
	require.True(t, nets[2].Contains(net.IPv6loopback))

	_, err = parseWhitelists([]string{"not an ip"})
	require.Error(t, err)
}

func TestParseSporks(t *testing.T) {
	sporks, err := parseSporks([]string{"10007"})
	require.NoError(t, err)
	require.True(t, sporks[jnode.SporkPaymentEnforcement])
	require.False(t, sporks[jnode.SporkPayUpdatedNodes])

	_, err = parseSporks([]string{"10008"})
	require.Error(t, err)
	_, err = parseSporks([]string{"x"})
	require.Error(t, err)
}

func TestParseAndSetDebugLevels(t *testing.T) {
	require.NoError(t, parseAndSetDebugLevels("debug"))
	require.NoError(t, parseAndSetDebugLevels("JNMN=trace,PEER=warn"))
	require.Error(t, parseAndSetDebugLevels("loud"))
	require.Error(t, parseAndSetDebugLevels("JNMN=loud"))
	require.Error(t, parseAndSetDebugLevels("NOPE=info"))
	require.Error(t, parseAndSetDebugLevels("JNMN"+",PEER=info"))
	require.NoError(t, parseAndSetDebugLevels("info"))
}

func TestValidDbType(t *testing.T) {
	for _, driver := range []string{"leveldb", "pebble", "badger"} {
		require.True(t, validDbType(driver), driver)
	}
	require.False(t, validDbType("sqlite"))
}
