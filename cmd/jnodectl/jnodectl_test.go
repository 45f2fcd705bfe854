package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCommandPaths(t *testing.T) {
	tests := []struct {
		name string
		args []string
		path string
	}{
		{"status", nil, "/status"},
		{"list", nil, "/jnodes"},
		{"list", []string{"ENABLED"}, "/jnodes?state=ENABLED"},
		{"get", []string{"ab:1"}, "/jnodes/ab:1"},
		{"rank", []string{"100"}, "/jnodes/rank/100"},
		{"payments", []string{"100"}, "/payments/100"},
		{"sentinelping", nil, "/sentinelping"},
	}
	for _, test := range tests {
		c, ok := findCommand(test.name)
		require.True(t, ok, test.name)
		require.True(t, c.checkArgs(test.args), test.name)
		require.Equal(t, test.path, c.path(test.args), test.name)
	}

	c, _ := findCommand("get")
	require.False(t, c.checkArgs(nil))
	c, _ = findCommand("list")
	require.False(t, c.checkArgs([]string{"a", "b"}))
	_, ok := findCommand("getinfo")
	require.False(t, ok)
}

func TestSendRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/sentinelping":
			if r.Method != http.MethodPost {
				w.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			w.Write([]byte(`{"recorded":true}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error":"unknown jnode"}`))
		}
	}))
	defer srv.Close()
	server := strings.TrimPrefix(srv.URL, "http://")

	c, _ := findCommand("sentinelping")
	body, err := sendRequest(srv.Client(), server, c, nil)
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, printResult(&out, body))
	require.Equal(t, "{\n  \"recorded\": true\n}\n", out.String())

	c, _ = findCommand("get")
	_, err = sendRequest(srv.Client(), server, c, []string{"ab:1"})
	require.EqualError(t, err, "404 unknown jnode")
}

func TestCreateDefaultConfigFile(t *testing.T) {
	dir := t.TempDir()
	jnodedConf := filepath.Join(dir, "jnoded.conf")
	dest := filepath.Join(dir, "ctl", "jnodectl.conf")

	// No jnoded config, nothing written.
	require.NoError(t, createDefaultConfigFile(dest, jnodedConf))
	require.False(t, fileExists(dest))

	require.NoError(t, os.WriteFile(jnodedConf,
		[]byte("rpcuser=u\nstatuslisten=127.0.0.1:9000\n"), 0600))
	require.NoError(t, createDefaultConfigFile(dest, jnodedConf))
	content, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, "statusserver=127.0.0.1:9000\n", string(content))
}

func TestNormalizeAddress(t *testing.T) {
	require.Equal(t, "127.0.0.1:8190", normalizeAddress("127.0.0.1", defaultStatusPort))
	require.Equal(t, "host:1", normalizeAddress("host:1", defaultStatusPort))
}
