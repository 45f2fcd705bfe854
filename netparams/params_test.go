package netparams

import (
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/stretchr/testify/require"
)

func TestCheckPort(t *testing.T) {
	tests := []struct {
		params *Params
		port   uint16
		want   bool
	}{
		{&MainNetParams, MainnetPort, true},
		{&MainNetParams, 2811, false},
		{&TestNetParams, MainnetPort, false},
		{&TestNetParams, 2811, true},
		{&RegressionNetParams, MainnetPort, false},
		{&RegressionNetParams, 18168, true},
	}
	for _, test := range tests {
		require.Equal(t, test.want, test.params.CheckPort(test.port),
			"%s port %d", test.params.Name, test.port)
	}
}

func TestNetworks(t *testing.T) {
	for _, p := range []*Params{&MainNetParams, &TestNetParams, &RegressionNetParams} {
		require.Equal(t, p.Net, p.Chain.Net, p.Name)
		require.Empty(t, p.Chain.DNSSeeds, p.Name)
		require.Equal(t, ":"+p.DefaultPort, p.DefaultListen(), p.Name)
		require.NotZero(t, p.PortNumber(), p.Name)
	}
	require.True(t, MainNetParams.IsMainNet())
	require.True(t, TestNetParams.IsTestNet())
	require.True(t, RegressionNetParams.IsRegTest())
	require.True(t, RegressionNetParams.PermissiveAddrs)
	require.False(t, MainNetParams.PermissiveAddrs)
	require.Equal(t, uint16(2810), MainNetParams.PortNumber())

	// The network copies must not alias the upstream bitcoin parameters.
	require.NotEqual(t, MainNetParams.Chain.PubKeyHashAddrID,
		TestNetParams.Chain.PubKeyHashAddrID)
}

func TestMainNetAddress(t *testing.T) {
	pkHash := make([]byte, 20)
	addr, err := btcutil.NewAddressPubKeyHash(pkHash, MainNetParams.Chain)
	require.NoError(t, err)
	require.True(t, addr.IsForNet(MainNetParams.Chain))

	decoded, err := btcutil.DecodeAddress(addr.EncodeAddress(), MainNetParams.Chain)
	require.NoError(t, err)
	require.Equal(t, addr.ScriptAddress(), decoded.ScriptAddress())
}
