package jnode_test

import (
	"net"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/jemcash/jnoded/jnode"
	"github.com/stretchr/testify/require"
)

func TestServiceRanges(t *testing.T) {
	tests := []struct {
		addr                          string
		ipv4, routable, private, local bool
	}{
		{"8.8.8.8:2810", true, true, false, false},
		{"10.1.2.3:2810", true, false, true, false},
		{"192.168.7.1:2810", true, false, true, false},
		{"127.0.0.1:2810", true, false, false, true},
		{"[::1]:2810", false, false, false, true},
		{"[2001:4860::8888]:2810", false, true, false, false},
	}
	for _, test := range tests {
		s, err := jnode.ParseService(test.addr)
		require.NoError(t, err, test.addr)
		require.Equal(t, test.ipv4, s.IsIPv4(), test.addr)
		require.Equal(t, test.routable, s.IsRoutable(), test.addr)
		require.Equal(t, test.private, s.IsRFC1918(), test.addr)
		require.Equal(t, test.local, s.IsLocal(), test.addr)
		require.Equal(t, test.addr, s.String())
	}

	_, err := jnode.ParseService("host:2810")
	require.Error(t, err)
	_, err = jnode.ParseService("10.0.0.1:99999")
	require.Error(t, err)
}

func TestServiceEqual(t *testing.T) {
	a := jnode.NewService(net.ParseIP("10.0.0.1"), 2810)
	b := jnode.NewService(net.IPv4(10, 0, 0, 1).To4(), 2810)
	require.True(t, a.Equal(b))
	require.False(t, a.Equal(jnode.NewService(a.IP, 2811)))
	require.True(t, jnode.Service{}.IsZero())
	require.False(t, a.IsZero())
}

func TestSignMessage(t *testing.T) {
	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	pubKey := key.PubKey().SerializeCompressed()

	sig, err := jnode.SignMessage(key, "10.0.0.1:2810 1500000000")
	require.NoError(t, err)
	require.Len(t, sig, 65)
	require.NoError(t, jnode.VerifyMessage(pubKey, sig, "10.0.0.1:2810 1500000000"))

	err = jnode.VerifyMessage(pubKey, sig, "10.0.0.1:2810 1500000001")
	require.ErrorIs(t, err, jnode.ErrBadMessageSignature)

	other, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	err = jnode.VerifyMessage(other.PubKey().SerializeCompressed(), sig,
		"10.0.0.1:2810 1500000000")
	require.ErrorIs(t, err, jnode.ErrBadMessageSignature)
}
