package jnodetest

import (
	"net"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/wire"
	"github.com/jemcash/jnoded/jnode"
	"github.com/jemcash/jnoded/netparams"
)

// CollateralDepth is how far below the tip NewJnode confirms collateral.
const CollateralDepth = 20

// Jnode is a jnode with its keys and a valid announcement.
type Jnode struct {
	CollateralKey *btcec.PrivateKey
	CollateralPub []byte
	Key           *btcec.PrivateKey
	Pub           []byte
	Vin           wire.TxIn
	Addr          jnode.Service
	Broadcast     *jnode.Broadcast
}

// Addr returns the routable mainnet address used for jnode number n.
func Addr(n byte) jnode.Service {
	return jnode.NewService(net.IPv4(1, 2, 3, n), netparams.MainnetPort)
}

// NewJnode creates jnode number n.  Its collateral is added to chain
// CollateralDepth blocks below the tip and its broadcast is signed at now.
// The chain must be at least PingAnchorDepth and CollateralDepth high.
func NewJnode(chain *Chain, params *netparams.Params, n byte, now int64) *Jnode {
	ckey, cpub := Key(2*n + 1)
	key, pub := Key(2*n + 2)
	op := chain.AddCollateral(uint32(n), jnode.CollateralAmount,
		jnode.PayToPubKeyHashScript(cpub), chain.TipHeight()-CollateralDepth)
	j := &Jnode{
		CollateralKey: ckey,
		CollateralPub: cpub,
		Key:           key,
		Pub:           pub,
		Vin:           jnode.NewVin(op),
		Addr:          Addr(n),
	}
	if !params.CheckPort(j.Addr.Port) {
		j.Addr.Port = params.PortNumber()
	}
	b, err := jnode.CreateBroadcast(j.Vin, j.Addr, ckey, cpub, key, pub,
		chain, params, now)
	if err != nil {
		panic(err)
	}
	j.Broadcast = b
	return j
}

// Ping returns a ping of j signed at now.
func (j *Jnode) Ping(chain *Chain, now int64) *jnode.Ping {
	p, err := jnode.NewPing(j.Vin, chain, now)
	if err != nil {
		panic(err)
	}
	if err := p.Sign(j.Key, j.Pub, now); err != nil {
		panic(err)
	}
	return p
}

// Entry returns a registry record of j as announced.
func (j *Jnode) Entry() *jnode.Entry {
	return jnode.NewEntry(j.Broadcast)
}
