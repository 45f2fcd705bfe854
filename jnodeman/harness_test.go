package jnodeman_test

import (
	"math/rand"

	"github.com/jemcash/jnoded/internal/jnodetest"
	"github.com/jemcash/jnoded/jnode"
	"github.com/jemcash/jnoded/jnodeman"
	"github.com/jemcash/jnoded/netparams"
)

const (
	testNow = int64(1500000000)
	testTip = int32(200)
)

type harness struct {
	m         *jnodeman.Manager
	chain     *jnodetest.Chain
	clock     *jnodetest.Clock
	sync      *jnodetest.Sync
	transport *jnodetest.Transport
	params    *netparams.Params
}

// newTestChain returns a chain whose tip is old enough that collateral
// confirmed below it predates every signature time used by the tests.
func newTestChain() *jnodetest.Chain {
	return jnodetest.NewChain(testTip, testNow-40000-int64(testTip)*jnodetest.BlockSpacing)
}

func newHarness(chain *jnodetest.Chain, local *jnodetest.Local) *harness {
	h := &harness{
		chain:     chain,
		clock:     jnodetest.NewClock(testNow),
		sync:      jnodetest.NewSync(),
		transport: jnodetest.NewTransport(),
		params:    &netparams.MainNetParams,
	}
	cfg := &jnodeman.Config{
		Params:    h.params,
		Chain:     h.chain,
		Sync:      h.sync,
		Transport: h.transport,
		Clock:     h.clock,
		Rand:      rand.New(rand.NewSource(1)),
	}
	if local != nil {
		cfg.Local = local
	}
	h.m = jnodeman.New(cfg)
	return h
}

// enabledJnode creates jnode n announced 2000 seconds ago and pinged 100
// seconds ago, and returns it with an enabled registry entry.
func enabledJnode(chain *jnodetest.Chain, n byte) (*jnodetest.Jnode, *jnode.Entry) {
	jn := jnodetest.NewJnode(chain, &netparams.MainNetParams, n, testNow-2000)
	e := jn.Entry()
	e.LastPing = *jn.Ping(chain, testNow-100)
	e.ActiveState = jnode.StateEnabled
	return jn, e
}
