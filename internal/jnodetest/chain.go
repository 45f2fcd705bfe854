// Copyright (c) 2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package jnodetest provides in-memory implementations of the collaborators
// the jnode packages consume, for use in tests.
package jnodetest

import (
	"encoding/binary"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/jemcash/jnoded/jnode"
)

// BlockSpacing is the time between blocks of a generated chain.
const BlockSpacing = 156

// DefaultReward is the jnode payment returned by Chain.JnodePayment.
const DefaultReward = btcutil.Amount(15 * btcutil.SatoshiPerBitcoin)

// Chain is a synthetic best chain.  It implements both jnode.ChainState and
// jnode.ChainGuard, Lock returning the chain itself.
type Chain struct {
	mtx sync.Mutex

	tip       int32
	genesis   int64
	hashes    []chainhash.Hash
	heights   map[chainhash.Hash]int32
	coins     map[wire.OutPoint]*jnode.Coin
	txs       map[chainhash.Hash][]*wire.TxOut
	coinbases map[int32][]*wire.TxOut

	// Reward is the jnode payment for every height.
	Reward btcutil.Amount
}

var _ jnode.ChainState = (*Chain)(nil)
var _ jnode.ChainGuard = (*Chain)(nil)

// NewChain returns a chain with blocks 0 through tip, the genesis block
// timestamped at genesis.
func NewChain(tip int32, genesis int64) *Chain {
	c := &Chain{
		tip:       -1,
		genesis:   genesis,
		heights:   make(map[chainhash.Hash]int32),
		coins:     make(map[wire.OutPoint]*jnode.Coin),
		txs:       make(map[chainhash.Hash][]*wire.TxOut),
		coinbases: make(map[int32][]*wire.TxOut),
		Reward:    DefaultReward,
	}
	c.Extend(tip + 1)
	return c
}

// Extend appends n blocks.
func (c *Chain) Extend(n int32) {
	for i := int32(0); i < n; i++ {
		c.tip++
		var buf [8]byte
		binary.LittleEndian.PutUint32(buf[:4], uint32(c.tip))
		copy(buf[4:], "blck")
		h := chainhash.DoubleHashH(buf[:])
		c.hashes = append(c.hashes, h)
		c.heights[h] = c.tip
	}
}

// Lock returns the chain as its own guard.
func (c *Chain) Lock() jnode.ChainGuard {
	c.mtx.Lock()
	return c
}

// Unlock releases a guard obtained from Lock.
func (c *Chain) Unlock() {
	c.mtx.Unlock()
}

// TipHeight returns the best height.
func (c *Chain) TipHeight() int32 { return c.tip }

// BlockHash returns the hash at height.
func (c *Chain) BlockHash(height int32) (chainhash.Hash, bool) {
	if height < 0 || height > c.tip {
		return chainhash.Hash{}, false
	}
	return c.hashes[height], true
}

// BlockHeight returns the height of hash.
func (c *Chain) BlockHeight(hash *chainhash.Hash) (int32, bool) {
	h, ok := c.heights[*hash]
	return h, ok
}

// BlockTime returns the timestamp at height.
func (c *Chain) BlockTime(height int32) (int64, bool) {
	if height < 0 || height > c.tip {
		return 0, false
	}
	return c.genesis + int64(height)*BlockSpacing, true
}

// Coin returns the unspent output at op.
func (c *Chain) Coin(op *wire.OutPoint) (*jnode.Coin, bool) {
	coin, ok := c.coins[*op]
	return coin, ok
}

// TxOutputs returns the outputs of the transaction hash.
func (c *Chain) TxOutputs(hash *chainhash.Hash) ([]*wire.TxOut, bool) {
	outs, ok := c.txs[*hash]
	return outs, ok
}

// CoinbaseOutputs returns the coinbase outputs at height.
func (c *Chain) CoinbaseOutputs(height int32) ([]*wire.TxOut, bool) {
	outs, ok := c.coinbases[height]
	return outs, ok
}

// JnodePayment returns Reward.
func (c *Chain) JnodePayment(height int32) btcutil.Amount {
	return c.Reward
}

// AddCollateral records a confirmed transaction at height paying value to
// pkScript in output 0 and returns its outpoint.  seed distinguishes
// transactions.
func (c *Chain) AddCollateral(seed uint32, value btcutil.Amount, pkScript []byte,
	height int32) wire.OutPoint {

	var buf [8]byte
	binary.LittleEndian.PutUint32(buf[:4], seed)
	copy(buf[4:], "coll")
	op := wire.OutPoint{Hash: chainhash.DoubleHashH(buf[:]), Index: 0}
	out := wire.NewTxOut(int64(value), pkScript)
	c.txs[op.Hash] = []*wire.TxOut{out}
	c.coins[op] = &jnode.Coin{Value: value, PkScript: pkScript, Height: height}
	return op
}

// Spend removes the unspent output at op.
func (c *Chain) Spend(op wire.OutPoint) {
	delete(c.coins, op)
}

// SetCoinbase sets the coinbase outputs at height.
func (c *Chain) SetCoinbase(height int32, outs ...*wire.TxOut) {
	c.coinbases[height] = outs
}
