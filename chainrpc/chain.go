// Package chainrpc provides the chain and wallet views of the jnode
// subsystem from the JSON-RPC interface of a jemcash full node.
package chainrpc

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"sync"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
	"github.com/jemcash/jnoded/jnode"
	"github.com/jemcash/jnoded/netparams"
)

// RPC is the part of rpcclient.Client the adapters use.
type RPC interface {
	GetBlockCount() (int64, error)
	GetBlockHash(height int64) (*chainhash.Hash, error)
	GetBlockHeaderVerbose(hash *chainhash.Hash) (*btcjson.GetBlockHeaderVerboseResult, error)
	GetTxOut(hash *chainhash.Hash, index uint32, mempool bool) (*btcjson.GetTxOutResult, error)
	GetRawTransactionVerbose(hash *chainhash.Hash) (*btcjson.TxRawResult, error)
	RawRequest(method string, params []json.RawMessage) (json.RawMessage, error)

	GetBalance(account string) (btcutil.Amount, error)
	ListUnspent() ([]btcjson.ListUnspentResult, error)
	DumpPrivKey(address btcutil.Address) (*btcutil.WIF, error)
	LockUnspent(unlock bool, ops []*wire.OutPoint) error
}

var _ RPC = (*rpcclient.Client)(nil)

// Config describes the connection to the full node.
type Config struct {
	Host        string
	User        string
	Pass        string
	Certificate []byte
	DisableTLS  bool
}

// Dial returns an HTTP POST mode client, the only mode a bitcoind style
// node supports.
func Dial(cfg *Config) (*rpcclient.Client, error) {
	return rpcclient.New(&rpcclient.ConnConfig{
		Host:         cfg.Host,
		User:         cfg.User,
		Pass:         cfg.Pass,
		Certificates: cfg.Certificate,
		DisableTLS:   cfg.DisableTLS,
		HTTPPostMode: true,
	}, nil)
}

// maxCachedHeights bounds the height to hash cache.
const maxCachedHeights = 4096

// Chain implements jnode.ChainState over RPC.  The best tip is sampled by
// Refresh; a guard reports that tip until the next Refresh.
type Chain struct {
	mtx    sync.Mutex
	rpc    RPC
	params *netparams.Params

	tip     int32
	tipHash chainhash.Hash
	tipTime int64
	hashes  map[int32]chainhash.Hash
	heights map[chainhash.Hash]int32
}

var _ jnode.ChainState = (*Chain)(nil)

// NewChain returns a chain view that knows no tip until Refresh succeeds.
func NewChain(rpc RPC, params *netparams.Params) *Chain {
	return &Chain{
		rpc:     rpc,
		params:  params,
		tip:     -1,
		hashes:  make(map[int32]chainhash.Hash),
		heights: make(map[chainhash.Hash]int32),
	}
}

// Tip is a best chain tip.
type Tip struct {
	Height int32
	Hash   chainhash.Hash
	Time   int64
}

// Refresh samples the best tip of the node.  It reports whether the tip
// changed since the last call.
func (c *Chain) Refresh() (Tip, bool, error) {
	count, err := c.rpc.GetBlockCount()
	if err != nil {
		return Tip{}, false, err
	}
	height := int32(count)
	hash, err := c.rpc.GetBlockHash(count)
	if err != nil {
		return Tip{}, false, err
	}
	header, err := c.rpc.GetBlockHeaderVerbose(hash)
	if err != nil {
		return Tip{}, false, err
	}

	c.mtx.Lock()
	defer c.mtx.Unlock()

	tip := Tip{Height: height, Hash: *hash, Time: header.Time}
	if c.tip == height && c.tipHash == *hash {
		return tip, false, nil
	}

	// Anything cached may be stale unless the new tip extends the cached
	// chain.
	if prev, ok := c.hashes[height-1]; !ok || prev.String() != header.PreviousHash {
		if len(c.hashes) > 0 {
			log.Debugf("Chain reorganized below height %d, dropping cache", height)
		}
		c.resetCache()
	}
	for h := range c.hashes {
		if h >= height {
			delete(c.heights, c.hashes[h])
			delete(c.hashes, h)
		}
	}
	if len(c.hashes) >= maxCachedHeights {
		c.resetCache()
	}
	c.remember(height, *hash)
	c.tip, c.tipHash, c.tipTime = height, *hash, header.Time
	return tip, true, nil
}

func (c *Chain) resetCache() {
	c.hashes = make(map[int32]chainhash.Hash)
	c.heights = make(map[chainhash.Hash]int32)
}

func (c *Chain) remember(height int32, hash chainhash.Hash) {
	c.hashes[height] = hash
	c.heights[hash] = height
}

// Lock returns a guard over the last sampled tip.
func (c *Chain) Lock() jnode.ChainGuard {
	c.mtx.Lock()
	return &guard{c: c}
}

type guard struct {
	c *Chain
}

func (g *guard) Unlock() {
	g.c.mtx.Unlock()
}

func (g *guard) TipHeight() int32 {
	return g.c.tip
}

func (g *guard) BlockHash(height int32) (chainhash.Hash, bool) {
	c := g.c
	if height < 0 || height > c.tip {
		return chainhash.Hash{}, false
	}
	if hash, ok := c.hashes[height]; ok {
		return hash, true
	}
	hash, err := c.rpc.GetBlockHash(int64(height))
	if err != nil {
		log.Warnf("getblockhash %d: %v", height, err)
		return chainhash.Hash{}, false
	}
	c.remember(height, *hash)
	return *hash, true
}

func (g *guard) header(hash *chainhash.Hash) (*btcjson.GetBlockHeaderVerboseResult, bool) {
	header, err := g.c.rpc.GetBlockHeaderVerbose(hash)
	if err != nil {
		log.Debugf("getblockheader %v: %v", hash, err)
		return nil, false
	}
	return header, true
}

func (g *guard) BlockHeight(hash *chainhash.Hash) (int32, bool) {
	c := g.c
	if height, ok := c.heights[*hash]; ok {
		return height, true
	}
	header, ok := g.header(hash)
	if !ok || header.Confirmations < 0 || header.Height > c.tip {
		return 0, false
	}
	c.remember(header.Height, *hash)
	return header.Height, true
}

func (g *guard) BlockTime(height int32) (int64, bool) {
	if height == g.c.tip {
		return g.c.tipTime, true
	}
	hash, ok := g.BlockHash(height)
	if !ok {
		return 0, false
	}
	header, ok := g.header(&hash)
	if !ok {
		return 0, false
	}
	return header.Time, true
}

func (g *guard) Coin(op *wire.OutPoint) (*jnode.Coin, bool) {
	res, err := g.c.rpc.GetTxOut(&op.Hash, op.Index, false)
	if err != nil {
		log.Debugf("gettxout %v: %v", op, err)
		return nil, false
	}
	// A nil result is a spent or unknown output.
	if res == nil || res.Confirmations <= 0 {
		return nil, false
	}
	value, err := btcutil.NewAmount(res.Value)
	if err != nil {
		return nil, false
	}
	script, err := hex.DecodeString(res.ScriptPubKey.Hex)
	if err != nil {
		return nil, false
	}
	return &jnode.Coin{
		Value:    value,
		PkScript: script,
		Height:   g.c.tip - int32(res.Confirmations) + 1,
	}, true
}

func txOutputs(res *btcjson.TxRawResult) ([]*wire.TxOut, error) {
	outs := make([]*wire.TxOut, len(res.Vout))
	for i, vout := range res.Vout {
		if int(vout.N) != i {
			return nil, errors.New("outputs out of order")
		}
		value, err := btcutil.NewAmount(vout.Value)
		if err != nil {
			return nil, err
		}
		script, err := hex.DecodeString(vout.ScriptPubKey.Hex)
		if err != nil {
			return nil, err
		}
		outs[i] = wire.NewTxOut(int64(value), script)
	}
	return outs, nil
}

func (g *guard) TxOutputs(hash *chainhash.Hash) ([]*wire.TxOut, bool) {
	res, err := g.c.rpc.GetRawTransactionVerbose(hash)
	if err != nil {
		log.Debugf("getrawtransaction %v: %v", hash, err)
		return nil, false
	}
	if res.Confirmations == 0 {
		return nil, false
	}
	outs, err := txOutputs(res)
	if err != nil {
		log.Warnf("Transaction %v: %v", hash, err)
		return nil, false
	}
	return outs, true
}

func (g *guard) CoinbaseOutputs(height int32) ([]*wire.TxOut, bool) {
	hash, ok := g.BlockHash(height)
	if !ok {
		return nil, false
	}
	// getblock is issued raw: older nodes take a boolean verbose flag
	// where rpcclient sends a verbosity level.
	hashJSON, _ := json.Marshal(hash.String())
	raw, err := g.c.rpc.RawRequest("getblock", []json.RawMessage{hashJSON, json.RawMessage("true")})
	if err != nil {
		log.Debugf("getblock %v: %v", hash, err)
		return nil, false
	}
	var block btcjson.GetBlockVerboseResult
	if err := json.Unmarshal(raw, &block); err != nil || len(block.Tx) == 0 {
		return nil, false
	}
	coinbase, err := chainhash.NewHashFromStr(block.Tx[0])
	if err != nil {
		return nil, false
	}
	return g.TxOutputs(coinbase)
}

func (g *guard) JnodePayment(height int32) btcutil.Amount {
	return g.c.params.JnodeReward
}
