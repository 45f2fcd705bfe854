package chainrpc

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/jemcash/jnoded/jnode"
	"github.com/jemcash/jnoded/netparams"
)

// ErrNoCollateral is returned when the wallet holds no usable collateral.
var ErrNoCollateral = errors.New("no suitable jnode collateral in wallet")

// Wallet implements jnode.Wallet with the wallet of the full node.
type Wallet struct {
	rpc    RPC
	params *netparams.Params
}

var _ jnode.Wallet = (*Wallet)(nil)

// NewWallet returns the wallet of the node behind rpc.
func NewWallet(rpc RPC, params *netparams.Params) *Wallet {
	return &Wallet{rpc: rpc, params: params}
}

// IsLocked reports whether the wallet is encrypted and locked.  A wallet
// that cannot be queried counts as locked.
func (w *Wallet) IsLocked() bool {
	raw, err := w.rpc.RawRequest("getwalletinfo", nil)
	if err != nil {
		log.Debugf("getwalletinfo: %v", err)
		return true
	}
	var info struct {
		UnlockedUntil *int64 `json:"unlocked_until"`
	}
	if err := json.Unmarshal(raw, &info); err != nil {
		return true
	}
	return info.UnlockedUntil != nil && *info.UnlockedUntil == 0
}

// Balance returns the confirmed balance.
func (w *Wallet) Balance() (btcutil.Amount, error) {
	return w.rpc.GetBalance("*")
}

// JnodeCollateral picks a spendable output of exactly the collateral
// amount, restricted to txHash and outputIndex when they are given.
func (w *Wallet) JnodeCollateral(txHash, outputIndex string) (*jnode.Collateral, error) {
	var want *chainhash.Hash
	if txHash != "" {
		h, err := chainhash.NewHashFromStr(txHash)
		if err != nil {
			return nil, fmt.Errorf("invalid collateral hash: %w", err)
		}
		want = h
	}
	var index uint32
	if outputIndex != "" {
		if _, err := fmt.Sscanf(outputIndex, "%d", &index); err != nil {
			return nil, fmt.Errorf("invalid collateral index %q", outputIndex)
		}
	}

	unspent, err := w.rpc.ListUnspent()
	if err != nil {
		return nil, err
	}
	for _, u := range unspent {
		amount, err := btcutil.NewAmount(u.Amount)
		if err != nil || amount != jnode.CollateralAmount || !u.Spendable {
			continue
		}
		hash, err := chainhash.NewHashFromStr(u.TxID)
		if err != nil {
			continue
		}
		if want != nil && (*hash != *want || (outputIndex != "" && u.Vout != index)) {
			continue
		}

		addr, err := btcutil.DecodeAddress(u.Address, w.params.Chain)
		if err != nil {
			log.Debugf("Skipping collateral %v:%d: %v", hash, u.Vout, err)
			continue
		}
		wif, err := w.rpc.DumpPrivKey(addr)
		if err != nil {
			return nil, fmt.Errorf("dumpprivkey %s: %w", u.Address, err)
		}
		return &jnode.Collateral{
			OutPoint: *wire.NewOutPoint(hash, u.Vout),
			PubKey:   wif.SerializePubKey(),
			PrivKey:  wif.PrivKey,
		}, nil
	}
	return nil, ErrNoCollateral
}

// LockCoin excludes op from coin selection by the node wallet.
func (w *Wallet) LockCoin(op wire.OutPoint) error {
	return w.rpc.LockUnspent(false, []*wire.OutPoint{&op})
}
