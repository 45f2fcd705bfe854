package jnode

import (
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Coin is an unspent output as reported by the chain.
type Coin struct {
	Value    btcutil.Amount
	PkScript []byte

	// Height is the height of the block that confirmed the output.
	Height int32
}

// ChainGuard is a consistent view of the best chain.  It is handed out by
// ChainState.Lock and stays valid until Unlock is called.  Code that needs
// both the chain and the jnode registry must obtain the guard first.
type ChainGuard interface {
	// TipHeight returns the best height, or -1 when no tip is known.
	TipHeight() int32

	BlockHash(height int32) (chainhash.Hash, bool)
	BlockHeight(hash *chainhash.Hash) (int32, bool)
	BlockTime(height int32) (int64, bool)

	// Coin returns the unspent output at op.  The second result is false
	// when the output is spent or unknown.
	Coin(op *wire.OutPoint) (*Coin, bool)

	// TxOutputs returns the outputs of a confirmed transaction.
	TxOutputs(hash *chainhash.Hash) ([]*wire.TxOut, bool)

	// CoinbaseOutputs returns the coinbase outputs of the block at height.
	CoinbaseOutputs(height int32) ([]*wire.TxOut, bool)

	// JnodePayment returns the jnode share of the block reward at height.
	JnodePayment(height int32) btcutil.Amount

	Unlock()
}

// ChainState hands out chain views.
type ChainState interface {
	Lock() ChainGuard
}

// Collateral bundles an outpoint suitable as jnode collateral with the
// keys that control it.
type Collateral struct {
	OutPoint wire.OutPoint
	PubKey   []byte
	PrivKey  *btcec.PrivateKey
}

// Wallet is the subset of wallet functionality local activation needs.
type Wallet interface {
	IsLocked() bool
	Balance() (btcutil.Amount, error)

	// JnodeCollateral returns collateral for the given transaction and
	// output index.  Empty strings select any suitable output.
	JnodeCollateral(txHash, outputIndex string) (*Collateral, error)

	LockCoin(op wire.OutPoint) error
}

// Peer is a connected gossip peer.
type Peer interface {
	ID() int32
	Addr() Service
	ProtocolVersion() int32
	Inbound() bool

	// IsJnodeConnection reports whether the connection was opened to
	// talk to a jnode and not for general gossip.
	IsJnodeConnection() bool

	QueueMessage(msg wire.Message)
	QueueInventory(iv *wire.InvVect)
}

// Transport carries outbound gossip.
type Transport interface {
	RelayInventory(iv *wire.InvVect)
	Misbehaving(p Peer, score uint32, reason string)

	// ConnectJnode opens, or returns an existing, connection to addr.
	ConnectJnode(addr Service) (Peer, error)

	// AddAddress records addr as a known gossip address learned from src.
	AddAddress(addr Service, src Service)

	ForEachPeer(fn func(Peer))
	Disconnect(p Peer)
}

// SporkID identifies a network wide switch.
type SporkID int32

// Sporks consulted by the jnode subsystem.
const (
	SporkPaymentEnforcement SporkID = 10007
	SporkPayUpdatedNodes    SporkID = 10009
)

// SporkSource reports spork activation.
type SporkSource interface {
	IsActive(id SporkID) bool
}

// SyncStatus exposes the jnode sync progress.
type SyncStatus interface {
	IsBlockchainSynced() bool
	IsJnodeListSynced() bool
	IsWinnersListSynced() bool
	IsSynced() bool

	AddedJnodeList()
	AddedPaymentVote()
	BumpAssetLastTime(reason string)
}

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall clock.
type SystemClock struct{}

// Now returns time.Now.
func (SystemClock) Now() time.Time { return time.Now() }

// LocalJnode describes the jnode run by this process, if any.
type LocalJnode interface {
	// IsJnode reports whether the process is configured as a jnode.
	IsJnode() bool

	PubKeyJnode() []byte
	PrivKeyJnode() *btcec.PrivateKey

	// Vin returns the collateral input once activation found one.
	Vin() (wire.TxIn, bool)

	Service() Service

	// ManageState re-runs activation.  It must not be called while the
	// registry lock is held.
	ManageState()
}

// PaymentsView is the part of the payment ledger the registry consults.
type PaymentsView interface {
	MinPaymentsProto() int32

	// IsScheduled reports whether payee is the best payee of a block in
	// the scheduling window starting at tip, other than notHeight.
	IsScheduled(payee []byte, tip, notHeight int32) bool

	HasPayeeWithVotes(height int32, payee []byte, votes int) bool
}
