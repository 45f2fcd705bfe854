package jnode

import "github.com/btcsuite/btcd/btcutil"

// Timing windows, in seconds, that drive the entry state machine.
const (
	CheckSeconds            = 5
	MinBroadcastSeconds     = 5 * 60
	MinPingSeconds          = 10 * 60
	ExpirationSeconds       = 65 * 60
	WatchdogMaxSeconds      = 120 * 60
	NewStartRequiredSeconds = 180 * 60

	// FutureSigLimit is the clock skew tolerated on signature timestamps.
	FutureSigLimit = 60 * 60
)

// CollateralCoins is the exact collateral a jnode locks, in whole coins.
const CollateralCoins = 2500

// CollateralAmount is CollateralCoins in atoms.
const CollateralAmount = btcutil.Amount(CollateralCoins * btcutil.SatoshiPerBitcoin)

// PoSeBanMaxScore bounds the proof of service score in both directions.
const PoSeBanMaxScore = 5

// Protocol versions.
const (
	// ProtocolVersion is the version this implementation speaks and
	// announces for its own jnode.
	ProtocolVersion int32 = 90036

	// MinPaymentProto1 and MinPaymentProto2 are the payment protocol
	// floors before and after the updated-nodes spork.
	MinPaymentProto1 int32 = 90034
	MinPaymentProto2 int32 = 90036

	// MinPoSeProtoVersion is the floor for jnodes taking part in address
	// verification.
	MinPoSeProtoVersion int32 = 70203
)

// Block offsets used when anchoring messages to the chain.
const (
	// PingAnchorDepth is how far below the tip a new ping anchors.
	PingAnchorDepth = 12

	// PingMaxBlockAge is the deepest anchor a ping may carry.
	PingMaxBlockAge = 24

	// VoteAnchorDepth is the offset of the block whose hash seeds payee
	// election scores.
	VoteAnchorDepth = 101
)

// Payment vote retention.
const (
	MinStorageLimit    = 5000
	StorageCoefficient = 1.25
)

// StorageLimit returns how many block heights of payment votes to keep for
// a registry of the given size.
func StorageLimit(registrySize int) int {
	limit := int(float64(registrySize) * StorageCoefficient)
	if limit < MinStorageLimit {
		return MinStorageLimit
	}
	return limit
}
