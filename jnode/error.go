// Copyright (c) 2014-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package jnode

import (
	"errors"
	"fmt"
)

// ErrorCode identifies a kind of rule violation.
type ErrorCode int

// These constants are used to identify a specific RuleError.
const (
	// ErrInvalidAddr indicates an announced address that is not usable on
	// the active network.
	ErrInvalidAddr ErrorCode = iota

	// ErrFutureSigTime indicates a signature timestamp too far in the
	// future.
	ErrFutureSigTime

	// ErrUnknownBlock indicates a ping anchored to a block hash that is
	// not in the local chain.
	ErrUnknownBlock

	// ErrStaleBlock indicates a ping anchored to a block too deep below
	// the tip.
	ErrStaleBlock

	// ErrOutdatedProtocol indicates a protocol version below the payment
	// minimum.
	ErrOutdatedProtocol

	// ErrBadPubKey indicates a public key that does not produce a standard
	// pay-to-pubkey-hash script.
	ErrBadPubKey

	// ErrNonEmptyScriptSig indicates a collateral input that carries a
	// signature script.
	ErrNonEmptyScriptSig

	// ErrBadPort indicates an address whose port violates the network port
	// rule.
	ErrBadPort

	// ErrBadSignature indicates a signature that does not verify.
	ErrBadSignature

	// ErrKeyMismatch indicates a collateral key that differs from the one
	// already on record or from the collateral output.
	ErrKeyMismatch

	// ErrStaleBroadcast indicates a broadcast that is not newer than the
	// one on record.
	ErrStaleBroadcast

	// ErrPoSeBanned indicates that the entry is banned by proof of service.
	ErrPoSeBanned

	// ErrCollateralMissing indicates that the collateral output is spent
	// or unknown.
	ErrCollateralMissing

	// ErrCollateralAmount indicates a collateral output of the wrong
	// value.
	ErrCollateralAmount

	// ErrTooFewConfirmations indicates a collateral output that has not
	// matured yet.
	ErrTooFewConfirmations

	// ErrSigTimeTooEarly indicates a broadcast signed before its collateral
	// reached the required depth.
	ErrSigTimeTooEarly

	// ErrOwnBroadcast indicates a broadcast for the local jnode that was
	// already activated.
	ErrOwnBroadcast

	// ErrUnknownJnode indicates a message that references an entry the
	// registry does not know.
	ErrUnknownJnode

	// ErrUpdateRequired indicates an entry that must be updated before it
	// accepts pings.
	ErrUpdateRequired

	// ErrNewStartRequired indicates an entry that must be re-announced.
	ErrNewStartRequired

	// ErrPingTooEarly indicates a ping that arrived before the minimum
	// ping interval.
	ErrPingTooEarly

	// ErrNotEnabled indicates a ping that was stored but left its entry in
	// a state that is not relayed.
	ErrNotEnabled

	// ErrRepeatedRequest indicates a peer repeating a rate limited request.
	ErrRepeatedRequest

	// ErrUnexpectedVerify indicates a verification message that does not
	// match an outstanding request.
	ErrUnexpectedVerify

	// ErrSelfVerify indicates a verification broadcast where a jnode
	// verifies itself.
	ErrSelfVerify

	// ErrRankTooLow indicates a sender outside the rank window.
	ErrRankTooLow

	// ErrOutOfRange indicates a message for a height outside the accepted
	// window.
	ErrOutOfRange

	// ErrDuplicateVote indicates a second vote by a jnode for one height.
	ErrDuplicateVote
)

// Map of ErrorCode values back to their constant names for pretty printing.
var errorCodeStrings = map[ErrorCode]string{
	ErrInvalidAddr:         "ErrInvalidAddr",
	ErrFutureSigTime:       "ErrFutureSigTime",
	ErrUnknownBlock:        "ErrUnknownBlock",
	ErrStaleBlock:          "ErrStaleBlock",
	ErrOutdatedProtocol:    "ErrOutdatedProtocol",
	ErrBadPubKey:           "ErrBadPubKey",
	ErrNonEmptyScriptSig:   "ErrNonEmptyScriptSig",
	ErrBadPort:             "ErrBadPort",
	ErrBadSignature:        "ErrBadSignature",
	ErrKeyMismatch:         "ErrKeyMismatch",
	ErrStaleBroadcast:      "ErrStaleBroadcast",
	ErrPoSeBanned:          "ErrPoSeBanned",
	ErrCollateralMissing:   "ErrCollateralMissing",
	ErrCollateralAmount:    "ErrCollateralAmount",
	ErrTooFewConfirmations: "ErrTooFewConfirmations",
	ErrSigTimeTooEarly:     "ErrSigTimeTooEarly",
	ErrOwnBroadcast:        "ErrOwnBroadcast",
	ErrUnknownJnode:        "ErrUnknownJnode",
	ErrUpdateRequired:      "ErrUpdateRequired",
	ErrNewStartRequired:    "ErrNewStartRequired",
	ErrPingTooEarly:        "ErrPingTooEarly",
	ErrNotEnabled:          "ErrNotEnabled",
	ErrRepeatedRequest:     "ErrRepeatedRequest",
	ErrUnexpectedVerify:    "ErrUnexpectedVerify",
	ErrSelfVerify:          "ErrSelfVerify",
	ErrRankTooLow:          "ErrRankTooLow",
	ErrOutOfRange:          "ErrOutOfRange",
	ErrDuplicateVote:       "ErrDuplicateVote",
}

// String returns the ErrorCode as a human-readable name.
func (e ErrorCode) String() string {
	if s := errorCodeStrings[e]; s != "" {
		return s
	}
	return fmt.Sprintf("Unknown ErrorCode (%d)", int(e))
}

// RuleError identifies a rule violation in a gossip message.  DoS is the
// misbehavior score the sending peer earns for it; zero means the failure
// may be benign and the peer is not penalized.
type RuleError struct {
	ErrorCode   ErrorCode // Describes the kind of error
	Description string    // Human readable description of the issue
	DoS         uint32    // Misbehavior score for the sender
}

// Error satisfies the error interface and prints human-readable errors.
func (e RuleError) Error() string {
	return e.Description
}

// ruleError creates a RuleError given a set of arguments.
func ruleError(c ErrorCode, dos uint32, desc string) RuleError {
	return RuleError{ErrorCode: c, Description: desc, DoS: dos}
}

// NewRuleError creates a RuleError for callers outside the package.
func NewRuleError(c ErrorCode, dos uint32, format string, args ...interface{}) RuleError {
	return ruleError(c, dos, fmt.Sprintf(format, args...))
}

// DoSScore returns the misbehavior score carried by err, or zero if err is
// not a RuleError.
func DoSScore(err error) uint32 {
	var rerr RuleError
	if errors.As(err, &rerr) {
		return rerr.DoS
	}
	return 0
}

// IsErrorCode reports whether err is a RuleError with the given code.
func IsErrorCode(err error, c ErrorCode) bool {
	var rerr RuleError
	return errors.As(err, &rerr) && rerr.ErrorCode == c
}
