// Copyright (c) 2014-2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package jnode

import (
	"fmt"
	"testing"
)

// TestErrorCodeStringer tests the stringized output for the ErrorCode type.
func TestErrorCodeStringer(t *testing.T) {
	tests := []struct {
		in   ErrorCode
		want string
	}{
		{ErrInvalidAddr, "ErrInvalidAddr"},
		{ErrFutureSigTime, "ErrFutureSigTime"},
		{ErrUnknownBlock, "ErrUnknownBlock"},
		{ErrStaleBlock, "ErrStaleBlock"},
		{ErrOutdatedProtocol, "ErrOutdatedProtocol"},
		{ErrBadPubKey, "ErrBadPubKey"},
		{ErrNonEmptyScriptSig, "ErrNonEmptyScriptSig"},
		{ErrBadPort, "ErrBadPort"},
		{ErrBadSignature, "ErrBadSignature"},
		{ErrKeyMismatch, "ErrKeyMismatch"},
		{ErrStaleBroadcast, "ErrStaleBroadcast"},
		{ErrPoSeBanned, "ErrPoSeBanned"},
		{ErrCollateralMissing, "ErrCollateralMissing"},
		{ErrCollateralAmount, "ErrCollateralAmount"},
		{ErrTooFewConfirmations, "ErrTooFewConfirmations"},
		{ErrSigTimeTooEarly, "ErrSigTimeTooEarly"},
		{ErrOwnBroadcast, "ErrOwnBroadcast"},
		{ErrUnknownJnode, "ErrUnknownJnode"},
		{ErrUpdateRequired, "ErrUpdateRequired"},
		{ErrNewStartRequired, "ErrNewStartRequired"},
		{ErrPingTooEarly, "ErrPingTooEarly"},
		{ErrNotEnabled, "ErrNotEnabled"},
		{ErrRepeatedRequest, "ErrRepeatedRequest"},
		{ErrUnexpectedVerify, "ErrUnexpectedVerify"},
		{ErrSelfVerify, "ErrSelfVerify"},
		{ErrRankTooLow, "ErrRankTooLow"},
		{ErrOutOfRange, "ErrOutOfRange"},
		{ErrDuplicateVote, "ErrDuplicateVote"},
		{0xffff, "Unknown ErrorCode (65535)"},
	}

	// Detect additional error codes that don't have the stringer added.
	if len(tests)-1 != len(errorCodeStrings) {
		t.Errorf("It appears an error code was added without adding an " +
			"associated stringer test")
	}

	t.Logf("Running %d tests", len(tests))
	for i, test := range tests {
		result := test.in.String()
		if result != test.want {
			t.Errorf("String #%d\n got: %s want: %s", i, result,
				test.want)
			continue
		}
	}
}

// TestRuleError tests the error output and helpers for the RuleError type.
func TestRuleError(t *testing.T) {
	tests := []struct {
		in   RuleError
		want string
	}{
		{
			RuleError{Description: "duplicate announce"},
			"duplicate announce",
		},
		{
			RuleError{Description: "human-readable error"},
			"human-readable error",
		},
	}

	t.Logf("Running %d tests", len(tests))
	for i, test := range tests {
		result := test.in.Error()
		if result != test.want {
			t.Errorf("Error #%d\n got: %s want: %s", i, result,
				test.want)
			continue
		}
	}

	err := fmt.Errorf("handling jnb: %w", ruleError(ErrBadSignature, 100, "bad"))
	if got := DoSScore(err); got != 100 {
		t.Errorf("DoSScore: got %d want 100", got)
	}
	if !IsErrorCode(err, ErrBadSignature) {
		t.Errorf("IsErrorCode: wrapped code not found")
	}
	if IsErrorCode(err, ErrKeyMismatch) {
		t.Errorf("IsErrorCode: unexpected match")
	}
	if got := DoSScore(fmt.Errorf("plain")); got != 0 {
		t.Errorf("DoSScore of plain error: got %d want 0", got)
	}
}
