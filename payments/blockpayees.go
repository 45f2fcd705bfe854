package payments

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// Payee is a candidate payee of a block with the votes it collected.
type Payee struct {
	Script     []byte
	VoteHashes []chainhash.Hash
}

// VoteCount returns the number of distinct votes for the payee.
func (p *Payee) VoteCount() int { return len(p.VoteHashes) }

func (p *Payee) addVoteHash(hash chainhash.Hash) {
	for _, h := range p.VoteHashes {
		if h == hash {
			return
		}
	}
	p.VoteHashes = append(p.VoteHashes, hash)
}

// BlockPayees tallies the votes cast for one block height.  Payees keep the
// order in which they first received a vote.
type BlockPayees struct {
	Height int32
	Payees []*Payee
}

func newBlockPayees(height int32) *BlockPayees {
	return &BlockPayees{Height: height}
}

func (b *BlockPayees) addVote(v *Vote) {
	hash := v.Hash()
	for _, p := range b.Payees {
		if bytes.Equal(p.Script, v.Payee) {
			p.addVoteHash(hash)
			return
		}
	}
	b.Payees = append(b.Payees, &Payee{
		Script:     v.Payee,
		VoteHashes: []chainhash.Hash{hash},
	})
}

// BestPayee returns the payee with the most votes.  The first payee to
// reach the maximum wins ties.
func (b *BlockPayees) BestPayee() ([]byte, bool) {
	var best []byte
	votes := -1
	for _, p := range b.Payees {
		if p.VoteCount() > votes {
			best = p.Script
			votes = p.VoteCount()
		}
	}
	return best, votes > -1
}

// HasPayeeWithVotes reports whether script collected at least votes votes.
func (b *BlockPayees) HasPayeeWithVotes(script []byte, votes int) bool {
	for _, p := range b.Payees {
		if p.VoteCount() >= votes && bytes.Equal(p.Script, script) {
			return true
		}
	}
	return false
}

func (b *BlockPayees) totalVotes() int {
	var n int
	for _, p := range b.Payees {
		n += p.VoteCount()
	}
	return n
}

// isTransactionValid checks that the coinbase pays one of the payees that
// reached quorum exactly reward.  Without a quorum every coinbase is valid.
// The second result lists the acceptable payees when the check fails.
func (b *BlockPayees) isTransactionValid(tx *wire.MsgTx, reward btcutil.Amount,
	net *chaincfg.Params) (bool, string) {

	var maxVotes int
	for _, p := range b.Payees {
		if p.VoteCount() > maxVotes {
			maxVotes = p.VoteCount()
		}
	}
	if maxVotes < SignaturesRequired {
		return true, ""
	}

	var possible []string
	for _, p := range b.Payees {
		if p.VoteCount() < SignaturesRequired {
			continue
		}
		for _, out := range tx.TxOut {
			if bytes.Equal(out.PkScript, p.Script) && out.Value == int64(reward) {
				return true, ""
			}
		}
		possible = append(possible, scriptAddress(p.Script, net))
	}
	return false, strings.Join(possible, ",")
}

func (b *BlockPayees) requiredPayments(net *chaincfg.Params) string {
	if len(b.Payees) == 0 {
		return "Unknown"
	}
	parts := make([]string, 0, len(b.Payees))
	for _, p := range b.Payees {
		parts = append(parts, fmt.Sprintf("%s:%d", scriptAddress(p.Script, net),
			p.VoteCount()))
	}
	return strings.Join(parts, ", ")
}

// scriptAddress renders the address paid by script, or the script
// disassembly when it pays no single address.
func scriptAddress(script []byte, net *chaincfg.Params) string {
	_, addrs, _, err := txscript.ExtractPkScriptAddrs(script, net)
	if err != nil || len(addrs) != 1 {
		asm, _ := txscript.DisasmString(script)
		return asm
	}
	return addrs[0].EncodeAddress()
}
