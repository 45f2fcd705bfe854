package jnode

import (
	"math/big"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// twoTo256 is the modulus of 256 bit arithmetic.
var twoTo256 = new(big.Int).Lsh(big.NewInt(1), 256)

// hashToBig interprets a hash as a little endian 256 bit number.
func hashToBig(h *chainhash.Hash) *big.Int {
	var buf [chainhash.HashSize]byte
	for i := 0; i < chainhash.HashSize; i++ {
		buf[i] = h[chainhash.HashSize-1-i]
	}
	return new(big.Int).SetBytes(buf[:])
}

// bigToHash is the inverse of hashToBig for values below 2^256.
func bigToHash(n *big.Int) chainhash.Hash {
	var h chainhash.Hash
	b := n.Bytes()
	for i := 0; i < len(b) && i < chainhash.HashSize; i++ {
		h[i] = b[len(b)-1-i]
	}
	return h
}

// CalculateScore returns the election score of the collateral op for the
// block hash.  Scores of different jnodes for the same block are uniformly
// spread, the highest one wins.
func CalculateScore(op *wire.OutPoint, blockHash *chainhash.Hash) *big.Int {
	aux := hashToBig(&op.Hash)
	aux.Add(aux, big.NewInt(int64(op.Index)))
	aux.Mod(aux, twoTo256)
	auxHash := bigToHash(aux)

	hash2 := chainhash.DoubleHashH(blockHash[:])

	buf := make([]byte, 0, 2*chainhash.HashSize)
	buf = append(buf, blockHash[:]...)
	buf = append(buf, auxHash[:]...)
	hash3 := chainhash.DoubleHashH(buf)

	n2, n3 := hashToBig(&hash2), hashToBig(&hash3)
	return n3.Sub(n3, n2).Abs(n3)
}

// CalculateScore returns the election score of e for the block hash.
func (e *Entry) CalculateScore(blockHash *chainhash.Hash) *big.Int {
	return CalculateScore(&e.Vin.PreviousOutPoint, blockHash)
}

// CompactScore reduces a score to the compact form used to order
// candidates.  Scores that differ only below the compact precision tie.
func CompactScore(score *big.Int) int64 {
	return int64(blockchain.BigToCompact(score))
}

// CompareOutPoints orders outpoints by raw hash bytes, then index.
func CompareOutPoints(a, b *wire.OutPoint) int {
	for i := 0; i < chainhash.HashSize; i++ {
		if a.Hash[i] != b.Hash[i] {
			if a.Hash[i] < b.Hash[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case a.Index < b.Index:
		return -1
	case a.Index > b.Index:
		return 1
	}
	return 0
}
