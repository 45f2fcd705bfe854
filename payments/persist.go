package payments

import (
	"errors"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/jemcash/jnoded/jnode"
)

// SerializationVersion tags a serialized ledger.
const SerializationVersion = "CJnodePayments-Version-1"

// ErrVersionMismatch is returned by Deserialize when the data was written by
// an incompatible version.  The ledger is left empty.
var ErrVersionMismatch = errors.New("payment ledger version mismatch")

const (
	persistPver = uint32(jnode.ProtocolVersion)

	// maxPersistedItems bounds counts read back from disk.
	maxPersistedItems = 1 << 24
)

// Serialize writes every vote and tally.
func (l *Ledger) Serialize(w io.Writer) error {
	l.blocksMtx.RLock()
	defer l.blocksMtx.RUnlock()
	l.votesMtx.RLock()
	defer l.votesMtx.RUnlock()

	if err := wire.WriteVarString(w, persistPver, SerializationVersion); err != nil {
		return err
	}

	if err := wire.WriteVarInt(w, persistPver, uint64(len(l.votes))); err != nil {
		return err
	}
	for hash, v := range l.votes {
		if err := jnode.WriteElements(w, &hash); err != nil {
			return err
		}
		if err := v.encode(w, persistPver); err != nil {
			return err
		}
	}

	if err := wire.WriteVarInt(w, persistPver, uint64(len(l.blocks))); err != nil {
		return err
	}
	for height, b := range l.blocks {
		if err := jnode.WriteElements(w, height, b.Height); err != nil {
			return err
		}
		if err := wire.WriteVarInt(w, persistPver, uint64(len(b.Payees))); err != nil {
			return err
		}
		for _, p := range b.Payees {
			if err := wire.WriteVarBytes(w, persistPver, p.Script); err != nil {
				return err
			}
			if err := wire.WriteVarInt(w, persistPver, uint64(len(p.VoteHashes))); err != nil {
				return err
			}
			for i := range p.VoteHashes {
				if err := jnode.WriteElements(w, &p.VoteHashes[i]); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func readCount(r io.Reader, what string) (int, error) {
	n, err := wire.ReadVarInt(r, persistPver)
	if err != nil {
		return 0, err
	}
	if n > maxPersistedItems {
		return 0, fmt.Errorf("too many %s: %d", what, n)
	}
	return int(n), nil
}

// Deserialize replaces the ledger contents with data written by Serialize.
// On any error the ledger is left empty.
func (l *Ledger) Deserialize(r io.Reader) error {
	votes, blocks, err := readLedger(r)

	l.blocksMtx.Lock()
	defer l.blocksMtx.Unlock()
	l.votesMtx.Lock()
	defer l.votesMtx.Unlock()

	l.lastVotes = make(map[wire.OutPoint]map[int32]struct{})
	if err != nil {
		l.votes = make(map[chainhash.Hash]*Vote)
		l.blocks = make(map[int32]*BlockPayees)
		return err
	}
	l.votes, l.blocks = votes, blocks
	return nil
}

func readLedger(r io.Reader) (map[chainhash.Hash]*Vote, map[int32]*BlockPayees, error) {
	tag, err := wire.ReadVarString(r, persistPver)
	if err != nil {
		return nil, nil, err
	}
	if tag != SerializationVersion {
		return nil, nil, fmt.Errorf("%w: got %q", ErrVersionMismatch, tag)
	}

	n, err := readCount(r, "votes")
	if err != nil {
		return nil, nil, err
	}
	votes := make(map[chainhash.Hash]*Vote, n)
	for i := 0; i < n; i++ {
		var hash chainhash.Hash
		if err := jnode.ReadElements(r, &hash); err != nil {
			return nil, nil, err
		}
		v := new(Vote)
		if err := v.decode(r, persistPver); err != nil {
			return nil, nil, err
		}
		votes[hash] = v
	}

	n, err = readCount(r, "blocks")
	if err != nil {
		return nil, nil, err
	}
	blocks := make(map[int32]*BlockPayees, n)
	for i := 0; i < n; i++ {
		var height int32
		b := new(BlockPayees)
		if err := jnode.ReadElements(r, &height, &b.Height); err != nil {
			return nil, nil, err
		}
		payees, err := readCount(r, "payees")
		if err != nil {
			return nil, nil, err
		}
		for j := 0; j < payees; j++ {
			p := new(Payee)
			p.Script, err = wire.ReadVarBytes(r, persistPver, maxPayeeSize, "payee")
			if err != nil {
				return nil, nil, err
			}
			hashes, err := readCount(r, "vote hashes")
			if err != nil {
				return nil, nil, err
			}
			p.VoteHashes = make([]chainhash.Hash, hashes)
			for k := range p.VoteHashes {
				if err := jnode.ReadElements(r, &p.VoteHashes[k]); err != nil {
					return nil, nil, err
				}
			}
			b.Payees = append(b.Payees, p)
		}
		blocks[height] = b
	}
	return votes, blocks, nil
}
