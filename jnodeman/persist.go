package jnodeman

import (
	"errors"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/jemcash/jnoded/jnode"
)

// SerializationVersion tags a serialized registry.
const SerializationVersion = "CJnodeMan-Version-4"

// ErrVersionMismatch is returned by Deserialize when the data was written by
// an incompatible version.  The registry is left empty.
var ErrVersionMismatch = errors.New("jnode registry version mismatch")

const (
	persistPver = uint32(jnode.ProtocolVersion)

	// maxPersistedItems bounds counts read back from disk.
	maxPersistedItems = 1 << 24

	maxNetKeySize = 64
)

func writeCount(w io.Writer, n int) error {
	return wire.WriteVarInt(w, persistPver, uint64(n))
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

func writeExpiries(w io.Writer, m map[string]int64) error {
	if err := writeCount(w, len(m)); err != nil {
		return err
	}
	for key, expiry := range m {
		if err := wire.WriteVarString(w, persistPver, key); err != nil {
			return err
		}
		if err := jnode.WriteElements(w, expiry); err != nil {
			return err
		}
	}
	return nil
}

func readExpiries(r io.Reader, what string) (map[string]int64, error) {
	n, err := readCount(r, what)
	if err != nil {
		return nil, err
	}
	m := make(map[string]int64, n)
	for i := 0; i < n; i++ {
		key, err := readNetKey(r)
		if err != nil {
			return nil, err
		}
		var expiry int64
		if err := jnode.ReadElements(r, &expiry); err != nil {
			return nil, err
		}
		m[key] = expiry
	}
	return m, nil
}

func readNetKey(r io.Reader) (string, error) {
	b, err := wire.ReadVarBytes(r, persistPver, maxNetKeySize, "address")
	return string(b), err
}

// Serialize writes the registry cache: entries, rate limits, recovery state,
// seen broadcasts and pings, and the index.
func (m *Manager) Serialize(w io.Writer) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if err := wire.WriteVarString(w, persistPver, SerializationVersion); err != nil {
		return err
	}

	ops := m.sortedOutpoints()
	if err := writeCount(w, len(ops)); err != nil {
		return err
	}
	for _, op := range ops {
		if err := m.entries[op].Serialize(w); err != nil {
			return err
		}
	}

	if err := writeExpiries(w, m.askedUsForList); err != nil {
		return err
	}
	if err := writeExpiries(w, m.weAskedForList); err != nil {
		return err
	}
	if err := writeCount(w, len(m.weAskedForEntry)); err != nil {
		return err
	}
	for op, asked := range m.weAskedForEntry {
		if err := jnode.WriteOutPoint(w, &op); err != nil {
			return err
		}
		if err := writeExpiries(w, asked); err != nil {
			return err
		}
	}

	if err := writeCount(w, len(m.recoveryRequests)); err != nil {
		return err
	}
	for hash, req := range m.recoveryRequests {
		if err := jnode.WriteElements(w, &hash, req.deadline); err != nil {
			return err
		}
		if err := writeCount(w, len(req.addrs)); err != nil {
			return err
		}
		for key := range req.addrs {
			if err := wire.WriteVarString(w, persistPver, key); err != nil {
				return err
			}
		}
	}
	if err := writeCount(w, len(m.recoveryReplies)); err != nil {
		return err
	}
	for hash, replies := range m.recoveryReplies {
		if err := jnode.WriteElements(w, &hash); err != nil {
			return err
		}
		if err := writeCount(w, len(replies)); err != nil {
			return err
		}
		for _, b := range replies {
			if err := b.BtcEncode(w, persistPver, wire.BaseEncoding); err != nil {
				return err
			}
		}
	}

	if err := jnode.WriteElements(w, m.lastWatchdogVote, m.dsqCount); err != nil {
		return err
	}

	if err := writeCount(w, len(m.seenBroadcasts)); err != nil {
		return err
	}
	for hash, seen := range m.seenBroadcasts {
		if err := jnode.WriteElements(w, &hash, seen.time); err != nil {
			return err
		}
		if err := seen.broadcast.BtcEncode(w, persistPver, wire.BaseEncoding); err != nil {
			return err
		}
	}
	if err := writeCount(w, len(m.seenPings)); err != nil {
		return err
	}
	for hash, ping := range m.seenPings {
		if err := jnode.WriteElements(w, &hash); err != nil {
			return err
		}
		if err := ping.BtcEncode(w, persistPver, wire.BaseEncoding); err != nil {
			return err
		}
	}

	indexed := m.index.sortedOutpoints()
	if err := writeCount(w, len(indexed)); err != nil {
		return err
	}
	for _, op := range indexed {
		if err := jnode.WriteOutPoint(w, &op); err != nil {
			return err
		}
		if err := jnode.WriteElements(w, int32(m.index.Get(op))); err != nil {
			return err
		}
	}
	return nil
}

// Deserialize replaces the registry contents with data written by
// Serialize.  On any error, a version mismatch included, the registry is
// left empty.
func (m *Manager) Deserialize(r io.Reader) error {
	tmp := &Manager{}
	tmp.reset()
	err := tmp.read(r)

	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.reset()
	if err != nil {
		return err
	}

	m.entries = tmp.entries
	m.index = tmp.index
	m.askedUsForList = tmp.askedUsForList
	m.weAskedForList = tmp.weAskedForList
	m.weAskedForEntry = tmp.weAskedForEntry
	m.recoveryRequests = tmp.recoveryRequests
	m.recoveryReplies = tmp.recoveryReplies
	m.lastWatchdogVote = tmp.lastWatchdogVote
	m.dsqCount = tmp.dsqCount
	m.seenBroadcasts = tmp.seenBroadcasts
	m.seenPings = tmp.seenPings

	// Entries missing from the index get fresh handles.
	for _, op := range m.sortedOutpoints() {
		m.index.Add(op)
	}
	return nil
}

func (m *Manager) read(r io.Reader) error {
	tag, err := wire.ReadVarString(r, persistPver)
	if err != nil {
		return err
	}
	if tag != SerializationVersion {
		return fmt.Errorf("%w: got %q", ErrVersionMismatch, tag)
	}

	n, err := readCount(r, "entries")
	if err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		e := new(jnode.Entry)
		if err := e.Deserialize(r); err != nil {
			return err
		}
		m.entries[e.Outpoint()] = e
	}

	if m.askedUsForList, err = readExpiries(r, "list requests"); err != nil {
		return err
	}
	if m.weAskedForList, err = readExpiries(r, "our list requests"); err != nil {
		return err
	}
	if n, err = readCount(r, "entry requests"); err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		var op wire.OutPoint
		if err := jnode.ReadOutPoint(r, &op); err != nil {
			return err
		}
		asked, err := readExpiries(r, "entry request peers")
		if err != nil {
			return err
		}
		m.weAskedForEntry[op] = asked
	}

	if n, err = readCount(r, "recovery requests"); err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		var hash chainhash.Hash
		req := &recoveryRequest{addrs: make(map[string]struct{})}
		if err := jnode.ReadElements(r, &hash, &req.deadline); err != nil {
			return err
		}
		addrs, err := readCount(r, "recovery peers")
		if err != nil {
			return err
		}
		for j := 0; j < addrs; j++ {
			key, err := readNetKey(r)
			if err != nil {
				return err
			}
			req.addrs[key] = struct{}{}
		}
		m.recoveryRequests[hash] = req
	}
	if n, err = readCount(r, "recovery replies"); err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		var hash chainhash.Hash
		if err := jnode.ReadElements(r, &hash); err != nil {
			return err
		}
		replies, err := readCount(r, "recovery reply broadcasts")
		if err != nil {
			return err
		}
		for j := 0; j < replies; j++ {
			b := new(jnode.Broadcast)
			if err := b.BtcDecode(r, persistPver, wire.BaseEncoding); err != nil {
				return err
			}
			m.recoveryReplies[hash] = append(m.recoveryReplies[hash], b)
		}
	}

	if err := jnode.ReadElements(r, &m.lastWatchdogVote, &m.dsqCount); err != nil {
		return err
	}

	if n, err = readCount(r, "seen broadcasts"); err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		var hash chainhash.Hash
		seen := &seenBroadcast{broadcast: new(jnode.Broadcast)}
		if err := jnode.ReadElements(r, &hash, &seen.time); err != nil {
			return err
		}
		if err := seen.broadcast.BtcDecode(r, persistPver, wire.BaseEncoding); err != nil {
			return err
		}
		m.seenBroadcasts[hash] = seen
	}
	if n, err = readCount(r, "seen pings"); err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		var hash chainhash.Hash
		ping := new(jnode.Ping)
		if err := jnode.ReadElements(r, &hash); err != nil {
			return err
		}
		if err := ping.BtcDecode(r, persistPver, wire.BaseEncoding); err != nil {
			return err
		}
		m.seenPings[hash] = ping
	}

	if n, err = readCount(r, "index handles"); err != nil {
		return err
	}
	forward := make(map[wire.OutPoint]int, n)
	for i := 0; i < n; i++ {
		var op wire.OutPoint
		var handle int32
		if err := jnode.ReadOutPoint(r, &op); err != nil {
			return err
		}
		if err := jnode.ReadElements(r, &handle); err != nil {
			return err
		}
		forward[op] = int(handle)
	}
	m.index.load(forward)
	return nil
}
