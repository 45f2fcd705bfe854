// Package database persists the jnode registry and payment ledger between
// runs.  Each component is stored as one checksummed blob under its own key
// in an engine backend.
package database

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/jemcash/jnoded/database/engine"
	"github.com/jemcash/jnoded/database/engine/badgerdb"
	"github.com/jemcash/jnoded/database/engine/leveldb"
	"github.com/jemcash/jnoded/database/engine/pebbledb"
)

// Supported backends.
const (
	DriverLevelDB = "leveldb"
	DriverPebble  = "pebble"
	DriverBadger  = "badger"
)

// Drivers lists the backend names Open accepts.
var Drivers = []string{DriverLevelDB, DriverPebble, DriverBadger}

// Blob names.
const (
	BlobJnodes   = "jnodeman"
	BlobPayments = "payments"
)

// storeVersion is bumped when the blob framing or key layout changes.
const storeVersion = 2

var (
	metaKey    = []byte("meta")
	blobPrefix = []byte("blob/")
)

func blobKey(name string) []byte {
	return append(append([]byte(nil), blobPrefix...), name...)
}

// blobMagic identifies the content of each blob.
var blobMagic = map[string]string{
	BlobJnodes:   "JnodeCache",
	BlobPayments: "JnodePayments",
}

var (
	// ErrUnknownDriver is returned by Open for unsupported backends.
	ErrUnknownDriver = errors.New("unknown database type")

	// ErrWrongNetwork is returned when the data belongs to another network.
	ErrWrongNetwork = errors.New("database belongs to another network")

	// ErrCorrupt is returned when a blob fails its checksum or framing.
	ErrCorrupt = errors.New("corrupt database entry")

	// ErrNotFound is returned by Load when nothing was stored yet.
	ErrNotFound = errors.New("not found")
)

// Serializer is implemented by components that can write their state.
type Serializer interface {
	Serialize(w io.Writer) error
}

// Deserializer is implemented by components that can restore their state.
type Deserializer interface {
	Deserialize(r io.Reader) error
}

// Blob names one component state for SaveAll.
type Blob struct {
	Name  string
	State Serializer
}

// Store is an open jnode state database.
type Store struct {
	mtx    sync.Mutex
	engine engine.Engine
	net    wire.BitcoinNet
}

func openEngine(driver, path string) (engine.Engine, error) {
	switch driver {
	case DriverLevelDB:
		return leveldb.NewDB(path, false)
	case DriverPebble:
		return pebbledb.NewDB(path, false, 0, 0)
	case DriverBadger:
		if err := os.MkdirAll(path, 0700); err != nil {
			return nil, err
		}
		return badgerdb.NewDB(path)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
}

// Open opens, or creates, the database of the given driver at path for
// network net.
func Open(driver, path string, net wire.BitcoinNet) (*Store, error) {
	e, err := openEngine(driver, path)
	if err != nil {
		return nil, err
	}
	s := &Store{engine: e, net: net}
	if err := s.checkMeta(); err != nil {
		e.Close()
		return nil, err
	}
	if err := s.prune(); err != nil {
		e.Close()
		return nil, err
	}
	log.Debugf("Opened %s database at %s", driver, path)
	return s, nil
}

// checkMeta verifies the version and network record, writing it on first
// use.
func (s *Store) checkMeta() error {
	meta, err := s.get(metaKey)
	if errors.Is(err, engine.ErrNotFound) {
		var meta [8]byte
		binary.LittleEndian.PutUint32(meta[0:4], storeVersion)
		binary.LittleEndian.PutUint32(meta[4:8], uint32(s.net))
		return s.put(metaKey, meta[:])
	}
	if err != nil {
		return err
	}
	if len(meta) != 8 {
		return fmt.Errorf("%w: meta record of %d bytes", ErrCorrupt, len(meta))
	}
	if v := binary.LittleEndian.Uint32(meta[0:4]); v != storeVersion {
		return fmt.Errorf("unsupported database version %d", v)
	}
	if net := wire.BitcoinNet(binary.LittleEndian.Uint32(meta[4:8])); net != s.net {
		return fmt.Errorf("%w: have %v, want %v", ErrWrongNetwork, net, s.net)
	}
	return nil
}

func (s *Store) get(key []byte) ([]byte, error) {
	snap, err := s.engine.Snapshot()
	if err != nil {
		return nil, err
	}
	defer snap.Release()
	return snap.Get(key)
}

// Blobs returns the names of the stored blobs in key order.
func (s *Store) Blobs() ([]string, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.blobs()
}

func (s *Store) blobs() ([]string, error) {
	snap, err := s.engine.Snapshot()
	if err != nil {
		return nil, err
	}
	defer snap.Release()

	iter := snap.NewIterator(engine.BytesPrefix(blobPrefix))
	defer iter.Release()
	var names []string
	for iter.Next() {
		names = append(names, string(iter.Key()[len(blobPrefix):]))
	}
	return names, iter.Error()
}

// prune deletes blobs no component reads any more, such as the state of a
// component that was renamed.
func (s *Store) prune() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	names, err := s.blobs()
	if err != nil {
		return err
	}
	var stale []string
	for _, name := range names {
		if _, ok := blobMagic[name]; !ok {
			stale = append(stale, name)
		}
	}
	if len(stale) == 0 {
		return nil
	}

	tx, err := s.engine.Transaction()
	if err != nil {
		return err
	}
	defer tx.Discard()
	for _, name := range stale {
		if err := tx.Delete(blobKey(name)); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	log.Infof("Removed %d stale blobs %v", len(stale), stale)
	return nil
}

func (s *Store) put(key, value []byte) error {
	tx, err := s.engine.Transaction()
	if err != nil {
		return err
	}
	defer tx.Discard()
	if err := tx.Put(key, value); err != nil {
		return err
	}
	return tx.Commit()
}

// encode frames the state of c as the blob name.
func (s *Store) encode(name string, c Serializer) ([]byte, error) {
	magic, ok := blobMagic[name]
	if !ok {
		return nil, fmt.Errorf("unknown blob %q", name)
	}
	var buf bytes.Buffer
	if err := wire.WriteVarString(&buf, 0, magic); err != nil {
		return nil, err
	}
	var net [4]byte
	binary.LittleEndian.PutUint32(net[:], uint32(s.net))
	buf.Write(net[:])
	if err := c.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("serialize %s: %w", name, err)
	}
	buf.Write(chainhash.DoubleHashB(buf.Bytes()))
	return buf.Bytes(), nil
}

// Save writes the state of c under name.
func (s *Store) Save(name string, c Serializer) error {
	return s.SaveAll(Blob{Name: name, State: c})
}

// SaveAll writes every blob in one batch.  Either all of them are stored
// or, when any fails to serialize, none is.
func (s *Store) SaveAll(blobs ...Blob) error {
	encoded := make([][]byte, len(blobs))
	for i, b := range blobs {
		data, err := s.encode(b.Name, b.State)
		if err != nil {
			return err
		}
		encoded[i] = data
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()
	tx, err := s.engine.Transaction()
	if err != nil {
		return err
	}
	defer tx.Discard()
	for i, b := range blobs {
		if err := tx.Put(blobKey(b.Name), encoded[i]); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	for i, b := range blobs {
		log.Debugf("Wrote %s (%d bytes)", b.Name, len(encoded[i]))
	}
	return nil
}

// Load restores the state of c from name.  ErrNotFound is returned when
// nothing was saved yet.
func (s *Store) Load(name string, c Deserializer) error {
	s.mtx.Lock()
	data, err := s.get(blobKey(name))
	s.mtx.Unlock()
	if errors.Is(err, engine.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	if len(data) < chainhash.HashSize {
		return fmt.Errorf("%w: %s too short", ErrCorrupt, name)
	}
	body, sum := data[:len(data)-chainhash.HashSize], data[len(data)-chainhash.HashSize:]
	if !bytes.Equal(chainhash.DoubleHashB(body), sum) {
		return fmt.Errorf("%w: %s checksum mismatch", ErrCorrupt, name)
	}

	r := bytes.NewReader(body)
	magic, err := wire.ReadVarString(r, 0)
	if err != nil || magic != blobMagic[name] {
		return fmt.Errorf("%w: %s has unexpected magic %q", ErrCorrupt, name, magic)
	}
	var net [4]byte
	if _, err := io.ReadFull(r, net[:]); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorrupt, name, err)
	}
	if got := wire.BitcoinNet(binary.LittleEndian.Uint32(net[:])); got != s.net {
		return fmt.Errorf("%w: %s written for %v", ErrWrongNetwork, name, got)
	}
	if err := c.Deserialize(r); err != nil {
		return fmt.Errorf("deserialize %s: %w", name, err)
	}
	log.Debugf("Loaded %s (%d bytes)", name, len(data))
	return nil
}

// Close closes the backend.
func (s *Store) Close() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.engine.Close()
}
