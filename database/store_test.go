package database

import (
	"bytes"
	"errors"
	"io"
	"path/filepath"
	"testing"

	"github.com/jemcash/jnoded/netparams"
	"github.com/stretchr/testify/require"
)

// blob is a trivial component state.
type blob struct {
	data []byte
}

func (b *blob) Serialize(w io.Writer) error {
	_, err := w.Write(b.data)
	return err
}

func (b *blob) Deserialize(r io.Reader) error {
	data, err := io.ReadAll(r)
	b.data = data
	return err
}

var errBroken = errors.New("broken")

type brokenBlob struct{}

func (brokenBlob) Serialize(io.Writer) error { return errBroken }

func TestStore(t *testing.T) {
	for _, driver := range Drivers {
		t.Run(driver, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), driver)
			s, err := Open(driver, path, netparams.MainNet)
			require.NoError(t, err)

			var got blob
			require.ErrorIs(t, s.Load(BlobJnodes, &got), ErrNotFound)

			want := &blob{data: []byte("registry state")}
			require.NoError(t, s.Save(BlobJnodes, want))
			require.NoError(t, s.Save(BlobPayments, &blob{data: []byte("votes")}))
			require.ErrorIs(t, s.Save(BlobPayments, brokenBlob{}), errBroken)
			require.NoError(t, s.Close())

			// The data survives a restart.
			s, err = Open(driver, path, netparams.MainNet)
			require.NoError(t, err)
			require.NoError(t, s.Load(BlobJnodes, &got))
			require.Equal(t, want.data, got.data)
			require.NoError(t, s.Load(BlobPayments, &got))
			require.Equal(t, []byte("votes"), got.data)
			require.NoError(t, s.Close())

			_, err = Open(driver, path, netparams.TestNet)
			require.ErrorIs(t, err, ErrWrongNetwork)
		})
	}
}

func TestStoreUnknownDriver(t *testing.T) {
	_, err := Open("bolt", t.TempDir(), netparams.MainNet)
	require.ErrorIs(t, err, ErrUnknownDriver)
}

func TestStoreCorrupt(t *testing.T) {
	s, err := Open(DriverLevelDB, filepath.Join(t.TempDir(), "db"), netparams.MainNet)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Save(BlobJnodes, &blob{data: []byte("registry state")}))
	snap, err := s.engine.Snapshot()
	require.NoError(t, err)
	raw, err := snap.Get(blobKey(BlobJnodes))
	require.NoError(t, err)
	snap.Release()

	tests := []struct {
		name string
		data []byte
	}{
		{"flipped byte", func() []byte {
			b := bytes.Clone(raw)
			b[len(b)/2] ^= 0xff
			return b
		}()},
		{"truncated", raw[:10]},
		{"empty", nil},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			require.NoError(t, s.put(blobKey(BlobJnodes), test.data))
			var got blob
			require.ErrorIs(t, s.Load(BlobJnodes, &got), ErrCorrupt)
		})
	}

	// A blob stored under the wrong name has the wrong magic.
	require.NoError(t, s.put(blobKey(BlobPayments), raw))
	var got blob
	require.ErrorIs(t, s.Load(BlobPayments, &got), ErrCorrupt)
}

func TestStoreSaveAll(t *testing.T) {
	for _, driver := range Drivers {
		t.Run(driver, func(t *testing.T) {
			s, err := Open(driver, filepath.Join(t.TempDir(), driver), netparams.MainNet)
			require.NoError(t, err)
			defer s.Close()

			// One failing component keeps the other from being written.
			err = s.SaveAll(
				Blob{BlobJnodes, &blob{data: []byte("registry state")}},
				Blob{BlobPayments, brokenBlob{}},
			)
			require.ErrorIs(t, err, errBroken)
			names, err := s.Blobs()
			require.NoError(t, err)
			require.Empty(t, names)

			require.NoError(t, s.SaveAll(
				Blob{BlobPayments, &blob{data: []byte("votes")}},
				Blob{BlobJnodes, &blob{data: []byte("registry state")}},
			))
			names, err = s.Blobs()
			require.NoError(t, err)
			require.Equal(t, []string{BlobJnodes, BlobPayments}, names)

			require.Error(t, s.Save("governance", &blob{}))
		})
	}
}

func TestStorePrunesStaleBlobs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db")
	s, err := Open(DriverPebble, path, netparams.MainNet)
	require.NoError(t, err)
	require.NoError(t, s.Save(BlobJnodes, &blob{data: []byte("registry state")}))
	require.NoError(t, s.put(blobKey("governance"), []byte("old")))
	names, err := s.Blobs()
	require.NoError(t, err)
	require.Equal(t, []string{"governance", BlobJnodes}, names)
	require.NoError(t, s.Close())

	s, err = Open(DriverPebble, path, netparams.MainNet)
	require.NoError(t, err)
	defer s.Close()
	names, err = s.Blobs()
	require.NoError(t, err)
	require.Equal(t, []string{BlobJnodes}, names)
	var got blob
	require.NoError(t, s.Load(BlobJnodes, &got))
	require.Equal(t, []byte("registry state"), got.data)
}
