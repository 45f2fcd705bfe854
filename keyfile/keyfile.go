// Package keyfile stores the jnode hot key encrypted under a passphrase.
//
// A key file is a version byte, a 32 byte scrypt salt, a 12 byte nonce and
// the chacha20poly1305 sealed 32 byte secp256k1 scalar.
package keyfile

import (
	"crypto/rand"
	"errors"
	"fmt"
	"os"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"
)

const (
	version = 1

	saltSize = 32
	keySize  = 32

	scryptN = 32768
	scryptR = 8
	scryptP = 1

	fileSize = 1 + saltSize + chacha20poly1305.NonceSize + keySize +
		chacha20poly1305.Overhead
)

var (
	// ErrWrongPassphrase is returned when the file does not open with the
	// given passphrase.
	ErrWrongPassphrase = errors.New("wrong passphrase")

	// ErrMalformed is returned for data that is not a key file.
	ErrMalformed = errors.New("malformed key file")
)

func deriveKey(pass, salt []byte) ([]byte, error) {
	return scrypt.Key(pass, salt, scryptN, scryptR, scryptP, keySize)
}

// Encrypt seals key under pass.
func Encrypt(key *btcec.PrivateKey, pass []byte) ([]byte, error) {
	out := make([]byte, 1+saltSize+chacha20poly1305.NonceSize, fileSize)
	out[0] = version
	salt := out[1 : 1+saltSize]
	nonce := out[1+saltSize:]
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	dk, err := deriveKey(pass, salt)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(dk)
	if err != nil {
		return nil, err
	}
	return aead.Seal(out, nonce, key.Serialize(), out[:1]), nil
}

// Decrypt opens data sealed by Encrypt.
func Decrypt(data, pass []byte) (*btcec.PrivateKey, error) {
	if len(data) != fileSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformed, len(data))
	}
	if data[0] != version {
		return nil, fmt.Errorf("%w: version %d", ErrMalformed, data[0])
	}
	salt := data[1 : 1+saltSize]
	nonce := data[1+saltSize : 1+saltSize+chacha20poly1305.NonceSize]
	sealed := data[1+saltSize+chacha20poly1305.NonceSize:]

	dk, err := deriveKey(pass, salt)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(dk)
	if err != nil {
		return nil, err
	}
	raw, err := aead.Open(nil, nonce, sealed, data[:1])
	if err != nil {
		return nil, ErrWrongPassphrase
	}

	var scalar secp256k1.ModNScalar
	if overflow := scalar.SetByteSlice(raw); overflow || scalar.IsZero() {
		return nil, fmt.Errorf("%w: invalid private key", ErrMalformed)
	}
	return secp256k1.NewPrivateKey(&scalar), nil
}

// Generate returns a new random jnode key.
func Generate() (*btcec.PrivateKey, error) {
	return btcec.NewPrivateKey()
}

// Write seals key under pass into a new file at path.  An existing file is
// never overwritten.
func Write(path string, key *btcec.PrivateKey, pass []byte) error {
	data, err := Encrypt(key, pass)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Read loads the key stored at path.
func Read(path string, pass []byte) (*btcec.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Decrypt(data, pass)
}
