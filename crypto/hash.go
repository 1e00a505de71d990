// Package crypto provides the canonical encoding, hashing and secp256k1
// primitives every guild log is built on: computing an event id, signing a
// publish, and deriving the shared secret used to seal an opaque MESSAGE
// payload all live here.
package crypto

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
)

// Size is the length in bytes of a Hash.
const Size = sha256.Size

// Hash is a SHA-256 digest. It marshals to lowercase hex, as required for
// event ids and guild ids.
type Hash [Size]byte

// ZeroHash is the hash of the empty byte slice.
var ZeroHash Hash = Hasher([]byte{})

// ZeroValueHash is the all-zero hash, distinct from ZeroHash.
var ZeroValueHash Hash

// Hasher returns the SHA-256 digest of data.
func Hasher(data []byte) Hash {
	return Hash(sha256.Sum256(data))
}

// HashToken hashes the compressed public key bytes of a Token.
func HashToken(token Token) Hash {
	return Hash(sha256.Sum256(token[:]))
}

// Equal reports whether two hashes are identical.
func (h Hash) Equal(another Hash) bool {
	return h == another
}

// Equals compares the hash against a raw byte slice prefix.
func (h Hash) Equals(another []byte) bool {
	if len(another) < Size {
		return false
	}
	return bytes.Equal(h[:], another[:Size])
}

// String returns the lowercase hex encoding of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// MarshalText implements encoding.TextMarshaler as lowercase hex.
func (h Hash) MarshalText() (text []byte, err error) {
	text = make([]byte, hex.EncodedLen(Size))
	hex.Encode(text, h[:])
	return
}

// UnmarshalText implements encoding.TextUnmarshaler for lowercase hex.
func (h *Hash) UnmarshalText(text []byte) error {
	_, err := hex.Decode(h[:], text)
	return err
}

// DecodeHash parses a lowercase hex digest. It returns the zero hash on a
// malformed string.
func DecodeHash(text string) Hash {
	var hash Hash
	hex.Decode(hash[:], []byte(text))
	return hash
}

// EncodeHash is the inverse of DecodeHash.
func EncodeHash(h Hash) string {
	return h.String()
}

// BytesToHash copies bytes into a Hash. It returns the zero hash if the
// length does not match Size.
func BytesToHash(b []byte) Hash {
	var hash Hash
	if len(b) != Size {
		return hash
	}
	copy(hash[:], b)
	return hash
}
