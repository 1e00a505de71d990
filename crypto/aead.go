package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
)

// NonceSize is the length in bytes of the AES-GCM IV used to seal opaque
// payloads (96 bits).
const NonceSize = 12

var ErrSeal = errors.New("could not seal payload")
var ErrOpen = errors.New("could not open payload")

// Cipher seals and opens opaque MESSAGE content with AES-256-GCM. The core
// never inspects plaintext; this is a utility offered to clients that choose
// to encrypt MESSAGE.content end-to-end.
type Cipher struct {
	aead cipher.AEAD
}

// CipherFromSharedSecret derives an AES-256-GCM cipher from an ECDH shared
// secret hash.
func CipherFromSharedSecret(shared Hash) (Cipher, error) {
	block, err := aes.NewCipher(shared[:])
	if err != nil {
		return Cipher{}, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return Cipher{}, err
	}
	return Cipher{aead: aead}, nil
}

// Seal encrypts plaintext and returns base64-ciphertext and hex-IV, matching
// the wire convention for an opaque MESSAGE.content string:
// "<hex-iv>:<base64-ciphertext>".
func (c Cipher) Seal(plaintext []byte) (string, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", ErrSeal
	}
	sealed := c.aead.Seal(nil, nonce, plaintext, nil)
	return hex.EncodeToString(nonce) + ":" + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal.
func (c Cipher) Open(opaque string) ([]byte, error) {
	sep := -1
	for i, r := range opaque {
		if r == ':' {
			sep = i
			break
		}
	}
	if sep < 0 {
		return nil, ErrOpen
	}
	nonce, err := hex.DecodeString(opaque[:sep])
	if err != nil || len(nonce) != NonceSize {
		return nil, ErrOpen
	}
	sealed, err := base64.StdEncoding.DecodeString(opaque[sep+1:])
	if err != nil {
		return nil, ErrOpen
	}
	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrOpen
	}
	return plaintext, nil
}
