package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/scrypt"
)

var ErrKeyFileParse = errors.New("could not parse key file")
var ErrKeyFileWrongPassword = errors.New("wrong passphrase or corrupted key file")

const saltSize = 16

// scryptParams are conservative defaults for an interactively-unlocked relay
// or client identity key, matching the cost the teacher used for its own
// vault (N=32768, r=8, p=1).
const (
	scryptN = 32768
	scryptR = 8
	scryptP = 1
)

// WriteEncryptedKeyFile seals priv with a key derived from passphrase via
// scrypt and writes "sealed:<hex-salt>:<hex-iv>:<base64-ciphertext>" to path. An
// empty passphrase stores the key in the clear, prefixed with "plain:".
func WriteEncryptedKeyFile(path string, priv PrivateKey, passphrase []byte) error {
	if len(passphrase) == 0 {
		return os.WriteFile(path, []byte("plain:"+hex.EncodeToString(priv[:])), 0600)
	}
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("could not generate salt: %w", err)
	}
	key, err := scrypt.Key(passphrase, salt, scryptN, scryptR, scryptP, 32)
	if err != nil {
		return fmt.Errorf("could not derive key: %w", err)
	}
	var sharedKey Hash
	copy(sharedKey[:], key)
	cipher, err := CipherFromSharedSecret(sharedKey)
	if err != nil {
		return err
	}
	sealed, err := cipher.Seal(priv[:])
	if err != nil {
		return err
	}
	content := "sealed:" + hex.EncodeToString(salt) + ":" + sealed
	return os.WriteFile(path, []byte(content), 0600)
}

// ReadEncryptedKeyFile is the inverse of WriteEncryptedKeyFile.
func ReadEncryptedKeyFile(path string, passphrase []byte) (PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return ZeroPrivateKey, fmt.Errorf("could not read key file: %w", err)
	}
	content := string(raw)
	if len(content) > 6 && content[:6] == "plain:" {
		seed, err := hex.DecodeString(content[6:])
		if err != nil || !IsValidPrivateKey(seed) {
			return ZeroPrivateKey, ErrKeyFileParse
		}
		var priv PrivateKey
		copy(priv[:], seed)
		return priv, nil
	}
	if len(content) <= 7 || content[:7] != "sealed:" {
		return ZeroPrivateKey, ErrKeyFileParse
	}
	rest := content[7:]
	sep := -1
	for i, r := range rest {
		if r == ':' {
			sep = i
			break
		}
	}
	if sep < 0 {
		return ZeroPrivateKey, ErrKeyFileParse
	}
	salt, err := hex.DecodeString(rest[:sep])
	if err != nil {
		return ZeroPrivateKey, ErrKeyFileParse
	}
	key, err := scrypt.Key(passphrase, salt, scryptN, scryptR, scryptP, 32)
	if err != nil {
		return ZeroPrivateKey, fmt.Errorf("could not derive key: %w", err)
	}
	var sharedKey Hash
	copy(sharedKey[:], key)
	cipher, err := CipherFromSharedSecret(sharedKey)
	if err != nil {
		return ZeroPrivateKey, err
	}
	seed, err := cipher.Open(rest[sep+1:])
	if err != nil || !IsValidPrivateKey(seed) {
		return ZeroPrivateKey, ErrKeyFileWrongPassword
	}
	var priv PrivateKey
	copy(priv[:], seed)
	return priv, nil
}
