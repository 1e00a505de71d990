package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"errors"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// TokenSize is the length in bytes of a compressed secp256k1 public key.
const TokenSize = 33

// PrivateKeySize is the length in bytes of a secp256k1 scalar.
const PrivateKeySize = 32

// SignatureSize is the length in bytes of a serialized ECDSA signature.
const SignatureSize = 64

var ErrInvalidPrivateKey = errors.New("invalid private key")
var ErrInvalidToken = errors.New("invalid token")
var ErrInvalidSignature = errors.New("invalid signature encoding")

// Token is a user id: the 33-byte compressed encoding of a secp256k1 public
// key. It marshals to lowercase hex.
type Token [TokenSize]byte

// ZeroToken is the all-zero token, never a valid public key.
var ZeroToken Token

// PrivateKey is a secp256k1 scalar used to sign events and to derive shared
// secrets for opaque payload encryption.
type PrivateKey [PrivateKeySize]byte

// ZeroPrivateKey is the all-zero private key, never valid.
var ZeroPrivateKey PrivateKey

// Signature is a 64-byte compact ECDSA signature (r || s).
type Signature [SignatureSize]byte

func (t Token) String() string {
	return hex.EncodeToString(t[:])
}

// MarshalText implements encoding.TextMarshaler as lowercase hex.
func (t Token) MarshalText() ([]byte, error) {
	text := make([]byte, hex.EncodedLen(TokenSize))
	hex.Encode(text, t[:])
	return text, nil
}

// UnmarshalText implements encoding.TextUnmarshaler for lowercase hex.
func (t *Token) UnmarshalText(text []byte) error {
	_, err := hex.Decode(t[:], text)
	return err
}

// Equal reports whether two tokens are identical.
func (t Token) Equal(another Token) bool {
	return t == another
}

// DecodeToken parses a lowercase hex-encoded token.
func DecodeToken(text string) Token {
	var token Token
	hex.Decode(token[:], []byte(text))
	return token
}

// EncodeToken is the inverse of DecodeToken.
func EncodeToken(t Token) string {
	return t.String()
}

// IsValidPrivateKey reports whether raw is a scalar in the secp256k1 group
// order, as required by a well-formed private key file.
func IsValidPrivateKey(raw []byte) bool {
	if len(raw) != PrivateKeySize {
		return false
	}
	var scalar secp256k1.ModNScalar
	overflow := scalar.SetByteSlice(raw)
	return !overflow && !scalar.IsZero()
}

// RandomAsymetricKey generates a fresh secp256k1 keypair. The name matches
// the relay/client identity generator used throughout this module.
func RandomAsymetricKey() (Token, PrivateKey) {
	for {
		var seed [PrivateKeySize]byte
		if _, err := rand.Read(seed[:]); err != nil {
			continue
		}
		if !IsValidPrivateKey(seed[:]) {
			continue
		}
		priv := PrivateKey(seed)
		return priv.PublicKey(), priv
	}
}

// PrivateKeyFromSeed builds a PrivateKey from raw scalar bytes.
func PrivateKeyFromSeed(seed [PrivateKeySize]byte) PrivateKey {
	return PrivateKey(seed)
}

func (p PrivateKey) scalar() *secp256k1.PrivateKey {
	return secp256k1.PrivKeyFromBytes(p[:])
}

// PublicKey derives the compressed public key (Token) for a private key.
func (p PrivateKey) PublicKey() Token {
	pub := p.scalar().PubKey()
	var token Token
	copy(token[:], pub.SerializeCompressed())
	return token
}

// Sign signs the SHA-256 digest of msg and returns a compact signature.
// Event authors always sign over canonical({body,author,createdAt}); the
// relay signs a CHECKPOINT event the same way, with the serialized state
// carried inside its body.
func (p PrivateKey) Sign(msg []byte) Signature {
	digest := Hasher(msg)
	// SignCompact yields [recovery code || r || s]; the leading recovery code
	// is dropped to keep the 64-byte r || s form Verify parses.
	compact := ecdsa.SignCompact(p.scalar(), digest[:], true)
	var out Signature
	copy(out[:], compact[1:])
	return out
}

// Verify checks a Sign-produced signature against msg.
func (t Token) Verify(msg []byte, signature Signature) bool {
	pub, err := secp256k1.ParsePubKey(t[:])
	if err != nil {
		return false
	}
	sig, err := parseCompactSignature(signature)
	if err != nil {
		return false
	}
	digest := Hasher(msg)
	return sig.Verify(digest[:], pub)
}

func parseCompactSignature(signature Signature) (*ecdsa.Signature, error) {
	r := new(secp256k1.ModNScalar)
	if overflow := r.SetByteSlice(signature[:32]); overflow {
		return nil, ErrInvalidSignature
	}
	s := new(secp256k1.ModNScalar)
	if overflow := s.SetByteSlice(signature[32:]); overflow {
		return nil, ErrInvalidSignature
	}
	return ecdsa.NewSignature(r, s), nil
}

// ECDH derives the shared secret hash between a private key and a peer
// token, used to seal opaque payloads client-side (outside the core's
// scope, see Cipher in aead.go).
func (p PrivateKey) ECDH(peer Token) (Hash, error) {
	pub, err := secp256k1.ParsePubKey(peer[:])
	if err != nil {
		return Hash{}, ErrInvalidToken
	}
	var shared secp256k1.JacobianPoint
	var pubJacobian secp256k1.JacobianPoint
	pub.AsJacobian(&pubJacobian)
	secp256k1.ScalarMultNonConst(&p.scalar().Key, &pubJacobian, &shared)
	shared.ToAffine()
	xBytes := shared.X.Bytes()
	return Hasher(xBytes[:]), nil
}

// DerivePub is an alias for PublicKey.
func (p PrivateKey) DerivePub() Token {
	return p.PublicKey()
}
