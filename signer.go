package meterproof

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// Signer holds an Ed25519 key pair and the key identifier published with it.
// It is read-only after construction and safe for concurrent use.
type Signer struct {
	kid  string
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// NewSigner builds a signer from a 32-byte Ed25519 seed.
func NewSigner(seed []byte, kid string) (*Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: private key has %d bytes, want %d", ErrKeyFormat, len(seed), ed25519.SeedSize)
	}
	if kid == "" {
		return nil, fmt.Errorf("%w: empty kid", ErrKeyFormat)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Signer{
		kid:  kid,
		priv: priv,
		pub:  priv.Public().(ed25519.PublicKey),
	}, nil
}

// ParseSigner builds a signer from a base64url-encoded seed.
func ParseSigner(privB64, kid string) (*Signer, error) {
	seed, err := DecodeB64URL(privB64)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyFormat, err)
	}
	return NewSigner(seed, kid)
}

// KID returns the key identifier.
func (s *Signer) KID() string { return s.kid }

// PublicKey returns the base64url-encoded public key.
func (s *Signer) PublicKey() string { return EncodeB64URL(s.pub) }

// Sign returns the base64url-encoded signature of message.
func (s *Signer) Sign(message []byte) string {
	return EncodeB64URL(ed25519.Sign(s.priv, message))
}

// Verify reports whether sig is a valid signature of message under the
// signer's public key. Only a malformed signature encoding is an error.
func (s *Signer) Verify(message []byte, sig string) (bool, error) {
	raw, err := DecodeB64URL(sig)
	if err != nil {
		return false, err
	}
	return ed25519.Verify(s.pub, message, raw), nil
}

// JWK returns the public half of the key as a key-set entry.
func (s *Signer) JWK() JWK {
	return JWK{Kty: "OKP", Crv: "Ed25519", X: s.PublicKey(), KID: s.kid}
}

// KeySet returns a key set containing only this signer's public key.
func (s *Signer) KeySet() KeySet {
	return KeySet{Keys: []JWK{s.JWK()}}
}

// VerifySignature checks sig over message against a base64url-encoded
// Ed25519 public key. A signature that merely does not match returns false
// with a nil error; malformed encodings or key lengths return an error.
func VerifySignature(publicKey string, message []byte, sig string) (bool, error) {
	pub, err := DecodeB64URL(publicKey)
	if err != nil {
		return false, err
	}
	if len(pub) != ed25519.PublicKeySize {
		return false, fmt.Errorf("%w: public key has %d bytes, want %d", ErrKeyFormat, len(pub), ed25519.PublicKeySize)
	}
	raw, err := DecodeB64URL(sig)
	if err != nil {
		return false, err
	}
	return ed25519.Verify(ed25519.PublicKey(pub), message, raw), nil
}

// EncodeB64URL encodes b as unpadded base64url.
func EncodeB64URL(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// DecodeB64URL decodes base64url with or without padding and rejects any
// character outside the URL-safe alphabet.
func DecodeB64URL(s string) ([]byte, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
	if err != nil {
		var corrupt base64.CorruptInputError
		if errors.As(err, &corrupt) {
			return nil, fmt.Errorf("%w: illegal data at byte %d", ErrEncoding, int64(corrupt))
		}
		return nil, fmt.Errorf("%w: %v", ErrEncoding, err)
	}
	return raw, nil
}
