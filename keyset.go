package meterproof

import (
	"encoding/json"
	"fmt"
)

// JWK is one public verification key in key-set form.
type JWK struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	KID string `json:"kid"`
}

// KeySet is a published collection of public keys, serialized as
// {"keys":[...]}.
type KeySet struct {
	Keys []JWK `json:"keys"`
}

// ParseKeySet decodes a key set and rejects entries that are not Ed25519
// OKP keys, have no kid, or carry a malformed public key.
func ParseKeySet(data []byte) (KeySet, error) {
	var ks KeySet
	if err := json.Unmarshal(data, &ks); err != nil {
		return KeySet{}, fmt.Errorf("%w: decode key set: %v", ErrKeyFormat, err)
	}
	for i, k := range ks.Keys {
		if k.Kty != "OKP" || k.Crv != "Ed25519" {
			return KeySet{}, fmt.Errorf("%w: key %d is %s/%s, want OKP/Ed25519", ErrKeyFormat, i, k.Kty, k.Crv)
		}
		if k.KID == "" {
			return KeySet{}, fmt.Errorf("%w: key %d has no kid", ErrKeyFormat, i)
		}
		pub, err := DecodeB64URL(k.X)
		if err != nil {
			return KeySet{}, fmt.Errorf("key %q: %w", k.KID, err)
		}
		if len(pub) != 32 {
			return KeySet{}, fmt.Errorf("%w: key %q has %d bytes", ErrKeyFormat, k.KID, len(pub))
		}
	}
	return ks, nil
}

// Lookup returns the public key published under kid.
func (ks KeySet) Lookup(kid string) (string, bool) {
	for _, k := range ks.Keys {
		if k.KID == kid {
			return k.X, true
		}
	}
	return "", false
}

// Merge returns a key set holding the keys of ks followed by those of other.
// Later entries never replace an existing kid.
func (ks KeySet) Merge(other KeySet) KeySet {
	out := KeySet{Keys: append([]JWK(nil), ks.Keys...)}
	for _, k := range other.Keys {
		if _, ok := out.Lookup(k.KID); !ok {
			out.Keys = append(out.Keys, k)
		}
	}
	return out
}
