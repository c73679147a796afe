package meterproof

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// CIDPrefix is the algorithm tag every content identifier starts with.
const CIDPrefix = "sha256:"

// CID returns the content identifier of canonical bytes: "sha256:" followed
// by the lowercase hex SHA-256 digest.
func CID(canonical []byte) string {
	sum := sha256.Sum256(canonical)
	return CIDPrefix + hex.EncodeToString(sum[:])
}

// CIDOf canonicalizes v and returns its content identifier.
func CIDOf(v any) (string, error) {
	canon, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	return CID(canon), nil
}

// ParseCID checks that s is a well-formed content identifier and returns its
// raw digest.
func ParseCID(s string) ([]byte, error) {
	if !strings.HasPrefix(s, CIDPrefix) {
		return nil, fmt.Errorf("%w: missing %q prefix", ErrInvalidCID, CIDPrefix)
	}
	hexDigest := strings.TrimPrefix(s, CIDPrefix)
	if len(hexDigest) != 2*sha256.Size || strings.ToLower(hexDigest) != hexDigest {
		return nil, fmt.Errorf("%w: digest must be %d lowercase hex characters", ErrInvalidCID, 2*sha256.Size)
	}
	digest, err := hex.DecodeString(hexDigest)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCID, err)
	}
	return digest, nil
}

// CIDv1 converts a sha256: content identifier into the equivalent IPFS CIDv1
// (raw codec, sha2-256 multihash), so records and bundles can be pinned in
// content-addressed stores under the same digest.
func CIDv1(s string) (string, error) {
	digest, err := ParseCID(s)
	if err != nil {
		return "", err
	}
	mh, err := multihash.Encode(digest, multihash.SHA2_256)
	if err != nil {
		return "", fmt.Errorf("encode multihash: %w", err)
	}
	return cid.NewCidV1(cid.Raw, mh).String(), nil
}

// FromCIDv1 is the inverse of CIDv1.
func FromCIDv1(s string) (string, error) {
	c, err := cid.Decode(s)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCID, err)
	}
	decoded, err := multihash.Decode(c.Hash())
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCID, err)
	}
	if decoded.Code != multihash.SHA2_256 {
		return "", fmt.Errorf("%w: multihash is %s, want sha2-256", ErrInvalidCID, multihash.Codes[decoded.Code])
	}
	return CIDPrefix + hex.EncodeToString(decoded.Digest), nil
}
