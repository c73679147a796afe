package meterproof

import (
	"errors"
	"strings"
	"testing"
)

const emptyCID = "sha256:e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

func TestCID_Empty(t *testing.T) {
	if got := CID(nil); got != emptyCID {
		t.Errorf("CID(nil) = %s", got)
	}
}

func TestCIDOf_MatchesCanonicalBytes(t *testing.T) {
	body := map[string]any{"b": 2, "a": "x"}
	got, err := CIDOf(body)
	if err != nil {
		t.Fatal(err)
	}
	if got != CID([]byte(`{"a":"x","b":2}`)) {
		t.Errorf("CIDOf did not hash the canonical form")
	}
}

func TestParseCID(t *testing.T) {
	if _, err := ParseCID(emptyCID); err != nil {
		t.Fatalf("ParseCID failed on valid CID: %v", err)
	}
	for _, bad := range []string{
		"",
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		"sha1:e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		"sha256:abc",
		"sha256:" + strings.ToUpper(emptyCID[7:]),
		"sha256:" + strings.Repeat("zz", 32),
	} {
		_, err := ParseCID(bad)
		if !errors.Is(err, ErrInvalidCID) || !errors.Is(err, ErrValidation) {
			t.Errorf("ParseCID(%q) = %v, want ErrInvalidCID", bad, err)
		}
	}
}

func TestCIDv1_RoundTrip(t *testing.T) {
	v1, err := CIDv1(emptyCID)
	if err != nil {
		t.Fatalf("CIDv1 failed: %v", err)
	}
	if v1 != "bafkreihdwdcefgh4dqkjv67uzcmw7ojee6xedzdetojuzjevtenxquvyku" {
		t.Errorf("Unexpected CIDv1 %s", v1)
	}
	back, err := FromCIDv1(v1)
	if err != nil {
		t.Fatalf("FromCIDv1 failed: %v", err)
	}
	if back != emptyCID {
		t.Errorf("Round trip gave %s", back)
	}
}

func TestCIDv1_Invalid(t *testing.T) {
	if _, err := CIDv1("md5:1234"); !errors.Is(err, ErrInvalidCID) {
		t.Errorf("Expected ErrInvalidCID, got %v", err)
	}
	if _, err := FromCIDv1("not-a-cid"); !errors.Is(err, ErrInvalidCID) {
		t.Errorf("Expected ErrInvalidCID, got %v", err)
	}
}
