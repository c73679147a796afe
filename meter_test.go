package meterproof

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"
)

var testTime = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func testSigner(t *testing.T) *Signer {
	t.Helper()
	s, err := NewSigner(make([]byte, 32), "kid123")
	if err != nil {
		t.Fatalf("NewSigner failed: %v", err)
	}
	return s
}

func fixedClock() time.Time { return testTime }

// memStore is an in-memory Store for tests.
type memStore struct {
	recs      []SignedUsageRecord
	appendErr error
}

func (m *memStore) Append(r SignedUsageRecord) error {
	if m.appendErr != nil {
		return m.appendErr
	}
	m.recs = append(m.recs, r)
	return nil
}

func (m *memStore) Query(tenantID string, rng Range) ([]SignedUsageRecord, error) {
	var out []SignedUsageRecord
	for _, r := range m.recs {
		if r.TenantID == tenantID && rng.Contains(r.TS) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStore) Close() error { return nil }

func TestMeter_ConcreteScenario(t *testing.T) {
	signer := testSigner(t)
	store := &memStore{}
	m := NewMeter(signer, store, WithClock(fixedClock))

	res, err := m.Record(UsageInput{TenantID: "t1", Subject: "s", Action: "a", Quantity: 1})
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	rec := res.Record

	if rec.TS != "2024-01-01T00:00:00.000000+00:00" {
		t.Errorf("Unexpected ts %q", rec.TS)
	}
	want := "sha256:a90eba4b98c4ffe9aad93b7e541295cbae03146da92287b5fbb19eb79c199208"
	if rec.CID != want {
		t.Errorf("CID = %s, want %s", rec.CID, want)
	}
	if rec.KID != "kid123" {
		t.Errorf("KID = %q", rec.KID)
	}
	if !res.Persisted || res.PersistErr != nil {
		t.Errorf("Expected persisted record, got %+v", res)
	}
	if len(store.recs) != 1 {
		t.Fatalf("Expected 1 stored record, got %d", len(store.recs))
	}

	v := NewVerifier(signer.KeySet())
	if !v.VerifyRecord(rec) {
		t.Fatal("Fresh record failed verification")
	}
	rec.Quantity = 999
	if v.VerifyRecord(rec) {
		t.Fatal("Tampered quantity passed verification")
	}
}

func TestMeter_Validation(t *testing.T) {
	m := NewMeter(testSigner(t), nil)

	tests := []struct {
		name string
		in   UsageInput
	}{
		{"empty tenant", UsageInput{Subject: "s", Action: "a", Quantity: 1}},
		{"empty subject", UsageInput{TenantID: "t", Action: "a", Quantity: 1}},
		{"empty action", UsageInput{TenantID: "t", Subject: "s", Quantity: 1}},
		{"zero quantity", UsageInput{TenantID: "t", Subject: "s", Action: "a"}},
		{"negative quantity", UsageInput{TenantID: "t", Subject: "s", Action: "a", Quantity: -3}},
		{"tenant not utf-8", UsageInput{TenantID: "t\xff", Subject: "s", Action: "a", Quantity: 1}},
		{"subject not utf-8", UsageInput{TenantID: "t", Subject: "\xc3", Action: "a", Quantity: 1}},
		{"action not utf-8", UsageInput{TenantID: "t", Subject: "s", Action: "a\x80", Quantity: 1}},
		{"ts not utf-8", UsageInput{TenantID: "t", Subject: "s", Action: "a", Quantity: 1, TS: "2024\xfe"}},
		{"meta string not utf-8", UsageInput{TenantID: "t", Subject: "s", Action: "a", Quantity: 1, Meta: map[string]any{"k": "\xff"}}},
		{"meta key not utf-8", UsageInput{TenantID: "t", Subject: "s", Action: "a", Quantity: 1, Meta: map[string]any{"\xff": 1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Record(tt.in)
			if !errors.Is(err, ErrInvalidUsage) || !errors.Is(err, ErrValidation) {
				t.Fatalf("Expected validation error, got %v", err)
			}
		})
	}
}

func TestMeter_NoSigner(t *testing.T) {
	m := NewMeter(nil, &memStore{})
	_, err := m.Record(UsageInput{TenantID: "t", Subject: "s", Action: "a", Quantity: 1})
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("Expected ErrNotConfigured, got %v", err)
	}
	if errors.Is(err, ErrValidation) {
		t.Fatal("ErrNotConfigured must not be a validation error")
	}
}

func TestMeter_PersistenceFailure(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	store := &memStore{appendErr: errors.New("disk full")}
	signer := testSigner(t)
	m := NewMeter(signer, store, WithLogger(logger))

	res, err := m.Record(UsageInput{TenantID: "t1", Subject: "s", Action: "a", Quantity: 2})
	if err != nil {
		t.Fatalf("Record should not fail on persistence errors: %v", err)
	}
	if res.Persisted {
		t.Error("Expected Persisted=false")
	}
	if res.PersistErr == nil || !strings.Contains(res.PersistErr.Error(), "disk full") {
		t.Errorf("Unexpected PersistErr: %v", res.PersistErr)
	}
	if !NewVerifier(signer.KeySet()).VerifyRecord(res.Record) {
		t.Error("Unpersisted record should still verify")
	}
	if !strings.Contains(logs.String(), "persistence failure") || !strings.Contains(logs.String(), res.Record.CID) {
		t.Errorf("Expected persistence failure log, got %q", logs.String())
	}
}

func TestMeter_TimestampHandling(t *testing.T) {
	u := UsageInput{TenantID: "t", Subject: "s", Action: "a", Quantity: 1, TS: "2024-05-01T10:00:00"}

	res, err := NewMeter(testSigner(t), nil).Record(u)
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if res.Record.TS != u.TS {
		t.Errorf("Naive timestamp was rewritten to %q", res.Record.TS)
	}
	if res.Persisted {
		t.Error("Nil store must not report persistence")
	}

	_, err = NewMeter(testSigner(t), nil, WithStrictTimestamps()).Record(u)
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("Strict meter accepted naive timestamp: %v", err)
	}

	u.TS = "2024-05-01T10:00:00Z"
	if _, err := NewMeter(testSigner(t), nil, WithStrictTimestamps()).Record(u); err != nil {
		t.Fatalf("Strict meter rejected RFC 3339 timestamp: %v", err)
	}
}

func TestMeter_MetaPresence(t *testing.T) {
	m := NewMeter(testSigner(t), nil, WithClock(fixedClock))
	base := UsageInput{TenantID: "t", Subject: "s", Action: "a", Quantity: 1}

	absent, err := m.Record(base)
	if err != nil {
		t.Fatal(err)
	}
	base.Meta = map[string]any{}
	empty, err := m.Record(base)
	if err != nil {
		t.Fatal(err)
	}
	if absent.Record.CID == empty.Record.CID {
		t.Error("Empty meta must hash differently from absent meta")
	}

	v := NewVerifier(m.signer.KeySet())
	if !v.VerifyRecord(absent.Record) || !v.VerifyRecord(empty.Record) {
		t.Error("Records with and without meta should verify")
	}
}

func TestMeter_InvalidUTF8NotPersisted(t *testing.T) {
	store := &memStore{}
	m := NewMeter(testSigner(t), store)
	if _, err := m.Record(UsageInput{TenantID: "t\xff", Subject: "s", Action: "a", Quantity: 1}); !errors.Is(err, ErrInvalidUsage) {
		t.Fatalf("Expected ErrInvalidUsage, got %v", err)
	}
	if len(store.recs) != 0 {
		t.Errorf("Rejected record reached the store: %+v", store.recs)
	}
}

func TestMeter_MetaDetachedFromInput(t *testing.T) {
	signer := testSigner(t)
	meta := map[string]any{"region": "eu", "tags": []any{"x"}}
	res, err := NewMeter(signer, nil, WithClock(fixedClock)).Record(UsageInput{
		TenantID: "t", Subject: "s", Action: "a", Quantity: 1, Meta: meta,
	})
	if err != nil {
		t.Fatal(err)
	}

	meta["region"] = "us"
	meta["extra"] = true
	meta["tags"].([]any)[0] = "y"

	if !NewVerifier(signer.KeySet()).VerifyRecord(res.Record) {
		t.Error("Mutating the input meta invalidated the returned record")
	}
	if res.Record.Meta["region"] != "eu" || len(res.Record.Meta) != 2 {
		t.Errorf("Record meta follows the caller's map: %v", res.Record.Meta)
	}
}
