package meterproof

import (
	"errors"
	"testing"
	"time"
)

func recordN(t *testing.T, m *Meter, tenant string, n int) []SignedUsageRecord {
	t.Helper()
	out := make([]SignedUsageRecord, 0, n)
	for i := 0; i < n; i++ {
		res, err := m.Record(UsageInput{
			TenantID: tenant,
			Subject:  "s",
			Action:   "a",
			Quantity: int64(i + 1),
			TS:       FormatTimestamp(testTime.Add(time.Duration(i) * time.Minute)),
		})
		if err != nil {
			t.Fatalf("Record failed: %v", err)
		}
		out = append(out, res.Record)
	}
	return out
}

func TestNewBundle_Verifies(t *testing.T) {
	signer := testSigner(t)
	recs := recordN(t, NewMeter(signer, nil), "t1", 3)

	b, err := NewBundle(recs, "t1", FormatTimestamp(testTime), signer)
	if err != nil {
		t.Fatalf("NewBundle failed: %v", err)
	}
	if b.KID != "kid123" || b.Sig == "" {
		t.Errorf("Bundle not signed: %+v", b)
	}
	if !NewVerifier(signer.KeySet()).VerifyBundle(b) {
		t.Fatal("Fresh bundle failed verification")
	}
}

func TestBundle_Tamper(t *testing.T) {
	signer := testSigner(t)
	v := NewVerifier(signer.KeySet())
	recs := recordN(t, NewMeter(signer, nil), "t1", 3)
	extra := recordN(t, NewMeter(signer, nil), "t1", 4)[3]

	b, err := NewBundle(recs, "t1", FormatTimestamp(testTime), signer)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		mutate func(b *ExportBundle)
	}{
		{"reorder", func(b *ExportBundle) { b.Records[0], b.Records[1] = b.Records[1], b.Records[0] }},
		{"add", func(b *ExportBundle) { b.Records = append(b.Records, extra) }},
		{"remove", func(b *ExportBundle) { b.Records = b.Records[:2] }},
		{"exported_at", func(b *ExportBundle) { b.ExportedAt = FormatTimestamp(testTime.Add(time.Second)) }},
		{"tenant", func(b *ExportBundle) { b.TenantID = "t2" }},
		{"signature", func(b *ExportBundle) { b.Sig = signer.Sign([]byte("other")) }},
		{"record quantity", func(b *ExportBundle) { b.Records[2].Quantity = 999 }},
		{"unknown kid", func(b *ExportBundle) { b.KID = "other" }},
		{"no kid", func(b *ExportBundle) { b.KID = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := b
			c.Records = append([]SignedUsageRecord(nil), b.Records...)
			tt.mutate(&c)
			for _, r := range c.Records {
				if tt.name != "record quantity" && !v.VerifyRecord(r) {
					t.Fatalf("Member record %s should still verify", r.CID)
				}
			}
			if v.VerifyBundle(c) {
				t.Error("Tampered bundle passed verification")
			}
		})
	}
}

func TestNewBundle_Empty(t *testing.T) {
	signer := testSigner(t)
	b, err := NewBundle(nil, "t1", FormatTimestamp(testTime), signer)
	if err != nil {
		t.Fatal(err)
	}
	if b.Records == nil {
		t.Error("Records should be an empty list, not nil")
	}
	if !NewVerifier(signer.KeySet()).VerifyBundle(b) {
		t.Error("Empty bundle failed verification")
	}
}

func TestNewBundle_NoSigner(t *testing.T) {
	if _, err := NewBundle(nil, "t1", "now", nil); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("Expected ErrNotConfigured, got %v", err)
	}
	if _, err := NewExporter(&memStore{}, nil).Export("t1", Range{}); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("Expected ErrNotConfigured, got %v", err)
	}
}

func TestExporter_Export(t *testing.T) {
	signer := testSigner(t)
	store := &memStore{}
	m := NewMeter(signer, store)
	recordN(t, m, "t1", 3)
	recordN(t, m, "t2", 2)

	e := NewExporter(store, signer)
	e.now = fixedClock
	b, err := e.Export("t1", Range{Since: FormatTimestamp(testTime.Add(time.Minute))})
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if len(b.Records) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(b.Records))
	}
	if b.TenantID != "t1" || b.ExportedAt != FormatTimestamp(testTime) {
		t.Errorf("Unexpected bundle header: %s %s", b.TenantID, b.ExportedAt)
	}
	if !NewVerifier(signer.KeySet()).VerifyBundle(b) {
		t.Error("Exported bundle failed verification")
	}
}
