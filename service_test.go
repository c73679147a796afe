package meterproof

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestService_RecordExportVerify(t *testing.T) {
	signer := testSigner(t)
	svc := NewService(signer, &memStore{}, WithServiceClock(fixedClock))

	for i := 0; i < 3; i++ {
		res, err := svc.Record(UsageInput{TenantID: "t1", Subject: "s", Action: "a", Quantity: 2})
		if err != nil || !res.Persisted {
			t.Fatalf("Record failed: %v %v", err, res.PersistErr)
		}
	}
	b, err := svc.Export("t1", Range{})
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if len(b.Records) != 3 || b.ExportedAt != FormatTimestamp(testTime) {
		t.Errorf("Unexpected bundle: %d records at %s", len(b.Records), b.ExportedAt)
	}

	data, err := json.Marshal(b)
	if err != nil {
		t.Fatal(err)
	}
	ok, err := svc.Verify(data)
	if err != nil || !ok {
		t.Errorf("Verify = %v, %v", ok, err)
	}
	vd, err := svc.Check(data, FormatJSON)
	if err != nil || vd != VerdictVerified {
		t.Errorf("Check = %s, %v", vd, err)
	}
	if _, err := svc.Check([]byte("{"), FormatJSON); !errors.Is(err, ErrValidation) {
		t.Errorf("Expected validation error for bad input, got %v", err)
	}

	ks, err := svc.KeySet()
	if err != nil || len(ks.Keys) != 1 {
		t.Errorf("KeySet = %+v, %v", ks, err)
	}
	if _, err := svc.Export("", Range{}); !errors.Is(err, ErrValidation) {
		t.Errorf("Empty tenant export: %v", err)
	}
}

func TestService_NoSigner(t *testing.T) {
	signer := testSigner(t)
	rec, err := NewMeter(signer, nil).Record(UsageInput{TenantID: "t", Subject: "s", Action: "a", Quantity: 1})
	if err != nil {
		t.Fatal(err)
	}
	svc := NewService(nil, &memStore{}, WithTrustedKeys(signer.KeySet()))

	if _, err := svc.Record(UsageInput{TenantID: "t", Subject: "s", Action: "a", Quantity: 1}); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("Record: %v", err)
	}
	if _, err := svc.Export("t", Range{}); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("Export: %v", err)
	}
	if _, err := svc.KeySet(); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("KeySet: %v", err)
	}
	if !svc.Verifier().VerifyRecord(rec.Record) {
		t.Error("Trusted key not used for verification")
	}
}

func TestService_Report(t *testing.T) {
	signer := testSigner(t)
	store := &memStore{}
	svc := NewService(signer, store)

	for i, action := range []string{"api_call", "api_call", "storage_gb"} {
		_, err := svc.Record(UsageInput{
			TenantID: "t1", Subject: "s", Action: action, Quantity: int64(10 * (i + 1)),
			TS: FormatTimestamp(testTime.Add(time.Duration(i) * time.Hour)),
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	// A stored record that no longer verifies is left out of the totals.
	bad := store.recs[0]
	bad.Quantity = 1000
	store.recs = append(store.recs, bad)

	rep, err := svc.Report("t1", "", "")
	if err != nil {
		t.Fatalf("Report failed: %v", err)
	}
	if rep.Records != 3 || rep.Quantity != 60 {
		t.Errorf("Report = %+v", rep)
	}
	if rep.ByAction["api_call"] != 30 || rep.ByAction["storage_gb"] != 30 {
		t.Errorf("ByAction = %v", rep.ByAction)
	}

	rep, err = svc.Report("t1", FormatTimestamp(testTime.Add(time.Hour)), "")
	if err != nil {
		t.Fatal(err)
	}
	if rep.Records != 2 || rep.Quantity != 50 {
		t.Errorf("Windowed report = %+v", rep)
	}

	if _, err := svc.Report("", "", ""); !errors.Is(err, ErrValidation) {
		t.Errorf("Empty tenant report: %v", err)
	}
}

func TestService_RequiredSignatures(t *testing.T) {
	signer := testSigner(t)
	svc := NewService(signer, &memStore{}, WithRequiredSignatures(), WithStrictRecordTimestamps())

	if _, err := svc.Record(UsageInput{TenantID: "t", Subject: "s", Action: "a", Quantity: 1, TS: "yesterday"}); !errors.Is(err, ErrValidation) {
		t.Errorf("Strict timestamps not applied: %v", err)
	}
	res, err := svc.Record(UsageInput{TenantID: "t", Subject: "s", Action: "a", Quantity: 1})
	if err != nil {
		t.Fatal(err)
	}
	unsigned := res.Record.Map()
	delete(unsigned, "kid")
	if svc.Verifier().Passes(svc.Verifier().CheckRecord(unsigned)) {
		t.Error("Hash-only record passed with required signatures")
	}
}
