package meterproof

import (
	"fmt"
	"time"
)

// ExportBundle is a signed, content-addressed batch of one tenant's records.
// The CID covers the records in list order together with TenantID and
// ExportedAt.
type ExportBundle struct {
	Records    []SignedUsageRecord `json:"records"`
	TenantID   string              `json:"tenant_id"`
	ExportedAt string              `json:"exported_at"`
	CID        string              `json:"cid"`
	Sig        string              `json:"sig"`
	KID        string              `json:"kid"`
}

// Body returns the hashed part of the bundle.
func (b ExportBundle) Body() map[string]any {
	recs := make([]any, 0, len(b.Records))
	for _, r := range b.Records {
		recs = append(recs, r.Map())
	}
	return map[string]any{
		"records":     recs,
		"tenant_id":   b.TenantID,
		"exported_at": b.ExportedAt,
	}
}

// Map returns the full bundle as a generic JSON object.
func (b ExportBundle) Map() map[string]any {
	m := b.Body()
	m["cid"] = b.CID
	m["sig"] = b.Sig
	m["kid"] = b.KID
	return m
}

// NewBundle assembles and signs a bundle over records exactly as given; it
// does not reorder them.
func NewBundle(records []SignedUsageRecord, tenantID, exportedAt string, signer *Signer) (ExportBundle, error) {
	if signer == nil {
		return ExportBundle{}, ErrNotConfigured
	}
	b := ExportBundle{
		Records:    append(make([]SignedUsageRecord, 0, len(records)), records...),
		TenantID:   tenantID,
		ExportedAt: exportedAt,
		KID:        signer.KID(),
	}
	cid, err := CIDOf(b.Body())
	if err != nil {
		return ExportBundle{}, fmt.Errorf("bundle cid: %w", err)
	}
	b.CID = cid
	b.Sig = signer.Sign(bindingMessage(cid, tenantID, exportedAt))
	return b, nil
}

// Exporter builds bundles from the records held in a store.
type Exporter struct {
	store  Store
	signer *Signer
	now    func() time.Time
}

// NewExporter returns an exporter reading from store and signing with signer.
func NewExporter(store Store, signer *Signer) *Exporter {
	return &Exporter{store: store, signer: signer, now: time.Now}
}

// Export queries the tenant's records in rng and returns them as a signed
// bundle stamped with the current time.
func (e *Exporter) Export(tenantID string, rng Range) (ExportBundle, error) {
	if e.signer == nil {
		return ExportBundle{}, ErrNotConfigured
	}
	recs, err := e.store.Query(tenantID, rng)
	if err != nil {
		return ExportBundle{}, fmt.Errorf("query %s: %w", tenantID, err)
	}
	return NewBundle(recs, tenantID, FormatTimestamp(e.now()), e.signer)
}
