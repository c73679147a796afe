package meterproof

import (
	"fmt"
	"log/slog"
	"time"
)

// Service bundles the meter, exporter and verifier over one store and one
// optional signer. Without a signer it can still verify and report, but
// Record and Export return ErrNotConfigured.
type Service struct {
	signer   *Signer
	store    Store
	meter    *Meter
	exporter *Exporter
	verifier *Verifier
	logger   *slog.Logger
}

// ServiceOption configures a Service.
type ServiceOption func(*serviceOptions)

type serviceOptions struct {
	logger  *slog.Logger
	now     func() time.Time
	trusted KeySet
	strict  bool
	require bool
}

// WithServiceLogger sets the logger passed to the meter.
func WithServiceLogger(l *slog.Logger) ServiceOption {
	return func(o *serviceOptions) { o.logger = l }
}

// WithServiceClock sets the clock used for generated record timestamps and
// bundle export times.
func WithServiceClock(now func() time.Time) ServiceOption {
	return func(o *serviceOptions) { o.now = now }
}

// WithTrustedKeys adds keys the verifier accepts besides the signer's own.
func WithTrustedKeys(ks KeySet) ServiceOption {
	return func(o *serviceOptions) { o.trusted = o.trusted.Merge(ks) }
}

// WithStrictRecordTimestamps makes Record reject non RFC 3339 timestamps.
func WithStrictRecordTimestamps() ServiceOption {
	return func(o *serviceOptions) { o.strict = true }
}

// WithRequiredSignatures makes hash-only records fail verification.
func WithRequiredSignatures() ServiceOption {
	return func(o *serviceOptions) { o.require = true }
}

// NewService wires a service around store. signer may be nil.
func NewService(signer *Signer, store Store, opts ...ServiceOption) *Service {
	o := serviceOptions{logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	keys := o.trusted
	if signer != nil {
		keys = signer.KeySet().Merge(keys)
	}
	meterOpts := []MeterOption{WithLogger(o.logger), WithClock(o.now)}
	if o.strict {
		meterOpts = append(meterOpts, WithStrictTimestamps())
	}
	exporter := NewExporter(store, signer)
	exporter.now = o.now

	return &Service{
		signer:   signer,
		store:    store,
		meter:    NewMeter(signer, store, meterOpts...),
		exporter: exporter,
		verifier: &Verifier{Keys: keys, RequireSignature: o.require},
		logger:   o.logger,
	}
}

// Signer returns the configured signer, or nil.
func (s *Service) Signer() *Signer { return s.signer }

// Verifier returns the service's verifier.
func (s *Service) Verifier() *Verifier { return s.verifier }

// KeySet returns the public keys the service signs with. It is
// ErrNotConfigured without a signer.
func (s *Service) KeySet() (KeySet, error) {
	if s.signer == nil {
		return KeySet{}, ErrNotConfigured
	}
	return s.signer.KeySet(), nil
}

// StoreBackend names the store backend: jsonl, sqlite, or the Go type of
// any other Store.
func (s *Service) StoreBackend() string {
	return StoreBackend(s.store)
}

// Receipt counter-signs a record returned by Record.
func (s *Service) Receipt(r SignedUsageRecord) (Receipt, error) {
	return NewReceipt(r, s.signer)
}

// Record signs and stores one usage event.
func (s *Service) Record(u UsageInput) (RecordResult, error) {
	return s.meter.Record(u)
}

// Export returns a signed bundle of the tenant's records in rng.
func (s *Service) Export(tenantID string, rng Range) (ExportBundle, error) {
	if tenantID == "" {
		return ExportBundle{}, fmt.Errorf("%w: tenant_id is empty", ErrValidation)
	}
	return s.exporter.Export(tenantID, rng)
}

// Verify checks a JSON record or bundle.
func (s *Service) Verify(data []byte) (bool, error) {
	return s.verifier.Verify(data)
}

// Check decodes a record or bundle in format f and returns its verdict.
// The error is non-nil only when data cannot be decoded.
func (s *Service) Check(data []byte, f Format) (Verdict, error) {
	doc, err := DecodeDocument(data, f)
	if err != nil {
		return VerdictInvalid, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return s.verifier.Check(doc), nil
}

// UsageReport totals a tenant's usage over a window.
type UsageReport struct {
	TenantID string           `json:"tenant_id"`
	Since    string           `json:"since,omitempty"`
	Until    string           `json:"until,omitempty"`
	Records  int              `json:"records"`
	Quantity int64            `json:"quantity"`
	ByAction map[string]int64 `json:"by_action"`
}

// Report sums the quantity of the tenant's stored records whose timestamp
// lies in [since, until]. Records that no longer verify are left out and
// logged.
func (s *Service) Report(tenantID, since, until string) (UsageReport, error) {
	if tenantID == "" {
		return UsageReport{}, fmt.Errorf("%w: tenant_id is empty", ErrValidation)
	}
	recs, err := s.store.Query(tenantID, Range{Since: since, Until: until})
	if err != nil {
		return UsageReport{}, fmt.Errorf("query %s: %w", tenantID, err)
	}
	rep := UsageReport{
		TenantID: tenantID,
		Since:    since,
		Until:    until,
		ByAction: make(map[string]int64),
	}
	for _, r := range recs {
		if !s.verifier.VerifyRecord(r) {
			s.logger.Warn("skipping unverifiable record", "tenant_id", tenantID, "cid", r.CID)
			continue
		}
		rep.Records++
		rep.Quantity += r.Quantity
		rep.ByAction[r.Action] += r.Quantity
	}
	return rep, nil
}

// Close closes the underlying store.
func (s *Service) Close() error {
	return s.store.Close()
}
