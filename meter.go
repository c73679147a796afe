package meterproof

import (
	"fmt"
	"log/slog"
	"time"
)

// Meter turns usage events into signed usage records and appends them to a
// store.
type Meter struct {
	signer *Signer
	store  Store
	now    func() time.Time
	logger *slog.Logger
	strict bool
}

// MeterOption configures a Meter.
type MeterOption func(*Meter)

// WithClock sets the time source used for events without a timestamp.
func WithClock(now func() time.Time) MeterOption {
	return func(m *Meter) { m.now = now }
}

// WithLogger sets the logger used to report persistence failures.
func WithLogger(l *slog.Logger) MeterOption {
	return func(m *Meter) { m.logger = l }
}

// WithStrictTimestamps rejects caller-supplied timestamps that are not
// RFC 3339. Without it timestamps are kept verbatim.
func WithStrictTimestamps() MeterOption {
	return func(m *Meter) { m.strict = true }
}

// NewMeter creates a meter that signs with signer and appends to store.
// A nil store signs records without persisting them.
func NewMeter(signer *Signer, store Store, opts ...MeterOption) *Meter {
	m := &Meter{
		signer: signer,
		store:  store,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RecordResult is the outcome of Meter.Record. Record is always valid and
// signed; Persisted reports whether the store accepted it.
type RecordResult struct {
	Record     SignedUsageRecord
	Persisted  bool
	PersistErr error
}

// Record validates u, signs the resulting record and attempts to persist
// it. Errors are returned only for invalid input or a missing signer. A
// failed append is logged and reported in the result, never returned.
func (m *Meter) Record(u UsageInput) (RecordResult, error) {
	if m.signer == nil {
		return RecordResult{}, ErrNotConfigured
	}
	if err := u.Validate(); err != nil {
		return RecordResult{}, err
	}

	ts := u.TS
	if ts == "" {
		ts = FormatTimestamp(m.now())
	} else if m.strict {
		if _, err := time.Parse(time.RFC3339Nano, ts); err != nil {
			return RecordResult{}, fmt.Errorf("%w: ts %q is not RFC 3339", ErrInvalidUsage, ts)
		}
	}

	meta, err := copyMeta(u.Meta)
	if err != nil {
		return RecordResult{}, fmt.Errorf("%w: meta: %v", ErrInvalidUsage, err)
	}
	rec := SignedUsageRecord{
		TenantID: u.TenantID,
		Subject:  u.Subject,
		Action:   u.Action,
		Quantity: u.Quantity,
		TS:       ts,
		Meta:     meta,
		KID:      m.signer.KID(),
	}
	cid, err := CIDOf(rec.Body())
	if err != nil {
		return RecordResult{}, fmt.Errorf("%w: meta: %v", ErrInvalidUsage, err)
	}
	rec.CID = cid
	rec.Sig = m.signer.Sign(rec.BindingMessage())

	res := RecordResult{Record: rec}
	if m.store == nil {
		return res, nil
	}
	if err := m.store.Append(rec); err != nil {
		m.logger.Warn("persistence failure",
			"tenant_id", rec.TenantID,
			"cid", rec.CID,
			"error", err)
		res.PersistErr = err
		return res, nil
	}
	res.Persisted = true
	return res, nil
}

// copyMeta detaches meta from the caller's map by round-tripping it through
// its canonical form. Numbers come back as json.Number.
func copyMeta(meta map[string]any) (map[string]any, error) {
	if meta == nil {
		return nil, nil
	}
	data, err := Canonicalize(meta)
	if err != nil {
		return nil, err
	}
	v, err := decodeJSON(data)
	if err != nil {
		return nil, err
	}
	return v.(map[string]any), nil
}
