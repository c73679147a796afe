package meterproof

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
	"unicode/utf8"
)

// TimestampLayout is the layout of timestamps assigned by the meter. It is
// fixed-width and always rendered in UTC, so lexicographic order of the
// strings matches temporal order.
const TimestampLayout = "2006-01-02T15:04:05.000000-07:00"

// FormatTimestamp renders t in TimestampLayout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// UsageInput is one usage event as submitted by a caller.
type UsageInput struct {
	TenantID string         `json:"tenant_id"`
	Subject  string         `json:"subject"`
	Action   string         `json:"action"`
	Quantity int64          `json:"quantity"`
	TS       string         `json:"ts,omitempty"`  // optional; the meter uses now when empty
	Meta     map[string]any `json:"meta,omitempty"` // optional; nil means absent
}

// Validate checks the field rules of a usage event.
func (u UsageInput) Validate() error {
	switch {
	case u.TenantID == "":
		return fmt.Errorf("%w: tenant_id is empty", ErrInvalidUsage)
	case u.Subject == "":
		return fmt.Errorf("%w: subject is empty", ErrInvalidUsage)
	case u.Action == "":
		return fmt.Errorf("%w: action is empty", ErrInvalidUsage)
	case u.Quantity <= 0:
		return fmt.Errorf("%w: quantity must be > 0, got %d", ErrInvalidUsage, u.Quantity)
	}
	for _, f := range []struct{ name, value string }{
		{"tenant_id", u.TenantID},
		{"subject", u.Subject},
		{"action", u.Action},
		{"ts", u.TS},
	} {
		if !utf8.ValidString(f.value) {
			return fmt.Errorf("%w: %s is not valid UTF-8", ErrInvalidUsage, f.name)
		}
	}
	return nil
}

// SignedUsageRecord (SUR) is a usage event bound to its content identifier
// and signed by the key named in KID. Changing any field invalidates it.
type SignedUsageRecord struct {
	CID      string
	TenantID string
	Subject  string
	Action   string
	Quantity int64
	TS       string
	Meta     map[string]any // nil means absent
	Sig      string
	KID      string
}

// recordFields lists every key a serialized SUR may carry.
var recordFields = map[string]bool{
	"cid": true, "tenant_id": true, "subject": true, "action": true,
	"quantity": true, "ts": true, "meta": true, "sur_sig": true, "kid": true,
}

// Body returns the hashed subset of the record. Meta is included only
// when present.
func (r SignedUsageRecord) Body() map[string]any {
	body := map[string]any{
		"tenant_id": r.TenantID,
		"subject":   r.Subject,
		"action":    r.Action,
		"quantity":  r.Quantity,
		"ts":        r.TS,
	}
	if r.Meta != nil {
		body["meta"] = r.Meta
	}
	return body
}

// Map returns the full record as a generic JSON object.
func (r SignedUsageRecord) Map() map[string]any {
	m := r.Body()
	m["cid"] = r.CID
	m["sur_sig"] = r.Sig
	m["kid"] = r.KID
	return m
}

// BindingMessage returns the bytes the record signature covers.
func (r SignedUsageRecord) BindingMessage() []byte {
	return bindingMessage(r.CID, r.TenantID, r.TS)
}

// Receipt is the meter's counter-signature over a full record as returned
// to the caller, sur_sig and kid included. It signs
// "{cid}|{tenant_id}|{ts}" where cid is the CID of the whole record.
type Receipt struct {
	CID string `json:"cid"`
	Sig string `json:"sig"`
	KID string `json:"kid"`
}

// NewReceipt counter-signs r with signer.
func NewReceipt(r SignedUsageRecord, signer *Signer) (Receipt, error) {
	if signer == nil {
		return Receipt{}, ErrNotConfigured
	}
	cid, err := CIDOf(r.Map())
	if err != nil {
		return Receipt{}, err
	}
	return Receipt{
		CID: cid,
		Sig: signer.Sign(bindingMessage(cid, r.TenantID, r.TS)),
		KID: signer.KID(),
	}, nil
}

func bindingMessage(cid, tenantID, ts string) []byte {
	return []byte(cid + "|" + tenantID + "|" + ts)
}

// MarshalJSON emits the record in canonical form: sorted keys, no
// whitespace, meta omitted when absent.
func (r SignedUsageRecord) MarshalJSON() ([]byte, error) {
	return Canonicalize(r.Map())
}

// UnmarshalJSON decodes a record and applies the same checks as DecodeRecord.
func (r *SignedUsageRecord) UnmarshalJSON(data []byte) error {
	rec, err := DecodeRecord(data)
	if err != nil {
		return err
	}
	*r = rec
	return nil
}

// DecodeRecord parses one serialized SUR. Unknown fields, missing fields and
// CIDs without the sha256: prefix are rejected.
func DecodeRecord(data []byte) (SignedUsageRecord, error) {
	value, err := decodeJSON(data)
	if err != nil {
		return SignedUsageRecord{}, err
	}
	m, ok := value.(map[string]any)
	if !ok {
		return SignedUsageRecord{}, fmt.Errorf("%w: record is %T, want object", ErrValidation, value)
	}
	return RecordFromMap(m)
}

// RecordFromMap builds a SUR from a generic JSON object such as one decoded
// from JSON, CBOR or protobuf.
func RecordFromMap(m map[string]any) (SignedUsageRecord, error) {
	for k := range m {
		if !recordFields[k] {
			return SignedUsageRecord{}, fmt.Errorf("%w: unknown record field %q", ErrValidation, k)
		}
	}

	var r SignedUsageRecord
	for _, f := range []struct {
		key string
		dst *string
	}{
		{"cid", &r.CID},
		{"tenant_id", &r.TenantID},
		{"subject", &r.Subject},
		{"action", &r.Action},
		{"ts", &r.TS},
		{"sur_sig", &r.Sig},
		{"kid", &r.KID},
	} {
		s, ok := m[f.key].(string)
		if !ok {
			return SignedUsageRecord{}, fmt.Errorf("%w: record field %q missing or not a string", ErrValidation, f.key)
		}
		*f.dst = s
	}

	if _, err := ParseCID(r.CID); err != nil {
		return SignedUsageRecord{}, err
	}

	q, ok := asInt64(m["quantity"])
	if !ok {
		return SignedUsageRecord{}, fmt.Errorf("%w: record field \"quantity\" missing or not an integer", ErrValidation)
	}
	r.Quantity = q

	switch meta := m["meta"].(type) {
	case nil:
	case map[string]any:
		r.Meta = meta
	default:
		return SignedUsageRecord{}, fmt.Errorf("%w: record field \"meta\" is %T, want object", ErrValidation, meta)
	}
	return r, nil
}

// asInt64 accepts the integer representations produced by the JSON, CBOR
// and protobuf decoders.
func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case int:
		return int64(n), true
	case int64:
		return n, true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case float64:
		if n != math.Trunc(n) || math.Abs(n) > 1<<53 {
			return 0, false
		}
		return int64(n), true
	default:
		return 0, false
	}
}
