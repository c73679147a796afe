package meterproof

// Verdict is the outcome of checking a record or bundle.
type Verdict int

const (
	// VerdictInvalid means the content hash or a signature did not match,
	// or the document was structurally unusable.
	VerdictInvalid Verdict = iota
	// VerdictHashOnly means the content hash matched but the record named
	// no key, so no signature was checked.
	VerdictHashOnly
	// VerdictVerified means the content hash and the signature matched.
	VerdictVerified
)

func (v Verdict) String() string {
	switch v {
	case VerdictHashOnly:
		return "hash-only"
	case VerdictVerified:
		return "verified"
	default:
		return "invalid"
	}
}

// ParseVerdict maps the String form of a verdict back to a Verdict.
// Unknown names map to VerdictInvalid.
func ParseVerdict(s string) Verdict {
	switch s {
	case "hash-only":
		return VerdictHashOnly
	case "verified":
		return VerdictVerified
	default:
		return VerdictInvalid
	}
}

// recordBodyKeys are the SUR fields covered by the record CID.
var recordBodyKeys = []string{"tenant_id", "subject", "action", "quantity", "ts"}

// Verifier checks records and bundles against a set of public keys. It
// holds no private key material and is a pure function of its input.
type Verifier struct {
	Keys KeySet

	// RequireSignature makes records without a kid fail. When false,
	// a hash-only record passes.
	RequireSignature bool
}

// NewVerifier returns a verifier trusting the keys in ks.
func NewVerifier(ks KeySet) *Verifier {
	return &Verifier{Keys: ks}
}

// Passes applies the verifier's policy to a verdict.
func (v *Verifier) Passes(vd Verdict) bool {
	switch vd {
	case VerdictVerified:
		return true
	case VerdictHashOnly:
		return !v.RequireSignature
	default:
		return false
	}
}

// VerifyRecord reports whether r is intact and signed by a known key.
func (v *Verifier) VerifyRecord(r SignedUsageRecord) bool {
	return v.Passes(v.CheckRecord(r.Map()))
}

// VerifyBundle reports whether b and every record in it verify.
func (v *Verifier) VerifyBundle(b ExportBundle) bool {
	return v.Passes(v.CheckBundle(b.Map()))
}

// Verify parses a JSON document and verifies it as a bundle when it has a
// "records" key and as a single record otherwise. The error is non-nil only
// when data is not JSON.
func (v *Verifier) Verify(data []byte) (bool, error) {
	doc, err := decodeJSON(data)
	if err != nil {
		return false, err
	}
	return v.Passes(v.Check(doc)), nil
}

// Check dispatches a decoded document to CheckBundle or CheckRecord.
func (v *Verifier) Check(doc any) Verdict {
	m, ok := doc.(map[string]any)
	if !ok {
		return VerdictInvalid
	}
	if _, ok := m["records"]; ok {
		return v.CheckBundle(m)
	}
	return v.CheckRecord(m)
}

// CheckRecord rebuilds the record body from the record's own fields,
// recomputes the CID and, when a kid is present, checks the signature over
// "{cid}|{tenant_id}|{ts}". A CID mismatch fails before any signature work.
func (v *Verifier) CheckRecord(sur map[string]any) Verdict {
	cid, ok := sur["cid"].(string)
	if !ok {
		return VerdictInvalid
	}
	if _, err := ParseCID(cid); err != nil {
		return VerdictInvalid
	}

	body := make(map[string]any, len(recordBodyKeys)+1)
	for _, k := range recordBodyKeys {
		if val, ok := sur[k]; ok {
			body[k] = val
		}
	}
	if meta, ok := sur["meta"]; ok && meta != nil {
		body["meta"] = meta
	}
	expected, err := CIDOf(body)
	if err != nil || expected != cid {
		return VerdictInvalid
	}

	kid, _ := sur["kid"].(string)
	if kid == "" {
		return VerdictHashOnly
	}
	tenant, ok1 := sur["tenant_id"].(string)
	ts, ok2 := sur["ts"].(string)
	sig, ok3 := sur["sur_sig"].(string)
	if !ok1 || !ok2 || !ok3 {
		return VerdictInvalid
	}
	if !v.signatureValid(kid, bindingMessage(cid, tenant, ts), sig) {
		return VerdictInvalid
	}
	return VerdictVerified
}

// CheckBundle requires records to be a list whose every entry passes,
// then recomputes the bundle CID over (records, tenant_id, exported_at)
// exactly as given and checks the bundle signature. Bundles are always
// signed; a missing kid is invalid.
func (v *Verifier) CheckBundle(bundle map[string]any) Verdict {
	recs, ok := bundle["records"].([]any)
	if !ok {
		return VerdictInvalid
	}
	for _, r := range recs {
		m, ok := r.(map[string]any)
		if !ok || !v.Passes(v.CheckRecord(m)) {
			return VerdictInvalid
		}
	}

	body := map[string]any{
		"records":     recs,
		"tenant_id":   bundle["tenant_id"],
		"exported_at": bundle["exported_at"],
	}
	expected, err := CIDOf(body)
	if err != nil {
		return VerdictInvalid
	}
	cid, _ := bundle["cid"].(string)
	if expected != cid {
		return VerdictInvalid
	}

	tenant, ok1 := bundle["tenant_id"].(string)
	exportedAt, ok2 := bundle["exported_at"].(string)
	kid, ok3 := bundle["kid"].(string)
	sig, ok4 := bundle["sig"].(string)
	if !ok1 || !ok2 || !ok3 || !ok4 || kid == "" {
		return VerdictInvalid
	}
	if !v.signatureValid(kid, bindingMessage(cid, tenant, exportedAt), sig) {
		return VerdictInvalid
	}
	return VerdictVerified
}

// VerifyReceipt reports whether rc counter-signs exactly r.
func (v *Verifier) VerifyReceipt(r SignedUsageRecord, rc Receipt) bool {
	cid, err := CIDOf(r.Map())
	if err != nil || cid != rc.CID {
		return false
	}
	return v.signatureValid(rc.KID, bindingMessage(cid, r.TenantID, r.TS), rc.Sig)
}

func (v *Verifier) signatureValid(kid string, msg []byte, sig string) bool {
	pub, ok := v.Keys.Lookup(kid)
	if !ok {
		return false
	}
	valid, err := VerifySignature(pub, msg, sig)
	return err == nil && valid
}
