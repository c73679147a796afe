package meterproof

import (
	"encoding/json"
	"fmt"
	"mime"
	"reflect"
	"strconv"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// Format selects a wire encoding for records and bundles. The hashed form
// is always the canonical JSON; formats only change transport.
type Format int

const (
	// FormatJSON is compact JSON with sorted keys.
	FormatJSON Format = iota
	// FormatCBOR is deterministic (core) CBOR.
	FormatCBOR
	// FormatProto is a protobuf google.protobuf.Struct.
	FormatProto
)

// Content types for each format.
const (
	ContentTypeJSON  = "application/json"
	ContentTypeCBOR  = "application/cbor"
	ContentTypeProto = "application/x-protobuf"
)

func (f Format) String() string {
	switch f {
	case FormatCBOR:
		return "cbor"
	case FormatProto:
		return "proto"
	default:
		return "json"
	}
}

// ContentType returns the media type for f.
func (f Format) ContentType() string {
	switch f {
	case FormatCBOR:
		return ContentTypeCBOR
	case FormatProto:
		return ContentTypeProto
	default:
		return ContentTypeJSON
	}
}

// ParseFormat maps a format name (json, cbor, proto) to a Format.
func ParseFormat(name string) (Format, error) {
	switch strings.ToLower(name) {
	case "", "json":
		return FormatJSON, nil
	case "cbor":
		return FormatCBOR, nil
	case "proto", "protobuf":
		return FormatProto, nil
	default:
		return FormatJSON, fmt.Errorf("%w: unknown format %q", ErrValidation, name)
	}
}

// FormatForContentType picks the format for a Content-Type or Accept value,
// falling back to JSON.
func FormatForContentType(header string) Format {
	for _, part := range strings.Split(header, ",") {
		mt, _, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		switch mt {
		case ContentTypeCBOR:
			return FormatCBOR
		case ContentTypeProto, "application/protobuf":
			return FormatProto
		case ContentTypeJSON:
			return FormatJSON
		}
	}
	return FormatJSON
}

var cborEnc cbor.EncMode

var cborDec cbor.DecMode

func init() {
	var err error
	cborEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("meterproof: CBOR encoder initialization failed: " + err.Error())
	}
	cborDec, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("meterproof: CBOR decoder initialization failed: " + err.Error())
	}
}

// EncodeRecord encodes r in format f.
func EncodeRecord(r SignedUsageRecord, f Format) ([]byte, error) {
	return EncodeDocument(r.Map(), f)
}

// EncodeBundle encodes b in format f.
func EncodeBundle(b ExportBundle, f Format) ([]byte, error) {
	return EncodeDocument(b.Map(), f)
}

// EncodeDocument encodes a generic JSON object in format f.
func EncodeDocument(doc map[string]any, f Format) ([]byte, error) {
	switch f {
	case FormatJSON:
		return Canonicalize(doc)
	case FormatCBOR:
		plain, err := plainValue(doc)
		if err != nil {
			return nil, err
		}
		return cborEnc.Marshal(plain)
	case FormatProto:
		return MarshalProto(doc)
	default:
		return nil, fmt.Errorf("unsupported format %d", f)
	}
}

// DecodeDocument decodes data in format f into a generic value whose
// canonical form matches the one the document was signed over.
func DecodeDocument(data []byte, f Format) (any, error) {
	switch f {
	case FormatJSON:
		return decodeJSON(data)
	case FormatCBOR:
		var v any
		if err := cborDec.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("decode cbor: %w", err)
		}
		return v, nil
	case FormatProto:
		return UnmarshalProto(data)
	default:
		return nil, fmt.Errorf("unsupported format %d", f)
	}
}

// DecodeBundle decodes a bundle in format f. It performs no verification.
func DecodeBundle(data []byte, f Format) (ExportBundle, error) {
	doc, err := DecodeDocument(data, f)
	if err != nil {
		return ExportBundle{}, err
	}
	m, ok := doc.(map[string]any)
	if !ok {
		return ExportBundle{}, fmt.Errorf("%w: bundle is %T, want object", ErrValidation, doc)
	}
	return BundleFromMap(m)
}

// BundleFromMap builds an ExportBundle from a generic JSON object.
func BundleFromMap(m map[string]any) (ExportBundle, error) {
	recs, ok := m["records"].([]any)
	if !ok {
		return ExportBundle{}, fmt.Errorf("%w: bundle records is %T, want list", ErrValidation, m["records"])
	}
	b := ExportBundle{Records: make([]SignedUsageRecord, 0, len(recs))}
	for i, r := range recs {
		rm, ok := r.(map[string]any)
		if !ok {
			return ExportBundle{}, fmt.Errorf("%w: bundle record %d is %T", ErrValidation, i, r)
		}
		rec, err := RecordFromMap(rm)
		if err != nil {
			return ExportBundle{}, fmt.Errorf("bundle record %d: %w", i, err)
		}
		b.Records = append(b.Records, rec)
	}
	for _, f := range []struct {
		key string
		dst *string
	}{
		{"tenant_id", &b.TenantID},
		{"exported_at", &b.ExportedAt},
		{"cid", &b.CID},
		{"sig", &b.Sig},
		{"kid", &b.KID},
	} {
		s, ok := m[f.key].(string)
		if !ok {
			return ExportBundle{}, fmt.Errorf("%w: bundle field %q missing or not a string", ErrValidation, f.key)
		}
		*f.dst = s
	}
	if _, err := ParseCID(b.CID); err != nil {
		return ExportBundle{}, err
	}
	return b, nil
}

// plainValue rewrites v using only nil, bool, string, int64, uint64,
// float64, map[string]any and []any, the types every encoder understands.
func plainValue(v any) (any, error) {
	switch x := v.(type) {
	case nil, bool, string, int64, uint64, float64:
		return x, nil
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case uint32:
		return uint64(x), nil
	case float32:
		return float64(x), nil
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i, nil
		}
		if u, err := strconv.ParseUint(x.String(), 10, 64); err == nil {
			return u, nil
		}
		f, err := x.Float64()
		if err != nil {
			return nil, fmt.Errorf("invalid number %q: %w", x, err)
		}
		return f, nil
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			p, err := plainValue(val)
			if err != nil {
				return nil, err
			}
			out[k] = p
		}
		return out, nil
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			p, err := plainValue(val)
			if err != nil {
				return nil, err
			}
			out[i] = p
		}
		return out, nil
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return nil, fmt.Errorf("encode %T: %w", x, err)
		}
		decoded, err := decodeJSON(b)
		if err != nil {
			return nil, err
		}
		return plainValue(decoded)
	}
}
