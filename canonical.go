package meterproof

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Canonicalize returns the canonical byte form of a JSON-like value: object
// keys sorted by their string form, no insignificant whitespace, integers as
// plain decimal digits and other numbers in shortest round-trip form.
//
// Values that are not plain JSON types (structs, typed maps) are marshaled
// with encoding/json first and canonicalized from that.
func Canonicalize(v any) ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := writeCanonical(buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// CanonicalizeJSON parses a single JSON document and returns its canonical form.
func CanonicalizeJSON(input []byte) ([]byte, error) {
	value, err := decodeJSON(input)
	if err != nil {
		return nil, err
	}
	return Canonicalize(value)
}

// decodeJSON parses exactly one JSON value, keeping numbers as json.Number.
func decodeJSON(input []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(input))
	dec.UseNumber()

	var value any
	if err := dec.Decode(&value); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	var extra any
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return nil, errors.New("invalid JSON: trailing data")
	}
	return value, nil
}

func writeCanonical(buf *bytes.Buffer, value any) error {
	switch v := value.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if v {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		return writeString(buf, v)
	case json.Number:
		num, err := canonicalNumber(v.String())
		if err != nil {
			return err
		}
		buf.WriteString(num)
	case float64:
		num, err := canonicalFloat(v)
		if err != nil {
			return err
		}
		buf.WriteString(num)
	case float32:
		num, err := canonicalFloat(float64(v))
		if err != nil {
			return err
		}
		buf.WriteString(num)
	case int:
		buf.WriteString(strconv.FormatInt(int64(v), 10))
	case int8:
		buf.WriteString(strconv.FormatInt(int64(v), 10))
	case int16:
		buf.WriteString(strconv.FormatInt(int64(v), 10))
	case int32:
		buf.WriteString(strconv.FormatInt(int64(v), 10))
	case int64:
		buf.WriteString(strconv.FormatInt(v, 10))
	case uint:
		buf.WriteString(strconv.FormatUint(uint64(v), 10))
	case uint8:
		buf.WriteString(strconv.FormatUint(uint64(v), 10))
	case uint16:
		buf.WriteString(strconv.FormatUint(uint64(v), 10))
	case uint32:
		buf.WriteString(strconv.FormatUint(uint64(v), 10))
	case uint64:
		buf.WriteString(strconv.FormatUint(v, 10))
	case map[string]any:
		return writeObject(buf, v)
	case []any:
		return writeArray(buf, v)
	case json.RawMessage:
		inner, err := decodeJSON(v)
		if err != nil {
			return err
		}
		return writeCanonical(buf, inner)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("canonicalize %T: %w", v, err)
		}
		inner, err := decodeJSON(b)
		if err != nil {
			return err
		}
		return writeCanonical(buf, inner)
	}
	return nil
}

func writeObject(buf *bytes.Buffer, obj map[string]any) error {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeString(buf, k); err != nil {
			return err
		}
		buf.WriteByte(':')
		if err := writeCanonical(buf, obj[k]); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func writeArray(buf *bytes.Buffer, arr []any) error {
	buf.WriteByte('[')
	for i, item := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeCanonical(buf, item); err != nil {
			return err
		}
	}
	buf.WriteByte(']')
	return nil
}

// writeString emits s as a JSON string. Non-ASCII text is written as UTF-8;
// only quotes, backslashes and control characters are escaped. Invalid
// UTF-8 is rejected.
func writeString(buf *bytes.Buffer, s string) error {
	if !utf8.ValidString(s) {
		return fmt.Errorf("invalid UTF-8 in string %q", s)
	}
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"', '\\':
			buf.WriteByte('\\')
			buf.WriteRune(r)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			if r < 0x20 {
				buf.WriteString(`\u00`)
				buf.WriteByte(hexLower[r>>4])
				buf.WriteByte(hexLower[r&0x0f])
			} else {
				buf.WriteRune(r)
			}
		}
	}
	buf.WriteByte('"')
	return nil
}

var hexLower = []byte("0123456789abcdef")

// canonicalNumber keeps integer literals exact and routes everything else
// through the float form, so "2.0" and 2 canonicalize identically.
func canonicalNumber(number string) (string, error) {
	if i, err := strconv.ParseInt(number, 10, 64); err == nil {
		return strconv.FormatInt(i, 10), nil
	}
	if u, err := strconv.ParseUint(number, 10, 64); err == nil {
		return strconv.FormatUint(u, 10), nil
	}
	f, err := strconv.ParseFloat(number, 64)
	if err != nil {
		return "", fmt.Errorf("invalid JSON number %q: %w", number, err)
	}
	return canonicalFloat(f)
}

// canonicalFloat renders f the way ECMAScript Number.prototype.toString does.
func canonicalFloat(f float64) (string, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "", errors.New("invalid JSON number")
	}
	if f == 0 {
		return "0", nil
	}

	sign := ""
	if f < 0 {
		sign = "-"
		f = -f
	}

	s := strconv.FormatFloat(f, 'e', -1, 64)
	mantissa, expPart, ok := strings.Cut(s, "e")
	if !ok {
		return "", fmt.Errorf("invalid float format: %q", s)
	}
	exp, err := strconv.Atoi(expPart)
	if err != nil {
		return "", fmt.Errorf("invalid float exponent: %w", err)
	}
	digits := strings.ReplaceAll(mantissa, ".", "")

	if exp < -6 || exp >= 21 {
		expSign := "+"
		if exp < 0 {
			expSign = "-"
			exp = -exp
		}
		head := digits[:1]
		if len(digits) > 1 {
			head += "." + digits[1:]
		}
		return sign + head + "e" + expSign + strconv.Itoa(exp), nil
	}

	point := exp + 1
	switch {
	case point >= len(digits):
		return sign + digits + strings.Repeat("0", point-len(digits)), nil
	case point <= 0:
		return sign + "0." + strings.Repeat("0", -point) + digits, nil
	default:
		return sign + digits[:point] + "." + digits[point:], nil
	}
}
