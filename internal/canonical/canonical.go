// Package canonical produces the byte-stable serialization every
// fingerprint in the fabric is computed over. Two logically equal values
// must serialize to identical bytes regardless of construction order,
// process, or implementing language.
package canonical

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strconv"

	"golang.org/x/text/unicode/norm"
)

var (
	ErrInvalidValue    = errors.New("canonical: invalid value")
	ErrCyclicStructure = errors.New("canonical: cyclic structure")
)

// floatPrecision is the single float normalization rule: round to nine
// decimal places before serialization. The 4-decimal rule that floated
// around earlier contract drafts is rejected; one rule, everywhere.
const floatPrecision = 1e9

// maxRoundable bounds the rounding step. Above it float64 spacing already
// exceeds one part in floatPrecision, so rounding is the identity, and the
// f*floatPrecision intermediate would overflow for large magnitudes.
const maxRoundable = (1 << 53) / floatPrecision

// Canonicalize converts v into canonical form: object keys sorted,
// strings NFC-normalized, numbers rounded to the fixed precision.
// NaN and infinities fail with ErrInvalidValue; cyclic structures fail
// with ErrCyclicStructure rather than being truncated.
func Canonicalize(v any) (Value, error) {
	return canonicalize(v, make(map[uintptr]struct{}))
}

func canonicalize(v any, seen map[uintptr]struct{}) (Value, error) {
	switch val := v.(type) {
	case nil:
		return Null{}, nil
	case Null:
		return val, nil
	case Bool:
		return val, nil
	case bool:
		return Bool(val), nil
	case Number:
		return normalizeNumber(float64(val))
	case float64:
		return normalizeNumber(val)
	case float32:
		return normalizeNumber(float64(val))
	case int:
		return Number(val), nil
	case int32:
		return Number(val), nil
	case int64:
		return Number(val), nil
	case uint32:
		return Number(val), nil
	case uint64:
		return Number(val), nil
	case String:
		return String(norm.NFC.String(string(val))), nil
	case string:
		return String(norm.NFC.String(val)), nil
	case Array:
		ptr := reflect.ValueOf(val).Pointer()
		if _, ok := seen[ptr]; ok {
			return nil, ErrCyclicStructure
		}
		seen[ptr] = struct{}{}
		defer delete(seen, ptr)
		out := make(Array, len(val))
		for i, elem := range val {
			c, err := canonicalize(elem, seen)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = c
		}
		return out, nil
	case Object:
		ptr := reflect.ValueOf(val).Pointer()
		if _, ok := seen[ptr]; ok {
			return nil, ErrCyclicStructure
		}
		seen[ptr] = struct{}{}
		defer delete(seen, ptr)
		out := make(Object, len(val))
		for k, elem := range val {
			c, err := canonicalize(elem, seen)
			if err != nil {
				return nil, fmt.Errorf("[%q]: %w", k, err)
			}
			out[norm.NFC.String(k)] = c
		}
		return out, nil
	case []any:
		ptr := reflect.ValueOf(val).Pointer()
		if _, ok := seen[ptr]; ok {
			return nil, ErrCyclicStructure
		}
		seen[ptr] = struct{}{}
		defer delete(seen, ptr)
		out := make(Array, len(val))
		for i, elem := range val {
			c, err := canonicalize(elem, seen)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = c
		}
		return out, nil
	case map[string]any:
		ptr := reflect.ValueOf(val).Pointer()
		if _, ok := seen[ptr]; ok {
			return nil, ErrCyclicStructure
		}
		seen[ptr] = struct{}{}
		defer delete(seen, ptr)
		out := make(Object, len(val))
		for k, elem := range val {
			c, err := canonicalize(elem, seen)
			if err != nil {
				return nil, fmt.Errorf("[%q]: %w", k, err)
			}
			out[norm.NFC.String(k)] = c
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unsupported type %T", ErrInvalidValue, v)
	}
}

func normalizeNumber(f float64) (Value, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("%w: non-finite number", ErrInvalidValue)
	}
	n := f
	if math.Abs(f) < maxRoundable {
		n = math.Round(f*floatPrecision) / floatPrecision
	}
	if n == 0 {
		n = 0 // collapse -0
	}
	return Number(n), nil
}

// Serialize renders a canonical value to its unique byte form. The input
// is canonicalized first, so callers may pass plain Go values.
func Serialize(v any) ([]byte, error) {
	c, err := Canonicalize(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	writeValue(&buf, c)
	return buf.Bytes(), nil
}

// Equal reports whether a and b have identical canonical serializations.
func Equal(a, b any) (bool, error) {
	ba, err := Serialize(a)
	if err != nil {
		return false, err
	}
	bb, err := Serialize(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(ba, bb), nil
}

func writeValue(buf *bytes.Buffer, v Value) {
	switch val := v.(type) {
	case Null:
		buf.WriteString("null")
	case Bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case Number:
		buf.WriteString(formatNumber(float64(val)))
	case String:
		writeString(buf, string(val))
	case Array:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeValue(buf, elem)
		}
		buf.WriteByte(']')
	case Object:
		buf.WriteByte('{')
		for i, k := range val.SortedKeys() {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeString(buf, k)
			buf.WriteByte(':')
			writeValue(buf, val[k])
		}
		buf.WriteByte('}')
	}
}

// formatNumber matches ECMAScript Number#toString so digests agree with
// the reference client: plain decimal below 1e21, exponent form above.
func formatNumber(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1e21 {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	if math.Abs(f) >= 1e21 {
		return strconv.FormatFloat(f, 'e', -1, 64)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

const hexDigits = "0123456789abcdef"

// writeString emits a JSON string without HTML escaping. Only the quote,
// backslash, and control characters are escaped.
func writeString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
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
				buf.WriteByte(hexDigits[byte(r)>>4])
				buf.WriteByte(hexDigits[byte(r)&0xF])
			} else {
				buf.WriteRune(r)
			}
		}
	}
	buf.WriteByte('"')
}
