// Package canonjson encodes values as canonical JSON: UTF-8 without BOM,
// object keys in byte order, numbers with at most six decimal places and no
// exponent form. Every persisted artifact and every fingerprint input goes
// through this encoder so identical values always produce identical bytes.
package canonjson

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// MaxDecimals is the number of fractional digits retained for floats.
const MaxDecimals = 6

// Marshal encodes v as canonical JSON. The value is first flattened through
// encoding/json so struct tags apply, then re-emitted deterministically.
func Marshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonjson: marshal: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, fmt.Errorf("canonjson: reparse: %w", err)
	}
	var buf bytes.Buffer
	if err := encode(&buf, tree); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// MarshalIndent encodes v canonically with two-space indentation. Key order
// and number formatting match Marshal; only whitespace differs.
func MarshalIndent(v any) ([]byte, error) {
	compact, err := Marshal(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, compact, "", "  "); err != nil {
		return nil, fmt.Errorf("canonjson: indent: %w", err)
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// Unmarshal decodes canonical JSON into v. Plain encoding/json semantics;
// decoding never needs to know about canonicalization.
func Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func encode(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		b, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(b)
	case json.Number:
		buf.WriteString(formatNumber(val))
	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encode(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := encode(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("canonjson: unsupported type %T", v)
	}
	return nil
}

// formatNumber renders a JSON number canonically. Integer-looking numbers
// keep their integer form; everything else is rounded to MaxDecimals and
// trailing zeros are trimmed.
func formatNumber(n json.Number) string {
	s := n.String()
	if !bytes.ContainsAny([]byte(s), ".eE") {
		return s
	}
	f, err := n.Float64()
	if err != nil {
		return s
	}
	return FormatFloat(f)
}

// FormatFloat renders f the way canonical JSON does: rounded to MaxDecimals,
// fixed notation, trailing zeros trimmed, "-0" collapsed to "0".
func FormatFloat(f float64) string {
	s := strconv.FormatFloat(f, 'f', MaxDecimals, 64)
	s = strings.TrimRight(s, "0")
	s = strings.TrimSuffix(s, ".")
	if s == "-0" || s == "" {
		s = "0"
	}
	return s
}
