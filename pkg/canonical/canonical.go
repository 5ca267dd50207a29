// Package canonical provides deterministic serialization of structured values.
//
// Every hash in the engine — event hashes, state hashes, action ids, checkpoint
// signatures — is computed over bytes produced here. Two semantically equal
// values must canonicalize to identical bytes across runs, hosts, and
// implementations.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Error reports a value that cannot appear on the hashed surface.
type Error struct {
	Reason string
}

func (e *Error) Error() string { return "canonical: " + e.Reason }

// Canonicalize normalizes v into canonical form:
//   - map keys sorted by Unicode code point (byte order of valid UTF-8)
//   - strings NFC-normalized
//   - integers, integral json.Number values, and integral floats as int64
//   - fractional or non-finite numbers rejected
//   - arrays keep insertion order
//
// The returned value contains only map[string]any, []any, string, int64,
// bool, and nil.
func Canonicalize(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case bool:
		return t, nil
	case string:
		return norm.NFC.String(t), nil
	case int:
		return int64(t), nil
	case int8:
		return int64(t), nil
	case int16:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case int64:
		return t, nil
	case uint:
		return int64(t), nil
	case uint8:
		return int64(t), nil
	case uint16:
		return int64(t), nil
	case uint32:
		return int64(t), nil
	case uint64:
		if t > 1<<62 {
			return nil, &Error{Reason: fmt.Sprintf("integer out of range: %d", t)}
		}
		return int64(t), nil
	case json.Number:
		return canonicalizeNumber(t)
	case float32:
		return canonicalizeFloat(float64(t))
	case float64:
		return canonicalizeFloat(t)
	case []any:
		out := make([]any, len(t))
		for i, elem := range t {
			c, err := Canonicalize(elem)
			if err != nil {
				return nil, err
			}
			out[i] = c
		}
		return out, nil
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = norm.NFC.String(s)
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			c, err := Canonicalize(val)
			if err != nil {
				return nil, err
			}
			out[norm.NFC.String(k)] = c
		}
		return out, nil
	case map[string]string:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[norm.NFC.String(k)] = norm.NFC.String(val)
		}
		return out, nil
	default:
		return nil, &Error{Reason: fmt.Sprintf("unsupported type %T", v)}
	}
}

// canonicalizeFloat admits integral floats (a JSON decoding artifact) and
// rejects everything else. The hashed surface carries no floating point.
func canonicalizeFloat(f float64) (any, error) {
	if f != f || f > 1<<62 || f < -(1<<62) {
		return nil, &Error{Reason: "non-finite number"}
	}
	if f != float64(int64(f)) {
		return nil, &Error{Reason: fmt.Sprintf("floating-point value forbidden: %v", f)}
	}
	return int64(f), nil
}

func canonicalizeNumber(n json.Number) (any, error) {
	s := n.String()
	if strings.ContainsAny(s, ".eE") {
		return nil, &Error{Reason: "floating-point value forbidden: " + s}
	}
	if i, err := n.Int64(); err == nil {
		return i, nil
	}
	return nil, &Error{Reason: "integer out of range: " + s}
}

// JSONBytes returns the canonical JSON encoding of v.
//
// Output is RFC 8785 compatible for the value domain admitted by Canonicalize:
// sorted keys, compact separators, no HTML escaping, UTF-8 kept intact.
func JSONBytes(v any) ([]byte, error) {
	canon, err := Canonicalize(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := encode(&buf, canon); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// JSONString is JSONBytes as a string.
func JSONString(v any) (string, error) {
	b, err := JSONBytes(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Hash returns the SHA-256 hex digest of the canonical JSON encoding of v.
func Hash(v any) (string, error) {
	b, err := JSONBytes(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes computes the SHA-256 hex digest of raw bytes.
func HashBytes(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func encode(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case int64:
		fmt.Fprintf(buf, "%d", t)
	case json.Number:
		buf.WriteString(t.String())
	case string:
		return encodeString(buf, t)
	case []any:
		buf.WriteByte('[')
		for i, elem := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encode(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeString(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := encode(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return &Error{Reason: fmt.Sprintf("unsupported type %T after canonicalization", v)}
	}
	return nil
}

// encodeString emits a JSON string without HTML escaping. json.Encoder with
// SetEscapeHTML(false) keeps non-ASCII intact, which RFC 8785 requires.
func encodeString(buf *bytes.Buffer, s string) error {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return err
	}
	buf.Write(bytes.TrimSuffix(tmp.Bytes(), []byte{'\n'}))
	return nil
}

// FromJSON decodes b preserving exact number spellings via json.Number, then
// canonicalizes. Used when re-hashing records read back from a store.
func FromJSON(b []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("canonical: decode: %w", err)
	}
	return Canonicalize(v)
}
