// Package canonical produces the deterministic byte serialization every
// hash, signature, and idempotency check in keel is computed over.
//
// The value tree may contain null, bool, integer, string, array, and
// key-sorted map nodes. Strings are NFC-normalized; map keys are sorted by
// UTF-8 byte order; HTML escaping is disabled. Floating point is forbidden:
// decimal quantities travel as strings. Output is byte-identical across
// processes, which is the only contract the offline verifier assumes.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// ErrUncanonicalizable marks values that have no canonical form: cycles,
// unsupported types, fractional or non-finite numbers, integers outside the
// safe range, and key collisions introduced by NFC normalization.
var ErrUncanonicalizable = errors.New("canonical: value has no canonical form")

// maxSafeInt keeps integers within the range every JSON consumer preserves.
const maxSafeInt = 1<<53 - 1

// MarshalCanonical returns the canonical encoding of v.
//
// v is first marshaled through encoding/json so struct tags are honored,
// then decoded with UseNumber and normalized before the final ordered
// serialization. The round trip also surfaces cycles and unsupported types.
func MarshalCanonical(v any) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUncanonicalizable, err)
	}
	return CanonicalizeJSON(intermediate)
}

// CanonicalizeJSON normalizes and re-serializes a raw JSON document.
func CanonicalizeJSON(raw []byte) ([]byte, error) {
	var generic any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonical: decode: %w", err)
	}
	normalized, err := normalizeValue(generic, "")
	if err != nil {
		return nil, err
	}
	return marshalOrdered(normalized)
}

// CanonicalHash returns the SHA-256 hex digest of the canonical form of v.
func CanonicalHash(v any) (string, error) {
	b, err := MarshalCanonical(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// Digest returns the raw SHA-256 digest of the canonical form of v. This is
// the byte string handed to the signing gateway.
func Digest(v any) ([]byte, error) {
	b, err := MarshalCanonical(v)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(b)
	return sum[:], nil
}

// HashBytes computes the SHA-256 digest of raw bytes as a hex string.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// normalizeValue applies NFC string normalization and the integer-only
// number policy, recursing with a JSON-pointer-ish path for diagnostics.
func normalizeValue(v any, path string) (any, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case bool:
		return val, nil
	case string:
		return norm.NFC.String(val), nil
	case json.Number:
		return normalizeNumber(val, path)
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			n, err := normalizeValue(elem, fmt.Sprintf("%s/%d", path, i))
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			nk := norm.NFC.String(k)
			if _, dup := out[nk]; dup {
				return nil, fmt.Errorf("%w: key %q collides after NFC at %s", ErrUncanonicalizable, k, path)
			}
			n, err := normalizeValue(elem, path+"/"+k)
			if err != nil {
				return nil, err
			}
			out[nk] = n
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unsupported type %T at %s", ErrUncanonicalizable, v, path)
	}
}

// normalizeNumber enforces the integer-only policy. Fractional or exponent
// forms are rejected outright; decimals must travel as strings.
func normalizeNumber(n json.Number, path string) (json.Number, error) {
	s := n.String()
	if strings.ContainsAny(s, ".eE") {
		return "", fmt.Errorf("%w: non-integer number %s at %s", ErrUncanonicalizable, s, path)
	}
	i, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return "", fmt.Errorf("%w: integer %s out of range at %s", ErrUncanonicalizable, s, path)
	}
	if i > maxSafeInt || i < -maxSafeInt {
		return "", fmt.Errorf("%w: integer %d outside safe range at %s", ErrUncanonicalizable, i, path)
	}
	return json.Number(strconv.FormatInt(i, 10)), nil
}

// marshalOrdered serializes a normalized tree with sorted keys and no HTML
// escaping.
func marshalOrdered(v any) ([]byte, error) {
	switch t := v.(type) {
	case nil:
		return []byte("null"), nil
	case bool:
		if t {
			return []byte("true"), nil
		}
		return []byte("false"), nil
	case json.Number:
		return []byte(t.String()), nil
	case string:
		return encodeString(t)
	case []any:
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, elem := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			b, err := marshalOrdered(elem)
			if err != nil {
				return nil, err
			}
			buf.Write(b)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var buf bytes.Buffer
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := encodeString(k)
			if err != nil {
				return nil, err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			vb, err := marshalOrdered(t[k])
			if err != nil {
				return nil, err
			}
			buf.Write(vb)
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("%w: unsupported type %T after normalization", ErrUncanonicalizable, v)
	}
}

func encodeString(s string) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return nil, err
	}
	// json.Encoder appends a newline
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}
