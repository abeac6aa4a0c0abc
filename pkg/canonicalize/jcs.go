// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// style serialization, used everywhere this repository needs a
// deterministic byte representation to hash: args-hashes, policy hashes,
// intent-cache signatures, and trace-step event hashes. It departs from
// RFC 8785 in two ways: numbers keep their source lexeme instead of being
// re-serialized in ECMAScript form, and object keys sort by UTF-8 byte
// order rather than by UTF-16 code units.
package canonicalize

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// JCS returns the RFC 8785 canonical JSON representation of v.
//
// v is first passed through the standard json.Marshal/Decode round trip so
// struct tags, MarshalJSON methods, and json.Number decoding all behave the
// way callers expect; the resulting generic tree is then written out by
// writeCanonical, which is what actually enforces canonical ordering,
// disables HTML escaping, and preserves numeric lexemes.
func JCS(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: marshal failed: %w", err)
	}

	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var generic interface{}
	if err := decoder.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonicalize: decode failed: %w", err)
	}

	var buf bytes.Buffer
	if err := writeCanonical(&buf, generic); err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	return buf.Bytes(), nil
}

// JCSString returns the JCS canonical form as a string.
func JCSString(v interface{}) (string, error) {
	data, err := JCS(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// HashBytes computes the SHA-256 hex digest of raw bytes.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// CanonicalHash returns the SHA-256 hex digest of the JCS canonical form of v.
func CanonicalHash(v interface{}) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// Equal reports whether x and y hash to the same canonical representation.
// Any marshal error is treated as non-equal.
func Equal(x, y interface{}) bool {
	hx, err := CanonicalHash(x)
	if err != nil {
		return false
	}
	hy, err := CanonicalHash(y)
	if err != nil {
		return false
	}
	return hx == hy
}

// writeCanonical appends the canonical form of v to buf, recursing into
// arrays and objects. Object keys are sorted lexicographically by UTF-8
// bytes at every depth; everything writes into the one
// shared buffer rather than allocating a fresh one per call.
func writeCanonical(buf *bytes.Buffer, v interface{}) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		// json.Decoder(UseNumber) hands back the source lexeme untouched,
		// so re-emitting it verbatim never perturbs numeric precision.
		buf.WriteString(t.String())
	case string:
		writeCanonicalString(buf, t)
	case []interface{}:
		buf.WriteByte('[')
		for i, elem := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]interface{}:
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
			writeCanonicalString(buf, k)
			buf.WriteByte(':')
			if err := writeCanonical(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		// json.Decoder(UseNumber) only ever produces the six cases above;
		// reaching here means a caller built the generic tree by hand.
		return fmt.Errorf("unsupported type %T in canonical tree", v)
	}
	return nil
}

// writeCanonicalString writes a JSON string literal for s without HTML
// escaping (RFC 8785 forbids the `<`/`>`/`&`/U+2028/U+2029 escapes
// encoding/json applies by default). Only the escapes JSON requires — the
// quote, the backslash, and control characters — are emitted; every other
// rune, including all of Unicode above U+001F, is copied through as-is.
func writeCanonicalString(buf *bytes.Buffer, s string) {
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
				fmt.Fprintf(buf, `\u%04x`, r)
				continue
			}
			buf.WriteRune(r)
		}
	}
	buf.WriteByte('"')
}
