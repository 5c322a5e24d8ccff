// Package fingerprint derives stable run identifiers from configuration
// snapshots.
//
// Two workers started with equivalent configuration must compute the same
// identifier so that they rendezvous on the same run without talking to each
// other first. The derivation is therefore defined over a canonical byte
// serialization of the snapshot, not over whatever bytes happened to be on
// disk: map keys are sorted, strings are Unicode-normalized, numbers are
// reduced to a minimal decimal form, and no insignificant whitespace is
// emitted.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Fingerprint identifies a run and the configuration that produced it.
type Fingerprint struct {
	// ConfigHash is the full SHA-256 of the canonical snapshot, hex encoded
	// (64 characters).
	ConfigHash string
	// RunID is the first 16 hex characters of ConfigHash. It is the public
	// identifier used in the coordination store, logs and the CLI.
	RunID string
}

// RunIDLength is the number of hex characters of the config hash used as the
// run identifier.
const RunIDLength = 16

// Compute canonicalizes the snapshot and hashes it.
//
// The snapshot may contain maps with string keys, slices, strings, booleans,
// nil and numeric values. Any other type is rejected, which keeps the
// canonical form total: a value that serializes once serializes the same way
// everywhere.
func Compute(snapshot map[string]interface{}) (Fingerprint, error) {
	canonical, err := Canonicalize(snapshot)
	if err != nil {
		return Fingerprint{}, err
	}
	sum := sha256.Sum256(canonical)
	hash := hex.EncodeToString(sum[:])
	return Fingerprint{ConfigHash: hash, RunID: hash[:RunIDLength]}, nil
}

// Canonicalize serializes the snapshot into its canonical byte form. The
// output is valid JSON, but with stronger guarantees than encoding/json
// provides: object keys appear in sorted order, strings are NFC-normalized
// and only minimally escaped, and numbers never carry a redundant fraction
// or exponent (1.0 and 1 serialize identically).
func Canonicalize(snapshot map[string]interface{}) ([]byte, error) {
	var b strings.Builder
	if err := writeValue(&b, snapshot); err != nil {
		return nil, err
	}
	return []byte(b.String()), nil
}

func writeValue(b *strings.Builder, v interface{}) error {
	switch val := v.(type) {
	case nil:
		b.WriteString("null")
	case bool:
		if val {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
	case string:
		writeString(b, val)
	case int:
		b.WriteString(strconv.FormatInt(int64(val), 10))
	case int32:
		b.WriteString(strconv.FormatInt(int64(val), 10))
	case int64:
		b.WriteString(strconv.FormatInt(val, 10))
	case uint:
		b.WriteString(strconv.FormatUint(uint64(val), 10))
	case uint64:
		b.WriteString(strconv.FormatUint(val, 10))
	case float32:
		return writeFloat(b, float64(val))
	case float64:
		return writeFloat(b, val)
	case map[string]interface{}:
		return writeMap(b, val)
	case map[string]string:
		m := make(map[string]interface{}, len(val))
		for k, s := range val {
			m[k] = s
		}
		return writeMap(b, m)
	case []interface{}:
		b.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := writeValue(b, item); err != nil {
				return err
			}
		}
		b.WriteByte(']')
	case []string:
		b.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			writeString(b, item)
		}
		b.WriteByte(']')
	case []map[string]interface{}:
		b.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := writeMap(b, item); err != nil {
				return err
			}
		}
		b.WriteByte(']')
	default:
		return fmt.Errorf("failed to canonicalize snapshot: unsupported type %T", v)
	}
	return nil
}

func writeMap(b *strings.Builder, m map[string]interface{}) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		writeString(b, k)
		b.WriteByte(':')
		if err := writeValue(b, m[k]); err != nil {
			return err
		}
	}
	b.WriteByte('}')
	return nil
}

// writeFloat emits the shortest plain-decimal form of f. Integral values lose
// their fraction entirely so a YAML 1.0 and a JSON 1 hash identically.
func writeFloat(b *strings.Builder, f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("failed to canonicalize snapshot: non-finite number %v", f)
	}
	b.WriteString(strconv.FormatFloat(f, 'f', -1, 64))
	return nil
}

// writeString emits s NFC-normalized as a JSON string with minimal escaping:
// only the quote, the backslash and control characters are escaped, so the
// canonical bytes do not depend on an encoder's HTML-safety settings.
func writeString(b *strings.Builder, s string) {
	s = norm.NFC.String(s)
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			if r < 0x20 {
				b.WriteString(fmt.Sprintf(`\u%04x`, r))
			} else {
				b.WriteRune(r)
			}
		}
	}
	b.WriteByte('"')
}
