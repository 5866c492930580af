// Package canonical implements the deterministic JSON encoding used as the
// integrity anchor for sealed artifacts: keys sorted at every object, minimal
// separators, UTF-8 preserved, arbitrary-precision numbers rendered verbatim.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"
)

// HashPrefix is the algorithm prefix carried by content hashes.
const HashPrefix = "SHA-256"

// InvalidTypeError reports a value in the object graph that has no canonical
// representation.
type InvalidTypeError struct {
	Value any
}

func (e *InvalidTypeError) Error() string {
	return fmt.Sprintf("canonical: value of type %T cannot be canonicalized", e.Value)
}

// Marshal renders a Document Content object graph to its canonical bytes.
//
// Accepted node types: nil, bool, string, json.Number, integer kinds, float64
// with an integral value, map[string]any and []any. Non-integral float64
// values are rejected so that no binary float round-tripping can leak into
// the anchor bytes; callers holding decimal input must decode it with
// json.Number (see MarshalRaw).
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encode(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// MarshalRaw canonicalizes an already-serialized JSON document. Numbers are
// decoded as json.Number so their textual precision survives the round trip.
func MarshalRaw(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("canonical: decode: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("canonical: trailing data after JSON document")
	}
	return Marshal(v)
}

func encode(buf *bytes.Buffer, v any) error {
	switch value := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if value {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		encodeString(buf, value)
	case json.Number:
		buf.WriteString(value.String())
	case int:
		buf.WriteString(strconv.Itoa(value))
	case int32:
		buf.WriteString(strconv.FormatInt(int64(value), 10))
	case int64:
		buf.WriteString(strconv.FormatInt(value, 10))
	case uint64:
		buf.WriteString(strconv.FormatUint(value, 10))
	case float64:
		if value != math.Trunc(value) || math.IsInf(value, 0) || math.IsNaN(value) {
			return &InvalidTypeError{Value: value}
		}
		buf.WriteString(strconv.FormatInt(int64(value), 10))
	case []any:
		buf.WriteByte('[')
		for i, item := range value {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encode(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(value))
		for k := range value {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			encodeString(buf, k)
			buf.WriteByte(':')
			if err := encode(buf, value[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return &InvalidTypeError{Value: v}
	}
	return nil
}

// encodeString writes a JSON string without escaping non-ASCII runes.
func encodeString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		default:
			if r < 0x20 {
				fmt.Fprintf(buf, `\u%04x`, r)
			} else {
				buf.WriteRune(r)
			}
		}
	}
	buf.WriteByte('"')
}

// ContentHash returns the prefixed hex digest of canonical bytes, for example
// "SHA-256:3b7c0e4c...".
func ContentHash(canonicalBytes []byte) string {
	sum := sha256.Sum256(canonicalBytes)
	return HashPrefix + ":" + hex.EncodeToString(sum[:])
}

// ParseContentHash splits a declared content hash into algorithm and hex
// digest. A bare hex string is accepted for backward compatibility and
// reported as SHA-256. Any other algorithm, or a malformed digest, is an
// error.
func ParseContentHash(declared string) (algorithm, hexDigest string, err error) {
	declared = strings.TrimSpace(declared)
	if declared == "" {
		return "", "", fmt.Errorf("canonical: empty content hash")
	}

	algorithm = HashPrefix
	hexDigest = declared
	if idx := strings.Index(declared, ":"); idx >= 0 {
		algorithm = declared[:idx]
		hexDigest = declared[idx+1:]
	}

	if !strings.EqualFold(algorithm, HashPrefix) {
		return "", "", fmt.Errorf("canonical: unsupported hash algorithm %q", algorithm)
	}

	hexDigest = strings.ToLower(hexDigest)
	if len(hexDigest) != sha256.Size*2 {
		return "", "", fmt.Errorf("canonical: digest has length %d, want %d", len(hexDigest), sha256.Size*2)
	}
	if _, err := hex.DecodeString(hexDigest); err != nil {
		return "", "", fmt.Errorf("canonical: malformed hex digest: %w", err)
	}

	return HashPrefix, hexDigest, nil
}

// DerivedText produces the deterministic text projection of a Document
// Content object used as advisory input for semantic analysis: scalar values
// of the top-level object, stringified in sorted key order and joined by
// newlines. When the object carries no scalar values the canonical JSON
// rendering is used instead.
func DerivedText(content map[string]any) (string, error) {
	keys := make([]string, 0, len(content))
	for k := range content {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var lines []string
	for _, k := range keys {
		switch value := content[k].(type) {
		case string:
			lines = append(lines, value)
		case bool:
			lines = append(lines, strconv.FormatBool(value))
		case json.Number:
			lines = append(lines, value.String())
		case int:
			lines = append(lines, strconv.Itoa(value))
		case int64:
			lines = append(lines, strconv.FormatInt(value, 10))
		case float64:
			lines = append(lines, strconv.FormatFloat(value, 'f', -1, 64))
		}
	}

	if len(lines) == 0 {
		b, err := Marshal(content)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
	return strings.Join(lines, "\n"), nil
}

// Bindings is the supplemental metadata emitted next to a Document Content
// payload. It is embedded as bindings.json with AFRelationship /Supplement
// and is intentionally not covered by the content hash.
type Bindings struct {
	ContentHash    string `json:"content_hash"`
	HashAlgorithm  string `json:"hash_algorithm"`
	GenerationMode string `json:"generation_mode"`
}

// NewBindings builds the bindings record for a canonical payload.
func NewBindings(canonicalBytes []byte, generationMode string) Bindings {
	return Bindings{
		ContentHash:    ContentHash(canonicalBytes),
		HashAlgorithm:  HashPrefix,
		GenerationMode: generationMode,
	}
}

// ParseBindings parses a bindings.json payload. Malformed input yields nil
// without error; the binding checks downstream decide how a missing bindings
// object is reported.
func ParseBindings(raw []byte) *Bindings {
	if len(raw) == 0 || !utf8.Valid(raw) {
		return nil
	}
	var b Bindings
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil
	}
	return &b
}
