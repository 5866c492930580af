package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"testing"
)

func TestMarshalSortsKeysAtEveryLevel(t *testing.T) {
	obj := map[string]any{
		"zeta": map[string]any{"b": int64(2), "a": int64(1)},
		"alpha": []any{
			map[string]any{"y": "why", "x": "ex"},
		},
	}

	got, err := Marshal(obj)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	want := `{"alpha":[{"x":"ex","y":"why"}],"zeta":{"a":1,"b":2}}`
	if string(got) != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestMarshalKeyOrderPermutationInvariance(t *testing.T) {
	a := []byte(`{"decision":"approved","id":"DEC-2026-0001","score":12.50}`)
	b := []byte(`{"score":12.50,"id":"DEC-2026-0001","decision":"approved"}`)

	ca, err := MarshalRaw(a)
	if err != nil {
		t.Fatalf("MarshalRaw(a): %v", err)
	}
	cb, err := MarshalRaw(b)
	if err != nil {
		t.Fatalf("MarshalRaw(b): %v", err)
	}

	if !bytes.Equal(ca, cb) {
		t.Errorf("canonical bytes differ:\n%s\n%s", ca, cb)
	}
}

func TestMarshalRawPreservesDecimalPrecision(t *testing.T) {
	got, err := MarshalRaw([]byte(`{"amount":10.500,"count":3}`))
	if err != nil {
		t.Fatalf("MarshalRaw: %v", err)
	}
	want := `{"amount":10.500,"count":3}`
	if string(got) != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestMarshalPreservesNonASCII(t *testing.T) {
	got, err := Marshal(map[string]any{"city": "Zürich", "note": "承認済み"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	want := `{"city":"Zürich","note":"承認済み"}`
	if string(got) != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestMarshalEscapesControlCharacters(t *testing.T) {
	got, err := Marshal(map[string]any{"a": "line1\nline2\ttab"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	want := `{"a":"line1\nline2\ttab"}`
	if string(got) != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestMarshalRejectsUnsupportedTypes(t *testing.T) {
	type opaque struct{ X int }

	_, err := Marshal(map[string]any{"bad": opaque{X: 1}})
	var ite *InvalidTypeError
	if !errors.As(err, &ite) {
		t.Fatalf("want InvalidTypeError, got %v", err)
	}
}

func TestMarshalRejectsNonIntegralFloat(t *testing.T) {
	_, err := Marshal(map[string]any{"f": 1.25})
	var ite *InvalidTypeError
	if !errors.As(err, &ite) {
		t.Fatalf("want InvalidTypeError for binary float, got %v", err)
	}
}

func TestContentHashFormat(t *testing.T) {
	payload := []byte(`{"a":1}`)
	sum := sha256.Sum256(payload)
	want := "SHA-256:" + hex.EncodeToString(sum[:])

	if got := ContentHash(payload); got != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestParseContentHash(t *testing.T) {
	digest := ContentHash([]byte("x"))
	bare := digest[len("SHA-256:"):]

	cases := []struct {
		name    string
		in      string
		wantHex string
		wantErr bool
	}{
		{"prefixed", digest, bare, false},
		{"bare hex", bare, bare, false},
		{"uppercase algo tolerated", "sha-256:" + bare, bare, false},
		{"wrong algorithm", "SHA-512:" + bare, "", true},
		{"short digest", "SHA-256:abcd", "", true},
		{"not hex", "SHA-256:" + bare[:62] + "zz", "", true},
		{"empty", "", "", true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			algo, hexDigest, err := ParseContentHash(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("want error, got algo=%s hex=%s", algo, hexDigest)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseContentHash: %v", err)
			}
			if algo != "SHA-256" || hexDigest != tc.wantHex {
				t.Errorf("got (%s, %s), want (SHA-256, %s)", algo, hexDigest, tc.wantHex)
			}
		})
	}
}

func TestDerivedTextScalarProjection(t *testing.T) {
	got, err := DerivedText(map[string]any{
		"title":    "Quarterly Report",
		"approved": true,
		"pages":    json.Number("12"),
		"nested":   map[string]any{"skipped": "yes"},
	})
	if err != nil {
		t.Fatalf("DerivedText: %v", err)
	}

	want := "true\n12\nQuarterly Report"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestDerivedTextFallsBackToCanonicalJSON(t *testing.T) {
	got, err := DerivedText(map[string]any{"nested": map[string]any{"a": int64(1)}})
	if err != nil {
		t.Fatalf("DerivedText: %v", err)
	}
	if got != `{"nested":{"a":1}}` {
		t.Errorf("got %q", got)
	}
}

func TestBindingsRoundTrip(t *testing.T) {
	payload := []byte(`{"a":1}`)
	b := NewBindings(payload, "final")

	raw, err := json.Marshal(b)
	if err != nil {
		t.Fatalf("marshal bindings: %v", err)
	}

	parsed := ParseBindings(raw)
	if parsed == nil {
		t.Fatal("ParseBindings returned nil for valid input")
	}
	if parsed.ContentHash != ContentHash(payload) || parsed.HashAlgorithm != "SHA-256" || parsed.GenerationMode != "final" {
		t.Errorf("unexpected bindings: %+v", parsed)
	}
}

func TestParseBindingsMalformedReducesToNil(t *testing.T) {
	for _, raw := range [][]byte{nil, {}, []byte("not json"), {0xff, 0xfe}} {
		if got := ParseBindings(raw); got != nil {
			t.Errorf("ParseBindings(%q) = %+v, want nil", raw, got)
		}
	}
}
