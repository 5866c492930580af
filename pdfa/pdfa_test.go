package pdfa

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/veraseal/veraseal/internal/testpdf"
)

func TestOpenMalformedReturnsParseError(t *testing.T) {
	_, err := Open([]byte("not a pdf at all"))
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("want ParseError, got %v", err)
	}
}

func TestEmbeddedFiles(t *testing.T) {
	content := []byte(`{"decision":"approved","id":"DEC-2026-0001"}`)
	bindings := []byte(`{"content_hash":"SHA-256:ab","hash_algorithm":"SHA-256","generation_mode":"final"}`)

	doc, err := Open(testpdf.Build(testpdf.Options{Content: content, Bindings: bindings}))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	files, err := doc.EmbeddedFiles()
	if err != nil {
		t.Fatalf("EmbeddedFiles: %v", err)
	}

	byName := make(map[string]EmbeddedFile)
	for _, f := range files {
		byName[f.Name] = f
	}

	cf, ok := byName["content.json"]
	if !ok {
		t.Fatal("content.json not found")
	}
	if cf.Relationship != RelationshipData {
		t.Errorf("content.json relationship = %q", cf.Relationship)
	}
	if !bytes.Equal(cf.Bytes, content) {
		t.Errorf("content.json bytes = %q", cf.Bytes)
	}

	bf, ok := byName["bindings.json"]
	if !ok {
		t.Fatal("bindings.json not found")
	}
	if bf.Relationship != RelationshipSupplement {
		t.Errorf("bindings.json relationship = %q", bf.Relationship)
	}
	if !bytes.Equal(bf.Bytes, bindings) {
		t.Errorf("bindings.json bytes = %q", bf.Bytes)
	}
}

func TestXMPIdentification(t *testing.T) {
	doc, err := Open(testpdf.Build(testpdf.Options{Content: []byte(`{"a":1}`)}))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	xmp, err := doc.XMP()
	if err != nil {
		t.Fatalf("XMP: %v", err)
	}
	if len(xmp) == 0 {
		t.Fatal("no XMP packet found")
	}

	part, conformance, hasPart, hasConformance := PDFAIdentification(xmp)
	if !hasPart || !hasConformance {
		t.Fatalf("identification incomplete: hasPart=%v hasConformance=%v", hasPart, hasConformance)
	}
	if part != 3 || conformance != "B" {
		t.Errorf("got part=%d conformance=%q, want 3/B", part, conformance)
	}
}

func TestXMPMissing(t *testing.T) {
	doc, err := Open(testpdf.Build(testpdf.Options{OmitXMP: true}))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	xmp, err := doc.XMP()
	if err != nil {
		t.Fatalf("XMP: %v", err)
	}
	if xmp != nil {
		t.Errorf("expected nil packet, got %d bytes", len(xmp))
	}
}

func TestPDFAIdentificationAttributeSyntax(t *testing.T) {
	xmp := []byte(`<rdf:Description pdfaid:part="3" pdfaid:conformance="b"/>`)
	part, conformance, hasPart, hasConformance := PDFAIdentification(xmp)
	if !hasPart || !hasConformance || part != 3 || conformance != "B" {
		t.Errorf("got part=%d conf=%q hasPart=%v hasConf=%v", part, conformance, hasPart, hasConformance)
	}
}

func TestSignatureFieldsOnUnsignedDocument(t *testing.T) {
	doc, err := Open(testpdf.Build(testpdf.Options{}))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	fields, err := doc.SignatureFields()
	if err != nil {
		t.Fatalf("SignatureFields: %v", err)
	}
	if len(fields) != 0 {
		t.Errorf("unsigned document reported %d signature fields", len(fields))
	}
	if doc.HasSignatureFields() {
		t.Error("HasSignatureFields must be false for unsigned document")
	}
	if !doc.LastSignatureCoversFile() {
		t.Error("coverage policy must report true when no signed fields exist")
	}
}

func TestCoversFileOfSize(t *testing.T) {
	sig := SignatureField{ByteRange: []int64{0, 100, 200, 50}}
	if !sig.CoversFileOfSize(250) {
		t.Error("250-byte file should be covered")
	}
	if sig.CoversFileOfSize(300) {
		t.Error("300-byte file should not be covered")
	}
	if (SignatureField{}).CoversFileOfSize(0) {
		t.Error("empty ByteRange never covers")
	}
}

func TestVisibleTextBestEffort(t *testing.T) {
	doc, err := Open(testpdf.Build(testpdf.Options{VisibleText: "Hello sealed world"}))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	text, err := doc.VisibleText()
	if err != nil {
		t.Fatalf("VisibleText: %v", err)
	}
	// Extraction is best-effort; when the content stream is decoded the
	// page sentence must be present.
	if text != "" && !strings.Contains(text, "Hello") {
		t.Errorf("unexpected page text: %q", text)
	}
}
