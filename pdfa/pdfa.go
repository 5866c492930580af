// Package pdfa is the read model for PDF/A-3 artifacts: signature fields,
// associated files, the embedded-files name tree, XMP identification and
// ByteRange coverage. It never mutates the source document.
package pdfa

import (
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/digitorus/pdf"
)

// ParseError marks a malformed document. It is the only error kind the audit
// helpers are allowed to absorb; anything else is a logic error and must
// propagate.
type ParseError struct {
	Op  string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("pdfa: %s: %v", e.Op, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// SubFilter values of the signature dictionaries the trust pipeline works
// with.
const (
	SubFilterPKCS7Detached = "adbe.pkcs7.detached"
	SubFilterETSIRFC3161   = "ETSI.RFC3161"
	SubFilterETSICAdES     = "ETSI.CAdES.detached"
)

// AFRelationship values of the associated files in the binding contract.
const (
	RelationshipData       = "Data"
	RelationshipSupplement = "Supplement"
)

// SignatureField is one /FT /Sig form field with a filled /V dictionary.
type SignatureField struct {
	FieldName  string
	Filter     string
	SubFilter  string
	Contents   []byte
	ByteRange  []int64
	DocMDPPerm int // 0 when the signature carries no DocMDP reference
}

// IsTimestamp reports whether the field holds a document timestamp.
func (s SignatureField) IsTimestamp() bool {
	return s.SubFilter == SubFilterETSIRFC3161
}

// CoversFileOfSize reports whether the signature's ByteRange covers a file of
// the given length, i.e. offset+length of the final range equals the size.
func (s SignatureField) CoversFileOfSize(size int64) bool {
	if len(s.ByteRange) < 4 || len(s.ByteRange)%2 != 0 {
		return false
	}
	last := len(s.ByteRange) - 2
	return s.ByteRange[last]+s.ByteRange[last+1] == size
}

// EmbeddedFile is a Filespec resolved to its payload bytes.
type EmbeddedFile struct {
	Name         string
	Relationship string
	Bytes        []byte
}

// Document wraps a lazily parsed PDF.
type Document struct {
	reader *pdf.Reader
	src    io.ReaderAt
	size   int64
}

// Open parses a PDF from memory. Malformed input yields a ParseError.
func Open(data []byte) (*Document, error) {
	return OpenReader(bytes.NewReader(data), int64(len(data)))
}

// OpenReader parses a PDF from an io.ReaderAt.
func OpenReader(src io.ReaderAt, size int64) (doc *Document, err error) {
	defer recoverParse("open", &err)

	reader, err := pdf.NewReader(src, size)
	if err != nil {
		return nil, &ParseError{Op: "open", Err: err}
	}
	return &Document{reader: reader, src: src, size: size}, nil
}

// Size returns the length in bytes of the underlying file.
func (d *Document) Size() int64 { return d.size }

// Reader exposes the low-level lazy reader.
func (d *Document) Reader() *pdf.Reader { return d.reader }

// recoverParse converts the lazy reader's panics on malformed structures into
// ParseError. Panics from our own code would surface here too, which is why
// the guarded sections contain only document traversal.
func recoverParse(op string, err *error) {
	if r := recover(); r != nil {
		*err = &ParseError{Op: op, Err: fmt.Errorf("%v", r)}
	}
}

// SignatureFields enumerates /AcroForm.Fields entries (including /Kids) whose
// /FT is /Sig and whose /V dictionary is filled.
func (d *Document) SignatureFields() (fields []SignatureField, err error) {
	defer recoverParse("signature fields", &err)

	acroForm := d.reader.Trailer().Key("Root").Key("AcroForm")
	if acroForm.IsNull() {
		return nil, nil
	}

	var walk func(arr pdf.Value)
	walk = func(arr pdf.Value) {
		if arr.IsNull() || arr.Kind() != pdf.Array {
			return
		}
		for i := 0; i < arr.Len(); i++ {
			field := arr.Index(i)

			if field.Key("FT").Name() == "Sig" {
				v := field.Key("V")
				if !v.IsNull() && !v.Key("Contents").IsNull() {
					fields = append(fields, SignatureField{
						FieldName:  field.Key("T").Text(),
						Filter:     v.Key("Filter").Name(),
						SubFilter:  v.Key("SubFilter").Name(),
						Contents:   []byte(v.Key("Contents").RawString()),
						ByteRange:  byteRange(v.Key("ByteRange")),
						DocMDPPerm: docMDPPerm(v),
					})
				}
			}

			if kids := field.Key("Kids"); !kids.IsNull() {
				walk(kids)
			}
		}
	}
	walk(acroForm.Key("Fields"))

	return fields, nil
}

func byteRange(v pdf.Value) []int64 {
	if v.IsNull() || v.Kind() != pdf.Array || v.Len() == 0 {
		return nil
	}
	ranges := make([]int64, 0, v.Len())
	for i := 0; i < v.Len(); i++ {
		ranges = append(ranges, v.Index(i).Int64())
	}
	return ranges
}

func docMDPPerm(v pdf.Value) int {
	refs := v.Key("Reference")
	if refs.IsNull() || refs.Kind() != pdf.Array {
		return 0
	}
	for i := 0; i < refs.Len(); i++ {
		ref := refs.Index(i)
		if ref.Key("TransformMethod").Name() != "DocMDP" {
			continue
		}
		p := ref.Key("TransformParams").Key("P")
		if p.IsNull() {
			return 1 // DocMDP default permission
		}
		return int(p.Int64())
	}
	return 0
}

// HasSignatureFields reports whether the document carries at least one filled
// signature field. A malformed document reports false: a file we cannot parse
// cannot witness a signature.
func (d *Document) HasSignatureFields() bool {
	fields, err := d.SignatureFields()
	if err != nil {
		return false
	}
	return len(fields) > 0
}

// LastSignatureCoversFile reports whether the most recently applied signature
// covers the whole file. The policy is deliberately asymmetric: a parse
// failure or the absence of signed fields reports true (there is nothing to
// flag structurally), while a real ByteRange that stops short reports false.
func (d *Document) LastSignatureCoversFile() bool {
	fields, err := d.SignatureFields()
	if err != nil || len(fields) == 0 {
		return true
	}

	// The signature whose ByteRange reaches furthest is the last applied.
	last := fields[0]
	for _, f := range fields[1:] {
		if rangeEnd(f.ByteRange) > rangeEnd(last.ByteRange) {
			last = f
		}
	}
	if len(last.ByteRange) < 4 {
		return true
	}
	return last.CoversFileOfSize(d.size)
}

func rangeEnd(br []int64) int64 {
	if len(br) < 2 || len(br)%2 != 0 {
		return -1
	}
	return br[len(br)-2] + br[len(br)-1]
}

// EmbeddedFiles gathers Filespec objects from the catalog /AF array, every
// page's /AF array and the /Names/EmbeddedFiles name tree, resolving each to
// its payload via /EF/UF then /EF/F.
func (d *Document) EmbeddedFiles() (files []EmbeddedFile, err error) {
	defer recoverParse("embedded files", &err)

	seen := make(map[string]bool)
	add := func(filespec pdf.Value) {
		if filespec.IsNull() || filespec.Kind() != pdf.Dict {
			return
		}

		name := filespec.Key("UF").Text()
		if name == "" {
			name = filespec.Key("F").Text()
		}

		ef := filespec.Key("EF")
		stream := ef.Key("UF")
		if stream.IsNull() {
			stream = ef.Key("F")
		}

		var payload []byte
		if !stream.IsNull() && stream.Kind() == pdf.Stream {
			data, readErr := io.ReadAll(stream.Reader())
			if readErr == nil {
				payload = data
			}
		}

		key := name + "\x00" + strconv.Itoa(len(payload))
		if seen[key] {
			return
		}
		seen[key] = true

		files = append(files, EmbeddedFile{
			Name:         name,
			Relationship: filespec.Key("AFRelationship").Name(),
			Bytes:        payload,
		})
	}

	addArray := func(af pdf.Value) {
		if af.IsNull() || af.Kind() != pdf.Array {
			return
		}
		for i := 0; i < af.Len(); i++ {
			add(af.Index(i))
		}
	}

	root := d.reader.Trailer().Key("Root")
	addArray(root.Key("AF"))

	for i := 1; i <= d.reader.NumPage(); i++ {
		addArray(d.reader.Page(i).V.Key("AF"))
	}

	var walkNames func(node pdf.Value)
	walkNames = func(node pdf.Value) {
		if node.IsNull() {
			return
		}
		names := node.Key("Names")
		if !names.IsNull() && names.Kind() == pdf.Array {
			// Pairs of [name, filespec].
			for i := 1; i < names.Len(); i += 2 {
				add(names.Index(i))
			}
		}
		kids := node.Key("Kids")
		if !kids.IsNull() && kids.Kind() == pdf.Array {
			for i := 0; i < kids.Len(); i++ {
				walkNames(kids.Index(i))
			}
		}
	}
	walkNames(root.Key("Names").Key("EmbeddedFiles"))

	return files, nil
}

// XMP returns the raw XMP metadata packet from the catalog, or nil when the
// document has none.
func (d *Document) XMP() (packet []byte, err error) {
	defer recoverParse("xmp", &err)

	metadata := d.reader.Trailer().Key("Root").Key("Metadata")
	if metadata.IsNull() || metadata.Kind() != pdf.Stream {
		return nil, nil
	}

	data, readErr := io.ReadAll(metadata.Reader())
	if readErr != nil {
		return nil, &ParseError{Op: "xmp", Err: readErr}
	}
	return data, nil
}

var (
	pdfaPartRe        = regexp.MustCompile(`pdfaid:part\s*(?:=\s*"|>\s*)(\d+)`)
	pdfaConformanceRe = regexp.MustCompile(`pdfaid:conformance\s*(?:=\s*"|>\s*)([A-Za-z]+)`)
)

// PDFAIdentification extracts the PDF/A part and conformance level from an
// XMP packet. The boolean results report whether each property was present.
func PDFAIdentification(xmp []byte) (part int, conformance string, hasPart, hasConformance bool) {
	if m := pdfaPartRe.FindSubmatch(xmp); m != nil {
		if n, err := strconv.Atoi(string(m[1])); err == nil {
			part = n
			hasPart = true
		}
	}
	if m := pdfaConformanceRe.FindSubmatch(xmp); m != nil {
		conformance = strings.ToUpper(string(m[1]))
		hasConformance = true
	}
	return part, conformance, hasPart, hasConformance
}

// VisibleText extracts the human-visible page text from the content streams,
// page by page in order. Extraction is best-effort; callers treat a failure
// as an empty result, never as an audit failure.
func (d *Document) VisibleText() (text string, err error) {
	defer recoverParse("visible text", &err)

	var sb strings.Builder
	for i := 1; i <= d.reader.NumPage(); i++ {
		content := d.reader.Page(i).Content()
		for _, item := range content.Text {
			sb.WriteString(item.S)
		}
		if len(content.Text) > 0 {
			sb.WriteString("\n")
		}
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}
