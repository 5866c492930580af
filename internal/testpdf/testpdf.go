// Package testpdf builds minimal but structurally valid PDF/A-3 style
// documents for tests: one page, optional XMP identification, optional
// associated files. Offsets in the cross-reference table are exact so the
// lazy reader can resolve every object.
package testpdf

import (
	"bytes"
	"fmt"
)

// Options controls the generated document.
type Options struct {
	// Content is embedded as content.json with AFRelationship /Data.
	Content []byte
	// Bindings is embedded as bindings.json with AFRelationship /Supplement.
	Bindings []byte
	// ExtraDataFiles embeds additional /Data filespecs (ambiguity cases).
	ExtraDataFiles int

	// OmitXMP drops the metadata stream entirely.
	OmitXMP bool
	// XMPWithoutPDFAID emits an XMP packet without pdfaid properties.
	XMPWithoutPDFAID bool
	// PDFAPart and PDFAConformance override the identification (defaults 3/B).
	PDFAPart        int
	PDFAConformance string

	// VisibleText is the page text; defaults to a fixed sentence.
	VisibleText string
}

type object struct {
	id   int
	body []byte
}

type builder struct {
	objects []object
	nextID  int
}

func (b *builder) add(body string) int {
	id := b.nextID
	b.nextID++
	b.objects = append(b.objects, object{id: id, body: []byte(body)})
	return id
}

func (b *builder) addStream(dict string, data []byte) int {
	var body bytes.Buffer
	if dict == "" {
		fmt.Fprintf(&body, "<< /Length %d >>\nstream\n", len(data))
	} else {
		fmt.Fprintf(&body, "<< %s /Length %d >>\nstream\n", dict, len(data))
	}
	body.Write(data)
	body.WriteString("\nendstream")
	return b.add(body.String())
}

func xmpPacket(part int, conformance string, withPDFAID bool) []byte {
	var buf bytes.Buffer
	buf.WriteString(`<?xpacket begin="" id="W5M0MpCehiHzreSzNTczkc9d"?>` + "\n")
	buf.WriteString(`<x:xmpmeta xmlns:x="adobe:ns:meta/">` + "\n")
	buf.WriteString(`<rdf:RDF xmlns:rdf="http://www.w3.org/1999/02/22-rdf-syntax-ns#">` + "\n")
	if withPDFAID {
		buf.WriteString(`<rdf:Description rdf:about="" xmlns:pdfaid="http://www.aiim.org/pdfa/ns/id/">` + "\n")
		fmt.Fprintf(&buf, "<pdfaid:part>%d</pdfaid:part>\n", part)
		fmt.Fprintf(&buf, "<pdfaid:conformance>%s</pdfaid:conformance>\n", conformance)
		buf.WriteString(`</rdf:Description>` + "\n")
	} else {
		buf.WriteString(`<rdf:Description rdf:about=""/>` + "\n")
	}
	buf.WriteString(`</rdf:RDF>` + "\n</x:xmpmeta>\n" + `<?xpacket end="w"?>`)
	return buf.Bytes()
}

// Build renders the document.
func Build(opts Options) []byte {
	if opts.PDFAPart == 0 {
		opts.PDFAPart = 3
	}
	if opts.PDFAConformance == "" {
		opts.PDFAConformance = "B"
	}
	if opts.VisibleText == "" {
		opts.VisibleText = "Hello sealed world"
	}

	b := &builder{nextID: 1}

	// Object IDs are assigned in emission order; references below are
	// computed before the objects are added.
	catalogID := b.nextID
	pagesID := catalogID + 1
	pageID := pagesID + 1
	fontID := pageID + 1
	contentsID := fontID + 1

	next := contentsID + 1
	metadataID := 0
	if !opts.OmitXMP {
		metadataID = next
		next++
	}

	type filespec struct {
		name         string
		relationship string
		data         []byte
		specID       int
		streamID     int
	}
	var filespecs []filespec
	addSpec := func(name, relationship string, data []byte) {
		filespecs = append(filespecs, filespec{name: name, relationship: relationship, data: data, specID: next, streamID: next + 1})
		next += 2
	}
	if opts.Content != nil {
		addSpec("content.json", "Data", opts.Content)
	}
	for i := 0; i < opts.ExtraDataFiles; i++ {
		addSpec(fmt.Sprintf("extra%d.json", i), "Data", []byte(`{"extra":true}`))
	}
	if opts.Bindings != nil {
		addSpec("bindings.json", "Supplement", opts.Bindings)
	}

	// Catalog.
	var catalog bytes.Buffer
	fmt.Fprintf(&catalog, "<< /Type /Catalog /Pages %d 0 R", pagesID)
	if metadataID != 0 {
		fmt.Fprintf(&catalog, " /Metadata %d 0 R", metadataID)
	}
	if len(filespecs) > 0 {
		catalog.WriteString(" /AF [")
		for _, fs := range filespecs {
			fmt.Fprintf(&catalog, " %d 0 R", fs.specID)
		}
		catalog.WriteString(" ]")
		catalog.WriteString(" /Names << /EmbeddedFiles << /Names [")
		for _, fs := range filespecs {
			fmt.Fprintf(&catalog, " (%s) %d 0 R", fs.name, fs.specID)
		}
		catalog.WriteString(" ] >> >>")
	}
	catalog.WriteString(" >>")
	b.add(catalog.String())

	b.add(fmt.Sprintf("<< /Type /Pages /Kids [%d 0 R] /Count 1 >>", pageID))
	b.add(fmt.Sprintf("<< /Type /Page /Parent %d 0 R /MediaBox [0 0 612 792] /Resources << /Font << /F1 %d 0 R >> >> /Contents %d 0 R >>", pagesID, fontID, contentsID))
	b.add("<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica >>")

	pageContent := fmt.Sprintf("BT /F1 12 Tf 72 720 Td (%s) Tj ET", opts.VisibleText)
	b.addStream("", []byte(pageContent))

	if metadataID != 0 {
		b.addStream("/Type /Metadata /Subtype /XML", xmpPacket(opts.PDFAPart, opts.PDFAConformance, !opts.XMPWithoutPDFAID))
	}

	for _, fs := range filespecs {
		b.add(fmt.Sprintf("<< /Type /Filespec /F (%s) /UF (%s) /AFRelationship /%s /EF << /F %d 0 R /UF %d 0 R >> >>",
			fs.name, fs.name, fs.relationship, fs.streamID, fs.streamID))
		b.addStream("/Type /EmbeddedFile /Subtype /application#2Fjson", fs.data)
	}

	// Serialize with exact offsets.
	var out bytes.Buffer
	out.WriteString("%PDF-1.7\n")
	out.Write([]byte{'%', 0xe2, 0xe3, 0xcf, 0xd3, '\n'})

	offsets := make([]int, b.nextID)
	for _, obj := range b.objects {
		offsets[obj.id] = out.Len()
		fmt.Fprintf(&out, "%d 0 obj\n", obj.id)
		out.Write(obj.body)
		out.WriteString("\nendobj\n")
	}

	xrefStart := out.Len()
	fmt.Fprintf(&out, "xref\n0 %d\n", b.nextID)
	out.WriteString("0000000000 65535 f \n")
	for id := 1; id < b.nextID; id++ {
		fmt.Fprintf(&out, "%010d 00000 n \n", offsets[id])
	}
	fmt.Fprintf(&out, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", b.nextID, xrefStart)

	return out.Bytes()
}
