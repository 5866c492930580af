package sign

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/digitorus/pdf"
)

func (context *SignContext) createCatalog() (string, error) {
	var catalog_builder strings.Builder

	catalog_builder.WriteString("<< /Type /Catalog")

	root := context.PDFReader.Trailer().Key("Root")
	root_ptr := root.GetPtr()
	context.CatalogData.RootString = strconv.Itoa(int(root_ptr.GetID())) + " " + strconv.Itoa(int(root_ptr.GetGen())) + " R"

	// Carry every key of the previous catalog forward. Replacing the
	// catalog without carrying /Metadata or /AF would silently strip the
	// PDF/A identification and the associated files of the document.
	for _, key := range root.Keys() {
		switch key {
		case "Type", "AcroForm":
			continue
		case "Perms":
			// A certification signature writes its own /Perms below.
			if context.SignData.Signature.CertType == CertificationSignature {
				continue
			}
		}
		catalog_builder.WriteString(" /" + key + " ")
		context.serializeValue(&catalog_builder, root.Key(key))
	}

	catalog_builder.WriteString(" /AcroForm << /Fields [")
	for i, id := range context.existingFieldIDs {
		if i > 0 {
			catalog_builder.WriteString(" ")
		}
		catalog_builder.WriteString(strconv.Itoa(int(id)) + " 0 R")
	}
	if len(context.existingFieldIDs) > 0 {
		catalog_builder.WriteString(" ")
	}
	catalog_builder.WriteString(strconv.Itoa(int(context.SignatureFieldObjectId)) + " 0 R")
	catalog_builder.WriteString("]")

	// SigFlags: SignaturesExist and AppendOnly (Table 225).
	catalog_builder.WriteString(" /SigFlags 3")
	catalog_builder.WriteString(" >>")

	// A certification signature locks the document through /Perms.
	if context.SignData.Signature.CertType == CertificationSignature {
		catalog_builder.WriteString(" /Perms << /DocMDP " + strconv.Itoa(int(context.SignData.objectId)) + " 0 R >>")
	}

	catalog_builder.WriteString(" >>")

	return catalog_builder.String(), nil
}

// serializeValue writes a previously parsed value back out in PDF syntax.
// Indirect references stay references, everything else is emitted inline.
func (context *SignContext) serializeValue(b *strings.Builder, v pdf.Value) {
	ptr := v.GetPtr()
	if ptr.GetID() != 0 {
		fmt.Fprintf(b, "%d %d R", ptr.GetID(), ptr.GetGen())
		return
	}

	switch v.Kind() {
	case pdf.Array:
		b.WriteString("[")
		for i := 0; i < v.Len(); i++ {
			if i > 0 {
				b.WriteString(" ")
			}
			context.serializeValue(b, v.Index(i))
		}
		b.WriteString("]")
	case pdf.Dict:
		b.WriteString("<<")
		for _, key := range v.Keys() {
			b.WriteString(" /" + key + " ")
			context.serializeValue(b, v.Key(key))
		}
		b.WriteString(" >>")
	case pdf.String:
		// Hex form survives arbitrary bytes.
		b.WriteString("<" + hex.EncodeToString([]byte(v.RawString())) + ">")
	default:
		b.WriteString(v.String())
	}
}
