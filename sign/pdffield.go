package sign

import (
	"strconv"
	"strings"
)

// createSignatureField builds the invisible widget holding the signature
// value. The widget is not added to the page's /Annots, viewers resolve it
// through the AcroForm field array.
func (context *SignContext) createSignatureField() string {
	var field_builder strings.Builder

	field_builder.WriteString("<< /FT /Sig")
	field_builder.WriteString(" /Type /Annot")
	field_builder.WriteString(" /Subtype /Widget")
	field_builder.WriteString(" /Rect [0 0 0 0]")
	field_builder.WriteString(" /F 132") // print, locked
	field_builder.WriteString(" /T ")
	field_builder.WriteString(pdfString(context.SignData.FieldName))
	field_builder.WriteString(" /V " + strconv.Itoa(int(context.SignData.objectId)) + " 0 R")

	root := context.PDFReader.Trailer().Key("Root")
	kids := root.Key("Pages").Key("Kids")
	if !kids.IsNull() && kids.Len() > 0 {
		page := kids.Index(0).GetPtr()
		if page.GetID() != 0 {
			field_builder.WriteString(" /P " + strconv.Itoa(int(page.GetID())) + " " + strconv.Itoa(int(page.GetGen())) + " R")
		}
	}

	field_builder.WriteString(" >>")

	return field_builder.String()
}
