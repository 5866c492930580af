package sign

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

func (context *SignContext) writeTrailer() error {
	if context.PDFReader.XrefInformation.Type == "table" {
		var trailer_builder strings.Builder

		new_size := context.PDFReader.XrefInformation.ItemCount + int64(len(context.newXrefEntries))

		trailer_builder.WriteString("trailer\n<< /Size " + strconv.FormatInt(new_size, 10))
		trailer_builder.WriteString(" /Root " + strconv.Itoa(int(context.CatalogData.ObjectId)) + " 0 R")
		trailer_builder.WriteString(" /Prev " + strconv.FormatInt(context.PDFReader.XrefInformation.StartPos, 10))

		trailer := context.PDFReader.Trailer()

		info := trailer.Key("Info")
		if info_ptr := info.GetPtr(); info_ptr.GetID() != 0 {
			trailer_builder.WriteString(fmt.Sprintf(" /Info %d %d R", info_ptr.GetID(), info_ptr.GetGen()))
		}

		id := trailer.Key("ID")
		if !id.IsNull() && id.Len() >= 2 {
			id0 := hex.EncodeToString([]byte(id.Index(0).RawString()))
			id1 := hex.EncodeToString([]byte(id.Index(1).RawString()))
			trailer_builder.WriteString(" /ID [<" + id0 + "><" + id1 + ">]")
		}

		trailer_builder.WriteString(" >>\n")

		if _, err := context.OutputBuffer.Write([]byte(trailer_builder.String())); err != nil {
			return err
		}
	}

	// An xref stream carries the trailer keys itself, only startxref
	// remains.
	if _, err := context.OutputBuffer.Write([]byte("startxref\n")); err != nil {
		return err
	}
	if _, err := context.OutputBuffer.Write([]byte(strconv.FormatInt(context.NewXrefStart, 10) + "\n")); err != nil {
		return err
	}
	if _, err := context.OutputBuffer.Write([]byte("%%EOF\n")); err != nil {
		return err
	}

	return nil
}
