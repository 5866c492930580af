package sign

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
)

// addObject appends an indirect object to the output buffer and records its
// xref entry. The returned offset points at the object body, after the
// "N 0 obj" header.
func (context *SignContext) addObject(id uint32, object string) (int64, error) {
	start := int64(context.OutputBuffer.Buff.Len())

	header := fmt.Sprintf("%d 0 obj\n", id)
	if _, err := context.OutputBuffer.Write([]byte(header)); err != nil {
		return 0, err
	}
	if _, err := context.OutputBuffer.Write([]byte(object)); err != nil {
		return 0, err
	}
	if !strings.HasSuffix(object, "\n") {
		if _, err := context.OutputBuffer.Write([]byte("\n")); err != nil {
			return 0, err
		}
	}
	if _, err := context.OutputBuffer.Write([]byte("endobj\n")); err != nil {
		return 0, err
	}

	context.newXrefEntries = append(context.newXrefEntries, xrefEntry{ID: id, Offset: start})

	return start + int64(len(header)), nil
}

func (context *SignContext) writeXref() error {
	switch context.PDFReader.XrefInformation.Type {
	case "table":
		return context.writeIncrXrefTable()
	case "stream":
		return context.writeXrefStream()
	default:
		return fmt.Errorf("unknown xref type: %q", context.PDFReader.XrefInformation.Type)
	}
}

// writeIncrXrefTable writes the incremental cross-reference table for the new
// objects. The new object numbers are contiguous, one subsection suffices.
func (context *SignContext) writeIncrXrefTable() error {
	context.NewXrefStart = int64(context.OutputBuffer.Buff.Len())

	if _, err := context.OutputBuffer.Write([]byte("xref\n")); err != nil {
		return fmt.Errorf("failed to write incremental xref header: %w", err)
	}

	subsection := fmt.Sprintf("%d %d\n", context.newXrefEntries[0].ID, len(context.newXrefEntries))
	if _, err := context.OutputBuffer.Write([]byte(subsection)); err != nil {
		return fmt.Errorf("failed to write xref subsection header: %w", err)
	}

	for _, entry := range context.newXrefEntries {
		xref_line := fmt.Sprintf("%010d 00000 n \n", entry.Offset)
		if _, err := context.OutputBuffer.Write([]byte(xref_line)); err != nil {
			return fmt.Errorf("failed to write incremental xref entry: %w", err)
		}
	}

	return nil
}

// writeXrefStream writes a cross-reference stream object when the previous
// revision uses one. The stream indexes the new objects plus itself.
func (context *SignContext) writeXrefStream() error {
	stream_object_id := context.newXrefEntries[len(context.newXrefEntries)-1].ID + 1
	context.NewXrefStart = int64(context.OutputBuffer.Buff.Len())

	// The stream must index itself, its offset is known before writing.
	entries := make([]xrefEntry, len(context.newXrefEntries), len(context.newXrefEntries)+1)
	copy(entries, context.newXrefEntries)
	entries = append(entries, xrefEntry{ID: stream_object_id, Offset: context.NewXrefStart})

	var buffer bytes.Buffer
	for _, entry := range entries {
		writeXrefStreamLine(&buffer, 1, int(entry.Offset), 0)
	}

	stream_bytes, err := encodeXrefStream(buffer.Bytes())
	if err != nil {
		return fmt.Errorf("failed to encode xref stream: %w", err)
	}

	new_size := int64(entries[len(entries)-1].ID) + 1

	var xref_stream bytes.Buffer
	xref_stream.WriteString("<< /Type /XRef\n")
	fmt.Fprintf(&xref_stream, "  /Length %d\n", len(stream_bytes))
	xref_stream.WriteString("  /Filter /FlateDecode\n")
	xref_stream.WriteString("  /W [ 1 4 1 ]\n")
	fmt.Fprintf(&xref_stream, "  /Index [ %d %d ]\n", entries[0].ID, len(entries))
	fmt.Fprintf(&xref_stream, "  /Prev %d\n", context.PDFReader.XrefInformation.StartPos)
	fmt.Fprintf(&xref_stream, "  /Size %d\n", new_size)
	fmt.Fprintf(&xref_stream, "  /Root %d 0 R\n", context.CatalogData.ObjectId)

	id := context.PDFReader.Trailer().Key("ID")
	if !id.IsNull() && id.Len() >= 2 {
		id0 := hex.EncodeToString([]byte(id.Index(0).RawString()))
		id1 := hex.EncodeToString([]byte(id.Index(1).RawString()))
		fmt.Fprintf(&xref_stream, "  /ID [<%s><%s>]\n", id0, id1)
	}

	xref_stream.WriteString(">>\n")
	xref_stream.WriteString("stream\n")
	xref_stream.Write(stream_bytes)
	xref_stream.WriteString("\nendstream")

	if _, err := context.addObject(stream_object_id, xref_stream.String()); err != nil {
		return fmt.Errorf("failed to add xref stream object: %w", err)
	}

	return nil
}

func encodeXrefStream(data []byte) ([]byte, error) {
	var b bytes.Buffer
	w := zlib.NewWriter(&b)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// writeXrefStreamLine writes one W [ 1 4 1 ] entry.
func writeXrefStreamLine(b *bytes.Buffer, xreftype byte, offset int, gen byte) {
	b.WriteByte(xreftype)

	offset_bytes := make([]byte, 4)
	binary.BigEndian.PutUint32(offset_bytes, uint32(offset))
	b.Write(offset_bytes)

	b.WriteByte(gen)
}
