package sign

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/digitorus/pdf"
	"github.com/mattetti/filebuffer"
)

// DSSMaterial holds the validation data embedded by a DSS revision. All
// payloads are DER encoded.
type DSSMaterial struct {
	Certs []([]byte)
	OCSPs []([]byte)
	CRLs  []([]byte)

	// SignatureContents lists the raw /Contents of the signatures the VRI
	// dictionary should index, padding included.
	SignatureContents []([]byte)
}

// VRIKey derives the dictionary key for one signature, the uppercase hex
// SHA-1 of the complete /Contents value.
func VRIKey(contents []byte) string {
	sum := sha1.Sum(contents)
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// AddDSSBytes appends a Document Security Store revision to an in-memory
// document and returns the new bytes.
func AddDSSBytes(input []byte, material DSSMaterial) ([]byte, error) {
	reader := filebuffer.New(input)
	rdr, err := pdf.NewReader(reader, int64(len(input)))
	if err != nil {
		return nil, err
	}

	output := filebuffer.New(nil)
	if err := AddDSS(reader, output, rdr, material); err != nil {
		return nil, err
	}
	return output.Buff.Bytes(), nil
}

// AddDSS writes an incremental update carrying a /DSS dictionary with the
// given validation material. The update adds no signature, the following
// document timestamp covers it.
func AddDSS(input io.ReadSeeker, output io.Writer, rdr *pdf.Reader, material DSSMaterial) error {
	context := &SignContext{
		PDFReader:  rdr,
		InputFile:  input,
		OutputFile: output,
	}

	context.OutputBuffer = filebuffer.New([]byte{})

	if _, err := input.Seek(0, 0); err != nil {
		return err
	}
	if _, err := io.Copy(context.OutputBuffer, input); err != nil {
		return err
	}
	if _, err := context.OutputBuffer.Write([]byte("\n")); err != nil {
		return err
	}

	next_id := uint32(rdr.XrefInformation.ItemCount)

	add_streams := func(payloads [][]byte) ([]uint32, error) {
		var ids []uint32
		for _, payload := range payloads {
			var stream_builder strings.Builder
			stream_builder.WriteString("<< /Length " + strconv.Itoa(len(payload)) + " >>\n")
			stream_builder.WriteString("stream\n")
			stream_builder.Write(payload)
			stream_builder.WriteString("\nendstream")

			if _, err := context.addObject(next_id, stream_builder.String()); err != nil {
				return nil, err
			}
			ids = append(ids, next_id)
			next_id++
		}
		return ids, nil
	}

	cert_ids, err := add_streams(material.Certs)
	if err != nil {
		return fmt.Errorf("failed to add certificate streams: %w", err)
	}
	ocsp_ids, err := add_streams(material.OCSPs)
	if err != nil {
		return fmt.Errorf("failed to add OCSP streams: %w", err)
	}
	crl_ids, err := add_streams(material.CRLs)
	if err != nil {
		return fmt.Errorf("failed to add CRL streams: %w", err)
	}

	write_refs := func(b *strings.Builder, ids []uint32) {
		b.WriteString("[")
		for i, id := range ids {
			if i > 0 {
				b.WriteString(" ")
			}
			b.WriteString(strconv.Itoa(int(id)) + " 0 R")
		}
		b.WriteString("]")
	}

	var dss_builder strings.Builder
	dss_builder.WriteString("<< /Type /DSS")
	if len(cert_ids) > 0 {
		dss_builder.WriteString(" /Certs ")
		write_refs(&dss_builder, cert_ids)
	}
	if len(ocsp_ids) > 0 {
		dss_builder.WriteString(" /OCSPs ")
		write_refs(&dss_builder, ocsp_ids)
	}
	if len(crl_ids) > 0 {
		dss_builder.WriteString(" /CRLs ")
		write_refs(&dss_builder, crl_ids)
	}

	// Every indexed signature gets the full material, the store is shared.
	if len(material.SignatureContents) > 0 {
		dss_builder.WriteString(" /VRI <<")
		for _, contents := range material.SignatureContents {
			dss_builder.WriteString(" /" + VRIKey(contents) + " <<")
			if len(cert_ids) > 0 {
				dss_builder.WriteString(" /Cert ")
				write_refs(&dss_builder, cert_ids)
			}
			if len(ocsp_ids) > 0 {
				dss_builder.WriteString(" /OCSP ")
				write_refs(&dss_builder, ocsp_ids)
			}
			if len(crl_ids) > 0 {
				dss_builder.WriteString(" /CRL ")
				write_refs(&dss_builder, crl_ids)
			}
			dss_builder.WriteString(" >>")
		}
		dss_builder.WriteString(" >>")
	}
	dss_builder.WriteString(" >>")

	dss_id := next_id
	if _, err := context.addObject(dss_id, dss_builder.String()); err != nil {
		return fmt.Errorf("failed to add DSS object: %w", err)
	}
	next_id++

	catalog := context.createDSSCatalog(dss_id)
	context.CatalogData.ObjectId = next_id
	if _, err := context.addObject(next_id, catalog); err != nil {
		return fmt.Errorf("failed to add catalog object: %w", err)
	}

	if err := context.writeXref(); err != nil {
		return fmt.Errorf("failed to write xref: %w", err)
	}
	if err := context.writeTrailer(); err != nil {
		return fmt.Errorf("failed to write trailer: %w", err)
	}

	if _, err := context.OutputBuffer.Seek(0, 0); err != nil {
		return err
	}
	if _, err := output.Write(context.OutputBuffer.Buff.Bytes()); err != nil {
		return err
	}

	return nil
}

// createDSSCatalog rewrites the catalog with every previous key intact plus
// the /DSS reference. Unlike a signing revision the AcroForm is carried
// unchanged.
func (context *SignContext) createDSSCatalog(dssObjectId uint32) string {
	var catalog_builder strings.Builder

	catalog_builder.WriteString("<< /Type /Catalog")

	root := context.PDFReader.Trailer().Key("Root")
	for _, key := range root.Keys() {
		switch key {
		case "Type", "DSS":
			continue
		}
		catalog_builder.WriteString(" /" + key + " ")
		context.serializeValue(&catalog_builder, root.Key(key))
	}

	catalog_builder.WriteString(" /DSS " + strconv.Itoa(int(dssObjectId)) + " 0 R")
	catalog_builder.WriteString(" >>")

	return catalog_builder.String()
}
