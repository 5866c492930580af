package sign

import (
	"crypto"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/digitorus/pdf"
	"github.com/digitorus/pkcs7"
	"github.com/mattetti/filebuffer"
)

func SignFile(input string, output string, sign_data SignData) error {
	input_file, err := os.Open(input)
	if err != nil {
		return err
	}
	defer func() {
		_ = input_file.Close()
	}()

	output_file, err := os.Create(output)
	if err != nil {
		return err
	}
	defer func() {
		_ = output_file.Close()
	}()

	finfo, err := input_file.Stat()
	if err != nil {
		return err
	}
	size := finfo.Size()

	rdr, err := pdf.NewReader(input_file, size)
	if err != nil {
		return err
	}

	return Sign(input_file, output_file, rdr, size, sign_data)
}

// SignBytes signs an in-memory document and returns the signed bytes.
func SignBytes(input []byte, sign_data SignData) ([]byte, error) {
	reader := filebuffer.New(input)
	rdr, err := pdf.NewReader(reader, int64(len(input)))
	if err != nil {
		return nil, err
	}

	output := filebuffer.New(nil)
	if err := Sign(reader, output, rdr, int64(len(input)), sign_data); err != nil {
		return nil, err
	}
	return output.Buff.Bytes(), nil
}

func Sign(input io.ReadSeeker, output io.Writer, rdr *pdf.Reader, size int64, sign_data SignData) error {
	context := SignContext{
		PDFReader:  rdr,
		InputFile:  input,
		InputSize:  size,
		OutputFile: output,
		SignData:   sign_data,

		SignatureMaxLengthBase: uint32(hex.EncodedLen(512)),
	}

	existing, err := context.fetchExistingFieldRefs()
	if err != nil {
		return err
	}
	context.existingFieldIDs = existing

	return context.SignPDF()
}

func (context *SignContext) SignPDF() error {
	// set defaults
	if context.SignData.Signature.CertType == 0 {
		context.SignData.Signature.CertType = CertificationSignature
	}
	if context.SignData.Signature.DocMDPPerm == 0 {
		context.SignData.Signature.DocMDPPerm = DoNotAllowAnyChangesPerms
	}
	if !context.SignData.DigestAlgorithm.Available() {
		context.SignData.DigestAlgorithm = crypto.SHA256
	}
	if context.SignData.FieldName == "" {
		context.SignData.FieldName = "Signature1"
	}

	// Reset state that accumulates during signing, a retry reruns the
	// whole pipeline with a larger placeholder.
	context.newXrefEntries = nil
	context.ByteRangeValues = nil
	context.NewXrefStart = 0
	context.CatalogData = CatalogData{}

	context.OutputBuffer = filebuffer.New([]byte{})

	if _, err := context.InputFile.Seek(0, 0); err != nil {
		return err
	}
	if _, err := io.Copy(context.OutputBuffer, context.InputFile); err != nil {
		return err
	}

	// File always needs an empty line after %%EOF.
	if _, err := context.OutputBuffer.Write([]byte("\n")); err != nil {
		return err
	}

	context.SignatureMaxLength = context.SignatureMaxLengthBase

	if context.SignData.Signature.CertType != TimeStampSignature {
		if context.SignData.Certificate == nil {
			return fmt.Errorf("certificate is required")
		}

		if context.SignData.Signer != nil {
			if err := ValidateSignerCertificateMatch(context.SignData.Signer, context.SignData.Certificate); err != nil {
				return fmt.Errorf("signer/certificate validation failed: %w", err)
			}
		}

		var sig_size int
		if context.SignData.SignatureSizeOverride > 0 {
			sig_size = int(context.SignData.SignatureSizeOverride)
		} else {
			var err error
			sig_size, err = PublicKeySignatureSize(context.SignData.Certificate.PublicKey)
			if err != nil {
				sig_size = DefaultSignatureSize
			}
		}
		context.SignatureMaxLength += uint32(hex.EncodedLen(sig_size))

		// Digest appears twice, once for the file and once inside the
		// signing certificate attribute.
		context.SignatureMaxLength += uint32(hex.EncodedLen(context.SignData.DigestAlgorithm.Size() * 2))

		degenerated, err := pkcs7.DegenerateCertificate(context.SignData.Certificate.Raw)
		if err != nil {
			return fmt.Errorf("failed to degenerate certificate: %w", err)
		}
		context.SignatureMaxLength += uint32(hex.EncodedLen(len(degenerated)))

		// AddSignerChain embeds the raw issuer as well.
		context.SignatureMaxLength += uint32(hex.EncodedLen(len(context.SignData.Certificate.RawIssuer)))

		var certificate_chain []*x509.Certificate
		if len(context.SignData.CertificateChains) > 0 && len(context.SignData.CertificateChains[0]) > 1 {
			certificate_chain = context.SignData.CertificateChains[0][1:]
		}
		for _, cert := range certificate_chain {
			degenerated, err := pkcs7.DegenerateCertificate(cert.Raw)
			if err != nil {
				return fmt.Errorf("failed to degenerate chain certificate: %w", err)
			}
			context.SignatureMaxLength += uint32(hex.EncodedLen(len(degenerated)))
		}

		// Revocation payloads can be large, fetch them before sizing the
		// placeholder.
		if err := context.fetchRevocationData(); err != nil {
			return fmt.Errorf("failed to fetch revocation data: %w", err)
		}
	}

	// Timestamp token size is unknown until after signing, reserve a
	// generous estimate.
	if context.SignData.TSA.URL != "" {
		context.SignatureMaxLength += uint32(hex.EncodedLen(9000))
	}

	// A caller-supplied reservation wins when it exceeds the estimate.
	if reserved := uint32(hex.EncodedLen(int(context.SignData.BytesReserved))); reserved > context.SignatureMaxLength {
		context.SignatureMaxLength = reserved
	}

	// Object IDs for this increment are assigned up front, the xref Size
	// of the previous revision is the next free number.
	base := uint32(context.PDFReader.XrefInformation.ItemCount)
	context.SignData.objectId = base
	context.SignatureFieldObjectId = base + 1
	context.CatalogData.ObjectId = base + 2

	var signature_object string
	var byte_range_rel, contents_rel int64

	switch context.SignData.Signature.CertType {
	case TimeStampSignature:
		signature_object, byte_range_rel, contents_rel = context.createTimestampPlaceholder()
	default:
		signature_object, byte_range_rel, contents_rel = context.createSignaturePlaceholder()
	}

	signature_offset, err := context.addObject(context.SignData.objectId, signature_object)
	if err != nil {
		return fmt.Errorf("failed to add signature object: %w", err)
	}
	context.ByteRangeStartByte = signature_offset + byte_range_rel
	context.SignatureContentsStart = signature_offset + contents_rel

	field := context.createSignatureField()
	if _, err := context.addObject(context.SignatureFieldObjectId, field); err != nil {
		return fmt.Errorf("failed to add signature field object: %w", err)
	}

	catalog, err := context.createCatalog()
	if err != nil {
		return fmt.Errorf("failed to create catalog: %w", err)
	}
	if _, err := context.addObject(context.CatalogData.ObjectId, catalog); err != nil {
		return fmt.Errorf("failed to add catalog object: %w", err)
	}

	if err := context.writeXref(); err != nil {
		return fmt.Errorf("failed to write xref: %w", err)
	}

	if err := context.writeTrailer(); err != nil {
		return fmt.Errorf("failed to write trailer: %w", err)
	}

	if err := context.updateByteRange(); err != nil {
		return fmt.Errorf("failed to update byte range: %w", err)
	}

	retry_count_before := context.retryCount

	if err := context.replaceSignature(); err != nil {
		return fmt.Errorf("failed to replace signature: %w", err)
	}

	// A retry inside replaceSignature reran SignPDF and already wrote the
	// output.
	if context.retryCount > retry_count_before {
		return nil
	}

	if _, err := context.OutputBuffer.Seek(0, 0); err != nil {
		return err
	}
	file_content := context.OutputBuffer.Buff.Bytes()

	if _, err := context.OutputFile.Write(file_content); err != nil {
		return err
	}

	return nil
}

// fetchExistingFieldRefs collects the object numbers of the AcroForm fields
// of the previous revision so the new catalog can carry them forward.
func (context *SignContext) fetchExistingFieldRefs() (refs []uint32, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("malformed AcroForm: %v", r)
		}
	}()

	root := context.PDFReader.Trailer().Key("Root")
	fields := root.Key("AcroForm").Key("Fields")
	if fields.IsNull() {
		return nil, nil
	}
	for i := 0; i < fields.Len(); i++ {
		ptr := fields.Index(i).GetPtr()
		refs = append(refs, ptr.GetID())
	}
	return refs, nil
}
