package sign

import (
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	"github.com/digitorus/pdf"
	"github.com/mattetti/filebuffer"
	"go.uber.org/zap"

	"github.com/veraseal/veraseal/revocation"
)

// ErrAlreadyFinalized is returned when a document already carries a document
// timestamp. The timestamp closes the incremental update chain, any further
// write would break the archival guarantee.
var ErrAlreadyFinalized = errors.New("document carries a document timestamp, no further updates are allowed")

// DefaultBytesReserved is the CMS budget reserved for the certification
// signature. Revocation payloads vary between authorities, the constant is
// sized so a retry is never needed in practice.
const DefaultBytesReserved = 32768

// ArchiveFieldName is the form field holding the certification signature.
const ArchiveFieldName = "ArchiveSignature"

// timestampFieldName is the form field holding the closing document
// timestamp.
const timestampFieldName = "DocumentTimestamp"

// Sealer drives the full signing lifecycle over a document:
//
//	revision 1: certification signature with a DocMDP lock
//	revision 2: DSS with the validation material of the chain
//	revision 3: document timestamp closing the file
//
// With EnableLTAUpdates false only revision 1 is written and the DocMDP
// policy forbids any change. With it true the policy admits form fill-in so
// revisions 2 and 3 stay legal, and the timestamp makes the result final.
type Sealer struct {
	Signer crypto.Signer

	// Chain is the signing chain, leaf first.
	Chain []*x509.Certificate

	TSA TSA

	Reason      string
	Location    string
	ContactInfo string

	EnableLTAUpdates   bool
	RevocationFunction RevocationFunction

	// BytesReserved overrides DefaultBytesReserved when non-zero.
	BytesReserved uint32

	// DryRun stops after revision 1 and skips remote revocation and
	// timestamp authorities. Pair it with a signer that produces
	// placeholder signatures to exercise the full layout offline.
	DryRun bool

	DigestAlgorithm crypto.Hash
	Logger          *zap.Logger

	// Now is swappable in tests.
	Now func() time.Time
}

func (s *Sealer) clock() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Sealer) reserved() uint32 {
	if s.BytesReserved > 0 {
		return s.BytesReserved
	}
	return DefaultBytesReserved
}

func (s *Sealer) digest() crypto.Hash {
	if s.DigestAlgorithm.Available() {
		return s.DigestAlgorithm
	}
	return crypto.SHA256
}

// Seal signs the document and returns the sealed bytes.
func (s *Sealer) Seal(input []byte) ([]byte, error) {
	if len(s.Chain) == 0 {
		return nil, fmt.Errorf("sealer requires a certificate chain")
	}

	finalized, err := carriesDocumentTimestamp(input)
	if err != nil {
		return nil, fmt.Errorf("inspect document: %w", err)
	}
	if finalized {
		return nil, ErrAlreadyFinalized
	}

	perm := DoNotAllowAnyChangesPerms
	if s.EnableLTAUpdates {
		// The DSS and timestamp revisions must stay legal under the
		// certification lock.
		perm = AllowFillingExistingFormFieldsAndSignaturesPerms
	}

	revocation_function := s.RevocationFunction
	if s.DryRun {
		revocation_function = nil
	}

	certification := SignData{
		Signature: SignDataSignature{
			CertType:   CertificationSignature,
			DocMDPPerm: perm,
			Info: SignDataSignatureInfo{
				Name:        s.Chain[0].Subject.CommonName,
				Location:    s.Location,
				Reason:      s.Reason,
				ContactInfo: s.ContactInfo,
				Date:        s.clock(),
			},
		},
		Signer:             s.Signer,
		DigestAlgorithm:    s.digest(),
		Certificate:        s.Chain[0],
		CertificateChains:  [][]*x509.Certificate{s.Chain},
		RevocationFunction: revocation_function,
		FieldName:          ArchiveFieldName,
		BytesReserved:      s.reserved(),
	}

	sealed, err := SignBytes(input, certification)
	if err != nil {
		return nil, fmt.Errorf("certification signature: %w", err)
	}

	if s.Logger != nil {
		s.Logger.Info("certification signature applied",
			zap.String("field", ArchiveFieldName),
			zap.Int("docmdp_permission", int(perm)),
			zap.Bool("lta_updates", s.EnableLTAUpdates),
		)
	}

	if !s.EnableLTAUpdates || s.DryRun {
		return sealed, nil
	}

	material, err := s.collectValidationMaterial(sealed)
	if err != nil {
		return nil, fmt.Errorf("collect validation material: %w", err)
	}

	sealed, err = AddDSSBytes(sealed, material)
	if err != nil {
		return nil, fmt.Errorf("dss revision: %w", err)
	}

	if s.Logger != nil {
		s.Logger.Info("validation material embedded",
			zap.Int("certificates", len(material.Certs)),
			zap.Int("ocsp_responses", len(material.OCSPs)),
			zap.Int("crls", len(material.CRLs)),
		)
	}

	timestamp_data := SignData{
		Signature: SignDataSignature{
			CertType: TimeStampSignature,
			Info: SignDataSignatureInfo{
				Date: s.clock(),
			},
		},
		DigestAlgorithm: s.digest(),
		TSA:             s.TSA,
		FieldName:       timestampFieldName,
	}

	sealed, err = SignBytes(sealed, timestamp_data)
	if err != nil {
		return nil, fmt.Errorf("document timestamp: %w", err)
	}

	if s.Logger != nil {
		s.Logger.Info("document timestamp applied", zap.String("tsa", s.TSA.URL))
	}

	return sealed, nil
}

// collectValidationMaterial gathers the chain plus its revocation payloads
// and the signature contents the DSS should index.
func (s *Sealer) collectValidationMaterial(sealed []byte) (DSSMaterial, error) {
	var material DSSMaterial

	for _, cert := range s.Chain {
		material.Certs = append(material.Certs, cert.Raw)
	}

	if s.RevocationFunction != nil {
		var archival revocation.InfoArchival
		for i, cert := range s.Chain {
			var issuer *x509.Certificate
			if i < len(s.Chain)-1 {
				issuer = s.Chain[i+1]
			}
			if err := s.RevocationFunction(cert, issuer, &archival); err != nil {
				return material, fmt.Errorf("revocation data for %q: %w", cert.Subject.CommonName, err)
			}
		}
		for _, entry := range archival.OCSP {
			material.OCSPs = append(material.OCSPs, entry.FullBytes)
		}
		for _, entry := range archival.CRL {
			material.CRLs = append(material.CRLs, entry.FullBytes)
		}
	}

	contents, err := signatureContents(sealed)
	if err != nil {
		return material, err
	}
	material.SignatureContents = contents

	return material, nil
}

// carriesDocumentTimestamp reports whether any signature field of the
// document holds an ETSI.RFC3161 token.
func carriesDocumentTimestamp(input []byte) (found bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("malformed document: %v", r)
		}
	}()

	rdr, err := pdf.NewReader(filebuffer.New(input), int64(len(input)))
	if err != nil {
		return false, err
	}

	fields := rdr.Trailer().Key("Root").Key("AcroForm").Key("Fields")
	for i := 0; i < fields.Len(); i++ {
		value := fields.Index(i).Key("V")
		if value.IsNull() {
			continue
		}
		if value.Key("SubFilter").Name() == "ETSI.RFC3161" {
			return true, nil
		}
	}
	return false, nil
}

// signatureContents returns the raw /Contents of every filled signature
// field, padding included, in field order.
func signatureContents(input []byte) (contents [][]byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("malformed document: %v", r)
		}
	}()

	rdr, err := pdf.NewReader(filebuffer.New(input), int64(len(input)))
	if err != nil {
		return nil, err
	}

	fields := rdr.Trailer().Key("Root").Key("AcroForm").Key("Fields")
	for i := 0; i < fields.Len(); i++ {
		value := fields.Index(i).Key("V")
		if value.IsNull() {
			continue
		}
		raw := value.Key("Contents").RawString()
		if raw == "" {
			continue
		}
		contents = append(contents, []byte(raw))
	}
	return contents, nil
}
