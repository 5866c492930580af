package sign

import (
	"crypto"
	"crypto/x509"
	"io"
	"time"

	"github.com/digitorus/pdf"
	"github.com/mattetti/filebuffer"

	"github.com/veraseal/veraseal/revocation"
)

// CatalogData tracks the incremental catalog rewrite.
type CatalogData struct {
	ObjectId   uint32
	RootString string
}

// TSA points at an RFC 3161 timestamp authority.
type TSA struct {
	URL      string
	Username string
	Password string
}

// RevocationFunction fills the InfoArchival container for one certificate of
// the signing chain.
type RevocationFunction func(cert, issuer *x509.Certificate, i *revocation.InfoArchival) error

//go:generate stringer -type=CertType
type CertType uint

const (
	CertificationSignature CertType = iota + 1
	ApprovalSignature
	TimeStampSignature
)

func (c CertType) String() string {
	switch c {
	case CertificationSignature:
		return "CertificationSignature"
	case ApprovalSignature:
		return "ApprovalSignature"
	case TimeStampSignature:
		return "TimeStampSignature"
	default:
		return "UnknownCertType"
	}
}

//go:generate stringer -type=DocMDPPerm
type DocMDPPerm uint

const (
	DoNotAllowAnyChangesPerms DocMDPPerm = iota + 1
	AllowFillingExistingFormFieldsAndSignaturesPerms
	AllowFillingExistingFormFieldsAndSignaturesAndCRUDAnnotationsPerms
)

type SignDataSignatureInfo struct {
	Name        string
	Location    string
	Reason      string
	ContactInfo string
	Date        time.Time
}

type SignDataSignature struct {
	CertType   CertType
	DocMDPPerm DocMDPPerm
	Info       SignDataSignatureInfo
}

// SignData describes one signature revision.
type SignData struct {
	Signature         SignDataSignature
	Signer            crypto.Signer
	DigestAlgorithm   crypto.Hash
	Certificate       *x509.Certificate
	CertificateChains [][]*x509.Certificate
	TSA               TSA

	RevocationData     revocation.InfoArchival
	RevocationFunction RevocationFunction

	// FieldName names the signature form field. Empty selects a
	// deterministic default.
	FieldName string

	// BytesReserved forces a minimum DER budget for the CMS container,
	// independent of the computed estimate.
	BytesReserved uint32

	// SignatureSizeOverride forces the raw signature size estimate instead
	// of deriving it from the certificate's public key.
	SignatureSizeOverride uint32

	objectId uint32
}

type xrefEntry struct {
	ID     uint32
	Offset int64
}

// SignContext owns the state of one incremental update.
type SignContext struct {
	InputFile    io.ReadSeeker
	InputSize    int64
	OutputFile   io.Writer
	OutputBuffer *filebuffer.Buffer
	PDFReader    *pdf.Reader
	SignData     SignData
	CatalogData  CatalogData

	SignatureFieldObjectId uint32
	NewXrefStart           int64
	ByteRangeStartByte     int64
	SignatureContentsStart int64
	ByteRangeValues        []int64
	SignatureMaxLength     uint32
	SignatureMaxLengthBase uint32

	existingFieldIDs []uint32
	newXrefEntries   []xrefEntry
	retryCount       int
}
