package sign

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/digitorus/timestamp"

	"github.com/veraseal/veraseal/internal/testpdf"
	"github.com/veraseal/veraseal/pdfa"
)

// newTestTSA serves RFC 3161 responses signed with the given certificate.
func newTestTSA(t *testing.T, cert *x509.Certificate, key *rsa.PrivateKey) *httptest.Server {
	t.Helper()

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		req, err := timestamp.ParseRequest(body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		ts := timestamp.Timestamp{
			HashAlgorithm:     req.HashAlgorithm,
			HashedMessage:     req.HashedMessage,
			Time:              time.Now(),
			Policy:            asn1.ObjectIdentifier{1, 2, 3, 4, 1},
			SerialNumber:      big.NewInt(42),
			Certificates:      []*x509.Certificate{cert},
			AddTSACertificate: req.Certificates,
		}
		if req.Nonce != nil {
			ts.Nonce = req.Nonce
		}

		resp, err := ts.CreateResponse(cert, key)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/timestamp-reply")
		_, _ = w.Write(resp)
	}))
}

func TestSealerSingleRevision(t *testing.T) {
	input := testpdf.Build(testpdf.Options{Content: []byte(`{"a":1}`)})

	cert, key := testCertificate(t)
	sealer := &Sealer{
		Signer: key,
		Chain:  []*x509.Certificate{cert},
		Reason: "Archival sealing",
	}

	sealed, err := sealer.Seal(input)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	doc, err := pdfa.Open(sealed)
	if err != nil {
		t.Fatalf("open sealed document: %v", err)
	}
	fields, err := doc.SignatureFields()
	if err != nil {
		t.Fatalf("signature fields: %v", err)
	}
	if len(fields) != 1 {
		t.Fatalf("expected one revision, got %d signature fields", len(fields))
	}
	if fields[0].FieldName != ArchiveFieldName {
		t.Errorf("field name = %q", fields[0].FieldName)
	}
	// Without LTA updates the certification lock forbids everything.
	if fields[0].DocMDPPerm != 1 {
		t.Errorf("DocMDP permission = %d, want 1", fields[0].DocMDPPerm)
	}
	if !doc.LastSignatureCoversFile() {
		t.Error("certification signature must cover the whole file")
	}
}

func TestSealerFullLifecycle(t *testing.T) {
	input := testpdf.Build(testpdf.Options{Content: []byte(`{"a":1}`)})

	cert, key := testCertificate(t)
	tsa := newTestTSA(t, cert, key)
	defer tsa.Close()

	sealer := &Sealer{
		Signer:           key,
		Chain:            []*x509.Certificate{cert},
		TSA:              TSA{URL: tsa.URL},
		EnableLTAUpdates: true,
	}

	sealed, err := sealer.Seal(input)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	doc, err := pdfa.Open(sealed)
	if err != nil {
		t.Fatalf("open sealed document: %v", err)
	}
	fields, err := doc.SignatureFields()
	if err != nil {
		t.Fatalf("signature fields: %v", err)
	}
	if len(fields) != 2 {
		t.Fatalf("expected certification signature plus timestamp, got %d fields", len(fields))
	}

	var certification, docTimestamp *pdfa.SignatureField
	for i := range fields {
		if fields[i].IsTimestamp() {
			docTimestamp = &fields[i]
		} else {
			certification = &fields[i]
		}
	}
	if certification == nil || docTimestamp == nil {
		t.Fatalf("missing revision: certification=%v timestamp=%v", certification, docTimestamp)
	}

	// With LTA updates the lock must admit the later revisions.
	if certification.DocMDPPerm != 2 {
		t.Errorf("DocMDP permission = %d, want 2", certification.DocMDPPerm)
	}

	// The timestamp is terminal and covers everything, including the DSS.
	if !doc.LastSignatureCoversFile() {
		t.Error("document timestamp must cover the whole file")
	}

	dss := doc.Reader().Trailer().Key("Root").Key("DSS")
	if dss.IsNull() {
		t.Error("lifecycle must embed a DSS revision")
	}

	// Sealing again must be refused, the timestamp closed the file.
	if _, err := sealer.Seal(sealed); !errors.Is(err, ErrAlreadyFinalized) {
		t.Errorf("re-seal error = %v, want ErrAlreadyFinalized", err)
	}
}

func TestSealerDryRunStopsAfterCertification(t *testing.T) {
	input := testpdf.Build(testpdf.Options{Content: []byte(`{"a":1}`)})

	cert, key := testCertificate(t)
	sealer := &Sealer{
		Signer:           key,
		Chain:            []*x509.Certificate{cert},
		TSA:              TSA{URL: "http://tsa.invalid"},
		EnableLTAUpdates: true,
		DryRun:           true,
	}

	sealed, err := sealer.Seal(input)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	doc, err := pdfa.Open(sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	fields, err := doc.SignatureFields()
	if err != nil {
		t.Fatalf("fields: %v", err)
	}
	if len(fields) != 1 {
		t.Fatalf("dry run must stop after the certification revision, got %d fields", len(fields))
	}
}

func TestSealerRequiresChain(t *testing.T) {
	input := testpdf.Build(testpdf.Options{Content: []byte(`{"a":1}`)})

	_, key := testCertificate(t)
	sealer := &Sealer{Signer: key}
	if _, err := sealer.Seal(input); err == nil {
		t.Fatal("expected an error without a chain")
	}
}
