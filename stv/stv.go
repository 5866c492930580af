// Package stv performs seal trust verification: cryptographic validation of
// the certification signature and document timestamp of a sealed artifact
// against externally supplied trust roots, with a hard-fail revocation policy
// and a DocMDP modification analysis that can resolve flagged incremental
// updates.
package stv

import (
	"bytes"
	"crypto/x509"
	"encoding/asn1"
	"fmt"
	"io"
	"time"

	"github.com/digitorus/pkcs7"
	"github.com/digitorus/timestamp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ocsp"

	"github.com/veraseal/veraseal/finding"
	"github.com/veraseal/veraseal/pdfa"
	"github.com/veraseal/veraseal/revocation"
)

// Finding identifiers emitted during verification.
const (
	FindingNoSignature       = "STV-CRIT-001"
	FindingUntrusted         = "STV-CRIT-002"
	FindingUnauthorizedMod   = "STV-CRIT-003"
	FindingMalformedDocument = "STV-CRIT-005"
	FindingSignatureRejected = "STV-CRIT-006"
)

// ResolvableUpdateFinding is the artifact integrity finding this layer may
// resolve when the DocMDP analysis proves the post-signing modifications stay
// within the certified permission scope.
const ResolvableUpdateFinding = "AIA-MAJ-008"

var adobeRevocationOID = asn1.ObjectIdentifier{1, 2, 840, 113583, 1, 1, 8}

// Result of one verification run. Trusted is nil only when the verification
// did not execute, in which case no findings can be resolved either.
type Result struct {
	Executed              bool              `json:"executed"`
	Trusted               *bool             `json:"trusted"`
	Findings              []finding.Finding `json:"findings"`
	ResolvedAIAFindingIDs []string          `json:"resolved_aia_finding_ids"`
}

// NotExecuted is the result of a run that was skipped entirely.
func NotExecuted() Result {
	return Result{Executed: false, ResolvedAIAFindingIDs: []string{}}
}

// Verifier validates seals. Trust is never derived from the artifact itself
// unless AllowUntrustedRoots is set, which exists for offline test setups.
type Verifier struct {
	// Roots are the externally supplied trust anchors.
	Roots *x509.CertPool

	// AllowUntrustedRoots accepts the certificates embedded in the
	// artifact as anchors. Never enable outside tests.
	AllowUntrustedRoots bool

	// SkipRevocationCheck disables the hard-fail revocation policy that
	// otherwise requires revocation material for the leaf and every
	// intermediate.
	SkipRevocationCheck bool

	// DisableDocMDPDiff skips the modification analysis. Flagged updates
	// then stay unresolved and fail verification.
	DisableDocMDPDiff bool

	Logger *zap.Logger

	// Now is swappable in tests.
	Now func() time.Time
}

func (v *Verifier) logger() *zap.Logger {
	if v != nil && v.Logger != nil {
		return v.Logger
	}
	return zap.NewNop()
}

// Verify runs the full trust verification over artifact bytes, taking the
// artifact integrity findings as input so flagged updates can be resolved.
func (v *Verifier) Verify(data []byte, aiaFindings []finding.Finding) Result {
	log := v.logger()

	res := Result{Executed: true, ResolvedAIAFindingIDs: []string{}}
	untrusted := func(id, title, description string) Result {
		res.Findings = append(res.Findings, trustFinding(id, title, description))
		f := false
		res.Trusted = &f
		log.Info("seal trust verification failed",
			zap.String("finding_id", id),
			zap.String("title", title))
		return res
	}

	doc, err := pdfa.Open(data)
	if err != nil {
		return untrusted(FindingMalformedDocument, "Malformed document",
			"The artifact could not be parsed during trust verification.")
	}
	fields, err := doc.SignatureFields()
	if err != nil {
		return untrusted(FindingMalformedDocument, "Malformed signature structure",
			"The artifact's signature fields could not be enumerated.")
	}
	if len(fields) == 0 {
		return untrusted(FindingNoSignature, "No signature",
			"The artifact carries no embedded signature.")
	}

	certification, docTimestamp := classify(fields)
	if certification == nil {
		return untrusted(FindingUntrusted, "No certification signature",
			"The artifact carries signature fields but none holds a certification signature.")
	}

	dss := collectDSS(doc)

	// Certification signature: CMS arithmetic plus a path to a trust root.
	contents := bytes.TrimRight(certification.Contents, "\x00")
	p7, err := pkcs7.Parse(contents)
	if err != nil {
		return untrusted(FindingSignatureRejected, "Unparseable signature",
			"The certification signature is not a valid CMS container.")
	}
	covered, err := readByteRange(data, certification.ByteRange)
	if err != nil {
		return untrusted(FindingMalformedDocument, "Invalid byte range",
			"The certification signature's ByteRange does not address the artifact.")
	}
	p7.Content = covered

	pool := v.trustPool(p7.Certificates)
	for _, der := range dss.certs {
		if cert, parseErr := x509.ParseCertificate(der); parseErr == nil {
			pool.AddCert(cert)
		}
	}

	if err := p7.VerifyWithChain(pool); err != nil {
		if p7.Verify() != nil {
			return untrusted(FindingSignatureRejected, "Signature rejected",
				"The certification signature does not verify over the covered bytes.")
		}
		return untrusted(FindingUntrusted, "Untrusted signer",
			"The certification signature is arithmetically valid but its certificate path does not reach a trust root.")
	}

	leaf := p7.GetOnlySigner()
	if leaf == nil {
		return untrusted(FindingUntrusted, "No signer status",
			"The validation engine produced no signer for the certification signature.")
	}

	if !v.SkipRevocationCheck {
		if err := v.checkRevocation(p7, leaf, dss); err != nil {
			return untrusted(FindingUntrusted, "Revocation requirement not met", err.Error())
		}
	}

	// Document timestamp: imprint over its covered bytes, coverage of the
	// certification signature, chain validity of the token.
	if docTimestamp != nil {
		if r, failed := v.verifyTimestamp(data, certification, docTimestamp, pool, untrusted); failed {
			return r
		}
	}

	docmdpOK := v.docMDPDiff(data, doc, certification)

	if hasFinding(aiaFindings, ResolvableUpdateFinding) {
		if docmdpOK == nil || !*docmdpOK {
			// An undetermined analysis counts as failure; only a
			// positive proof resolves a flagged update.
			return untrusted(FindingUnauthorizedMod, "Unauthorized post-signing modification",
				"The artifact was modified after signing and the modification could not be proven to stay within the certified permission scope.")
		}
		res.ResolvedAIAFindingIDs = append(res.ResolvedAIAFindingIDs, ResolvableUpdateFinding)
	}

	t := true
	res.Trusted = &t
	log.Info("seal trust verification passed",
		zap.String("signer", leaf.Subject.CommonName),
		zap.Bool("document_timestamp", docTimestamp != nil),
		zap.Strings("resolved_findings", res.ResolvedAIAFindingIDs))
	return res
}

func (v *Verifier) trustPool(embedded []*x509.Certificate) *x509.CertPool {
	if v.Roots != nil && !v.AllowUntrustedRoots {
		return v.Roots.Clone()
	}
	pool := x509.NewCertPool()
	for _, cert := range embedded {
		pool.AddCert(cert)
	}
	return pool
}

// checkRevocation enforces the hard-fail policy: the leaf and every
// intermediate must have usable revocation material, embedded in the
// signature's archival attribute or in the document security store.
func (v *Verifier) checkRevocation(p7 *pkcs7.PKCS7, leaf *x509.Certificate, dss dssMaterial) error {
	var archival revocation.InfoArchival
	_ = p7.UnmarshalSignedAttribute(adobeRevocationOID, &archival)

	ocspDER := dss.ocsps
	for _, entry := range archival.OCSP {
		ocspDER = append(ocspDER, entry.FullBytes)
	}
	crlDER := dss.crls
	for _, entry := range archival.CRL {
		crlDER = append(crlDER, entry.FullBytes)
	}

	chain := buildChain(leaf, p7.Certificates)
	for _, cert := range chain {
		if cert.CheckSignatureFrom(cert) == nil {
			// Self-signed root, revocation does not apply.
			continue
		}
		if err := revocationStatus(cert, ocspDER, crlDER); err != nil {
			return fmt.Errorf("certificate %q: %v", cert.Subject.CommonName, err)
		}
	}
	return nil
}

// buildChain orders the embedded certificates from the leaf towards the root
// by issuer lookup. The result always starts with the leaf.
func buildChain(leaf *x509.Certificate, certs []*x509.Certificate) []*x509.Certificate {
	chain := []*x509.Certificate{leaf}
	current := leaf
	for {
		if current.CheckSignatureFrom(current) == nil {
			break
		}
		var issuer *x509.Certificate
		for _, candidate := range certs {
			if candidate.Equal(current) {
				continue
			}
			if current.CheckSignatureFrom(candidate) == nil {
				issuer = candidate
				break
			}
		}
		if issuer == nil {
			break
		}
		chain = append(chain, issuer)
		current = issuer
	}
	return chain
}

// revocationStatus reports nil when the certificate has a usable non-revoked
// status among the collected OCSP responses and CRLs.
func revocationStatus(cert *x509.Certificate, ocspDER, crlDER [][]byte) error {
	for _, der := range ocspDER {
		resp, err := ocsp.ParseResponse(der, nil)
		if err != nil || resp == nil {
			continue
		}
		if resp.SerialNumber != nil && resp.SerialNumber.Cmp(cert.SerialNumber) == 0 {
			if resp.Status != ocsp.Good {
				return fmt.Errorf("OCSP status %d", resp.Status)
			}
			return nil
		}
	}

	for _, der := range crlDER {
		crl, err := x509.ParseRevocationList(der)
		if err != nil {
			continue
		}
		for _, entry := range crl.RevokedCertificateEntries {
			if entry.SerialNumber.Cmp(cert.SerialNumber) == 0 {
				return fmt.Errorf("revoked per CRL at %s", entry.RevocationTime.Format(time.RFC3339))
			}
		}
		// A CRL that does not list the serial is a usable good status
		// when it was issued for this certificate's issuer.
		if cert.Issuer.String() == crl.Issuer.String() {
			return nil
		}
	}

	return fmt.Errorf("no revocation information available")
}

// verifyTimestamp validates the document timestamp token. The second return
// value reports whether verification failed terminally.
func (v *Verifier) verifyTimestamp(data []byte, certification, docTimestamp *pdfa.SignatureField, pool *x509.CertPool, untrusted func(id, title, description string) Result) (Result, bool) {
	token := bytes.TrimRight(docTimestamp.Contents, "\x00")

	ts, err := timestamp.Parse(token)
	if err != nil {
		return untrusted(FindingSignatureRejected, "Unparseable timestamp",
			"The document timestamp is not a valid RFC 3161 token."), true
	}

	covered, err := readByteRange(data, docTimestamp.ByteRange)
	if err != nil {
		return untrusted(FindingMalformedDocument, "Invalid timestamp byte range",
			"The document timestamp's ByteRange does not address the artifact."), true
	}
	h := ts.HashAlgorithm.New()
	h.Write(covered)
	if !bytes.Equal(h.Sum(nil), ts.HashedMessage) {
		return untrusted(FindingSignatureRejected, "Timestamp imprint mismatch",
			"The document timestamp's message imprint does not match the covered bytes."), true
	}

	if rangeEnd(docTimestamp.ByteRange) <= rangeEnd(certification.ByteRange) {
		return untrusted(FindingSignatureRejected, "Timestamp does not cover signature",
			"The document timestamp does not cover the certification signature."), true
	}

	tokenP7, err := pkcs7.Parse(token)
	if err != nil {
		return untrusted(FindingSignatureRejected, "Unparseable timestamp container",
			"The document timestamp token is not a valid CMS container."), true
	}
	for _, cert := range ts.Certificates {
		pool.AddCert(cert)
	}
	if err := tokenP7.VerifyWithChain(pool); err != nil {
		if tokenP7.Verify() != nil {
			return untrusted(FindingSignatureRejected, "Timestamp rejected",
				"The document timestamp token does not verify."), true
		}
		return untrusted(FindingUntrusted, "Untrusted timestamp authority",
			"The document timestamp's certificate path does not reach a trust root."), true
	}

	return Result{}, false
}

// docMDPDiff performs the ternary modification analysis: true when every
// post-signing change stays within the certified permission scope, false when
// a change exceeds it, nil when the analysis could not be performed.
func (v *Verifier) docMDPDiff(data []byte, doc *pdfa.Document, certification *pdfa.SignatureField) *bool {
	if v.DisableDocMDPDiff {
		return nil
	}

	size := int64(len(data))
	if certification.CoversFileOfSize(size) {
		return boolPtr(true)
	}

	end := rangeEnd(certification.ByteRange)
	if end <= 0 || end > size {
		return nil
	}

	// A certification lock that forbids all changes is exceeded by any
	// trailing byte.
	if certification.DocMDPPerm == 1 {
		return boolPtr(false)
	}

	// Compare the document state at the signed boundary with the final
	// state. Permission level 2 admits form fill-in and signatures, which
	// covers security stores and timestamp fields but nothing that alters
	// pages, metadata or embedded files.
	base, err := pdfa.Open(data[:end])
	if err != nil {
		return nil
	}

	if base.Reader().NumPage() != doc.Reader().NumPage() {
		return boolPtr(false)
	}

	baseXMP, err1 := base.XMP()
	finalXMP, err2 := doc.XMP()
	if err1 != nil || err2 != nil {
		return nil
	}
	if !bytes.Equal(baseXMP, finalXMP) {
		return boolPtr(false)
	}

	baseFiles, err1 := base.EmbeddedFiles()
	finalFiles, err2 := doc.EmbeddedFiles()
	if err1 != nil || err2 != nil {
		return nil
	}
	if !sameEmbeddedFiles(baseFiles, finalFiles) {
		return boolPtr(false)
	}

	return boolPtr(true)
}

func sameEmbeddedFiles(a, b []pdfa.EmbeddedFile) bool {
	if len(a) != len(b) {
		return false
	}
	index := make(map[string][]byte, len(a))
	for _, f := range a {
		index[f.Name+"\x00"+f.Relationship] = f.Bytes
	}
	for _, f := range b {
		payload, ok := index[f.Name+"\x00"+f.Relationship]
		if !ok || !bytes.Equal(payload, f.Bytes) {
			return false
		}
	}
	return true
}

// classify splits the signature fields into the certification signature, the
// first applied non-timestamp signature, and the last document timestamp.
func classify(fields []pdfa.SignatureField) (certification, docTimestamp *pdfa.SignatureField) {
	for i := range fields {
		f := &fields[i]
		if f.IsTimestamp() {
			if docTimestamp == nil || rangeEnd(f.ByteRange) > rangeEnd(docTimestamp.ByteRange) {
				docTimestamp = f
			}
			continue
		}
		if certification == nil || rangeEnd(f.ByteRange) < rangeEnd(certification.ByteRange) {
			certification = f
		}
	}
	return certification, docTimestamp
}

func rangeEnd(br []int64) int64 {
	if len(br) < 2 || len(br)%2 != 0 {
		return -1
	}
	return br[len(br)-2] + br[len(br)-1]
}

// readByteRange concatenates the covered spans of a ByteRange.
func readByteRange(data []byte, br []int64) ([]byte, error) {
	if len(br) < 4 || len(br)%2 != 0 {
		return nil, fmt.Errorf("byte range has %d entries", len(br))
	}
	var out []byte
	for i := 0; i < len(br); i += 2 {
		start, length := br[i], br[i+1]
		if start < 0 || length < 0 || start+length > int64(len(data)) {
			return nil, io.ErrUnexpectedEOF
		}
		out = append(out, data[start:start+length]...)
	}
	return out, nil
}

type dssMaterial struct {
	certs [][]byte
	ocsps [][]byte
	crls  [][]byte
}

// collectDSS reads the document security store, tolerating its absence and
// malformed entries.
func collectDSS(doc *pdfa.Document) (material dssMaterial) {
	defer func() {
		// Traversal panics on malformed stores degrade to an empty
		// store, the hard-fail policy then reports what is missing.
		_ = recover()
	}()

	dss := doc.Reader().Trailer().Key("Root").Key("DSS")
	if dss.IsNull() {
		return material
	}

	read := func(key string) [][]byte {
		arr := dss.Key(key)
		if arr.IsNull() {
			return nil
		}
		var payloads [][]byte
		for i := 0; i < arr.Len(); i++ {
			stream := arr.Index(i)
			if stream.IsNull() {
				continue
			}
			if data, err := io.ReadAll(stream.Reader()); err == nil {
				payloads = append(payloads, data)
			}
		}
		return payloads
	}

	material.certs = read("Certs")
	material.ocsps = read("OCSPs")
	material.crls = read("CRLs")
	return material
}

func hasFinding(findings []finding.Finding, id string) bool {
	for _, f := range findings {
		if f.FindingID == id {
			return true
		}
	}
	return false
}

func trustFinding(id, title, description string) finding.Finding {
	return finding.Finding{
		FindingID:   id,
		Source:      finding.SourceSealTrust,
		Category:    finding.CategoryRisk,
		Severity:    finding.SeverityCritical,
		Confidence:  finding.ConfidenceHigh,
		Status:      finding.StatusOpen,
		Title:       title,
		Description: description,
	}
}

func boolPtr(b bool) *bool { return &b }
