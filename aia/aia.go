// Package aia runs the artifact integrity audit: an ordered sequence of
// deterministic checks over a sealed artifact's container structure, PDF/A
// identification, embedded Document Content and its cryptographic binding.
// The audit aborts on the first critical finding; major findings accumulate.
package aia

import (
	"bytes"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/veraseal/veraseal/canonical"
	"github.com/veraseal/veraseal/finding"
	"github.com/veraseal/veraseal/pdfa"
)

// Finding identifiers emitted by the ordered checks.
const (
	FindingInvalidContainer     = "AIA-CRIT-001"
	FindingUnsignedUpdate       = "AIA-CRIT-002"
	FindingXrefInconsistent     = "AIA-CRIT-003"
	FindingMissingXMP           = "AIA-MAJ-004"
	FindingIncompleteXMP        = "AIA-MAJ-005"
	FindingWrongConformance     = "AIA-MAJ-006"
	FindingUnverifiedUpdate     = "AIA-MAJ-008"
	FindingContentAmbiguous     = "AIA-CRIT-020"
	FindingContentEmpty         = "AIA-CRIT-021"
	FindingContentNotJSON       = "AIA-CRIT-022"
	FindingContentNotObject     = "AIA-CRIT-023"
	FindingBindingNoContent     = "AIA-CRIT-030"
	FindingBindingMissing       = "AIA-CRIT-031"
	FindingBindingNoHash        = "AIA-CRIT-032"
	FindingBindingBadCanonical  = "AIA-CRIT-033"
	FindingBindingHashMismatch  = "AIA-CRIT-034"
	FindingBindingBadHashFormat = "AIA-CRIT-035"
)

// Result is the outcome of one audit. When Passed is false the extracted
// content and both text projections are nil.
type Result struct {
	Passed             bool              `json:"passed"`
	Findings           []finding.Finding `json:"findings"`
	DocumentContent    map[string]any    `json:"document_content"`
	ContentDerivedText *string           `json:"content_derived_text"`
	VisibleText        *string           `json:"visible_text"`
}

// Auditor runs artifact integrity audits. The zero value is usable.
type Auditor struct {
	Logger *zap.Logger
}

func (a *Auditor) logger() *zap.Logger {
	if a != nil && a.Logger != nil {
		return a.Logger
	}
	return zap.NewNop()
}

var (
	pdfHeader = []byte("%PDF-")
	eofMarker = []byte("%%EOF")
)

// Audit runs the ordered checks against raw artifact bytes. Audit outcomes
// are data; the only errors that escape are logic errors.
func (a *Auditor) Audit(data []byte) Result {
	log := a.logger()

	var res Result
	fail := func(f finding.Finding) Result {
		res.Findings = append(res.Findings, f)
		res.Passed = false
		res.DocumentContent = nil
		res.ContentDerivedText = nil
		res.VisibleText = nil
		log.Info("artifact integrity audit failed",
			zap.String("finding_id", f.FindingID),
			zap.Int("findings", len(res.Findings)))
		return res
	}
	note := func(f finding.Finding) {
		res.Findings = append(res.Findings, f)
		log.Debug("artifact integrity finding",
			zap.String("finding_id", f.FindingID),
			zap.String("severity", string(f.Severity)))
	}

	// Header check.
	if !bytes.HasPrefix(data, pdfHeader) {
		return fail(critical(FindingInvalidContainer, finding.CategoryStructure,
			"Invalid container",
			"The artifact does not start with a %PDF- header.", "document"))
	}

	// Concatenation check.
	if bytes.Count(data, pdfHeader) > 1 {
		return fail(critical(FindingUnsignedUpdate, finding.CategoryStructure,
			"Concatenated document streams",
			"The artifact contains more than one %PDF- header, indicating concatenated documents.", "document"))
	}

	doc, openErr := pdfa.Open(data)
	if openErr != nil {
		log.Debug("artifact parse failed, structural checks degrade", zap.Error(openErr))
	}

	// Incremental-update classification. Updates made after the last
	// signature are acceptable only under human review backed by seal
	// trust verification.
	if bytes.Count(data, eofMarker) > 1 {
		switch {
		case doc == nil || !doc.HasSignatureFields():
			return fail(critical(FindingUnsignedUpdate, finding.CategoryStructure,
				"Unsigned incremental update",
				"The artifact was modified after creation and carries no signature witnessing the change.", "document"))
		case !doc.LastSignatureCoversFile():
			f := major(FindingUnverifiedUpdate, finding.CategoryStructure,
				"Content added after signing",
				"The artifact was modified after the last signature was applied; the trailing bytes are not covered by any signature.", "document")
			f.Status = finding.StatusFlaggedForHumanReview
			f.RequiresSTV = true
			note(f)
		}
	}

	// Xref sanity, best-effort. Several cross-reference sections without
	// any signature witnessing them is the unsigned-update case again,
	// reachable only through a truncated trailer. When the document did
	// not parse the check is skipped.
	if doc != nil && bytes.Count(data, []byte("startxref")) > 1 && !doc.HasSignatureFields() {
		return fail(critical(FindingXrefInconsistent, finding.CategoryStructure,
			"Inconsistent cross-reference chain",
			"The artifact carries multiple cross-reference sections without signature coverage.", "document"))
	}

	// PDF/A identification.
	var xmp []byte
	if doc != nil {
		xmp, _ = doc.XMP()
	}
	if len(xmp) == 0 {
		note(major(FindingMissingXMP, finding.CategoryCompliance,
			"Missing XMP metadata",
			"The artifact carries no XMP metadata packet; PDF/A identification cannot be verified.", "xmp"))
	} else {
		part, conformance, hasPart, hasConformance := pdfa.PDFAIdentification(xmp)
		switch {
		case !hasPart || !hasConformance:
			note(major(FindingIncompleteXMP, finding.CategoryCompliance,
				"Incomplete PDF/A identification",
				"The XMP packet lacks the pdfaid:part or pdfaid:conformance property.", "xmp"))
		case part != 3 || conformance != "B":
			note(major(FindingWrongConformance, finding.CategoryCompliance,
				"Unexpected PDF/A conformance level",
				"The artifact does not declare PDF/A-3 conformance level B.", "xmp"))
		}
	}

	// Content extraction.
	var files []pdfa.EmbeddedFile
	if doc != nil {
		files, _ = doc.EmbeddedFiles()
	}
	var dataFiles []pdfa.EmbeddedFile
	var bindings *canonical.Bindings
	for _, f := range files {
		switch f.Relationship {
		case pdfa.RelationshipData:
			dataFiles = append(dataFiles, f)
		case pdfa.RelationshipSupplement:
			if bindings == nil {
				bindings = canonical.ParseBindings(f.Bytes)
			}
		}
	}

	if len(dataFiles) != 1 {
		return fail(critical(FindingContentAmbiguous, finding.CategoryStructure,
			"Ambiguous Document Content",
			"The artifact must embed exactly one associated file with relationship /Data.", "content.json"))
	}
	raw := dataFiles[0].Bytes
	if len(raw) == 0 {
		return fail(critical(FindingContentEmpty, finding.CategoryStructure,
			"Empty Document Content",
			"The embedded Document Content payload is empty.", "content.json"))
	}

	content, decodeErr := decodeContent(raw)
	if decodeErr != nil {
		return fail(critical(FindingContentNotJSON, finding.CategoryStructure,
			"Document Content is not JSON",
			"The embedded Document Content payload is not a valid JSON document.", "content.json"))
	}
	// A literal null decodes without error but leaves nothing to bind.
	if content == nil {
		return fail(critical(FindingBindingNoContent, finding.CategoryAccuracy,
			"No content to bind",
			"The binding check requires an extracted Document Content object.", "bindings.json"))
	}
	obj, ok := content.(map[string]any)
	if !ok {
		return fail(critical(FindingContentNotObject, finding.CategoryStructure,
			"Document Content is not an object",
			"The embedded Document Content payload must be a JSON object at the top level.", "content.json"))
	}

	// Cryptographic binding.
	if bindings == nil {
		return fail(critical(FindingBindingMissing, finding.CategoryAccuracy,
			"Missing bindings",
			"The artifact carries no parseable bindings supplement declaring the content hash.", "bindings.json"))
	}
	if bindings.ContentHash == "" {
		return fail(critical(FindingBindingNoHash, finding.CategoryAccuracy,
			"Missing content hash",
			"The bindings supplement declares no content_hash.", "bindings.json"))
	}
	_, declaredHex, hashErr := canonical.ParseContentHash(bindings.ContentHash)
	if hashErr != nil {
		return fail(critical(FindingBindingBadHashFormat, finding.CategoryAccuracy,
			"Malformed content hash",
			"The declared content hash uses an unsupported algorithm or a malformed digest.", "bindings.json"))
	}
	canonicalBytes, canonErr := canonical.Marshal(obj)
	if canonErr != nil {
		return fail(critical(FindingBindingBadCanonical, finding.CategoryAccuracy,
			"Content cannot be canonicalized",
			"The Document Content object graph contains a value with no canonical representation.", "content.json"))
	}
	if got := canonical.ContentHash(canonicalBytes); got != canonical.HashPrefix+":"+declaredHex {
		return fail(critical(FindingBindingHashMismatch, finding.CategoryAccuracy,
			"Content hash mismatch",
			"The canonical hash of the embedded Document Content does not match the declared content hash.", "bindings.json"))
	}

	// Content-derived text projection.
	derived, derivedErr := canonical.DerivedText(obj)
	if derivedErr != nil {
		return fail(critical(FindingBindingBadCanonical, finding.CategoryAccuracy,
			"Content cannot be projected",
			"The Document Content object graph cannot be rendered to its text projection.", "content.json"))
	}

	// Visible text is best-effort; a failed extraction yields the empty
	// string and never affects the audit outcome.
	var visible string
	if text, err := doc.VisibleText(); err == nil {
		visible = text
	} else {
		log.Debug("visible text extraction failed", zap.Error(err))
	}

	res.Passed = true
	res.DocumentContent = obj
	res.ContentDerivedText = &derived
	res.VisibleText = &visible

	log.Info("artifact integrity audit passed",
		zap.Int("findings", len(res.Findings)),
		zap.Int("content_bytes", len(raw)))
	return res
}

// decodeContent parses the payload with arbitrary-precision numbers so that
// decimal values survive the trip into the canonical encoder.
func decodeContent(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("trailing data after JSON document")
	}
	return v, nil
}

func critical(id string, category finding.Category, title, description, location string) finding.Finding {
	return finding.Finding{
		FindingID:   id,
		Source:      finding.SourceArtifactIntegrity,
		Category:    category,
		Severity:    finding.SeverityCritical,
		Confidence:  finding.ConfidenceHigh,
		Status:      finding.StatusOpen,
		Title:       title,
		Description: description,
		Location:    location,
	}
}

func major(id string, category finding.Category, title, description, location string) finding.Finding {
	return finding.Finding{
		FindingID:   id,
		Source:      finding.SourceArtifactIntegrity,
		Category:    category,
		Severity:    finding.SeverityMajor,
		Confidence:  finding.ConfidenceHigh,
		Status:      finding.StatusOpen,
		Title:       title,
		Description: description,
		Location:    location,
	}
}
