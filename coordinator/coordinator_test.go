package coordinator

import (
	"context"
	"crypto"
	"encoding/json"
	"testing"
	"time"

	"github.com/veraseal/veraseal/canonical"
	"github.com/veraseal/veraseal/events"
	"github.com/veraseal/veraseal/finding"
	"github.com/veraseal/veraseal/internal/testpdf"
	"github.com/veraseal/veraseal/internal/testpki"
	"github.com/veraseal/veraseal/report"
	"github.com/veraseal/veraseal/semantic"
	"github.com/veraseal/veraseal/sign"
	"github.com/veraseal/veraseal/stv"
)

func boundArtifact(t *testing.T, content []byte) []byte {
	t.Helper()

	canonicalBytes, err := canonical.MarshalRaw(content)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	bindings, err := json.Marshal(canonical.NewBindings(canonicalBytes, "document_first"))
	if err != nil {
		t.Fatalf("marshal bindings: %v", err)
	}
	return testpdf.Build(testpdf.Options{Content: content, Bindings: bindings})
}

func sealedArtifact(t *testing.T, signer testpki.Identity, perm sign.DocMDPPerm) []byte {
	t.Helper()

	input := boundArtifact(t, []byte(`{"decision":"approved","id":"DEC-2026-0001"}`))
	signed, err := sign.SignBytes(input, sign.SignData{
		Signature: sign.SignDataSignature{
			CertType:   sign.CertificationSignature,
			DocMDPPerm: perm,
			Info:       sign.SignDataSignatureInfo{Name: "Veraseal Test Signer", Date: time.Now()},
		},
		Signer:          signer.Key,
		DigestAlgorithm: crypto.SHA256,
		Certificate:     signer.Certificate,
		FieldName:       "ArchiveSignature",
	})
	if err != nil {
		t.Fatalf("SignBytes: %v", err)
	}
	return signed
}

// scriptedExecutor replays canned pass outputs, defaulting to no findings.
type scriptedExecutor struct {
	responses map[string]semantic.Execution
}

func (s *scriptedExecutor) Execute(_ context.Context, req semantic.Request) semantic.Execution {
	if resp, ok := s.responses[req.PassID]; ok {
		return resp
	}
	return semantic.Execution{Success: true, Output: json.RawMessage(`{"findings":[]}`)}
}

func semanticPipeline(t *testing.T, responses map[string]semantic.Execution) *semantic.Pipeline {
	t.Helper()

	pipeline, err := semantic.NewLDVPPipeline(&scriptedExecutor{responses: responses})
	if err != nil {
		t.Fatalf("NewLDVPPipeline: %v", err)
	}
	return pipeline
}

func mustValidate(t *testing.T, rep report.VerificationReport) {
	t.Helper()
	if err := rep.Validate(); err != nil {
		t.Fatalf("report invariants violated: %v", err)
	}
}

func hasFinding(rep report.VerificationReport, id string) bool {
	for _, f := range rep.Findings {
		if f.FindingID == id {
			return true
		}
	}
	return false
}

func TestAuditInvalidArtifactIsTerminal(t *testing.T) {
	c := &Coordinator{Semantic: semanticPipeline(t, nil)}

	rep, err := c.Audit(context.Background(), []byte("not a portable document"))
	if err != nil {
		t.Fatalf("Audit: %v", err)
	}
	mustValidate(t, rep)

	if rep.Status != report.StatusFail || rep.DeliveryRecommendation != report.RecommendationNotReady {
		t.Fatalf("outcome = %s/%s", rep.Status, rep.DeliveryRecommendation)
	}
	if rep.SemanticAudit.Executed {
		t.Error("semantic audit ran after a failed integrity audit")
	}
	if rep.SealTrust.Executed {
		t.Error("seal trust verification ran after a failed integrity audit")
	}
	if !hasFinding(rep, "AIA-CRIT-001") {
		t.Errorf("findings = %+v", rep.Findings)
	}
}

func TestAuditHappyPath(t *testing.T) {
	signer := testpki.SelfSigned(t, "Veraseal Test Signer")
	artifact := sealedArtifact(t, signer, sign.DoNotAllowAnyChangesPerms)

	c := &Coordinator{
		Semantic:  semanticPipeline(t, nil),
		SealTrust: &stv.Verifier{Roots: testpki.Pool(signer)},
	}
	rep, err := c.Audit(context.Background(), artifact)
	if err != nil {
		t.Fatalf("Audit: %v", err)
	}
	mustValidate(t, rep)

	if rep.Status != report.StatusPass || rep.DeliveryRecommendation != report.RecommendationReady {
		t.Fatalf("outcome = %s/%s, findings = %+v", rep.Status, rep.DeliveryRecommendation, rep.Findings)
	}
	if !rep.SemanticAudit.Executed {
		t.Error("semantic audit did not run")
	}
	if rep.SealTrust.Trusted == nil || !*rep.SealTrust.Trusted {
		t.Error("seal trust did not report a trusted seal")
	}
	if rep.SchemaVersion != report.SchemaVersion || rep.AuditID == "" {
		t.Errorf("report identity = %q/%q", rep.SchemaVersion, rep.AuditID)
	}
}

func TestAuditFlaggedUpdateWithoutVerifierFails(t *testing.T) {
	signer := testpki.SelfSigned(t, "Veraseal Test Signer")
	artifact := sealedArtifact(t, signer, sign.DoNotAllowAnyChangesPerms)

	// A post-signing security store revision raises the flagged update.
	extended, err := sign.AddDSSBytes(artifact, sign.DSSMaterial{Certs: [][]byte{signer.Certificate.Raw}})
	if err != nil {
		t.Fatalf("AddDSSBytes: %v", err)
	}

	c := &Coordinator{Semantic: semanticPipeline(t, nil)}
	rep, err := c.Audit(context.Background(), extended)
	if err != nil {
		t.Fatalf("Audit: %v", err)
	}
	mustValidate(t, rep)

	if rep.Status != report.StatusFail || rep.DeliveryRecommendation != report.RecommendationNotReady {
		t.Fatalf("outcome = %s/%s", rep.Status, rep.DeliveryRecommendation)
	}
	if !hasFinding(rep, FindingSTVRequired) {
		t.Fatalf("findings = %+v", rep.Findings)
	}
	if rep.SemanticAudit.Executed {
		t.Error("semantic audit ran")
	}
	if rep.SealTrust.Executed {
		t.Error("seal trust verification reported as executed without a verifier")
	}

	// The gate is report level only; the integrity result stays as the
	// auditor emitted it, extractions included.
	if !rep.ArtifactIntegrity.Passed {
		t.Error("artifact integrity verdict rewritten by the gate")
	}
	if rep.ArtifactIntegrity.DocumentContent == nil || rep.ArtifactIntegrity.ContentDerivedText == nil || rep.ArtifactIntegrity.VisibleText == nil {
		t.Error("artifact integrity extractions discarded by the gate")
	}
	for _, f := range rep.ArtifactIntegrity.Findings {
		if f.FindingID == FindingSTVRequired {
			t.Error("gate finding injected into the integrity result")
		}
	}
}

func TestAuditSealTrustResolvesFlaggedUpdate(t *testing.T) {
	signer := testpki.SelfSigned(t, "Veraseal Test Signer")
	artifact := sealedArtifact(t, signer, sign.AllowFillingExistingFormFieldsAndSignaturesPerms)

	extended, err := sign.AddDSSBytes(artifact, sign.DSSMaterial{Certs: [][]byte{signer.Certificate.Raw}})
	if err != nil {
		t.Fatalf("AddDSSBytes: %v", err)
	}

	c := &Coordinator{
		Semantic:  semanticPipeline(t, nil),
		SealTrust: &stv.Verifier{Roots: testpki.Pool(signer)},
	}
	rep, err := c.Audit(context.Background(), extended)
	if err != nil {
		t.Fatalf("Audit: %v", err)
	}
	mustValidate(t, rep)

	if rep.Status != report.StatusPass || rep.DeliveryRecommendation != report.RecommendationReady {
		t.Fatalf("outcome = %s/%s, findings = %+v", rep.Status, rep.DeliveryRecommendation, rep.Findings)
	}
	if len(rep.SealTrust.ResolvedAIAFindingIDs) != 1 {
		t.Fatalf("resolved = %v", rep.SealTrust.ResolvedAIAFindingIDs)
	}
	for _, f := range rep.Findings {
		if f.FindingID == "AIA-MAJ-008" && f.Status != finding.StatusResolved {
			t.Errorf("flagged update finding status = %q", f.Status)
		}
	}
}

func TestAuditUndeterminedModificationFails(t *testing.T) {
	signer := testpki.SelfSigned(t, "Veraseal Test Signer")
	artifact := sealedArtifact(t, signer, sign.AllowFillingExistingFormFieldsAndSignaturesPerms)

	extended, err := sign.AddDSSBytes(artifact, sign.DSSMaterial{Certs: [][]byte{signer.Certificate.Raw}})
	if err != nil {
		t.Fatalf("AddDSSBytes: %v", err)
	}

	c := &Coordinator{
		Semantic:  semanticPipeline(t, nil),
		SealTrust: &stv.Verifier{Roots: testpki.Pool(signer), DisableDocMDPDiff: true},
	}
	rep, err := c.Audit(context.Background(), extended)
	if err != nil {
		t.Fatalf("Audit: %v", err)
	}
	mustValidate(t, rep)

	if rep.Status != report.StatusFail || rep.DeliveryRecommendation != report.RecommendationNotReady {
		t.Fatalf("outcome = %s/%s", rep.Status, rep.DeliveryRecommendation)
	}
	if !hasFinding(rep, "STV-CRIT-003") {
		t.Fatalf("findings = %+v", rep.Findings)
	}
	if len(rep.SealTrust.ResolvedAIAFindingIDs) != 0 {
		t.Errorf("resolved = %v on an untrusted seal", rep.SealTrust.ResolvedAIAFindingIDs)
	}
	for _, f := range rep.Findings {
		if f.FindingID == "AIA-MAJ-008" && f.Status == finding.StatusResolved {
			t.Error("flagged update finding resolved despite untrusted seal")
		}
	}
}

func TestAuditDeliverySignals(t *testing.T) {
	cases := []struct {
		name           string
		signal         string
		status         report.Status
		recommendation report.Recommendation
	}{
		{"not recommended", semantic.SignalDeliveryNotRecommended, report.StatusFail, report.RecommendationNotReady},
		{"review required", semantic.SignalDeliveryReviewRequired, report.StatusPass, report.RecommendationExpertReview},
	}

	signer := testpki.SelfSigned(t, "Veraseal Test Signer")
	artifact := sealedArtifact(t, signer, sign.DoNotAllowAnyChangesPerms)

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			output := `{"findings":[],"advisory_signals":["` + tc.signal + `"]}`
			c := &Coordinator{
				Semantic: semanticPipeline(t, map[string]semantic.Execution{
					"P8": {Success: true, Output: json.RawMessage(output)},
				}),
				SealTrust: &stv.Verifier{Roots: testpki.Pool(signer)},
			}

			rep, err := c.Audit(context.Background(), artifact)
			if err != nil {
				t.Fatalf("Audit: %v", err)
			}
			mustValidate(t, rep)

			if rep.Status != tc.status || rep.DeliveryRecommendation != tc.recommendation {
				t.Fatalf("outcome = %s/%s, want %s/%s",
					rep.Status, rep.DeliveryRecommendation, tc.status, tc.recommendation)
			}
		})
	}
}

func TestAuditSemanticFindingsNeverGate(t *testing.T) {
	signer := testpki.SelfSigned(t, "Veraseal Test Signer")
	artifact := sealedArtifact(t, signer, sign.DoNotAllowAnyChangesPerms)

	// A signal outside the disposition pass is informational and must not
	// steer the outcome either.
	c := &Coordinator{
		Semantic: semanticPipeline(t, map[string]semantic.Execution{
			"P5": {Success: true, Output: json.RawMessage(`{"findings":[{
				"rule_id": "LDVP-ACC-010",
				"severity": "critical",
				"title": "Figure mismatch",
				"description": "Total does not match the line items."
			}],"advisory_signals":["DELIVERY_NOT_RECOMMENDED"]}`)},
		}),
		SealTrust: &stv.Verifier{Roots: testpki.Pool(signer)},
	}

	rep, err := c.Audit(context.Background(), artifact)
	if err != nil {
		t.Fatalf("Audit: %v", err)
	}
	mustValidate(t, rep)

	if rep.Status != report.StatusPass || rep.DeliveryRecommendation != report.RecommendationReady {
		t.Fatalf("outcome = %s/%s", rep.Status, rep.DeliveryRecommendation)
	}
	if len(rep.SemanticAudit.Findings) != 1 {
		t.Errorf("semantic findings = %d", len(rep.SemanticAudit.Findings))
	}
}

func TestAuditEventSequence(t *testing.T) {
	signer := testpki.SelfSigned(t, "Veraseal Test Signer")
	artifact := sealedArtifact(t, signer, sign.DoNotAllowAnyChangesPerms)

	emitter := events.NewMemoryEmitter(128)
	c := &Coordinator{
		Semantic:   semanticPipeline(t, nil),
		SealTrust:  &stv.Verifier{Roots: testpki.Pool(signer)},
		Emitter:    emitter,
		NewAuditID: func() string { return "audit-events" },
	}
	if _, err := c.Audit(context.Background(), artifact); err != nil {
		t.Fatalf("Audit: %v", err)
	}

	var sequence []events.Type
	for event := range emitter.Stream() {
		if event.AuditID != "audit-events" {
			t.Errorf("event audit id = %q", event.AuditID)
		}
		switch event.Type {
		case events.SemanticPassStarted, events.SemanticPassCompleted, events.FindingDiscovered:
			continue
		}
		sequence = append(sequence, event.Type)
	}

	want := []events.Type{
		events.AuditStarted,
		events.ArtifactIntegrityStarted,
		events.ArtifactIntegrityCompleted,
		events.SemanticAuditStarted,
		events.SemanticAuditCompleted,
		events.SealTrustStarted,
		events.SealTrustCompleted,
		events.AuditCompleted,
	}
	if len(sequence) != len(want) {
		t.Fatalf("event sequence = %v", sequence)
	}
	for i, typ := range want {
		if sequence[i] != typ {
			t.Fatalf("event %d = %q, want %q", i, sequence[i], typ)
		}
	}
}

func TestAuditWithoutOptionalLayers(t *testing.T) {
	signer := testpki.SelfSigned(t, "Veraseal Test Signer")
	artifact := sealedArtifact(t, signer, sign.DoNotAllowAnyChangesPerms)

	c := &Coordinator{}
	rep, err := c.Audit(context.Background(), artifact)
	if err != nil {
		t.Fatalf("Audit: %v", err)
	}
	mustValidate(t, rep)

	if rep.Status != report.StatusPass || rep.DeliveryRecommendation != report.RecommendationReady {
		t.Fatalf("outcome = %s/%s", rep.Status, rep.DeliveryRecommendation)
	}
	if rep.SemanticAudit.Executed || rep.SealTrust.Executed {
		t.Error("optional layers reported as executed")
	}
}
