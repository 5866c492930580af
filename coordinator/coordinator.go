// Package coordinator sequences the audit layers: artifact integrity first,
// then the advisory semantic audit, then seal trust verification, and maps
// their results onto a status and delivery recommendation. It is strictly
// mechanical: it never inspects Document Content, never interprets finding
// prose and carries no heuristics of its own.
package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/veraseal/veraseal/aia"
	"github.com/veraseal/veraseal/events"
	"github.com/veraseal/veraseal/finding"
	"github.com/veraseal/veraseal/report"
	"github.com/veraseal/veraseal/semantic"
	"github.com/veraseal/veraseal/stv"
)

// FindingSTVRequired is synthesized when structural observations require
// seal trust verification but no verifier is configured. Issuing a verdict
// with unresolved structural observations would be unsound.
const FindingSTVRequired = "AIA-CRIT-STV-REQUIRED"

// Coordinator wires the audit layers together. The artifact integrity
// auditor always runs; the semantic pipeline and the trust verifier are
// optional and synthesized as "not executed" when absent.
type Coordinator struct {
	Integrity *aia.Auditor
	Semantic  *semantic.Pipeline
	SealTrust *stv.Verifier

	Emitter events.Emitter
	Logger  *zap.Logger

	// Now and NewAuditID are swappable in tests.
	Now        func() time.Time
	NewAuditID func() string
}

func (c *Coordinator) clock() time.Time {
	if c.Now != nil {
		return c.Now().UTC()
	}
	return time.Now().UTC()
}

func (c *Coordinator) auditID() string {
	if c.NewAuditID != nil {
		return c.NewAuditID()
	}
	return uuid.NewString()
}

func (c *Coordinator) logger() *zap.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return zap.NewNop()
}

func (c *Coordinator) integrity() *aia.Auditor {
	if c.Integrity != nil {
		return c.Integrity
	}
	return &aia.Auditor{Logger: c.Logger}
}

// Audit runs the full layered audit over artifact bytes. All audit outcomes
// are data in the returned report; only logic errors escape as errors.
func (c *Coordinator) Audit(ctx context.Context, artifact []byte) (report.VerificationReport, error) {
	auditID := c.auditID()
	log := c.logger().With(zap.String("audit_id", auditID))

	events.Emit(ctx, c.Emitter, events.New(auditID, events.AuditStarted, map[string]any{
		"artifact_bytes": len(artifact),
	}))

	// Layer 1: artifact integrity.
	events.Emit(ctx, c.Emitter, events.New(auditID, events.ArtifactIntegrityStarted, nil))
	integrity := c.integrity().Audit(artifact)
	events.Emit(ctx, c.Emitter, events.New(auditID, events.ArtifactIntegrityCompleted, map[string]any{
		"passed":   integrity.Passed,
		"findings": len(integrity.Findings),
	}))

	if !integrity.Passed {
		log.Info("audit failed at artifact integrity", zap.Int("findings", len(integrity.Findings)))
		return c.terminal(ctx, auditID, integrity, semantic.NotExecuted(), stv.NotExecuted()), nil
	}

	// Structural observations that need cryptographic confirmation make
	// the audit unsound without a verifier. The gate finding is report
	// level only; the integrity result stays exactly as the auditor
	// emitted it.
	if requiresSealTrust(integrity.Findings) && c.SealTrust == nil {
		gate := finding.Finding{
			FindingID:   FindingSTVRequired,
			Source:      finding.SourceArtifactIntegrity,
			Category:    finding.CategoryStructure,
			Severity:    finding.SeverityCritical,
			Confidence:  finding.ConfidenceHigh,
			Status:      finding.StatusOpen,
			Title:       "Seal trust verification required",
			Description: "Structural observations require seal trust verification, but no verifier is configured.",
		}

		log.Info("audit failed: unresolved structural observations without a verifier")
		return c.terminal(ctx, auditID, integrity, semantic.NotExecuted(), stv.NotExecuted(), gate), nil
	}

	// Layer 2: advisory semantic audit. Its findings never gate status.
	semanticResult := semantic.NotExecuted()
	if c.Semantic != nil {
		events.Emit(ctx, c.Emitter, events.New(auditID, events.SemanticAuditStarted, nil))

		auditContext := semantic.Context{
			DocumentContent:    integrity.DocumentContent,
			ContentDerivedText: derefString(integrity.ContentDerivedText),
			VisibleText:        derefString(integrity.VisibleText),
			AuditID:            auditID,
		}
		var err error
		semanticResult, err = c.Semantic.Run(ctx, auditContext, c.Emitter)
		if err != nil {
			events.Emit(ctx, c.Emitter, events.New(auditID, events.AuditFailed, map[string]any{
				"error": err.Error(),
			}))
			return report.VerificationReport{}, fmt.Errorf("semantic audit: %w", err)
		}

		events.Emit(ctx, c.Emitter, events.New(auditID, events.SemanticAuditCompleted, map[string]any{
			"findings": len(semanticResult.Findings),
		}))
	}

	// Layer 3: seal trust verification.
	trustResult := stv.NotExecuted()
	if c.SealTrust != nil {
		events.Emit(ctx, c.Emitter, events.New(auditID, events.SealTrustStarted, nil))
		trustResult = c.SealTrust.Verify(artifact, integrity.Findings)
		events.Emit(ctx, c.Emitter, events.New(auditID, events.SealTrustCompleted, map[string]any{
			"trusted":  trustResult.Trusted != nil && *trustResult.Trusted,
			"resolved": trustResult.ResolvedAIAFindingIDs,
		}))

		// Resolution is whole-value substitution, never mutation.
		integrity.Findings = finding.Resolve(integrity.Findings, trustResult.ResolvedAIAFindingIDs)
	}

	rep := c.assemble(auditID, integrity, semanticResult, trustResult)
	log.Info("audit completed",
		zap.String("status", string(rep.Status)),
		zap.String("delivery_recommendation", string(rep.DeliveryRecommendation)),
		zap.Int("findings", len(rep.Findings)))

	events.Emit(ctx, c.Emitter, events.New(auditID, events.AuditCompleted, map[string]any{
		"status":                  string(rep.Status),
		"delivery_recommendation": string(rep.DeliveryRecommendation),
	}))
	return rep, nil
}

// terminal builds a failed report and emits the completion event. Extra
// findings are synthesized at the report level without touching any layer
// result.
func (c *Coordinator) terminal(ctx context.Context, auditID string, integrity aia.Result, sem semantic.Result, trust stv.Result, extra ...finding.Finding) report.VerificationReport {
	rep := report.VerificationReport{
		SchemaVersion:          report.SchemaVersion,
		AuditID:                auditID,
		GeneratedAt:            c.clock(),
		Status:                 report.StatusFail,
		DeliveryRecommendation: report.RecommendationNotReady,
		ArtifactIntegrity:      integrity,
		SemanticAudit:          sem,
		SealTrust:              trust,
		Findings:               append(collectFindings(integrity, sem, trust), extra...),
	}
	events.Emit(ctx, c.Emitter, events.New(auditID, events.AuditCompleted, map[string]any{
		"status":                  string(rep.Status),
		"delivery_recommendation": string(rep.DeliveryRecommendation),
	}))
	return rep
}

// assemble maps the layer results onto the final outcome.
func (c *Coordinator) assemble(auditID string, integrity aia.Result, sem semantic.Result, trust stv.Result) report.VerificationReport {
	status := report.StatusPass
	recommendation := report.RecommendationReady

	if trust.Executed && trust.Trusted != nil && !*trust.Trusted {
		status = report.StatusFail
		recommendation = report.RecommendationNotReady
	} else {
		for _, signal := range sem.Signals() {
			switch signal {
			case semantic.SignalDeliveryNotRecommended:
				status = report.StatusFail
				recommendation = report.RecommendationNotReady
			case semantic.SignalDeliveryReviewRequired:
				if status == report.StatusPass {
					recommendation = report.RecommendationExpertReview
				}
			}
		}
	}

	return report.VerificationReport{
		SchemaVersion:          report.SchemaVersion,
		AuditID:                auditID,
		GeneratedAt:            c.clock(),
		Status:                 status,
		DeliveryRecommendation: recommendation,
		ArtifactIntegrity:      integrity,
		SemanticAudit:          sem,
		SealTrust:              trust,
		Findings:               collectFindings(integrity, sem, trust),
	}
}

func collectFindings(integrity aia.Result, sem semantic.Result, trust stv.Result) []finding.Finding {
	findings := make([]finding.Finding, 0, len(integrity.Findings)+len(sem.Findings)+len(trust.Findings))
	findings = append(findings, integrity.Findings...)
	findings = append(findings, sem.Findings...)
	findings = append(findings, trust.Findings...)
	return findings
}

func requiresSealTrust(findings []finding.Finding) bool {
	for _, f := range findings {
		if f.RequiresSTV {
			return true
		}
	}
	return false
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
