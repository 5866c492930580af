// Package report defines the immutable verification report produced by one
// audit and the cross-layer invariants every report must satisfy.
package report

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/veraseal/veraseal/aia"
	"github.com/veraseal/veraseal/finding"
	"github.com/veraseal/veraseal/semantic"
	"github.com/veraseal/veraseal/stv"
)

// SchemaVersion of the report payload.
const SchemaVersion = "1.0"

// Status is the binary audit outcome.
type Status string

const (
	StatusPass Status = "pass"
	StatusFail Status = "fail"
)

// Recommendation is the delivery disposition derived from the outcome.
type Recommendation string

const (
	RecommendationReady        Recommendation = "ready"
	RecommendationNotReady     Recommendation = "not_ready"
	RecommendationExpertReview Recommendation = "expert_review_required"
)

// VerificationReport is the complete outcome of one audit. It is a value;
// once built it is never modified. The JSON form is safe to embed as an
// associated file of a sealed artifact.
type VerificationReport struct {
	SchemaVersion          string            `json:"schema_version"`
	AuditID                string            `json:"audit_id"`
	GeneratedAt            time.Time         `json:"generated_at"`
	Status                 Status            `json:"status"`
	DeliveryRecommendation Recommendation    `json:"delivery_recommendation"`
	ArtifactIntegrity      aia.Result        `json:"artifact_integrity"`
	SemanticAudit          semantic.Result   `json:"semantic_audit"`
	SealTrust              stv.Result        `json:"seal_trust"`
	Findings               []finding.Finding `json:"findings"`
}

// MarshalIndent renders the report as stable, human-inspectable JSON.
func (r VerificationReport) MarshalIndent() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// Validate checks the cross-layer invariants. A report that fails validation
// indicates a coordinator bug, not a property of the audited artifact.
func (r VerificationReport) Validate() error {
	if r.SchemaVersion == "" || r.AuditID == "" || r.GeneratedAt.IsZero() {
		return fmt.Errorf("report: missing identity fields")
	}

	switch r.Status {
	case StatusPass:
		if !r.ArtifactIntegrity.Passed {
			return fmt.Errorf("report: status pass with failed artifact integrity")
		}
		if r.DeliveryRecommendation != RecommendationReady && r.DeliveryRecommendation != RecommendationExpertReview {
			return fmt.Errorf("report: status pass with recommendation %q", r.DeliveryRecommendation)
		}
	case StatusFail:
		if r.DeliveryRecommendation != RecommendationNotReady {
			return fmt.Errorf("report: status fail with recommendation %q", r.DeliveryRecommendation)
		}
	default:
		return fmt.Errorf("report: unknown status %q", r.Status)
	}

	if r.SemanticAudit.Executed && !r.ArtifactIntegrity.Passed {
		return fmt.Errorf("report: semantic audit executed without artifact integrity")
	}

	ai := r.ArtifactIntegrity
	if ai.Passed {
		if ai.DocumentContent == nil || ai.ContentDerivedText == nil || ai.VisibleText == nil {
			return fmt.Errorf("report: passed artifact integrity with missing extractions")
		}
	} else {
		if ai.DocumentContent != nil || ai.ContentDerivedText != nil || ai.VisibleText != nil {
			return fmt.Errorf("report: failed artifact integrity carries extractions")
		}
	}

	st := r.SealTrust
	if !st.Executed {
		if st.Trusted != nil {
			return fmt.Errorf("report: seal trust not executed but carries a trust verdict")
		}
		if len(st.ResolvedAIAFindingIDs) != 0 {
			return fmt.Errorf("report: seal trust not executed but resolved findings")
		}
	} else if st.Trusted != nil && !*st.Trusted && len(st.ResolvedAIAFindingIDs) != 0 {
		return fmt.Errorf("report: untrusted seal trust resolved findings")
	}

	return nil
}
