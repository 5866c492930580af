// Package finding defines the immutable finding record shared by the
// artifact integrity, seal trust and semantic audit layers.
package finding

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Source identifies the audit layer that produced a finding.
type Source string

const (
	SourceArtifactIntegrity Source = "artifact_integrity"
	SourceSemanticAudit     Source = "semantic_audit"
	SourceSealTrust         Source = "seal_trust"
)

// Severity of a finding. Only Critical findings are fatal at the artifact
// integrity layer.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityMajor    Severity = "major"
	SeverityMinor    Severity = "minor"
	SeverityInfo     Severity = "info"
)

// Confidence expresses how certain the producing layer is about a finding.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// Status of a finding. Findings are values; a status change is a whole-value
// copy, never an in-place write.
type Status string

const (
	StatusOpen                 Status = "open"
	StatusFlaggedForHumanReview Status = "flagged_for_human_review"
	StatusResolved             Status = "resolved"
)

// Category classifies the subject matter of a finding.
type Category string

const (
	CategoryContext            Category = "context"
	CategoryUX                 Category = "ux"
	CategoryClarity            Category = "clarity"
	CategoryAccessibility      Category = "accessibility"
	CategoryStructure          Category = "structure"
	CategoryAccuracy           Category = "accuracy"
	CategoryCompleteness       Category = "completeness"
	CategoryRisk               Category = "risk"
	CategoryCompliance         Category = "compliance"
	CategoryExecutionReadiness Category = "execution_readiness"
	CategoryEthical            Category = "ethical"
	CategoryOther              Category = "other"
)

// Finding is a single audit observation. All fields are set at construction;
// treat values as frozen.
type Finding struct {
	FindingID       string         `json:"finding_id"`
	Source          Source         `json:"source"`
	ProtocolID      string         `json:"protocol_id,omitempty"`
	ProtocolVersion string         `json:"protocol_version,omitempty"`
	PassID          string         `json:"pass_id,omitempty"`
	Category        Category       `json:"category"`
	Severity        Severity       `json:"severity"`
	Confidence      Confidence     `json:"confidence"`
	Status          Status         `json:"status"`
	Title           string         `json:"title"`
	Description     string         `json:"description"`
	WhyItMatters    string         `json:"why_it_matters,omitempty"`
	Location        string         `json:"location,omitempty"`
	SuggestedFix    string         `json:"suggested_fix,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	RequiresSTV     bool           `json:"requires_stv"`
}

// WithStatus returns a copy of the finding with a new status. The receiver is
// left untouched.
func (f Finding) WithStatus(status Status) Finding {
	f.Status = status
	if f.Metadata != nil {
		meta := make(map[string]any, len(f.Metadata))
		for k, v := range f.Metadata {
			meta[k] = v
		}
		f.Metadata = meta
	}
	return f
}

// IsFatal reports whether the finding hard-stops the artifact integrity
// audit. Only critical severity is fatal; major findings never are.
func (f Finding) IsFatal() bool {
	return f.Severity == SeverityCritical
}

// StopRequested reports whether the finding carries the semantic STOP
// condition. Only semantic findings may short-circuit the semantic pipeline.
func (f Finding) StopRequested() bool {
	if f.Source != SourceSemanticAudit || f.Metadata == nil {
		return false
	}
	stop, ok := f.Metadata["stop_condition"].(bool)
	return ok && stop
}

// StableID derives a deterministic finding identifier. Identical repository
// state (protocol, version, pass, rule, category, location) against identical
// document state (canonical payload bytes) yields the same identifier across
// independent runs.
func StableID(protocolID, protocolVersion, passID, ruleID string, category Category, location string, canonicalPayload []byte) string {
	h := sha256.New()
	for _, part := range []string{protocolID, protocolVersion, passID, ruleID, string(category), location} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	h.Write(canonicalPayload)

	return "SEM-" + strings.ToUpper(passID) + "-" + hex.EncodeToString(h.Sum(nil))[:16]
}

// ExecutionFailureID derives the identifier of an execution-failure finding.
// By contract it depends only on the protocol, the pass and the failure type,
// so repeated technical failures of the same kind collapse onto one ID.
func ExecutionFailureID(protocolID, passID, failureType string) string {
	h := sha256.New()
	for _, part := range []string{protocolID, passID, failureType} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return "SEM-EXEC-" + hex.EncodeToString(h.Sum(nil))[:16]
}

// Resolve returns a copy of findings where every finding whose ID appears in
// resolvedIDs is replaced by a resolved copy. Input findings are not mutated.
func Resolve(findings []Finding, resolvedIDs []string) []Finding {
	if len(resolvedIDs) == 0 {
		return findings
	}

	resolved := make(map[string]bool, len(resolvedIDs))
	for _, id := range resolvedIDs {
		resolved[id] = true
	}

	out := make([]Finding, len(findings))
	for i, f := range findings {
		if resolved[f.FindingID] {
			out[i] = f.WithStatus(StatusResolved)
		} else {
			out[i] = f
		}
	}
	return out
}
