package semantic

import (
	"context"
	"encoding/json"

	"github.com/veraseal/veraseal/finding"
)

// FailureType classifies an executor failure. The set is closed; anything an
// executor cannot classify is an unexpected error.
type FailureType string

const (
	FailureTimeout         FailureType = "timeout"
	FailureRetryExhausted  FailureType = "retry_exhausted"
	FailureSchemaViolation FailureType = "schema_violation"
	FailureRefusal         FailureType = "refusal"
	FailureUnexpected      FailureType = "unexpected_error"
)

// TokenMetrics carries non-authoritative usage numbers for one execution.
type TokenMetrics struct {
	Prompt     int `json:"prompt_tokens"`
	Completion int `json:"completion_tokens"`
	Total      int `json:"total_tokens"`
}

// Request describes one structured model call.
type Request struct {
	ProtocolID      string
	ProtocolVersion string
	PassID          string
	AuditID         string

	// Prompt is the full prompt: the shared authority and snapshot
	// prefix followed by the pass task layer.
	Prompt string
}

// Execution is the sole boundary between probabilistic model behavior and the
// deterministic pipeline. Executors never raise past it; every failure is
// classified and represented as data.
type Execution struct {
	Success bool

	// Output holds the structured model output when Success is true.
	Output json.RawMessage

	// FailureType and RawError are set when Success is false.
	FailureType FailureType
	RawError    string

	// Diagnostics, never authoritative.
	Model    string
	PromptID string
	Tokens   *TokenMetrics
}

// Executor runs structured model calls. Implementations must classify every
// failure into an Execution instead of returning an error.
type Executor interface {
	Execute(ctx context.Context, req Request) Execution
}

// absorptionRule maps a failure class onto the advisory finding it becomes.
type absorptionRule struct {
	severity   finding.Severity
	confidence finding.Confidence
	category   finding.Category
}

var absorptionRules = map[FailureType]absorptionRule{
	FailureTimeout:         {finding.SeverityMinor, finding.ConfidenceHigh, finding.CategoryOther},
	FailureRetryExhausted:  {finding.SeverityMajor, finding.ConfidenceHigh, finding.CategoryOther},
	FailureSchemaViolation: {finding.SeverityMajor, finding.ConfidenceHigh, finding.CategoryStructure},
	FailureRefusal:         {finding.SeverityInfo, finding.ConfidenceMedium, finding.CategoryEthical},
	FailureUnexpected:      {finding.SeverityMajor, finding.ConfidenceMedium, finding.CategoryOther},
}

// absorbFailure converts an execution failure into the single advisory
// finding representing it. The identifier depends only on the protocol, the
// pass and the failure type, so repeated failures collapse onto one record.
func absorbFailure(protocolID, protocolVersion, passID string, failureType FailureType) finding.Finding {
	rule, ok := absorptionRules[failureType]
	if !ok {
		failureType = FailureUnexpected
		rule = absorptionRules[FailureUnexpected]
	}

	return finding.Finding{
		FindingID:       finding.ExecutionFailureID(protocolID, passID, string(failureType)),
		Source:          finding.SourceSemanticAudit,
		ProtocolID:      protocolID,
		ProtocolVersion: protocolVersion,
		PassID:          passID,
		Category:        rule.category,
		Severity:        rule.severity,
		Confidence:      rule.confidence,
		Status:          finding.StatusOpen,
		Title:           "Semantic pass did not complete",
		Description:     "The language model execution for this pass failed (" + string(failureType) + "). The pass produced no semantic conclusions.",
		Metadata:        map[string]any{"failure_type": string(failureType)},
	}
}
