package semantic

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/veraseal/veraseal/finding"
)

// ExecutorPass is a pass backed by a structured model executor. The pass
// assembles its prompt from the shared prefix plus its task layer, validates
// the structured output against a schema and adapts raw findings into
// canonical ones.
type ExecutorPass struct {
	Protocol string
	Version  string
	PassID   string
	PassName string

	// Task is the pass-specific prompt layer appended after the shared
	// prefix.
	Task string

	// IncludePriorFindings appends the identifiers of earlier findings
	// and executed passes to the task layer. Used by synthesis passes.
	IncludePriorFindings bool

	Schema   *jsonschema.Schema
	Executor Executor
}

func (p *ExecutorPass) ID() string   { return p.PassID }
func (p *ExecutorPass) Name() string { return p.PassName }

// passOutput is the structured shape every pass output decodes into.
type passOutput struct {
	Findings               []rawFinding `json:"findings"`
	AdvisorySignals        []string     `json:"advisory_signals"`
	DeliveryRecommendation string       `json:"delivery_recommendation"`
}

// rawFinding is a model-produced finding before canonical adaptation.
type rawFinding struct {
	RuleID       string         `json:"rule_id"`
	Category     string         `json:"category"`
	Severity     string         `json:"severity"`
	Confidence   string         `json:"confidence"`
	Title        string         `json:"title"`
	Description  string         `json:"description"`
	WhyItMatters string         `json:"why_it_matters"`
	Location     string         `json:"location"`
	SuggestedFix string         `json:"suggested_fix"`
	Metadata     map[string]any `json:"metadata"`
}

func (p *ExecutorPass) Run(ctx context.Context, audit Context, state *RuntimeState) PassResult {
	prompt := p.buildPrompt(state)

	execution := p.Executor.Execute(ctx, Request{
		ProtocolID:      p.Protocol,
		ProtocolVersion: p.Version,
		PassID:          p.PassID,
		AuditID:         audit.AuditID,
		Prompt:          prompt,
	})

	if !execution.Success {
		return p.failed(execution, execution.FailureType)
	}

	output, err := p.decodeOutput(execution.Output)
	if err != nil {
		execution.RawError = err.Error()
		return p.failed(execution, FailureSchemaViolation)
	}

	findings := make([]finding.Finding, 0, len(output.Findings))
	for _, raw := range output.Findings {
		findings = append(findings, p.adapt(raw, state.ContentBytes()))
	}

	return PassResult{
		PassID:                 p.PassID,
		Executed:               true,
		Findings:               findings,
		AdvisorySignals:        output.AdvisorySignals,
		DeliveryRecommendation: output.DeliveryRecommendation,
		Tokens:                 execution.Tokens,
	}
}

func (p *ExecutorPass) buildPrompt(state *RuntimeState) string {
	var b strings.Builder
	b.Write(state.Prefix())
	b.WriteString("\n=== PASS TASK (")
	b.WriteString(p.PassID)
	b.WriteString(") ===\n")
	b.WriteString(p.Task)

	if p.IncludePriorFindings {
		b.WriteString("\n\nExecuted passes: ")
		b.WriteString(strings.Join(state.ExecutedPassIDs(), ", "))
		b.WriteString("\nPrior finding identifiers: ")
		ids := make([]string, 0, len(state.Findings()))
		for _, f := range state.Findings() {
			ids = append(ids, f.FindingID)
		}
		b.WriteString(strings.Join(ids, ", "))
	}
	return b.String()
}

func (p *ExecutorPass) failed(execution Execution, failureType FailureType) PassResult {
	if failureType == "" {
		failureType = FailureUnexpected
	}
	return PassResult{
		PassID:   p.PassID,
		Executed: true,
		Findings: []finding.Finding{
			absorbFailure(p.Protocol, p.Version, p.PassID, failureType),
		},
		ExecutionError: &ExecutionError{
			FailureType: failureType,
			RawError:    execution.RawError,
			Model:       execution.Model,
			PromptID:    execution.PromptID,
		},
		Tokens: execution.Tokens,
	}
}

// decodeOutput validates the raw model output against the pass schema and
// decodes it. Any deviation is a schema violation.
func (p *ExecutorPass) decodeOutput(raw json.RawMessage) (*passOutput, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if p.Schema != nil {
		if err := p.Schema.Validate(v); err != nil {
			return nil, err
		}
	}

	var output passOutput
	if err := json.Unmarshal(raw, &output); err != nil {
		return nil, err
	}
	return &output, nil
}

// adapt canonicalizes one raw finding: deterministic identifier, normalized
// enums, protocol attribution. Metadata passes through untouched.
func (p *ExecutorPass) adapt(raw rawFinding, contentBytes []byte) finding.Finding {
	category := parseCategory(raw.Category)
	location := raw.Location

	return finding.Finding{
		FindingID:       finding.StableID(p.Protocol, p.Version, p.PassID, raw.RuleID, category, location, contentBytes),
		Source:          finding.SourceSemanticAudit,
		ProtocolID:      p.Protocol,
		ProtocolVersion: p.Version,
		PassID:          p.PassID,
		Category:        category,
		Severity:        parseSeverity(raw.Severity),
		Confidence:      parseConfidence(raw.Confidence),
		Status:          finding.StatusOpen,
		Title:           raw.Title,
		Description:     raw.Description,
		WhyItMatters:    raw.WhyItMatters,
		Location:        location,
		SuggestedFix:    raw.SuggestedFix,
		Metadata:        raw.Metadata,
	}
}

func parseSeverity(s string) finding.Severity {
	switch finding.Severity(strings.ToLower(s)) {
	case finding.SeverityCritical:
		return finding.SeverityCritical
	case finding.SeverityMajor:
		return finding.SeverityMajor
	case finding.SeverityInfo:
		return finding.SeverityInfo
	default:
		return finding.SeverityMinor
	}
}

func parseConfidence(s string) finding.Confidence {
	switch finding.Confidence(strings.ToLower(s)) {
	case finding.ConfidenceHigh:
		return finding.ConfidenceHigh
	case finding.ConfidenceLow:
		return finding.ConfidenceLow
	default:
		return finding.ConfidenceMedium
	}
}

func parseCategory(s string) finding.Category {
	switch c := finding.Category(strings.ToLower(s)); c {
	case finding.CategoryContext, finding.CategoryUX, finding.CategoryClarity,
		finding.CategoryAccessibility, finding.CategoryStructure, finding.CategoryAccuracy,
		finding.CategoryCompleteness, finding.CategoryRisk, finding.CategoryCompliance,
		finding.CategoryExecutionReadiness, finding.CategoryEthical:
		return c
	default:
		return finding.CategoryOther
	}
}
