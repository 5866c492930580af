// Package semantic runs the advisory multi-pass semantic audit. The pipeline
// is protocol-agnostic: it owns pass ordering, result aggregation, the STOP
// short-circuit and the cache-stable prompt prefix, and nothing else. It
// never decides audit outcome or delivery disposition.
package semantic

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/veraseal/veraseal/events"
	"github.com/veraseal/veraseal/finding"
)

// Advisory signals a pass may raise. The coordinator maps them onto the
// delivery recommendation; the pipeline itself does not interpret them.
const (
	SignalDeliveryNotRecommended = "DELIVERY_NOT_RECOMMENDED"
	SignalDeliveryReviewRequired = "DELIVERY_REVIEW_REQUIRED"
)

// Pass is one semantic audit pass with a stable identifier.
type Pass interface {
	ID() string
	Name() string

	// Run executes the pass. Failures of the model layer are absorbed
	// into advisory findings; Run never returns an error.
	Run(ctx context.Context, audit Context, state *RuntimeState) PassResult
}

// PassResult is the outcome of one pass.
type PassResult struct {
	PassID   string            `json:"pass_id"`
	Executed bool              `json:"executed"`
	Findings []finding.Finding `json:"findings"`

	// ExecutionError holds non-authoritative technical diagnostics.
	ExecutionError *ExecutionError `json:"execution_error,omitempty"`

	AdvisorySignals []string `json:"advisory_signals,omitempty"`

	// DeliveryRecommendation is informational pass output. The advisory
	// signals remain the authoritative control input.
	DeliveryRecommendation string `json:"delivery_recommendation,omitempty"`

	Tokens *TokenMetrics `json:"token_metrics,omitempty"`
}

// ExecutionError captures why a pass's model execution failed. It must not
// be interpreted as a semantic conclusion.
type ExecutionError struct {
	FailureType FailureType `json:"failure_type"`
	RawError    string      `json:"raw_error,omitempty"`
	Model       string      `json:"model_deployment,omitempty"`
	PromptID    string      `json:"prompt_id,omitempty"`
}

// Result aggregates a full protocol run.
type Result struct {
	Executed        bool              `json:"executed"`
	ProtocolID      string            `json:"protocol_id,omitempty"`
	ProtocolVersion string            `json:"protocol_version,omitempty"`
	PromptHash      string            `json:"prompt_hash,omitempty"`
	PassResults     []PassResult      `json:"pass_results"`
	Findings        []finding.Finding `json:"findings"`
}

// NotExecuted is the result of a semantic audit that was skipped.
func NotExecuted() Result {
	return Result{Executed: false}
}

// Signals returns the advisory signals raised by the delivery disposition
// pass. Signals emitted by any other pass are informational only and never
// steer the outcome.
func (r Result) Signals() []string {
	for _, pr := range r.PassResults {
		if pr.PassID != DeliveryPassID || !pr.Executed {
			continue
		}
		seen := make(map[string]bool)
		var out []string
		for _, s := range pr.AdvisorySignals {
			if !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Pipeline executes passes in a frozen order.
type Pipeline struct {
	protocolID      string
	protocolVersion string
	passes          []Pass

	Logger *zap.Logger
}

// NewPipeline freezes a pass sequence under a protocol identity. Pass
// identifiers must be non-empty and unique.
func NewPipeline(protocolID, protocolVersion string, passes []Pass) (*Pipeline, error) {
	if len(passes) == 0 {
		return nil, fmt.Errorf("semantic: pipeline requires at least one pass")
	}
	seen := make(map[string]bool, len(passes))
	for _, p := range passes {
		id := p.ID()
		if id == "" {
			return nil, fmt.Errorf("semantic: pass with empty identifier")
		}
		if seen[id] {
			return nil, fmt.Errorf("semantic: duplicate pass identifier %q", id)
		}
		seen[id] = true
	}

	return &Pipeline{
		protocolID:      protocolID,
		protocolVersion: protocolVersion,
		passes:          append([]Pass(nil), passes...),
	}, nil
}

// Run executes the passes in order over an immutable context. A finding with
// metadata stop_condition=true short-circuits the remaining passes; they are
// recorded with executed=false. Events are observational only.
func (p *Pipeline) Run(ctx context.Context, audit Context, emitter events.Emitter) (Result, error) {
	log := p.logger()

	prefix, hash, err := promptPrefix(audit)
	if err != nil {
		// The content canonicalized during artifact integrity; failure
		// here is a logic error and must propagate.
		return Result{}, fmt.Errorf("semantic: prompt prefix: %w", err)
	}
	contentBytes, err := contentAnchor(audit)
	if err != nil {
		return Result{}, fmt.Errorf("semantic: content anchor: %w", err)
	}

	state := &RuntimeState{prefix: prefix, prefixHash: hash, contentBytes: contentBytes}

	result := Result{
		Executed:        true,
		ProtocolID:      p.protocolID,
		ProtocolVersion: p.protocolVersion,
		PromptHash:      hash,
	}

	stopRequested := false
	for _, pass := range p.passes {
		if stopRequested {
			result.PassResults = append(result.PassResults, PassResult{
				PassID:   pass.ID(),
				Executed: false,
			})
			continue
		}

		events.Emit(ctx, emitter, events.New(audit.AuditID, events.SemanticPassStarted, map[string]any{
			"protocol_id":      p.protocolID,
			"protocol_version": p.protocolVersion,
			"pass_id":          pass.ID(),
		}))

		passResult := pass.Run(ctx, audit, state)
		passResult.PassID = pass.ID()
		passResult.Executed = true

		result.PassResults = append(result.PassResults, passResult)
		state.executedPassIDs = append(state.executedPassIDs, pass.ID())
		state.findings = append(state.findings, passResult.Findings...)

		for _, f := range passResult.Findings {
			events.Emit(ctx, emitter, events.New(audit.AuditID, events.FindingDiscovered, map[string]any{
				"pass_id":    pass.ID(),
				"finding_id": f.FindingID,
				"severity":   string(f.Severity),
				"title":      f.Title,
			}))
		}

		events.Emit(ctx, emitter, events.New(audit.AuditID, events.SemanticPassCompleted, map[string]any{
			"protocol_id":      p.protocolID,
			"protocol_version": p.protocolVersion,
			"pass_id":          pass.ID(),
			"findings_count":   len(passResult.Findings),
		}))

		for _, f := range passResult.Findings {
			if f.StopRequested() {
				stopRequested = true
				log.Info("semantic stop condition raised",
					zap.String("pass_id", pass.ID()),
					zap.String("finding_id", f.FindingID))
				break
			}
		}
	}

	result.Findings = state.Findings()

	log.Info("semantic audit completed",
		zap.String("protocol_id", p.protocolID),
		zap.Int("passes_executed", len(state.executedPassIDs)),
		zap.Int("findings", len(result.Findings)),
		zap.Bool("stopped_early", stopRequested))
	return result, nil
}

func (p *Pipeline) logger() *zap.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return zap.NewNop()
}
