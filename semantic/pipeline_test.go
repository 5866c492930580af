package semantic

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/veraseal/veraseal/events"
	"github.com/veraseal/veraseal/finding"
)

// stubExecutor replays canned responses per pass and records every request.
type stubExecutor struct {
	responses map[string]Execution
	requests  []Request
}

func (s *stubExecutor) Execute(_ context.Context, req Request) Execution {
	s.requests = append(s.requests, req)
	if resp, ok := s.responses[req.PassID]; ok {
		return resp
	}
	return success(`{"findings":[]}`)
}

func success(output string) Execution {
	return Execution{Success: true, Output: json.RawMessage(output)}
}

func testContext() Context {
	return Context{
		DocumentContent:    map[string]any{"decision": "approved", "id": "DEC-2026-0001"},
		ContentDerivedText: "approved\nDEC-2026-0001",
		VisibleText:        "Hello sealed world",
		AuditID:            "audit-1",
	}
}

func TestPipelineRunsPassesInOrder(t *testing.T) {
	executor := &stubExecutor{}
	pipeline, err := NewLDVPPipeline(executor)
	if err != nil {
		t.Fatalf("NewLDVPPipeline: %v", err)
	}

	result, err := pipeline.Run(context.Background(), testContext(), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !result.Executed {
		t.Fatal("pipeline did not execute")
	}
	if len(result.PassResults) != len(LDVPPassOrder) {
		t.Fatalf("pass results = %d", len(result.PassResults))
	}
	for i, pr := range result.PassResults {
		if pr.PassID != LDVPPassOrder[i] {
			t.Errorf("pass %d = %q, want %q", i, pr.PassID, LDVPPassOrder[i])
		}
		if !pr.Executed {
			t.Errorf("pass %s not executed", pr.PassID)
		}
	}
	if result.PromptHash == "" {
		t.Error("result carries no prompt hash")
	}
}

func TestPromptPrefixIsByteIdenticalAcrossPasses(t *testing.T) {
	executor := &stubExecutor{}
	pipeline, err := NewLDVPPipeline(executor)
	if err != nil {
		t.Fatalf("NewLDVPPipeline: %v", err)
	}
	if _, err := pipeline.Run(context.Background(), testContext(), nil); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(executor.requests) != len(LDVPPassOrder) {
		t.Fatalf("requests = %d", len(executor.requests))
	}

	marker := "=== PASS TASK"
	first := executor.requests[0].Prompt
	idx := strings.Index(first, marker)
	if idx <= 0 {
		t.Fatalf("prompt carries no task marker: %q", first)
	}
	prefix := first[:idx]
	if !strings.Contains(prefix, `"document_content"`) {
		t.Error("prefix carries no canonical snapshot")
	}
	for _, req := range executor.requests[1:] {
		if !strings.HasPrefix(req.Prompt, prefix) {
			t.Errorf("pass %s prompt diverges from the shared prefix", req.PassID)
		}
	}
}

func TestStopConditionShortCircuits(t *testing.T) {
	executor := &stubExecutor{responses: map[string]Execution{
		"P2": success(`{"findings":[{
			"rule_id": "LDVP-STOP-001",
			"title": "Document is not a deliverable",
			"description": "The content identifies itself as a draft template.",
			"severity": "major",
			"metadata": {"stop_condition": true}
		}]}`),
	}}
	pipeline, err := NewLDVPPipeline(executor)
	if err != nil {
		t.Fatalf("NewLDVPPipeline: %v", err)
	}

	result, err := pipeline.Run(context.Background(), testContext(), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(executor.requests) != 2 {
		t.Fatalf("executed %d passes, want 2", len(executor.requests))
	}
	for i, pr := range result.PassResults {
		wantExecuted := i < 2
		if pr.Executed != wantExecuted {
			t.Errorf("pass %s executed = %v, want %v", pr.PassID, pr.Executed, wantExecuted)
		}
	}
	if len(result.Findings) != 1 {
		t.Errorf("findings = %d", len(result.Findings))
	}
}

func TestExecutionFailureAbsorption(t *testing.T) {
	cases := []struct {
		failure    FailureType
		severity   finding.Severity
		confidence finding.Confidence
		category   finding.Category
	}{
		{FailureTimeout, finding.SeverityMinor, finding.ConfidenceHigh, finding.CategoryOther},
		{FailureRetryExhausted, finding.SeverityMajor, finding.ConfidenceHigh, finding.CategoryOther},
		{FailureSchemaViolation, finding.SeverityMajor, finding.ConfidenceHigh, finding.CategoryStructure},
		{FailureRefusal, finding.SeverityInfo, finding.ConfidenceMedium, finding.CategoryEthical},
		{FailureUnexpected, finding.SeverityMajor, finding.ConfidenceMedium, finding.CategoryOther},
	}

	for _, tc := range cases {
		t.Run(string(tc.failure), func(t *testing.T) {
			executor := &stubExecutor{responses: map[string]Execution{
				"P1": {Success: false, FailureType: tc.failure, RawError: "boom"},
			}}
			pipeline, err := NewLDVPPipeline(executor)
			if err != nil {
				t.Fatalf("NewLDVPPipeline: %v", err)
			}
			result, err := pipeline.Run(context.Background(), testContext(), nil)
			if err != nil {
				t.Fatalf("Run: %v", err)
			}

			p1 := result.PassResults[0]
			if !p1.Executed {
				t.Fatal("failed pass must still count as executed")
			}
			if p1.ExecutionError == nil || p1.ExecutionError.FailureType != tc.failure {
				t.Fatalf("execution error = %+v", p1.ExecutionError)
			}
			if len(p1.Findings) != 1 {
				t.Fatalf("findings = %d, want the single absorbed finding", len(p1.Findings))
			}
			f := p1.Findings[0]
			if f.Severity != tc.severity || f.Confidence != tc.confidence || f.Category != tc.category {
				t.Errorf("absorbed finding = %s/%s/%s", f.Severity, f.Confidence, f.Category)
			}
			want := finding.ExecutionFailureID(LDVPProtocolID, "P1", string(tc.failure))
			if f.FindingID != want {
				t.Errorf("finding id = %q, want %q", f.FindingID, want)
			}

			// The remaining passes still run; failures never stop the
			// pipeline.
			if len(result.PassResults) != len(LDVPPassOrder) {
				t.Errorf("pass results = %d", len(result.PassResults))
			}
		})
	}
}

func TestSchemaViolationAbsorbed(t *testing.T) {
	executor := &stubExecutor{responses: map[string]Execution{
		"P3": success(`{"findings":[{"title":"missing rule id"}]}`),
	}}
	pipeline, err := NewLDVPPipeline(executor)
	if err != nil {
		t.Fatalf("NewLDVPPipeline: %v", err)
	}
	result, err := pipeline.Run(context.Background(), testContext(), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	p3 := result.PassResults[2]
	if p3.ExecutionError == nil || p3.ExecutionError.FailureType != FailureSchemaViolation {
		t.Fatalf("execution error = %+v", p3.ExecutionError)
	}
	if len(p3.Findings) != 1 || p3.Findings[0].Category != finding.CategoryStructure {
		t.Fatalf("findings = %+v", p3.Findings)
	}
}

func TestFindingIDsAreDeterministic(t *testing.T) {
	response := success(`{"findings":[{
		"rule_id": "LDVP-ACC-010",
		"category": "accuracy",
		"severity": "major",
		"title": "Figure mismatch",
		"description": "Total does not match the line items.",
		"location": "section 2"
	}]}`)

	run := func() string {
		executor := &stubExecutor{responses: map[string]Execution{"P5": response}}
		pipeline, err := NewLDVPPipeline(executor)
		if err != nil {
			t.Fatalf("NewLDVPPipeline: %v", err)
		}
		result, err := pipeline.Run(context.Background(), testContext(), nil)
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		for _, f := range result.Findings {
			if f.PassID == "P5" {
				return f.FindingID
			}
		}
		t.Fatal("P5 finding not found")
		return ""
	}

	first, second := run(), run()
	if first != second {
		t.Errorf("finding id differs across runs: %q vs %q", first, second)
	}
	if !strings.HasPrefix(first, "SEM-P5-") {
		t.Errorf("finding id = %q", first)
	}
}

func TestDeliverySignalsSurface(t *testing.T) {
	executor := &stubExecutor{responses: map[string]Execution{
		"P8": success(`{"findings":[],"advisory_signals":["DELIVERY_REVIEW_REQUIRED"],"delivery_recommendation":"expert_review_required"}`),
	}}
	pipeline, err := NewLDVPPipeline(executor)
	if err != nil {
		t.Fatalf("NewLDVPPipeline: %v", err)
	}
	result, err := pipeline.Run(context.Background(), testContext(), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	signals := result.Signals()
	if len(signals) != 1 || signals[0] != SignalDeliveryReviewRequired {
		t.Fatalf("signals = %v", signals)
	}
	p8 := result.PassResults[len(result.PassResults)-1]
	if p8.DeliveryRecommendation != "expert_review_required" {
		t.Errorf("delivery recommendation = %q", p8.DeliveryRecommendation)
	}
}

func TestSignalsFromOtherPassesAreInformational(t *testing.T) {
	executor := &stubExecutor{responses: map[string]Execution{
		"P5": success(`{"findings":[],"advisory_signals":["DELIVERY_NOT_RECOMMENDED"]}`),
	}}
	pipeline, err := NewLDVPPipeline(executor)
	if err != nil {
		t.Fatalf("NewLDVPPipeline: %v", err)
	}
	result, err := pipeline.Run(context.Background(), testContext(), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if signals := result.Signals(); len(signals) != 0 {
		t.Fatalf("signals outside the disposition pass surfaced: %v", signals)
	}
	p5 := result.PassResults[4]
	if len(p5.AdvisorySignals) != 1 {
		t.Errorf("pass result lost its recorded signals: %+v", p5.AdvisorySignals)
	}
}

func TestPipelineEmitsObservationalEvents(t *testing.T) {
	executor := &stubExecutor{responses: map[string]Execution{
		"P1": success(`{"findings":[{
			"rule_id": "LDVP-CTX-001",
			"title": "Audience unclear",
			"description": "The document does not state its audience."
		}]}`),
	}}
	pipeline, err := NewLDVPPipeline(executor)
	if err != nil {
		t.Fatalf("NewLDVPPipeline: %v", err)
	}

	emitter := events.NewMemoryEmitter(64)
	if _, err := pipeline.Run(context.Background(), testContext(), emitter); err != nil {
		t.Fatalf("Run: %v", err)
	}
	emitter.Close()

	counts := make(map[events.Type]int)
	for event := range emitter.Stream() {
		counts[event.Type]++
		if event.AuditID != "audit-1" {
			t.Errorf("event audit id = %q", event.AuditID)
		}
	}

	if counts[events.SemanticPassStarted] != len(LDVPPassOrder) {
		t.Errorf("pass started events = %d", counts[events.SemanticPassStarted])
	}
	if counts[events.SemanticPassCompleted] != len(LDVPPassOrder) {
		t.Errorf("pass completed events = %d", counts[events.SemanticPassCompleted])
	}
	if counts[events.FindingDiscovered] != 1 {
		t.Errorf("finding discovered events = %d", counts[events.FindingDiscovered])
	}
}
