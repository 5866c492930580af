package semantic

import (
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Legal Document Verification Protocol identity. The pass order is frozen;
// changing it requires a protocol version bump.
const (
	LDVPProtocolID      = "LDVP"
	LDVPProtocolVersion = "2.3"
)

// DeliveryPassID is the disposition pass. Only its advisory signals steer the
// delivery recommendation.
const DeliveryPassID = "P8"

// LDVPPassOrder is the authoritative pass sequence.
var LDVPPassOrder = []string{"P1", "P2", "P3", "P4", "P5", "P6", "P7", "P8"}

var ldvpPassNames = map[string]string{
	"P1": "Context & Classification",
	"P2": "UX & Usability",
	"P3": "Clarity & Accessibility",
	"P4": "Structural Integrity",
	"P5": "Accuracy",
	"P6": "Completeness",
	"P7": "Risk & Compliance",
	"P8": "Delivery Readiness",
}

var ldvpPassTasks = map[string]string{
	"P1": "Identify the document type, audience and purpose. Report mismatches between the declared context and the content as findings.",
	"P2": "Assess how a recipient experiences the document: ordering of information, prominence of obligations and dates, actionability.",
	"P3": "Assess clarity and accessibility of the language: ambiguity, jargon without definition, unreadable constructions.",
	"P4": "Assess structural integrity of the content: internal references, numbering, required sections, orphaned clauses.",
	"P5": "Assess factual accuracy within the document: internal contradictions, inconsistent figures, dates that cannot hold.",
	"P6": "Assess completeness: obligations without counterpart, missing definitions, unresolved placeholders.",
	"P7": "Assess risk and compliance exposure: clauses with one-sided risk, missing mandatory disclosures.",
	"P8": "Synthesize the prior passes into a delivery readiness view. Raise DELIVERY_NOT_RECOMMENDED or DELIVERY_REVIEW_REQUIRED as advisory signals when warranted, and state a delivery_recommendation.",
}

// ldvpOutputSchema constrains every pass output. Pass 8 additionally uses the
// advisory signal and recommendation fields; for other passes they stay
// empty.
const ldvpOutputSchema = `{
  "type": "object",
  "required": ["findings"],
  "properties": {
    "findings": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["rule_id", "title", "description"],
        "properties": {
          "rule_id": {"type": "string", "minLength": 1},
          "category": {"type": "string"},
          "severity": {"type": "string"},
          "confidence": {"type": "string"},
          "title": {"type": "string", "minLength": 1},
          "description": {"type": "string", "minLength": 1},
          "why_it_matters": {"type": "string"},
          "location": {"type": "string"},
          "suggested_fix": {"type": "string"},
          "metadata": {"type": "object"}
        }
      }
    },
    "advisory_signals": {
      "type": "array",
      "items": {"type": "string"}
    },
    "delivery_recommendation": {"type": "string"}
  }
}`

var ldvpSchema = jsonschema.MustCompileString("ldvp_pass_output.json", ldvpOutputSchema)

// NewLDVPPipeline assembles the eight-pass LDVP pipeline on top of an
// executor.
func NewLDVPPipeline(executor Executor) (*Pipeline, error) {
	if executor == nil {
		return nil, fmt.Errorf("semantic: LDVP pipeline requires an executor")
	}

	passes := make([]Pass, 0, len(LDVPPassOrder))
	for _, id := range LDVPPassOrder {
		passes = append(passes, &ExecutorPass{
			Protocol:             LDVPProtocolID,
			Version:              LDVPProtocolVersion,
			PassID:               id,
			PassName:             ldvpPassNames[id],
			Task:                 ldvpPassTasks[id],
			IncludePriorFindings: id == "P8",
			Schema:               ldvpSchema,
			Executor:             executor,
		})
	}

	return NewPipeline(LDVPProtocolID, LDVPProtocolVersion, passes)
}
