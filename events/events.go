// Package events carries the observational event stream emitted during an
// audit. Events are transport-agnostic and never authoritative: emitter
// failures are discarded and must not alter audit execution.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Type enumerates the deterministic progression events of the audit
// lifecycle. The enum is finite; new entries must preserve observational
// semantics.
type Type string

const (
	AuditStarted   Type = "audit_started"
	AuditCompleted Type = "audit_completed"
	AuditFailed    Type = "audit_failed"

	ArtifactIntegrityStarted   Type = "artifact_integrity_started"
	ArtifactIntegrityCompleted Type = "artifact_integrity_completed"

	SemanticAuditStarted   Type = "semantic_audit_started"
	SemanticPassStarted    Type = "semantic_pass_started"
	SemanticPassCompleted  Type = "semantic_pass_completed"
	SemanticAuditCompleted Type = "semantic_audit_completed"
	FindingDiscovered      Type = "finding_discovered"

	LLMExecutionStarted   Type = "llm_execution_started"
	LLMExecutionCompleted Type = "llm_execution_completed"

	SealTrustStarted   Type = "seal_trust_started"
	SealTrustCompleted Type = "seal_trust_completed"
)

// Event is an immutable observation of a phase transition.
type Event struct {
	EventID   string         `json:"event_id"`
	AuditID   string         `json:"audit_id"`
	Timestamp time.Time      `json:"timestamp"`
	Type      Type           `json:"event_type"`
	Details   map[string]any `json:"details,omitempty"`
}

// New builds an event with a fresh UUID and a UTC timestamp.
func New(auditID string, eventType Type, details map[string]any) Event {
	return Event{
		EventID:   uuid.NewString(),
		AuditID:   auditID,
		Timestamp: time.Now().UTC(),
		Type:      eventType,
		Details:   details,
	}
}

// Emitter broadcasts audit observations. Implementations must be fail-safe;
// the core discards emit errors.
type Emitter interface {
	Emit(ctx context.Context, event Event) error
}

// NullEmitter is the default no-op emitter.
type NullEmitter struct{}

func (NullEmitter) Emit(context.Context, Event) error { return nil }

// Emit sends an event through an emitter, tolerating a nil emitter and
// swallowing emitter errors. All core components emit through this helper.
func Emit(ctx context.Context, emitter Emitter, event Event) {
	if emitter == nil {
		return
	}
	defer func() {
		// Observability must never break the audit.
		_ = recover()
	}()
	_ = emitter.Emit(ctx, event)
}
