package semantic

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/veraseal/veraseal/canonical"
	"github.com/veraseal/veraseal/finding"
)

// Context is the immutable input shared by all passes of a run. It is derived
// exclusively from artifact integrity outputs; passes read it and never write
// it. Projections a pass needs are built locally by the pass.
type Context struct {
	DocumentContent    map[string]any
	ContentDerivedText string
	VisibleText        string

	AuditID string
}

// authorityLayer is the static opening of every prompt. Together with the
// canonical snapshot it forms the prefix that must be byte-identical across
// all passes of a run, keeping provider-side prompt caches stable.
const authorityLayer = `You are one pass of a deterministic multi-pass document audit.
Your conclusions are advisory and reviewed by humans; you never decide
delivery on your own. Audit only what the snapshot below contains. Respond
with a single JSON object matching the required output schema.`

// promptPrefix assembles the shared authority and snapshot prefix and its
// hash. The snapshot is the canonical rendering of the document content and
// its text projection, so identical inputs produce identical prefixes.
func promptPrefix(c Context) (prefix []byte, hash string, err error) {
	snapshot, err := canonical.Marshal(map[string]any{
		"content_derived_text": c.ContentDerivedText,
		"document_content":     c.DocumentContent,
	})
	if err != nil {
		return nil, "", err
	}

	prefix = append(prefix, authorityLayer...)
	prefix = append(prefix, "\n\n=== CANONICAL SEMANTIC SNAPSHOT ===\n"...)
	prefix = append(prefix, snapshot...)
	prefix = append(prefix, '\n')

	sum := sha256.Sum256(prefix)
	return prefix, hex.EncodeToString(sum[:]), nil
}

// contentAnchor renders the canonical Document Content bytes that anchor
// deterministic finding identifiers.
func contentAnchor(c Context) ([]byte, error) {
	return canonical.Marshal(c.DocumentContent)
}

// RuntimeState is the pipeline-owned mutable state of one run, exposed to
// passes read-only.
type RuntimeState struct {
	prefix          []byte
	prefixHash      string
	contentBytes    []byte
	findings        []finding.Finding
	executedPassIDs []string
}

// Prefix returns the shared prompt prefix. Callers must not modify it.
func (s *RuntimeState) Prefix() []byte { return s.prefix }

// PrefixHash returns the hex digest of the shared prompt prefix.
func (s *RuntimeState) PrefixHash() string { return s.prefixHash }

// ContentBytes returns the canonical Document Content bytes used to anchor
// finding identifiers.
func (s *RuntimeState) ContentBytes() []byte { return s.contentBytes }

// Findings returns a copy of the findings accumulated so far.
func (s *RuntimeState) Findings() []finding.Finding {
	out := make([]finding.Finding, len(s.findings))
	copy(out, s.findings)
	return out
}

// ExecutedPassIDs returns a copy of the pass identifiers executed so far.
func (s *RuntimeState) ExecutedPassIDs() []string {
	out := make([]string, len(s.executedPassIDs))
	copy(out, s.executedPassIDs)
	return out
}
