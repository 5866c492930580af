package events

import (
	"context"
	"sync"
)

// MemoryEmitter is a single-consumer buffered emitter suitable for streaming
// an audit's progress to one subscriber. It closes itself after a terminal
// audit event so consumers ranging over Stream terminate cleanly.
type MemoryEmitter struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

// NewMemoryEmitter creates an emitter with a bounded buffer. Once the buffer
// is full further events are dropped rather than blocking the audit.
func NewMemoryEmitter(buffer int) *MemoryEmitter {
	if buffer <= 0 {
		buffer = 256
	}
	return &MemoryEmitter{ch: make(chan Event, buffer)}
}

func (m *MemoryEmitter) Emit(_ context.Context, event Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}

	select {
	case m.ch <- event:
	default:
		// Dropping is preferable to stalling the audit path.
	}

	if event.Type == AuditCompleted || event.Type == AuditFailed {
		m.closeLocked()
	}
	return nil
}

// Close ends the stream. Safe to call multiple times.
func (m *MemoryEmitter) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeLocked()
}

func (m *MemoryEmitter) closeLocked() {
	if !m.closed {
		m.closed = true
		close(m.ch)
	}
}

// Stream returns the channel of emitted events in order. The channel is
// closed after a terminal event or an explicit Close.
func (m *MemoryEmitter) Stream() <-chan Event {
	return m.ch
}
