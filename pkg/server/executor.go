package server

import (
	"context"
)

// EventKind classifies a TaskExecutor event.
type EventKind string

const (
	EventChunk    EventKind = "chunk"
	EventThinking EventKind = "thinking"
	EventDone     EventKind = "done"
	EventError    EventKind = "error"
)

// Event is one executor emission for a running task.
type Event struct {
	Kind EventKind

	// Content of a chunk or thinking event.
	Content string

	// FinishReason accompanies a done event, e.g., "stop".
	FinishReason string

	// Error is the human-readable message of an error event.
	Error string

	// Meta carries additional fields copied into the emitted envelope.
	Meta map[string]interface{}
}

// TaskExecutor produces a task's event sequence. It is an external
// collaborator, pluggable per domain, and must be safe for concurrent use.
//
// Execute must close the returned channel after emitting exactly one
// terminal event (done or error), or promptly after ctx is cancelled; in the
// latter case the controller emits the cancelled envelope itself instead of
// waiting for a terminal event.
type TaskExecutor interface {
	Execute(ctx context.Context, domain, action string, payload map[string]interface{}) (<-chan Event, error)
}
