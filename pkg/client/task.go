package client

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// TaskStatus describes a task's position in its life cycle. The only valid
// transitions are pending to streaming and streaming to one terminal status.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskStreaming TaskStatus = "streaming"
	TaskDone      TaskStatus = "done"
	TaskError     TaskStatus = "error"
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether no further transition is valid from this status.
func (status TaskStatus) Terminal() bool {
	switch status {
	case TaskDone, TaskError, TaskCancelled:
		return true
	default:
		return false
	}
}

// Transport names the wire path a task is bound to for its whole lifetime.
type Transport string

const (
	TransportWebSocket Transport = "websocket"
	TransportStream    Transport = "stream"
)

// CancelledError rejects a Handle whose task was cancelled.
type CancelledError struct {
	TaskId string
	Reason string
}

func (err *CancelledError) Error() string {
	if err.Reason == "" {
		return fmt.Sprintf("task %s was cancelled", err.TaskId)
	}
	return fmt.Sprintf("task %s was cancelled: %s", err.TaskId, err.Reason)
}

// Handle is the resolvable future attached to each task. It resolves exactly
// once, either with the task's accumulated content or with an error.
type Handle struct {
	mutex    sync.Mutex
	done     chan struct{}
	resolved bool
	content  string
	err      error
}

func newHandle() *Handle {
	return &Handle{done: make(chan struct{})}
}

func (h *Handle) resolve(content string, err error) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if h.resolved {
		return
	}

	h.resolved = true
	h.content = content
	h.err = err
	close(h.done)
}

// Await blocks until the task reached a terminal state or ctx expires. For an
// already terminal task it returns immediately with the known outcome.
func (h *Handle) Await(ctx context.Context) (string, error) {
	select {
	case <-h.done:
		return h.content, h.err

	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Done returns a channel which is closed once the task is terminal.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// task is the registry's mutable record of one in-flight task. All fields are
// guarded by the owning TaskRegistry's mutex.
type task struct {
	id     string
	domain string
	status TaskStatus

	content    string
	thinking   string
	chunkCount int
	meta       map[string]interface{}

	created   time.Time
	completed time.Time

	transport Transport
	handle    *Handle

	onChunk    func(content string)
	onThinking func(content string)
}

// TaskSnapshot is a copy of a task's observable state, safe to retain.
type TaskSnapshot struct {
	Id         string
	Domain     string
	Status     TaskStatus
	Content    string
	Thinking   string
	ChunkCount int
	Meta       map[string]interface{}
	Created    time.Time
	Completed  time.Time
	Transport  Transport
}

func (t *task) snapshot() TaskSnapshot {
	return TaskSnapshot{
		Id:         t.id,
		Domain:     t.domain,
		Status:     t.status,
		Content:    t.content,
		Thinking:   t.thinking,
		ChunkCount: t.chunkCount,
		Meta:       t.meta,
		Created:    t.created,
		Completed:  t.completed,
		Transport:  t.transport,
	}
}
