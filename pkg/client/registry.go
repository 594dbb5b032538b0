package client

import (
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/google/uuid"

	"github.com/taskwire/taskwire-go/pkg/envelope"
)

// TaskOptions configures a single task on creation.
type TaskOptions struct {
	// Id is the caller-supplied task id; one is generated when empty.
	Id string

	// OnChunk is invoked synchronously for each content chunk, in the order
	// the executor produced them.
	OnChunk func(content string)

	// OnThinking is invoked for each side-channel thinking chunk.
	OnThinking func(content string)
}

// TaskRegistry owns the client's set of in-flight tasks. It applies incoming
// envelope actions to each task's state machine, resolves completion Handles
// and periodically purges terminal tasks after a retention window.
type TaskRegistry struct {
	mutex sync.Mutex
	tasks map[string]*task

	retention time.Duration

	stopSyn chan struct{}
	stopAck chan struct{}
}

// NewTaskRegistry creates a TaskRegistry whose garbage collection purges
// terminal tasks older than retention. A zero retention defaults to five
// minutes.
func NewTaskRegistry(retention time.Duration) *TaskRegistry {
	if retention <= 0 {
		retention = 5 * time.Minute
	}

	registry := &TaskRegistry{
		tasks:     make(map[string]*task),
		retention: retention,

		stopSyn: make(chan struct{}),
		stopAck: make(chan struct{}),
	}

	go registry.gcHandler()

	return registry
}

func (registry *TaskRegistry) gcHandler() {
	ticker := time.NewTicker(registry.retention / 2)
	defer ticker.Stop()

	for {
		select {
		case <-registry.stopSyn:
			close(registry.stopAck)
			return

		case <-ticker.C:
			registry.purge(time.Now().Add(-registry.retention))
		}
	}
}

// purge drops terminal tasks completed before the deadline. Purging is a
// maintenance operation bounding memory, never a correctness requirement.
func (registry *TaskRegistry) purge(deadline time.Time) {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()

	for id, t := range registry.tasks {
		if t.status.Terminal() && t.completed.Before(deadline) {
			delete(registry.tasks, id)
		}
	}
}

// Close stops the garbage collection handler.
func (registry *TaskRegistry) Close() {
	close(registry.stopSyn)
	<-registry.stopAck
}

// CreateTask allocates a pending task record and returns its id. Nothing is
// sent over the wire; dispatching the start envelope is the caller's job.
// Reusing an id which is still known to the registry is rejected.
func (registry *TaskRegistry) CreateTask(domain string, opts TaskOptions) (string, error) {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()

	id := opts.Id
	if id == "" {
		id = uuid.New().String()
	}

	if _, exists := registry.tasks[id]; exists {
		return "", fmt.Errorf("task id %s is already in use", id)
	}

	registry.tasks[id] = &task{
		id:     id,
		domain: domain,
		status: TaskPending,

		created: time.Now(),
		handle:  newHandle(),

		onChunk:    opts.OnChunk,
		onThinking: opts.OnThinking,
	}

	return id, nil
}

// Get returns a snapshot of a known task.
func (registry *TaskRegistry) Get(taskId string) (TaskSnapshot, bool) {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()

	if t, exists := registry.tasks[taskId]; exists {
		return t.snapshot(), true
	}
	return TaskSnapshot{}, false
}

// Knows reports whether the registry holds a record for this task id.
func (registry *TaskRegistry) Knows(taskId string) bool {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()

	_, exists := registry.tasks[taskId]
	return exists
}

// WaitFor returns the task's completion Handle. A Handle of an already
// terminal task resolves immediately with the known outcome.
func (registry *TaskRegistry) WaitFor(taskId string) (*Handle, error) {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()

	if t, exists := registry.tasks[taskId]; exists {
		return t.handle, nil
	}
	return nil, fmt.Errorf("unknown task id %s", taskId)
}

// setTransport binds a task to the wire path chosen for its lifetime.
func (registry *TaskRegistry) setTransport(taskId string, transport Transport) {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()

	if t, exists := registry.tasks[taskId]; exists {
		t.transport = transport
	}
}

// HandleEnvelope applies an incoming envelope to its task's state machine and
// reports whether the task id was known. Envelopes for terminal tasks are
// ignored; terminal states are final.
func (registry *TaskRegistry) HandleEnvelope(e envelope.Envelope) bool {
	registry.mutex.Lock()

	t, exists := registry.tasks[e.TaskId]
	if !exists {
		registry.mutex.Unlock()
		return false
	}

	if t.status.Terminal() {
		registry.mutex.Unlock()
		log.WithFields(log.Fields{
			"task": e.TaskId,
			"type": e.Type,
		}).Debug("Ignoring envelope for terminal task")
		return true
	}

	var (
		callback func(content string)
		content  string
		handle   *Handle
		result   string
		err      error
	)

	action := e.Action()
	if e.Type == envelope.TypeError {
		action = envelope.ActionError
	}

	switch action {
	case envelope.ActionStarted:
		t.status = TaskStreaming
		if len(e.Payload) > 0 {
			t.meta = e.Payload
		}

	case envelope.ActionChunk:
		t.status = TaskStreaming
		content = e.String("content")
		t.content += content
		t.chunkCount++
		callback = t.onChunk

	case envelope.ActionThinking:
		content = e.String("content")
		t.thinking += content
		callback = t.onThinking

	case envelope.ActionDone:
		t.status = TaskDone
		t.completed = time.Now()
		handle, result = t.handle, t.content

	case envelope.ActionError:
		t.status = TaskError
		t.completed = time.Now()

		msg := e.String("error")
		if msg == "" {
			msg = "task failed"
		}
		if code := e.String("code"); code != "" {
			err = fmt.Errorf("%s: %s", code, msg)
		} else {
			err = fmt.Errorf("%s", msg)
		}
		handle = t.handle

	case envelope.ActionCancelled:
		t.status = TaskCancelled
		t.completed = time.Now()
		handle = t.handle
		err = &CancelledError{TaskId: t.id, Reason: e.String("reason")}

	default:
		log.WithFields(log.Fields{
			"task": e.TaskId,
			"type": e.Type,
		}).Debug("Envelope action is not task related")
	}

	registry.mutex.Unlock()

	// Callbacks and resolution run outside the lock; per-task ordering is
	// preserved since all envelopes of one connection arrive sequentially.
	if callback != nil {
		callback(content)
	}
	if handle != nil {
		handle.resolve(result, err)
	}

	return true
}

// Cancel optimistically marks a non-terminal task as cancelled and rejects
// its Handle. It reports whether a cancel envelope should be sent; the
// authoritative terminal state remains the server's. Cancelling a terminal
// or unknown task is a no-op.
func (registry *TaskRegistry) Cancel(taskId, reason string) bool {
	registry.mutex.Lock()

	t, exists := registry.tasks[taskId]
	if !exists || t.status.Terminal() {
		registry.mutex.Unlock()
		return false
	}

	t.status = TaskCancelled
	t.completed = time.Now()
	handle := t.handle

	registry.mutex.Unlock()

	handle.resolve("", &CancelledError{TaskId: taskId, Reason: reason})
	return true
}

// CancelAll cancels every non-terminal task and returns their ids.
func (registry *TaskRegistry) CancelAll(reason string) (taskIds []string) {
	registry.mutex.Lock()

	var handles []*Handle
	for id, t := range registry.tasks {
		if t.status.Terminal() {
			continue
		}

		t.status = TaskCancelled
		t.completed = time.Now()

		taskIds = append(taskIds, id)
		handles = append(handles, t.handle)
	}

	registry.mutex.Unlock()

	for i, handle := range handles {
		handle.resolve("", &CancelledError{TaskId: taskIds[i], Reason: reason})
	}
	return
}

// fail rejects a single non-terminal task with the given cause.
func (registry *TaskRegistry) fail(taskId string, cause error) {
	registry.mutex.Lock()

	t, exists := registry.tasks[taskId]
	if !exists || t.status.Terminal() {
		registry.mutex.Unlock()
		return
	}

	t.status = TaskError
	t.completed = time.Now()
	handle := t.handle

	registry.mutex.Unlock()

	handle.resolve("", cause)
}

// failTransport rejects every non-terminal task bound to the given transport,
// e.g., after losing the persistent connection.
func (registry *TaskRegistry) failTransport(transport Transport, cause error) {
	registry.mutex.Lock()

	var handles []*Handle
	for _, t := range registry.tasks {
		if t.status.Terminal() || t.transport != transport {
			continue
		}

		t.status = TaskError
		t.completed = time.Now()
		handles = append(handles, t.handle)
	}

	registry.mutex.Unlock()

	for _, handle := range handles {
		handle.resolve("", cause)
	}
}
