package server

import (
	"context"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/gorilla/websocket"

	"github.com/taskwire/taskwire-go/pkg/envelope"
	"github.com/taskwire/taskwire-go/pkg/storage"
)

// serverTask is one running task inside a connection's task map. The map and
// all task fields are guarded by the owning Connection's mutex; the cancel
// function is the task's cooperative abort capability.
type serverTask struct {
	id     string
	domain string

	ctx          context.Context
	cancel       context.CancelFunc
	cancelReason string

	terminal bool
	status   string

	content strings.Builder
	chunks  int
	created time.Time
}

// Connection is the server-side state of one accepted connection: its
// authentication state, claims, rate limiter and exclusively owned task map.
// No state is shared between connections.
type Connection struct {
	id         string
	controller *Controller
	conn       *websocket.Conn

	// writeMutex serializes envelope writes so concurrently streaming tasks
	// never interleave partial writes on the socket.
	writeMutex sync.Mutex

	mutex         sync.Mutex
	authenticated bool
	claims        Claims
	blocked       bool
	blockReason   string
	tasks         map[string]*serverTask
	limiter       *rateLimiter
	closed        bool
}

func newConnection(controller *Controller, conn *websocket.Conn) *Connection {
	return &Connection{
		id:         connectionId(),
		controller: controller,
		conn:       conn,

		tasks:   make(map[string]*serverTask),
		limiter: newRateLimiter(controller.config.MessageLimit, controller.config.RateWindow),
	}
}

func (c *Connection) log() *log.Entry {
	return log.WithField("connection", c.id)
}

// Id returns the connection's identifier.
func (c *Connection) Id() string {
	return c.id
}

// Authenticated reports whether the connection's handshake succeeded.
func (c *Connection) Authenticated() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.authenticated
}

// Claims returns the connection's claims; zero while unauthenticated.
func (c *Connection) Claims() Claims {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.claims
}

func (c *Connection) setClaims(claims Claims) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.authenticated = true
	c.claims = claims
}

// welcome announces the connection id and whether an out-of-band token has
// already authenticated this connection.
func (c *Connection) welcome() {
	if err := c.writeEnvelope(envelope.New(envelope.TypeWelcome, "", map[string]interface{}{
		"connectionId":  c.id,
		"authenticated": c.Authenticated(),
	})); err != nil {
		c.log().WithError(err).Warn("Sending welcome envelope errored")
	}
}

func (c *Connection) writeEnvelope(e envelope.Envelope) error {
	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()

	w, err := c.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}

	if err := envelope.Marshal(e, w); err != nil {
		return err
	}

	return w.Close()
}

func (c *Connection) writeError(taskId, code, errorMsg string, retryable bool) {
	if err := c.writeEnvelope(envelope.NewError(taskId, code, errorMsg, retryable)); err != nil {
		c.log().WithError(err).Debug("Sending error envelope errored")
	}
}

// handleConn reads envelopes until the connection dies, then aborts every
// task this connection still owns. Malformed envelopes are logged and
// dropped while the connection stays open.
func (c *Connection) handleConn() {
	defer c.cleanup()

	for {
		_, r, err := c.conn.NextReader()
		if err != nil {
			c.log().WithError(err).Debug("Connection closed")
			return
		}

		if e, err := envelope.Unmarshal(r); err != nil {
			c.log().WithError(err).Warn("Parsing incoming envelope errored")
		} else {
			c.handleEnvelope(e)
		}
	}
}

func (c *Connection) handleEnvelope(e envelope.Envelope) {
	c.mutex.Lock()
	if c.blocked {
		c.mutex.Unlock()
		c.log().WithField("type", e.Type).Debug("Suppressing envelope of blocked connection")
		return
	}

	now := time.Now()
	if !c.limiter.allow(now) {
		retryAfter := c.limiter.retryAfter(now)
		c.mutex.Unlock()

		c.controller.config.Metrics.rateLimited()
		if err := c.writeEnvelope(envelope.New(envelope.TypeError, e.TaskId, map[string]interface{}{
			"code":       envelope.CodeRateLimitExceeded,
			"error":      "message rate limit exceeded",
			"retryable":  true,
			"retryAfter": retryAfter.Milliseconds(),
		})); err != nil {
			c.log().WithError(err).Debug("Sending rate limit envelope errored")
		}
		return
	}
	c.mutex.Unlock()

	switch e.Type {
	case envelope.TypePing:
		if err := c.writeEnvelope(envelope.New(envelope.TypePong, "", nil)); err != nil {
			c.log().WithError(err).Debug("Sending pong errored")
		}

	case envelope.TypeAuthLogin:
		c.handleLogin(e)

	case envelope.TypeAuthLogout:
		c.mutex.Lock()
		c.authenticated = false
		c.claims = Claims{}
		c.mutex.Unlock()

	default:
		switch e.Action() {
		case envelope.ActionStart:
			c.handleStart(e)

		case envelope.ActionCancel:
			c.handleCancel(e)

		case envelope.ActionCancelAll:
			c.handleCancelAll()

		default:
			c.log().WithField("type", e.Type).Warn("Dropping envelope of unknown type")
		}
	}
}

// handleLogin validates the bearer token against the IdentityProvider. The
// auth:error reply carries a machine-readable code so the client can decide
// whether a token refresh is worth attempting.
func (c *Connection) handleLogin(e envelope.Envelope) {
	token := e.String("token")
	if token == "" {
		c.replyAuthError(envelope.CodeTokenMalformed, "login carries no token")
		return
	}

	claims, err := c.controller.validate(token)
	if err != nil {
		c.log().WithError(err).Info("Token validation errored")
		c.replyAuthError(authErrorCode(err), err.Error())
		return
	}

	c.setClaims(claims)
	c.log().WithField("user", claims.UserId).Info("Connection authenticated")

	if err := c.writeEnvelope(envelope.New(envelope.TypeAuthSuccess, "", map[string]interface{}{
		"userId": claims.UserId,
		"role":   claims.Role,
	})); err != nil {
		c.log().WithError(err).Warn("Sending auth success errored")
	}
}

func (c *Connection) replyAuthError(code, errorMsg string) {
	if err := c.writeEnvelope(envelope.New(envelope.TypeAuthError, "", map[string]interface{}{
		"code":  code,
		"error": errorMsg,
	})); err != nil {
		c.log().WithError(err).Warn("Sending auth error errored")
	}
}

// authorize checks the domain:action's declared policy and reports whether
// processing may continue. Violations are answered with an error envelope,
// never silently dropped.
func (c *Connection) authorize(e envelope.Envelope) bool {
	policy := c.controller.policy(e.Domain(), e.Action())
	if !policy.requireAuth {
		return true
	}

	c.mutex.Lock()
	authenticated, claims := c.authenticated, c.claims
	c.mutex.Unlock()

	if !authenticated {
		c.writeError(e.TaskId, envelope.CodeUnauthorized,
			e.Type+" requires authentication", false)
		return false
	}

	for _, claim := range policy.claims {
		if !claims.Satisfies(claim) {
			c.writeError(e.TaskId, envelope.CodeForbidden,
				e.Type+" requires the "+claim+" claim", false)
			return false
		}
	}

	return true
}

// handleStart creates the server-side execution context of a new task and
// hands it to the TaskExecutor. Reusing a task id known to this connection
// is rejected instead of silently overwriting state.
func (c *Connection) handleStart(e envelope.Envelope) {
	if !c.authorize(e) {
		return
	}

	if e.TaskId == "" {
		c.log().WithField("type", e.Type).Warn("Dropping start envelope without task id")
		return
	}

	c.mutex.Lock()
	if _, exists := c.tasks[e.TaskId]; exists {
		c.mutex.Unlock()
		c.writeError(e.TaskId, envelope.CodeTaskExists,
			"task id is already in use on this connection", false)
		return
	}

	live := 0
	for _, t := range c.tasks {
		if !t.terminal {
			live++
		}
	}
	if live >= c.controller.config.TaskLimit {
		c.mutex.Unlock()

		// no retryAfter hint here: a slot frees up when a running task
		// finishes, which the message window cannot predict
		c.controller.config.Metrics.rateLimited()
		c.writeEnvelope(envelope.New(envelope.TypeError, e.TaskId, map[string]interface{}{
			"code":      envelope.CodeRateLimitExceeded,
			"error":     "concurrent task limit exceeded; retry after a running task finished",
			"retryable": true,
		}))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &serverTask{
		id:     e.TaskId,
		domain: e.Domain(),

		ctx:    ctx,
		cancel: cancel,

		created: time.Now(),
	}
	c.tasks[t.id] = t
	c.mutex.Unlock()

	events, err := c.controller.config.Executor.Execute(ctx, t.domain, e.Action(), e.Payload)
	if err != nil {
		c.mutex.Lock()
		delete(c.tasks, t.id)
		c.mutex.Unlock()
		cancel()

		c.log().WithError(err).WithField("task", t.id).Warn("Starting task errored")
		c.writeError(t.id, envelope.CodeInternalError, err.Error(), true)
		return
	}

	// started is written before the relay runs, so no chunk can precede it
	if err := c.writeEnvelope(envelope.New(t.domain+":"+envelope.ActionStarted, t.id, nil)); err != nil {
		c.log().WithError(err).Debug("Sending started envelope errored")
	}

	c.controller.config.Metrics.taskStarted("websocket")
	c.log().WithFields(log.Fields{
		"task":   t.id,
		"domain": t.domain,
	}).Debug("Task started")

	go c.relay(t, events)
}

// relay forwards one task's executor events to the client. Being the task's
// only writer it guarantees per-task FIFO chunk order; the connection's
// write mutex keeps different tasks from interleaving partial writes.
func (c *Connection) relay(t *serverTask, events <-chan Event) {
	status := ""

	for event := range events {
		switch event.Kind {
		case EventChunk:
			c.mutex.Lock()
			t.chunks++
			t.content.WriteString(event.Content)
			c.mutex.Unlock()

			payload := map[string]interface{}{"content": event.Content}
			for k, v := range event.Meta {
				payload[k] = v
			}
			if err := c.writeEnvelope(envelope.New(t.domain+":"+envelope.ActionChunk, t.id, payload)); err != nil {
				c.log().WithError(err).WithField("task", t.id).Debug("Relaying chunk errored")
			}

		case EventThinking:
			if err := c.writeEnvelope(envelope.New(t.domain+":"+envelope.ActionThinking, t.id, map[string]interface{}{
				"content": event.Content,
			})); err != nil {
				c.log().WithError(err).WithField("task", t.id).Debug("Relaying thinking errored")
			}

		case EventDone:
			status = "done"
			payload := map[string]interface{}{"finishReason": event.FinishReason}
			for k, v := range event.Meta {
				payload[k] = v
			}
			if err := c.writeEnvelope(envelope.New(t.domain+":"+envelope.ActionDone, t.id, payload)); err != nil {
				c.log().WithError(err).WithField("task", t.id).Debug("Relaying done errored")
			}

		case EventError:
			status = "error"
			if err := c.writeEnvelope(envelope.New(t.domain+":"+envelope.ActionError, t.id, map[string]interface{}{
				"error": event.Error,
			})); err != nil {
				c.log().WithError(err).WithField("task", t.id).Debug("Relaying error errored")
			}
		}

		if status != "" {
			break
		}
	}

	// An aborted executor stops without a terminal event; the cancelled
	// envelope is emitted here, keeping it ordered after the last chunk.
	if status == "" {
		if t.ctx.Err() != nil {
			status = "cancelled"

			c.mutex.Lock()
			reason := t.cancelReason
			c.mutex.Unlock()
			if reason == "" {
				reason = "aborted"
			}

			if err := c.writeEnvelope(envelope.New(t.domain+":"+envelope.ActionCancelled, t.id, map[string]interface{}{
				"reason": reason,
			})); err != nil {
				c.log().WithError(err).WithField("task", t.id).Debug("Sending cancelled envelope errored")
			}
		} else {
			status = "error"
			c.log().WithField("task", t.id).Warn("Executor closed without a terminal event")
			c.writeError(t.id, envelope.CodeInternalError,
				"executor closed without a terminal event", true)
		}
	}

	c.finishTask(t, status)
}

// finishTask marks a task terminal and hands it to the archive. The record
// stays in the task map until disconnect so its id cannot be reused within
// this connection's lifetime.
func (c *Connection) finishTask(t *serverTask, status string) {
	c.mutex.Lock()
	t.terminal = true
	t.status = status
	content := t.content.String()
	chunks := t.chunks
	c.mutex.Unlock()

	t.cancel()
	c.controller.config.Metrics.taskFinished("websocket", status)

	if archive := c.controller.config.Archive; archive != nil {
		rec := storage.TaskRecord{
			ConnectionId: c.id,
			TaskId:       t.id,
			Domain:       t.domain,
			Status:       status,
			Chunks:       chunks,
			Created:      t.created,
			Completed:    time.Now(),
		}
		if err := archive.Archive(rec, content); err != nil {
			c.log().WithError(err).WithField("task", t.id).Warn("Archiving task errored")
		}
	}
}

// handleCancel aborts one non-terminal task. Cancelling an already terminal
// task is a no-op, an unknown id is answered with TASK_NOT_FOUND.
func (c *Connection) handleCancel(e envelope.Envelope) {
	c.mutex.Lock()
	t, exists := c.tasks[e.TaskId]
	if !exists {
		c.mutex.Unlock()
		c.writeError(e.TaskId, envelope.CodeTaskNotFound, "no such task", false)
		return
	}
	if t.terminal {
		c.mutex.Unlock()
		return
	}

	t.cancelReason = "cancelled by client"
	cancel := t.cancel
	c.mutex.Unlock()

	cancel()
}

// handleCancelAll aborts every non-terminal task of this connection.
func (c *Connection) handleCancelAll() {
	c.mutex.Lock()
	var cancels []context.CancelFunc
	for _, t := range c.tasks {
		if !t.terminal {
			t.cancelReason = "cancelled by client"
			cancels = append(cancels, t.cancel)
		}
	}
	c.mutex.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

// block suppresses all further processing for this connection and aborts its
// tasks. The peer is notified once.
func (c *Connection) block(reason string) {
	c.mutex.Lock()
	if c.blocked {
		c.mutex.Unlock()
		return
	}
	c.blocked = true
	c.blockReason = reason

	var cancels []context.CancelFunc
	for _, t := range c.tasks {
		if !t.terminal {
			t.cancelReason = "connection blocked"
			cancels = append(cancels, t.cancel)
		}
	}
	c.mutex.Unlock()

	c.log().WithField("reason", reason).Info("Blocking connection")

	if err := c.writeEnvelope(envelope.New(envelope.TypeBlocked, "", map[string]interface{}{
		"reason": reason,
	})); err != nil {
		c.log().WithError(err).Debug("Sending blocked envelope errored")
	}

	for _, cancel := range cancels {
		cancel()
	}
}

// shutdown announces the server-initiated close and tears the connection
// down. Used by Controller.Close.
func (c *Connection) shutdown() error {
	if err := c.writeEnvelope(envelope.New(envelope.TypeShutdown, "", nil)); err != nil {
		c.log().WithError(err).Debug("Sending shutdown envelope errored")
	}

	err := c.conn.Close()
	c.cleanup()
	return err
}

// cleanup aborts every task still present in the task map before the map is
// discarded. No task may outlive its owning connection.
func (c *Connection) cleanup() {
	c.mutex.Lock()
	if c.closed {
		c.mutex.Unlock()
		return
	}
	c.closed = true

	var cancels []context.CancelFunc
	live := 0
	for _, t := range c.tasks {
		if !t.terminal {
			live++
			t.cancelReason = "connection closed"
			cancels = append(cancels, t.cancel)
		}
	}
	c.mutex.Unlock()

	for _, cancel := range cancels {
		cancel()
	}

	_ = c.conn.Close()
	c.controller.unregister(c)

	c.log().WithField("aborted tasks", live).Debug("Connection cleaned up")
}
