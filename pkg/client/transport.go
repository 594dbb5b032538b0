package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/taskwire/taskwire-go/pkg/envelope"
)

// Method is a transport preference for starting a task.
type Method string

const (
	// MethodAuto prefers the persistent connection and falls back to the
	// stream transport automatically while disconnected.
	MethodAuto Method = "auto"

	// MethodWebSocket requires the persistent connection.
	MethodWebSocket Method = "websocket"

	// MethodStream forces the one-shot request/event-stream transport.
	MethodStream Method = "stream"
)

// StartOptions configures one task start. The transport chosen here is fixed
// for the task's entire lifetime; there is no mid-task migration.
type StartOptions struct {
	TaskOptions

	// Method overrides the manager's default transport preference.
	Method Method
}

// StartTask creates a task, selects its transport and dispatches the start
// request. The returned task id identifies the task for CancelTask and
// WaitFor; callers never need to care which transport carries the chunks.
func (cm *ConnectionManager) StartTask(ctx context.Context, domain string, payload map[string]interface{}, opts StartOptions) (string, error) {
	taskId, err := cm.registry.CreateTask(domain, opts.TaskOptions)
	if err != nil {
		return "", err
	}

	method := opts.Method
	if method == "" {
		method = cm.config.Method
	}

	switch method {
	case MethodWebSocket, MethodAuto:
		if cm.Connected() {
			cm.registry.setTransport(taskId, TransportWebSocket)

			msgType := domain + ":" + envelope.ActionStart
			if err := cm.SendEnvelope(envelope.New(msgType, taskId, payload)); err == nil {
				return taskId, nil
			} else if method == MethodWebSocket {
				cm.registry.fail(taskId, err)
				return "", err
			}
		} else if method == MethodWebSocket {
			err := fmt.Errorf("connection is not open")
			cm.registry.fail(taskId, err)
			return "", err
		}

		// MethodAuto degrades to the stream transport
		fallthrough

	case MethodStream:
		cm.registry.setTransport(taskId, TransportStream)

		streamCtx, cancel := context.WithCancel(ctx)
		cm.mutex.Lock()
		cm.streamCancels[taskId] = cancel
		cm.mutex.Unlock()

		go cm.runStream(streamCtx, taskId, domain, payload)
		return taskId, nil

	default:
		err := fmt.Errorf("unknown transport method %s", method)
		cm.registry.fail(taskId, err)
		return "", err
	}
}

// runStream performs the one-shot fallback request and maps the response's
// event stream onto the TaskRegistry with the very same action vocabulary as
// the persistent connection.
func (cm *ConnectionManager) runStream(ctx context.Context, taskId, domain string, payload map[string]interface{}) {
	defer func() {
		cm.mutex.Lock()
		delete(cm.streamCancels, taskId)
		cm.mutex.Unlock()
	}()

	logger := log.WithFields(log.Fields{
		"task":   taskId,
		"stream": cm.config.StreamURL,
	})

	fail := func(code, msg string) {
		cm.registry.HandleEnvelope(envelope.NewError(taskId, code, msg, true))
	}

	start := envelope.New(domain+":"+envelope.ActionStart, taskId, payload)
	var body bytes.Buffer
	if err := envelope.Marshal(start, &body); err != nil {
		fail(envelope.CodeInternalError, err.Error())
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cm.config.StreamURL, &body)
	if err != nil {
		fail(envelope.CodeInternalError, err.Error())
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	if token, err := cm.token(); err == nil && token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		if ctx.Err() == nil {
			logger.WithError(err).Warn("Fallback stream request errored")
			fail(envelope.CodeInternalError, err.Error())
		}
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		if e, err := envelope.Unmarshal(resp.Body); err == nil && e.Type == envelope.TypeError {
			e.TaskId = taskId
			cm.registry.HandleEnvelope(e)
		} else {
			fail(envelope.CodeInternalError, fmt.Sprintf("stream request answered %s", resp.Status))
		}
		return
	}

	cm.readStream(resp.Body, taskId, domain, logger)
}

// readStream consumes the server-originated event stream. Event names map
// onto registry actions: start to started, content to chunk, end closes the
// stream after done.
func (cm *ConnectionManager) readStream(r io.Reader, taskId, domain string, logger *log.Entry) {
	var (
		scanner   = bufio.NewScanner(r)
		eventName string
		eventData string
	)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(line[len("event:"):])

		case strings.HasPrefix(line, "data:"):
			eventData = strings.TrimSpace(line[len("data:"):])

		case line == "":
			if eventName == "" {
				continue
			}
			if done := cm.handleStreamEvent(taskId, domain, eventName, eventData); done {
				return
			}
			eventName, eventData = "", ""
		}
	}

	if err := scanner.Err(); err != nil {
		logger.WithError(err).Debug("Reading fallback stream errored")
	}

	// a stream ending without a terminal event fails the task; the registry
	// ignores this for tasks which are already terminal
	cm.registry.HandleEnvelope(envelope.NewError(taskId, envelope.CodeInternalError,
		"stream closed before a terminal event", true))
}

func (cm *ConnectionManager) handleStreamEvent(taskId, domain, name, data string) bool {
	payload := make(map[string]interface{})
	if data != "" {
		if err := json.Unmarshal([]byte(data), &payload); err != nil {
			log.WithFields(log.Fields{
				"task":  taskId,
				"event": name,
			}).WithError(err).Warn("Parsing stream event data errored")
			return false
		}
	}

	action := ""
	switch name {
	case "connected":
		// stream-level handshake, no task transition
		return false
	case "start":
		action = envelope.ActionStarted
	case "content":
		action = envelope.ActionChunk
	case "thinking":
		action = envelope.ActionThinking
	case "done":
		action = envelope.ActionDone
	case "error":
		action = envelope.ActionError
	case "end":
		return true
	default:
		log.WithField("event", name).Debug("Dropping unknown stream event")
		return false
	}

	cm.registry.HandleEnvelope(envelope.New(domain+":"+action, taskId, payload))
	return false
}
