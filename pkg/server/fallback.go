package server

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/taskwire/taskwire-go/pkg/envelope"
	"github.com/taskwire/taskwire-go/pkg/storage"
)

// streamSource tracks the request rate and live streams of one fallback
// caller. Without these the fallback transport would evade the limits the
// persistent connection enforces per Connection.
type streamSource struct {
	limiter *rateLimiter
	live    int
}

// streamKey identifies a fallback caller: the bearer token when one is
// present, the remote host otherwise.
func streamKey(r *http.Request) string {
	if token := bearerToken(r); token != "" {
		return token
	}

	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// acquireStream counts one fallback request against the caller's sliding
// window and claims a live stream slot. On success the rejection payload is
// nil and the caller must releaseStream; otherwise the payload describes the
// violated limit.
func (controller *Controller) acquireStream(key string) map[string]interface{} {
	controller.streamMutex.Lock()
	defer controller.streamMutex.Unlock()

	source, exists := controller.streams[key]
	if !exists {
		source = &streamSource{
			limiter: newRateLimiter(controller.config.MessageLimit, controller.config.RateWindow),
		}
		controller.streams[key] = source
	}

	now := time.Now()
	if !source.limiter.allow(now) {
		return map[string]interface{}{
			"code":       envelope.CodeRateLimitExceeded,
			"error":      "stream request rate limit exceeded",
			"retryable":  true,
			"retryAfter": source.limiter.retryAfter(now).Milliseconds(),
		}
	}

	if source.live >= controller.config.TaskLimit {
		// no retryAfter hint here: a slot frees up when a running stream
		// finishes, which the request window cannot predict
		return map[string]interface{}{
			"code":      envelope.CodeRateLimitExceeded,
			"error":     "concurrent task limit exceeded; retry after a running stream finished",
			"retryable": true,
		}
	}

	source.live++
	return nil
}

// releaseStream returns a live stream slot and drops the caller's record once
// neither a slot nor a window stamp is held.
func (controller *Controller) releaseStream(key string) {
	controller.streamMutex.Lock()
	defer controller.streamMutex.Unlock()

	source, exists := controller.streams[key]
	if !exists {
		return
	}

	if source.live > 0 {
		source.live--
	}

	source.limiter.prune(time.Now())
	if source.live == 0 && len(source.limiter.stamps) == 0 {
		delete(controller.streams, key)
	}
}

// StreamHandler serves the fallback transport, e.g., bound to /stream: a
// one-shot POST carrying the start envelope, answered with a
// server-originated event stream. The event vocabulary maps onto the task
// actions of the persistent connection, so clients are transport-agnostic.
func (controller *Controller) StreamHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	e, err := envelope.Unmarshal(r.Body)
	if err != nil {
		writeErrorEnvelope(w, http.StatusBadRequest, "",
			envelope.CodeInternalError, "parsing start envelope errored", false)
		return
	}
	if e.Action() != envelope.ActionStart {
		writeErrorEnvelope(w, http.StatusBadRequest, e.TaskId,
			envelope.CodeInternalError, "stream requests must carry a start envelope", false)
		return
	}

	var (
		claims        Claims
		authenticated bool
	)
	if token := bearerToken(r); token != "" {
		if claims, err = controller.validate(token); err != nil {
			writeErrorEnvelope(w, http.StatusUnauthorized, e.TaskId,
				authErrorCode(err), err.Error(), false)
			return
		}
		authenticated = true
	}

	policy := controller.policy(e.Domain(), e.Action())
	if policy.requireAuth {
		if !authenticated {
			writeErrorEnvelope(w, http.StatusUnauthorized, e.TaskId,
				envelope.CodeUnauthorized, e.Type+" requires authentication", false)
			return
		}
		for _, claim := range policy.claims {
			if !claims.Satisfies(claim) {
				writeErrorEnvelope(w, http.StatusForbidden, e.TaskId,
					envelope.CodeForbidden, e.Type+" requires the "+claim+" claim", false)
				return
			}
		}
	}

	key := streamKey(r)
	if rejection := controller.acquireStream(key); rejection != nil {
		controller.config.Metrics.rateLimited()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		if err := envelope.Marshal(envelope.New(envelope.TypeError, e.TaskId, rejection), w); err != nil {
			log.WithError(err).Debug("Writing rate limit envelope errored")
		}
		return
	}
	defer controller.releaseStream(key)

	taskId := e.TaskId
	if taskId == "" {
		taskId = connectionId()
	}
	streamId := connectionId()

	logger := log.WithFields(log.Fields{
		"stream": streamId,
		"task":   taskId,
	})

	ctx := r.Context()
	events, err := controller.config.Executor.Execute(ctx, e.Domain(), e.Action(), e.Payload)
	if err != nil {
		logger.WithError(err).Warn("Starting stream task errored")
		writeErrorEnvelope(w, http.StatusInternalServerError, taskId,
			envelope.CodeInternalError, err.Error(), true)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeStreamEvent(w, flusher, "connected", map[string]interface{}{"connectionId": streamId})
	writeStreamEvent(w, flusher, "start", map[string]interface{}{"taskId": taskId})

	controller.config.Metrics.taskStarted("stream")
	logger.WithField("domain", e.Domain()).Debug("Stream task started")

	var (
		content strings.Builder
		chunks  int
		created = time.Now()
		status  = ""
	)

	for event := range events {
		switch event.Kind {
		case EventChunk:
			chunks++
			content.WriteString(event.Content)
			writeStreamEvent(w, flusher, "content", map[string]interface{}{"content": event.Content})

		case EventThinking:
			writeStreamEvent(w, flusher, "thinking", map[string]interface{}{"content": event.Content})

		case EventDone:
			status = "done"
			payload := map[string]interface{}{"finishReason": event.FinishReason}
			for k, v := range event.Meta {
				payload[k] = v
			}
			writeStreamEvent(w, flusher, "done", payload)

		case EventError:
			status = "error"
			writeStreamEvent(w, flusher, "error", map[string]interface{}{
				"code":  envelope.CodeInternalError,
				"error": event.Error,
			})
		}

		if status != "" {
			break
		}
	}

	if status == "" {
		if ctx.Err() != nil {
			status = "cancelled"
		} else {
			status = "error"
			writeStreamEvent(w, flusher, "error", map[string]interface{}{
				"code":  envelope.CodeInternalError,
				"error": "executor closed without a terminal event",
			})
		}
	}

	// end signals stream closure after the terminal event
	writeStreamEvent(w, flusher, "end", nil)

	controller.config.Metrics.taskFinished("stream", status)

	if archive := controller.config.Archive; archive != nil {
		rec := storage.TaskRecord{
			ConnectionId: streamId,
			TaskId:       taskId,
			Domain:       e.Domain(),
			Status:       status,
			Chunks:       chunks,
			Created:      created,
			Completed:    time.Now(),
		}
		if err := archive.Archive(rec, content.String()); err != nil {
			logger.WithError(err).Warn("Archiving stream task errored")
		}
	}
}

func writeStreamEvent(w http.ResponseWriter, flusher http.Flusher, name string, data interface{}) {
	if _, err := fmt.Fprintf(w, "event: %s\n", name); err != nil {
		return
	}

	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			_, _ = fmt.Fprintf(w, "data: %s\n", raw)
		}
	}

	_, _ = fmt.Fprint(w, "\n")
	flusher.Flush()
}

func writeErrorEnvelope(w http.ResponseWriter, statusCode int, taskId, code, errorMsg string, retryable bool) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := envelope.Marshal(envelope.NewError(taskId, code, errorMsg, retryable), w); err != nil {
		log.WithError(err).Debug("Writing error envelope errored")
	}
}
