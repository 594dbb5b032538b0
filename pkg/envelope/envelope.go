package envelope

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
)

// Reserved control types. Envelopes of these types drive the connection and
// authentication state machines and are never routed to a task.
const (
	TypeWelcome     = "connection:welcome"
	TypeBlocked     = "connection:blocked"
	TypeShutdown    = "connection:shutdown"
	TypeAuthLogin   = "auth:login"
	TypeAuthSuccess = "auth:success"
	TypeAuthError   = "auth:error"
	TypeAuthLogout  = "auth:logout"
	TypePing        = "ping"
	TypePong        = "pong"
	TypeError       = "error"
)

// Task lifecycle actions, valid within any domain.
const (
	ActionStart     = "start"
	ActionStarted   = "started"
	ActionChunk     = "chunk"
	ActionThinking  = "thinking"
	ActionDone      = "done"
	ActionError     = "error"
	ActionCancel    = "cancel"
	ActionCancelAll = "cancel_all"
	ActionCancelled = "cancelled"
)

// Machine-readable error codes carried in error and auth:error envelopes.
const (
	CodeUnauthorized      = "UNAUTHORIZED"
	CodeForbidden         = "FORBIDDEN"
	CodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	CodeTaskNotFound      = "TASK_NOT_FOUND"
	CodeTaskExists        = "TASK_EXISTS"
	CodeConnectionBlocked = "CONNECTION_BLOCKED"
	CodeInternalError     = "INTERNAL_ERROR"

	CodeTokenExpired   = "TOKEN_EXPIRED"
	CodeTokenInvalid   = "TOKEN_INVALID"
	CodeTokenMalformed = "TOKEN_MALFORMED"
)

// Envelope is the single unit of wire communication. Its Type is always a
// "domain:action" pair, except for the bare ping/pong/error control types.
// All action-specific fields live flat in Payload and are serialized as
// top-level JSON keys next to type, taskId and timestamp.
type Envelope struct {
	Type      string
	TaskId    string
	Timestamp time.Time
	Payload   map[string]interface{}
}

// New creates an Envelope stamped with the current time.
func New(msgType, taskId string, payload map[string]interface{}) Envelope {
	return Envelope{
		Type:      msgType,
		TaskId:    taskId,
		Timestamp: time.Now(),
		Payload:   payload,
	}
}

// NewError creates an "error" Envelope with its code, human-readable message
// and retryable flag. A non-empty taskId scopes the error to one task.
func NewError(taskId, code, errorMsg string, retryable bool) Envelope {
	return New(TypeError, taskId, map[string]interface{}{
		"code":      code,
		"error":     errorMsg,
		"retryable": retryable,
	})
}

// Domain returns the part of the Type before the first colon. For the bare
// control types (ping, pong, error) the whole Type is the domain.
func (e Envelope) Domain() string {
	if idx := strings.IndexByte(e.Type, ':'); idx >= 0 {
		return e.Type[:idx]
	}
	return e.Type
}

// Action returns the part of the Type after the first colon, or an empty
// string for the bare control types.
func (e Envelope) Action() string {
	if idx := strings.IndexByte(e.Type, ':'); idx >= 0 {
		return e.Type[idx+1:]
	}
	return ""
}

// IsControl reports whether this Envelope's Type is one of the reserved
// connection/auth control types which must never be routed to a task.
func (e Envelope) IsControl() bool {
	switch e.Type {
	case TypeWelcome, TypeBlocked, TypeShutdown,
		TypeAuthLogin, TypeAuthSuccess, TypeAuthError, TypeAuthLogout,
		TypePing, TypePong, TypeError:
		return true
	default:
		return false
	}
}

// String fetches a string payload field, defaulting to "".
func (e Envelope) String(key string) string {
	if v, ok := e.Payload[key].(string); ok {
		return v
	}
	return ""
}

// Bool fetches a boolean payload field, defaulting to false.
func (e Envelope) Bool(key string) bool {
	if v, ok := e.Payload[key].(bool); ok {
		return v
	}
	return false
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	fields := make(map[string]interface{}, len(e.Payload)+3)
	for k, v := range e.Payload {
		fields[k] = v
	}

	fields["type"] = e.Type
	fields["timestamp"] = e.Timestamp.Format(time.RFC3339Nano)
	if e.TaskId != "" {
		fields["taskId"] = e.TaskId
	}

	return json.Marshal(fields)
}

func (e *Envelope) UnmarshalJSON(data []byte) error {
	var fields map[string]interface{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	msgType, ok := fields["type"].(string)
	if !ok || msgType == "" {
		return fmt.Errorf("envelope is missing its type field")
	}
	e.Type = msgType
	delete(fields, "type")

	if taskId, ok := fields["taskId"].(string); ok {
		e.TaskId = taskId
	}
	delete(fields, "taskId")

	if ts, ok := fields["timestamp"].(string); ok {
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			e.Timestamp = parsed
		}
	}
	delete(fields, "timestamp")

	e.Payload = fields
	return nil
}

// Marshal writes the JSON serialization of an Envelope to w.
func Marshal(e Envelope, w io.Writer) error {
	return json.NewEncoder(w).Encode(e)
}

// Unmarshal reads one JSON-serialized Envelope from r.
func Unmarshal(r io.Reader) (e Envelope, err error) {
	err = json.NewDecoder(r).Decode(&e)
	return
}
