// Package client implements the client half of the task-streaming protocol.
//
// A ConnectionManager owns the persistent WebSocket connection including its
// heartbeat, exponential backoff reconnection and the authentication
// handshake. Incoming envelopes pass through a DomainRouter to per-domain
// listeners and, if they carry a known task id, to the TaskRegistry which
// tracks every in-flight task's state and resolves its completion Handle.
// StartTask selects the transport per task: the persistent connection when
// available, otherwise a one-shot HTTP request whose response is an event
// stream mapped onto the very same registry transitions.
package client
