// Package envelope implements the wire message format shared by both halves
// of the task-streaming protocol.
//
// Every message exchanged over the persistent connection or the fallback
// stream is one Envelope, a JSON object whose "type" field is a domain:action
// pair. A small set of reserved control types handles connection and
// authentication state; everything else is routed by domain and, if a taskId
// is present, to the task it belongs to.
package envelope
