// Package server implements the server half of the task-streaming protocol.
//
// A Controller accepts WebSocket connections, performs the authentication
// handshake against an external IdentityProvider and maintains one strictly
// isolated task map per connection. Start requests are handed to a pluggable
// TaskExecutor whose chunk events are relayed back FIFO per task. The same
// executor serves the fallback transport, a one-shot HTTP request answered
// with a server-originated event stream. Every task a connection owns is
// aborted before the connection's state is discarded; no task outlives its
// connection.
package server
