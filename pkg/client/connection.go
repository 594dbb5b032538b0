package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/gorilla/websocket"

	"github.com/taskwire/taskwire-go/pkg/envelope"
)

// TokenSource hands the ConnectionManager a bearer token for the login
// handshake and a refresh capability invoked when the server reports an
// expired or invalid token. Credential issuance itself lives elsewhere.
type TokenSource interface {
	Token() (string, error)
	Refresh() (string, error)
}

// StaticToken is a TokenSource around a fixed token without refresh support.
type StaticToken string

func (token StaticToken) Token() (string, error) {
	return string(token), nil
}

func (token StaticToken) Refresh() (string, error) {
	return "", fmt.Errorf("a static token cannot be refreshed")
}

// Config parameterizes a ConnectionManager. The zero value of each duration
// or counter falls back to a default.
type Config struct {
	// URL is the WebSocket endpoint, e.g., ws://localhost:8080/ws.
	URL string

	// StreamURL is the HTTP endpoint of the fallback stream transport.
	StreamURL string

	// Tokens supplies the bearer token; nil for anonymous connections.
	Tokens TokenSource

	// Method is the default transport preference, MethodAuto if empty.
	Method Method

	// HeartbeatInterval between keepalive pings, default 30s.
	HeartbeatInterval time.Duration

	// ReconnectBase is the first reconnect delay, default 1s. Further
	// attempts double it up to ReconnectMax, default 30s, for at most
	// ReconnectAttempts attempts, default 10.
	ReconnectBase     time.Duration
	ReconnectMax      time.Duration
	ReconnectAttempts int

	// AuthRetries bounds token refresh cycles per connection, default 2.
	AuthRetries int

	// Retention of terminal tasks before garbage collection.
	Retention time.Duration
}

func (config Config) withDefaults() Config {
	if config.Method == "" {
		config.Method = MethodAuto
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = 30 * time.Second
	}
	if config.ReconnectBase <= 0 {
		config.ReconnectBase = time.Second
	}
	if config.ReconnectMax <= 0 {
		config.ReconnectMax = 30 * time.Second
	}
	if config.ReconnectAttempts <= 0 {
		config.ReconnectAttempts = 10
	}
	if config.AuthRetries <= 0 {
		config.AuthRetries = 2
	}
	return config
}

// ConnectionManager owns the physical client connection: opening, closing,
// heartbeat, exponential backoff reconnection and the authentication
// handshake. It is an explicit instance with a controlled lifecycle; several
// independent managers may coexist within one process.
type ConnectionManager struct {
	config   Config
	registry *TaskRegistry
	router   *DomainRouter

	// writeMutex serializes writes on the socket, keeping concurrently
	// emitted envelopes from interleaving.
	writeMutex sync.Mutex

	mutex          sync.Mutex
	conn           *websocket.Conn
	connected      bool
	closing        bool
	attempts       int
	reconnectTimer *time.Timer
	heartbeatStop  chan struct{}

	connectionId  string
	currentToken  string
	authenticated bool
	authDone      chan struct{}
	authResolved  bool
	authErr       error
	authRefreshes int

	streamCancels map[string]context.CancelFunc
}

// NewConnectionManager creates a ConnectionManager with its own TaskRegistry
// and DomainRouter. Connect must be called before tasks can use the
// persistent transport; the fallback transport works without it.
func NewConnectionManager(config Config) *ConnectionManager {
	config = config.withDefaults()

	return &ConnectionManager{
		config:   config,
		registry: NewTaskRegistry(config.Retention),
		router:   NewDomainRouter(),

		authDone:      make(chan struct{}),
		streamCancels: make(map[string]context.CancelFunc),
	}
}

func (cm *ConnectionManager) log() *log.Entry {
	return log.WithField("connection", cm.config.URL)
}

// Registry returns this connection's TaskRegistry.
func (cm *ConnectionManager) Registry() *TaskRegistry {
	return cm.registry
}

// AddListener registers a domain listener, see DomainRouter.
func (cm *ConnectionManager) AddListener(domain string, fn ListenerFunc) (unsubscribe func()) {
	return cm.router.AddListener(domain, fn)
}

// Connected reports whether the persistent connection is currently open.
func (cm *ConnectionManager) Connected() bool {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()

	return cm.connected
}

// Authenticated reports whether the login handshake has succeeded.
func (cm *ConnectionManager) Authenticated() bool {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()

	return cm.authenticated
}

// ConnectionId returns the server-assigned connection identifier.
func (cm *ConnectionManager) ConnectionId() string {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()

	return cm.connectionId
}

// Connect opens the persistent connection if it is not already open; calling
// it while connected is a no-op. A successful open resets the reconnect
// attempt counter, starts the heartbeat and performs the login handshake.
func (cm *ConnectionManager) Connect() error {
	cm.mutex.Lock()
	if cm.connected {
		cm.mutex.Unlock()
		return nil
	}
	cm.closing = false
	if cm.reconnectTimer != nil {
		cm.reconnectTimer.Stop()
		cm.reconnectTimer = nil
	}
	cm.mutex.Unlock()

	conn, _, err := websocket.DefaultDialer.Dial(cm.config.URL, nil)
	if err != nil {
		cm.log().WithError(err).Warn("Opening WebSocket connection errored")
		cm.scheduleReconnect()
		return err
	}

	cm.mutex.Lock()
	if cm.connected {
		// lost a connect race; keep the established one
		cm.mutex.Unlock()
		_ = conn.Close()
		return nil
	}

	cm.conn = conn
	cm.connected = true
	cm.attempts = 0
	cm.authenticated = false
	if cm.authResolved {
		cm.authDone = make(chan struct{})
		cm.authResolved = false
		cm.authErr = nil
	}

	heartbeatStop := make(chan struct{})
	cm.heartbeatStop = heartbeatStop
	cm.mutex.Unlock()

	cm.log().Debug("WebSocket connection is open")

	go cm.readLoop(conn)
	go cm.heartbeat(heartbeatStop)

	cm.login()

	return nil
}

// Disconnect closes the connection with a normal status, cancels a pending
// reconnect timer and stops the heartbeat. A normal closure suppresses the
// automatic reconnection.
func (cm *ConnectionManager) Disconnect() {
	cm.mutex.Lock()
	cm.closing = true
	cm.mutex.Unlock()

	cm.teardown()
}

// Close disconnects and stops the TaskRegistry's maintenance handler.
func (cm *ConnectionManager) Close() {
	cm.Disconnect()
	cm.registry.Close()
}

// teardown synchronously shuts the current connection down with a normal
// close status. The readLoop's subsequent error is recognized as stale.
func (cm *ConnectionManager) teardown() {
	cm.mutex.Lock()
	conn := cm.conn
	cm.conn = nil
	cm.connected = false
	if cm.heartbeatStop != nil {
		close(cm.heartbeatStop)
		cm.heartbeatStop = nil
	}
	if cm.reconnectTimer != nil {
		cm.reconnectTimer.Stop()
		cm.reconnectTimer = nil
	}
	cm.mutex.Unlock()

	if conn != nil {
		cm.writeMutex.Lock()
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		cm.writeMutex.Unlock()

		_ = conn.Close()
	}
}

// readLoop reads envelopes until the connection dies. Malformed envelopes
// are logged and dropped, the connection stays open.
func (cm *ConnectionManager) readLoop(conn *websocket.Conn) {
	for {
		_, r, err := conn.NextReader()
		if err != nil {
			cm.handleClose(conn, err)
			return
		}

		if e, err := envelope.Unmarshal(r); err != nil {
			cm.log().WithError(err).Warn("Parsing incoming envelope errored")
		} else {
			cm.handleEnvelope(e)
		}
	}
}

// handleClose reacts to the transport's close event, the single liveness
// signal of this protocol. Non-normal closures schedule a reconnect.
func (cm *ConnectionManager) handleClose(conn *websocket.Conn, cause error) {
	cm.mutex.Lock()
	if cm.conn != conn {
		// a teardown or reconnect already superseded this connection
		cm.mutex.Unlock()
		return
	}

	cm.conn = nil
	cm.connected = false
	cm.authenticated = false
	if cm.heartbeatStop != nil {
		close(cm.heartbeatStop)
		cm.heartbeatStop = nil
	}
	wasClosing := cm.closing
	cm.mutex.Unlock()

	_ = conn.Close()

	cm.log().WithError(cause).Debug("WebSocket connection closed")

	cm.registry.failTransport(TransportWebSocket,
		fmt.Errorf("connection lost: %v", cause))

	if !wasClosing {
		cm.scheduleReconnect()
	}
}

// reconnectDelay returns base * 2^(attempt-1), capped at max.
func reconnectDelay(base, max time.Duration, attempt int) time.Duration {
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

func (cm *ConnectionManager) scheduleReconnect() {
	cm.mutex.Lock()

	if cm.closing || cm.reconnectTimer != nil {
		cm.mutex.Unlock()
		return
	}

	cm.attempts++
	if cm.attempts > cm.config.ReconnectAttempts {
		cm.mutex.Unlock()

		cm.log().Error("Reconnect attempts are exhausted, giving up")
		cm.router.broadcast(envelope.New(envelope.TypeShutdown, "", map[string]interface{}{
			"reason": "reconnect attempts exhausted",
		}))
		return
	}

	delay := reconnectDelay(cm.config.ReconnectBase, cm.config.ReconnectMax, cm.attempts)
	cm.log().WithFields(log.Fields{
		"attempt": cm.attempts,
		"delay":   delay,
	}).Info("Scheduling reconnect")

	cm.reconnectTimer = time.AfterFunc(delay, func() {
		cm.mutex.Lock()
		cm.reconnectTimer = nil
		cm.mutex.Unlock()

		_ = cm.Connect()
	})
	cm.mutex.Unlock()
}

// heartbeat sends a keepalive ping envelope on a fixed interval. A missing
// pong is deliberately not treated as a failure signal; liveness is inferred
// solely from the transport's close event.
func (cm *ConnectionManager) heartbeat(stop chan struct{}) {
	ticker := time.NewTicker(cm.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return

		case <-ticker.C:
			if err := cm.SendEnvelope(envelope.New(envelope.TypePing, "", nil)); err != nil {
				return
			}
		}
	}
}

// SendEnvelope writes one envelope to the persistent connection.
func (cm *ConnectionManager) SendEnvelope(e envelope.Envelope) error {
	cm.mutex.Lock()
	conn := cm.conn
	cm.mutex.Unlock()

	if conn == nil {
		return fmt.Errorf("connection is not open")
	}

	cm.writeMutex.Lock()
	defer cm.writeMutex.Unlock()

	w, err := conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}

	if err := envelope.Marshal(e, w); err != nil {
		return err
	}

	return w.Close()
}

// token returns the refreshed token if one exists, otherwise the source's.
func (cm *ConnectionManager) token() (string, error) {
	cm.mutex.Lock()
	current := cm.currentToken
	cm.mutex.Unlock()

	if current != "" {
		return current, nil
	}
	if cm.config.Tokens == nil {
		return "", nil
	}
	return cm.config.Tokens.Token()
}

// login sends the bearer token as an auth:login envelope. The token is never
// part of the connection URL so it cannot leak into proxy or server logs.
func (cm *ConnectionManager) login() {
	token, err := cm.token()
	if err != nil {
		cm.log().WithError(err).Warn("Fetching bearer token errored")
		cm.resolveAuth(err)
		return
	}
	if token == "" {
		return
	}

	if err := cm.SendEnvelope(envelope.New(envelope.TypeAuthLogin, "", map[string]interface{}{
		"token": token,
	})); err != nil {
		cm.log().WithError(err).Warn("Sending login envelope errored")
	}
}

// resolveAuth wakes WaitAuthenticated callers exactly once per handshake.
func (cm *ConnectionManager) resolveAuth(err error) {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()

	cm.resolveAuthLocked(err)
}

func (cm *ConnectionManager) resolveAuthLocked(err error) {
	if cm.authResolved {
		return
	}

	cm.authResolved = true
	cm.authErr = err
	close(cm.authDone)
}

// WaitAuthenticated blocks until the authentication handshake finished or
// ctx expires. It is woken by the auth:success or auth:error envelope; there
// is no polling. Without configured credentials it returns immediately.
func (cm *ConnectionManager) WaitAuthenticated(ctx context.Context) error {
	cm.mutex.Lock()
	if cm.config.Tokens == nil && cm.currentToken == "" {
		cm.mutex.Unlock()
		return nil
	}
	done := cm.authDone
	cm.mutex.Unlock()

	select {
	case <-done:
		cm.mutex.Lock()
		defer cm.mutex.Unlock()
		return cm.authErr

	case <-ctx.Done():
		return ctx.Err()
	}
}

// handleEnvelope is the single entry point for incoming envelopes: reserved
// control types update connection and auth state directly, task envelopes
// reach the registry, and every non-control envelope additionally reaches
// the domain's listeners.
func (cm *ConnectionManager) handleEnvelope(e envelope.Envelope) {
	if e.IsControl() {
		cm.handleControl(e)
		return
	}

	if e.TaskId != "" {
		// An unknown task id is no registry mutation; domains may run their
		// own ad hoc notifications next to task-oriented ones.
		cm.registry.HandleEnvelope(e)
	}

	cm.router.dispatch(e)
}

func (cm *ConnectionManager) handleControl(e envelope.Envelope) {
	switch e.Type {
	case envelope.TypeWelcome:
		cm.mutex.Lock()
		cm.connectionId = e.String("connectionId")
		if e.Bool("authenticated") {
			cm.authenticated = true
			cm.resolveAuthLocked(nil)
		}
		cm.mutex.Unlock()

		cm.log().WithField("connectionId", e.String("connectionId")).Debug("Received welcome")

	case envelope.TypePong:
		// absence of a pong is no failure signal, see heartbeat

	case envelope.TypeAuthSuccess:
		cm.mutex.Lock()
		cm.authenticated = true
		cm.authRefreshes = 0
		cm.resolveAuthLocked(nil)
		cm.mutex.Unlock()

		cm.log().Debug("Authentication succeeded")

	case envelope.TypeAuthError:
		cm.handleAuthError(e)

	case envelope.TypeBlocked, envelope.TypeShutdown:
		// connection-scoped events affect every in-flight task at once
		cm.log().WithField("type", e.Type).Warn("Received connection-scoped event")
		cm.router.broadcast(e)

	case envelope.TypeError:
		if e.TaskId != "" && cm.registry.HandleEnvelope(e) {
			return
		}
		cm.router.broadcast(e)

	default:
		cm.log().WithField("type", e.Type).Debug("Dropping unexpected control envelope")
	}
}

// handleAuthError reacts to a failed login. Expiry and invalidity trigger a
// bounded refresh-and-reconnect cycle; anything else, or an exhausted
// refresh budget, surfaces a terminal auth failure to the domain listeners.
func (cm *ConnectionManager) handleAuthError(e envelope.Envelope) {
	code := e.String("code")

	cm.mutex.Lock()
	refreshable := code == envelope.CodeTokenExpired || code == envelope.CodeTokenInvalid
	if refreshable && cm.config.Tokens != nil && cm.authRefreshes < cm.config.AuthRetries {
		cm.authRefreshes++
		cm.mutex.Unlock()

		cm.log().WithField("code", code).Info("Refreshing bearer token")
		go cm.refreshAndReconnect()
		return
	}

	cm.resolveAuthLocked(fmt.Errorf("authentication failed: %s", code))
	cm.mutex.Unlock()

	cm.log().WithField("code", code).Error("Authentication failed terminally")
	cm.router.broadcast(e)
}

// refreshAndReconnect fetches a fresh token, then tears the connection down
// and reopens it so the new token is used in the next handshake.
func (cm *ConnectionManager) refreshAndReconnect() {
	token, err := cm.config.Tokens.Refresh()
	if err != nil {
		cm.resolveAuth(fmt.Errorf("token refresh errored: %v", err))

		cm.log().WithError(err).Error("Token refresh errored")
		cm.router.broadcast(envelope.New(envelope.TypeAuthError, "", map[string]interface{}{
			"code":  envelope.CodeTokenInvalid,
			"error": "token refresh failed",
		}))
		return
	}

	cm.mutex.Lock()
	cm.currentToken = token
	cm.mutex.Unlock()

	cm.teardown()
	_ = cm.Connect()
}

// CancelTask optimistically cancels a non-terminal task, rejects its Handle
// and signals the server. Cancelling a terminal task is a no-op; the server
// remains authoritative for the actual end state.
func (cm *ConnectionManager) CancelTask(taskId string) {
	snapshot, exists := cm.registry.Get(taskId)
	if !exists {
		return
	}

	if !cm.registry.Cancel(taskId, "cancelled by client") {
		return
	}

	switch snapshot.Transport {
	case TransportStream:
		cm.mutex.Lock()
		cancel := cm.streamCancels[taskId]
		cm.mutex.Unlock()
		if cancel != nil {
			cancel()
		}

	default:
		msgType := snapshot.Domain + ":" + envelope.ActionCancel
		if err := cm.SendEnvelope(envelope.New(msgType, taskId, nil)); err != nil {
			cm.log().WithError(err).WithField("task", taskId).Debug("Sending cancel envelope errored")
		}
	}
}

// CancelAllTasks cancels every non-terminal task of this connection.
func (cm *ConnectionManager) CancelAllTasks() {
	domains := make(map[string]bool)
	for _, taskId := range cm.registry.CancelAll("cancelled by client") {
		if snapshot, exists := cm.registry.Get(taskId); exists {
			switch snapshot.Transport {
			case TransportStream:
				cm.mutex.Lock()
				cancel := cm.streamCancels[taskId]
				cm.mutex.Unlock()
				if cancel != nil {
					cancel()
				}

			default:
				domains[snapshot.Domain] = true
			}
		}
	}

	for domain := range domains {
		msgType := domain + ":" + envelope.ActionCancelAll
		if err := cm.SendEnvelope(envelope.New(msgType, "", nil)); err != nil {
			cm.log().WithError(err).Debug("Sending cancel_all envelope errored")
		}
	}
}
