package server

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-multierror"

	"github.com/taskwire/taskwire-go/pkg/envelope"
	"github.com/taskwire/taskwire-go/pkg/storage"
)

// Config parameterizes a Controller.
type Config struct {
	// Executor produces the event stream of every started task. Required.
	Executor TaskExecutor

	// Identity validates bearer tokens; nil rejects every login.
	Identity IdentityProvider

	// Archive receives terminal task records; nil disables archiving.
	Archive *storage.Store

	// Metrics collectors; nil disables metrics.
	Metrics *Metrics

	// MessageLimit is the number of inbound envelopes allowed per
	// RateWindow and connection, default 100 per 10s.
	MessageLimit int
	RateWindow   time.Duration

	// TaskLimit caps concurrently running tasks per connection, default 8.
	TaskLimit int
}

// check validates a Config, aggregating every violation.
func (config Config) check() error {
	var err *multierror.Error

	if config.Executor == nil {
		err = multierror.Append(err, fmt.Errorf("Config requires an Executor"))
	}
	if config.MessageLimit < 0 {
		err = multierror.Append(err, fmt.Errorf("MessageLimit must not be negative"))
	}
	if config.RateWindow < 0 {
		err = multierror.Append(err, fmt.Errorf("RateWindow must not be negative"))
	}
	if config.TaskLimit < 0 {
		err = multierror.Append(err, fmt.Errorf("TaskLimit must not be negative"))
	}

	return err.ErrorOrNil()
}

func (config Config) withDefaults() Config {
	if config.MessageLimit == 0 {
		config.MessageLimit = 100
	}
	if config.RateWindow == 0 {
		config.RateWindow = 10 * time.Second
	}
	if config.TaskLimit == 0 {
		config.TaskLimit = 8
	}
	return config
}

// actionPolicy declares the authentication requirements of one domain:action.
type actionPolicy struct {
	requireAuth bool
	claims      []string
}

// Controller accepts connections, runs the authentication handshake and owns
// the set of live connections, each with its strictly isolated task map.
type Controller struct {
	config   Config
	upgrader websocket.Upgrader

	policyMutex sync.Mutex
	policies    map[string]actionPolicy

	// streams holds the fallback transport's per-caller limits, keyed by
	// bearer token or remote host.
	streamMutex sync.Mutex
	streams     map[string]*streamSource

	// conns: Map[string]*Connection
	conns sync.Map
}

// NewController creates a Controller for the given Config.
func NewController(config Config) (*Controller, error) {
	if err := config.check(); err != nil {
		return nil, err
	}

	return &Controller{
		config:   config.withDefaults(),
		upgrader: websocket.Upgrader{},
		policies: make(map[string]actionPolicy),
		streams:  make(map[string]*streamSource),
	}, nil
}

// RequireAuth declares that a domain:action needs an authenticated
// connection, optionally holding each of the given claims. Unauthenticated
// calls are rejected with an UNAUTHORIZED error envelope, never dropped.
func (controller *Controller) RequireAuth(domain, action string, claims ...string) {
	controller.policyMutex.Lock()
	defer controller.policyMutex.Unlock()

	controller.policies[domain+":"+action] = actionPolicy{
		requireAuth: true,
		claims:      claims,
	}
}

func (controller *Controller) policy(domain, action string) actionPolicy {
	controller.policyMutex.Lock()
	defer controller.policyMutex.Unlock()

	return controller.policies[domain+":"+action]
}

// bearerToken extracts a Bearer token from a request's Authorization header.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(auth[len("Bearer "):])
	}
	return ""
}

// WebsocketHandler upgrades an HTTP request to the persistent connection,
// e.g., bound to /ws. A bearer token in the Authorization header
// authenticates the connection out of band, before the welcome envelope.
func (controller *Controller) WebsocketHandler(w http.ResponseWriter, r *http.Request) {
	wsConn, err := controller.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("Upgrading HTTP request to WebSocket errored")
		return
	}

	conn := newConnection(controller, wsConn)

	if token := bearerToken(r); token != "" {
		if claims, err := controller.validate(token); err != nil {
			conn.log().WithError(err).Debug("Out-of-band token validation errored")
		} else {
			conn.setClaims(claims)
		}
	}

	controller.conns.Store(conn.id, conn)
	controller.config.Metrics.connectionOpened()

	conn.welcome()
	go conn.handleConn()
}

func (controller *Controller) validate(token string) (Claims, error) {
	if controller.config.Identity == nil {
		return Claims{}, &AuthError{
			Code:    envelope.CodeTokenInvalid,
			Message: "no identity provider is configured",
		}
	}
	return controller.config.Identity.Validate(token)
}

// Connection looks a live connection up by its identifier.
func (controller *Controller) Connection(connectionId string) (*Connection, bool) {
	if conn, exists := controller.conns.Load(connectionId); exists {
		return conn.(*Connection), true
	}
	return nil, false
}

// Block marks a connection blocked: it is notified once, all its tasks are
// aborted and every further envelope is suppressed.
func (controller *Controller) Block(connectionId, reason string) error {
	conn, exists := controller.Connection(connectionId)
	if !exists {
		return fmt.Errorf("no connection %s is available", connectionId)
	}

	conn.block(reason)
	return nil
}

func (controller *Controller) unregister(conn *Connection) {
	if _, exists := controller.conns.LoadAndDelete(conn.id); exists {
		controller.config.Metrics.connectionClosed()
	}
}

// Close shuts every connection down, aborting all their tasks. Errors of the
// individual closes are aggregated.
func (controller *Controller) Close() error {
	var err *multierror.Error

	controller.conns.Range(func(_, conn interface{}) bool {
		if closeErr := conn.(*Connection).shutdown(); closeErr != nil {
			err = multierror.Append(err, closeErr)
		}
		return true
	})

	return err.ErrorOrNil()
}

func connectionId() string {
	return uuid.New().String()
}
