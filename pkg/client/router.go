package client

import (
	"sync"

	"github.com/taskwire/taskwire-go/pkg/envelope"
)

// ListenerFunc receives every envelope of one domain together with the
// already parsed action.
type ListenerFunc func(e envelope.Envelope, action string)

// DomainRouter dispatches incoming envelopes to per-domain listener sets.
// Reserved control types are handled by the ConnectionManager and never reach
// domain listeners; connection-scoped events affecting all domains at once
// are broadcast to every listener instead.
type DomainRouter struct {
	mutex     sync.Mutex
	listeners map[string]map[int]ListenerFunc
	nextId    int
}

// NewDomainRouter creates an empty DomainRouter.
func NewDomainRouter() *DomainRouter {
	return &DomainRouter{
		listeners: make(map[string]map[int]ListenerFunc),
	}
}

// AddListener registers a callback for every envelope whose type starts with
// "domain:". The returned function unsubscribes the listener.
func (router *DomainRouter) AddListener(domain string, fn ListenerFunc) (unsubscribe func()) {
	router.mutex.Lock()
	defer router.mutex.Unlock()

	if _, exists := router.listeners[domain]; !exists {
		router.listeners[domain] = make(map[int]ListenerFunc)
	}

	id := router.nextId
	router.nextId++
	router.listeners[domain][id] = fn

	return func() {
		router.mutex.Lock()
		defer router.mutex.Unlock()

		delete(router.listeners[domain], id)
	}
}

// dispatch forwards an envelope to the listeners of its domain.
func (router *DomainRouter) dispatch(e envelope.Envelope) {
	router.mutex.Lock()
	fns := make([]ListenerFunc, 0, len(router.listeners[e.Domain()]))
	for _, fn := range router.listeners[e.Domain()] {
		fns = append(fns, fn)
	}
	router.mutex.Unlock()

	for _, fn := range fns {
		fn(e, e.Action())
	}
}

// broadcast forwards a connection-scoped envelope to every listener of every
// domain, since such events affect all in-flight tasks simultaneously.
func (router *DomainRouter) broadcast(e envelope.Envelope) {
	router.mutex.Lock()
	var fns []ListenerFunc
	for _, domain := range router.listeners {
		for _, fn := range domain {
			fns = append(fns, fn)
		}
	}
	router.mutex.Unlock()

	for _, fn := range fns {
		fn(e, e.Action())
	}
}
